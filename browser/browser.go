// Package browser opens URLs in the user's default web browser.
package browser

import (
	"context"
	"fmt"

	pkgbrowser "github.com/pkg/browser"
)

var openURL = pkgbrowser.OpenURL

// Open asks the system to open url in the default browser. It returns once
// the launcher exits or ctx ends, which does not mean the page has been
// loaded.
func Open(ctx context.Context, url string) error {
	if err := canOpen(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- openURL(url) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("open browser: %w", err)
		}
		return nil
	}
}
