package browser

import (
	"errors"
	"os"
)

func canOpen() error {
	// We can't call xdg-open if there is no display, since it won't work.
	if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
		return errors.New("unable to open a browser (no DISPLAY)")
	}
	return nil
}
