//go:build !linux

package browser

func canOpen() error { return nil }
