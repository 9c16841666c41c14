// Package browser hands URLs to the user's default browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// command returns the launcher for goos.
func command(goos, target string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{target}
	case "windows":
		// cmd /c start mangles URLs containing '&'
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	default:
		return "xdg-open", []string{target}
	}
}

// Open launches the default browser for target and returns without waiting
// for it. Only http and https URLs are accepted.
func Open(ctx context.Context, target string) error {
	if target == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("refusing to open %q", target)
	}

	name, args := command(runtime.GOOS, target)
	// The browser outlives the request, so it must not inherit ctx's cancellation
	cmd := exec.CommandContext(context.WithoutCancel(ctx), name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
