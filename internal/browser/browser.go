package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// ErrChromeNotFound is returned when no Chromium binary can be located.
var ErrChromeNotFound = errors.New("chrome not found")

// ErrStartTimeout is returned when the debugging endpoint never comes up.
var ErrStartTimeout = errors.New("browser start timeout")

// UserDataDirDefault selects the user's own browser profile instead of a
// throwaway one.
const UserDataDirDefault = "default"

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	// Headless runs the browser without a visible window.
	Headless bool

	// Port for CDP remote debugging. Zero means DefaultPort.
	Port int

	// UserDataDir selects the profile directory: empty creates a
	// temporary one, UserDataDirDefault uses the user's own profile,
	// anything else is used as a path.
	UserDataDir string

	// StartURL is the page the first tab opens. Empty means about:blank.
	StartURL string
}

// Browser is a launched Chromium process with debugging enabled.
type Browser struct {
	cmd      *exec.Cmd
	endpoint Endpoint
	dataDir  string
	ownsData bool
}

// chromePaths lists binary locations to probe on this platform.
func chromePaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	case "linux":
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
		}
	default:
		return nil
	}
}

// FindChrome locates a Chromium binary. The WEBTAP_CHROME environment
// variable wins; otherwise the platform's common paths are probed.
func FindChrome() (string, error) {
	if envPath := os.Getenv("WEBTAP_CHROME"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", ErrChromeNotFound
	}

	for _, path := range chromePaths() {
		if found, err := exec.LookPath(path); err == nil {
			return found, nil
		}
	}
	return "", ErrChromeNotFound
}

// buildArgs assembles the Chromium command line.
func buildArgs(opts LaunchOptions) []string {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-popup-blocking",
	}

	// Avoid platform keyring prompts.
	switch runtime.GOOS {
	case "darwin":
		args = append(args, "--use-mock-keychain")
	case "linux":
		args = append(args, "--password-store=basic")
	}

	if opts.Headless {
		args = append(args, "--headless")
	}
	if opts.UserDataDir != "" && opts.UserDataDir != UserDataDirDefault {
		args = append(args, "--user-data-dir="+opts.UserDataDir)
	}

	startURL := opts.StartURL
	if startURL == "" {
		startURL = "about:blank"
	}
	return append(args, startURL)
}

// Launch finds a Chromium binary, starts it with debugging enabled, and
// waits for the endpoint to answer.
func Launch(opts LaunchOptions) (*Browser, error) {
	binPath, err := FindChrome()
	if err != nil {
		return nil, err
	}
	return LaunchBinary(binPath, opts)
}

// LaunchBinary is Launch with an explicit binary path.
func LaunchBinary(binPath string, opts LaunchOptions) (*Browser, error) {
	var dataDir string
	ownsData := false
	switch opts.UserDataDir {
	case "":
		var err error
		dataDir, err = os.MkdirTemp("", "webtap-chrome-*")
		if err != nil {
			return nil, fmt.Errorf("create temp profile: %w", err)
		}
		opts.UserDataDir = dataDir
		ownsData = true
	case UserDataDirDefault:
	default:
		dataDir = opts.UserDataDir
	}

	cmd := exec.Command(binPath, buildArgs(opts)...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		if ownsData {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	b := &Browser{
		cmd:      cmd,
		endpoint: Endpoint{Host: "127.0.0.1", Port: port},
		dataDir:  dataDir,
		ownsData: ownsData,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.waitForEndpoint(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// waitForEndpoint polls /json/version until the browser answers.
func (b *Browser) waitForEndpoint(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrStartTimeout
		case <-ticker.C:
			if _, err := b.endpoint.Version(ctx); err == nil {
				return nil
			}
		}
	}
}

// Endpoint returns the debugging endpoint of the launched browser.
func (b *Browser) Endpoint() Endpoint {
	return b.endpoint
}

// PID returns the browser process id, or zero after Close.
func (b *Browser) PID() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Close terminates the browser and removes any throwaway profile.
func (b *Browser) Close() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}

	if err := b.cmd.Process.Signal(os.Interrupt); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			_ = b.cmd.Process.Kill()
		}
	}
	_ = b.cmd.Wait()

	if b.ownsData && b.dataDir != "" {
		os.RemoveAll(b.dataDir)
	}
	b.cmd = nil
	return nil
}
