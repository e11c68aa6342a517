// Package browser owns the per-session side-effect resources: a virtual
// display, a headless browser, a VNC server, an element map, and the
// latest-screenshot buffer. Everything is keyed by session id and never
// shared across sessions.
package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Process is a killable owned child process.
type Process interface {
	Kill() error
}

// Conn is the live browser connection owned by a session. The concrete
// *RodConn exposes the rod handles to the browser tool.
type Conn interface {
	Close() error
}

// Launcher is the spawn seam: the real implementation starts Xvfb, x11vnc
// and a Chromium via rod; tests substitute a fake.
type Launcher interface {
	// StartDisplay spawns a virtual display server for ":<display>" and
	// waits for its socket.
	StartDisplay(ctx context.Context, display int) (Process, error)
	// StartVNC spawns a VNC server bound to the display on port.
	StartVNC(ctx context.Context, display, port int) (Process, error)
	// ConnectBrowser launches the browser on the display and opens its
	// default page. onDisconnect fires once when the browser connection
	// dies.
	ConnectBrowser(ctx context.Context, display int, onDisconnect func()) (Conn, error)
}

// RodConn is the production browser connection.
type RodConn struct {
	Browser *rod.Browser
	Page    *rod.Page
}

func (c *RodConn) Close() error {
	return c.Browser.Close()
}

// ExecLauncher is the production Launcher: Xvfb + x11vnc child processes
// and a rod-driven Chromium.
type ExecLauncher struct {
	// HomeDir is set as HOME for the browser so the profile lands
	// somewhere writable in containers. Empty = os.TempDir().
	HomeDir string
}

const (
	displaySocketAttempts = 50
	displaySocketInterval = 100 * time.Millisecond
)

func (l *ExecLauncher) StartDisplay(ctx context.Context, display int) (Process, error) {
	cmd := exec.Command("Xvfb", fmt.Sprintf(":%d", display), "-screen", "0", "1280x1024x24")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start Xvfb: %w", err)
	}
	go cmd.Wait()

	// Poll for the X socket with bounded attempts.
	socket := filepath.Join("/tmp/.X11-unix", "X"+strconv.Itoa(display))
	for i := 0; i < displaySocketAttempts; i++ {
		if _, err := os.Stat(socket); err == nil {
			return cmd.Process, nil
		}
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
			return nil, ctx.Err()
		case <-time.After(displaySocketInterval):
		}
	}
	cmd.Process.Kill()
	return nil, fmt.Errorf("display :%d socket did not appear", display)
}

func (l *ExecLauncher) StartVNC(ctx context.Context, display, port int) (Process, error) {
	cmd := exec.Command("x11vnc",
		"-display", fmt.Sprintf(":%d", display),
		"-rfbport", strconv.Itoa(port),
		"-forever", "-shared", "-nopw", "-quiet")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start x11vnc: %w", err)
	}
	go cmd.Wait()
	return cmd.Process, nil
}

func (l *ExecLauncher) ConnectBrowser(ctx context.Context, display int, onDisconnect func()) (Conn, error) {
	home := l.HomeDir
	if home == "" {
		home = os.TempDir()
	}

	lc := launcher.New().
		NoSandbox(true). // containerised deployments
		Headless(false). // rendering goes to the virtual display
		Env(append(os.Environ(),
			"DISPLAY=:"+strconv.Itoa(display),
			"HOME="+home,
		)...)

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open default page: %w", err)
	}

	go func() {
		// The event channel closes when the connection dies.
		for range b.Event() {
		}
		onDisconnect()
	}()

	return &RodConn{Browser: b, Page: page}, nil
}
