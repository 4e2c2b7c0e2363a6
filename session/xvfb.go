package session

import (
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// xvfbDisplay wraps an Xvfb process backing the headful engine.
type xvfbDisplay struct {
	cmd    *exec.Cmd
	logger *slog.Logger
}

// startXvfb launches an Xvfb virtual display for headful mode.
func startXvfb(display string, logger *slog.Logger) (*xvfbDisplay, error) {
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-ac")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start xvfb: %w", err)
	}

	// Give Xvfb a moment to initialise.
	time.Sleep(500 * time.Millisecond)

	logger.Info("session: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return &xvfbDisplay{cmd: cmd, logger: logger}, nil
}

// stop kills the Xvfb process if running.
func (x *xvfbDisplay) stop() {
	if x == nil || x.cmd == nil {
		return
	}
	if x.cmd.Process != nil {
		x.cmd.Process.Kill()
		x.cmd.Wait()
	}
	x.logger.Info("session: xvfb stopped")
	x.cmd = nil
}
