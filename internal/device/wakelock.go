package device

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
)

// Inhibitor implements capture.WakeLock by holding a systemd-inhibit process
// for the lifetime of the lock. Best-effort: hosts without systemd simply
// fail acquisition, which only warns the user.
type Inhibitor struct {
	logger *slog.Logger
}

func NewInhibitor(logger *slog.Logger) *Inhibitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inhibitor{logger: logger}
}

func (i *Inhibitor) Acquire(ctx context.Context) (func(), error) {
	cmd := exec.Command("systemd-inhibit",
		"--what=idle:sleep", "--who=voxd", "--why=audio capture in progress",
		"sleep", "infinity")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("acquire wake lock: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					i.logger.Warn("release wake lock", "error", err)
				}
			}
			cmd.Wait()
		})
	}
	return release, nil
}
