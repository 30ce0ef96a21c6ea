// Package launch starts applications and opens files or URLs for result
// actions, detached from the daemon.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/kalambet/hotbox/internal/logging"
)

// Launcher runs result actions.
type Launcher interface {
	// Open hands target (a path or URL) to the desktop's default handler.
	Open(ctx context.Context, target string) error
	// Run starts argv as a detached process and does not wait for it.
	Run(ctx context.Context, argv []string) error
}

// System launches real processes.
type System struct {
	logger *slog.Logger
	exited func(pid int, err error)
}

func NewSystem() *System {
	return &System{logger: logging.ForComponent(logging.CompLaunch)}
}

// OpenerCommand returns the argv that opens target on goos.
func OpenerCommand(goos, target string) []string {
	switch goos {
	case "darwin":
		return []string{"open", target}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", target}
	default:
		return []string{"xdg-open", target}
	}
}

func (s *System) Open(ctx context.Context, target string) error {
	if target == "" {
		return errors.New("nothing to open")
	}
	return s.Run(ctx, OpenerCommand(runtime.GOOS, target))
}

func (s *System) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("finding %s: %w", argv[0], err)
	}

	// Not CommandContext: the child must outlive the request that started it.
	cmd := exec.Command(path, argv[1:]...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	s.logger.Info("launched", "cmd", argv[0], "pid", pid)

	// Reap the child so exited launches do not linger as zombies.
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Debug("launched process exited", "cmd", argv[0], "pid", pid, "error", err)
		}
		if s.exited != nil {
			s.exited(pid, err)
		}
	}()
	return nil
}
