// Package daemon implements the runtime's PID-file lifecycle and
// orderly multi-server shutdown: starting the API and Cyclops
// sub-servers as goroutines, probing/stopping an already-running daemon,
// and waiting on SIGINT/SIGTERM the way the teacher's gRPC server does.
//
// Go offers no fork() that preserves a running process, so the daemon
// always runs in the invoking process, in the foreground: Start writes
// the PID file and runs the sub-servers until shutdown. It does not fork,
// does not redirect log output to rotating file sinks, and does not
// detach from the invoking terminal's stdout/stderr.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
)

// SubServer is one of the daemon's independently-runnable components
// (the API app, Cyclops). Run blocks until ctx is cancelled or the
// sub-server fails on its own.
type SubServer interface {
	Name() string
	Run(ctx context.Context) error
}

// Daemon owns the PID file and coordinates every enabled SubServer.
type Daemon struct {
	PIDPath string
	Logger  *slog.Logger
	Servers []SubServer
}

// New builds a Daemon that will manage the given sub-servers.
func New(pidPath string, logger *slog.Logger, servers ...SubServer) *Daemon {
	return &Daemon{PIDPath: pidPath, Logger: logger, Servers: servers}
}

// EnsureNotRunning checks the PID file: if a process at that PID is
// alive, it is sent SIGTERM, the PID file is removed, and an
// *apperror.Error of kind KindDaemonAlreadyRunning is returned so the
// caller can stop the current
// `kiwi --start-server` invocation (mirroring the original runtime's
// "already running -> stop it" toggle behavior).
func (d *Daemon) EnsureNotRunning() error {
	pid, ok, err := d.readPID()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if isAlive(pid) {
		d.Logger.Info("stopping existing daemon", "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGTERM)
		os.Remove(d.PIDPath)
		return apperror.New(apperror.KindDaemonAlreadyRunning, fmt.Sprintf("daemon (pid %d) was already running and has been stopped", pid))
	}

	// stale PID file, left by a crashed daemon
	os.Remove(d.PIDPath)
	return nil
}

// Start writes the PID file, launches every enabled sub-server in its
// own goroutine, and blocks until SIGINT/SIGTERM or a sub-server fails.
func (d *Daemon) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.PIDPath), 0o755); err != nil {
		return apperror.Wrap(err, apperror.KindIOFailed, "creating PID file directory")
	}
	if err := os.WriteFile(d.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return apperror.Wrap(err, apperror.KindIOFailed, "writing PID file")
	}
	defer os.Remove(d.PIDPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(d.Servers))
	for _, s := range d.Servers {
		go func(s SubServer) {
			d.Logger.Info("starting sub-server", "component", s.Name())
			if err := s.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
			}
		}(s)
	}

	return d.waitForShutdown(cancel, errCh)
}

// waitForShutdown blocks on either a sub-server failure or an OS
// shutdown signal, then cancels every sub-server's context and returns,
// mirroring the teacher's GRPCServer.waitForShutdown.
func (d *Daemon) waitForShutdown(cancel context.CancelFunc, errCh chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		d.Logger.Error("sub-server failed", "error", err)
		cancel()
		return err
	case sig := <-quit:
		d.Logger.Info("received shutdown signal", "signal", sig)
	}

	cancel()

	select {
	case <-time.After(10 * time.Second):
		d.Logger.Warn("sub-servers did not stop within grace period")
	case <-drainOne(errCh):
	}
	return nil
}

func drainOne(errCh chan error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-errCh
		close(done)
	}()
	return done
}

// readPID reads and parses the PID file; ok is false if it does not
// exist.
func (d *Daemon) readPID() (pid int, ok bool, err error) {
	data, readErr := os.ReadFile(d.PIDPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, false, nil
		}
		return 0, false, apperror.Wrap(readErr, apperror.KindIOFailed, "reading PID file")
	}
	p, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if parseErr != nil {
		return 0, false, nil
	}
	return p, true, nil
}

// isAlive probes a PID with signal 0, the standard liveness check the
// original runtime's kill(pid, 0) also relies on.
func isAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
