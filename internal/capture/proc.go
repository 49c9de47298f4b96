package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessRunner starts capture processes. Tests substitute a fake; the
// production implementation shells out to tcpdump.
type ProcessRunner interface {
	Start(ctx context.Context, leg Leg, iface, outFile string) (Process, error)
}

// Process is a running capture leg. Stop must flush and close the capture
// cleanly; only after the drain timeout may the process be killed.
type Process interface {
	Stop(timeout time.Duration) error
}

type TcpdumpRunner struct {
	logger *slog.Logger
	bin    string
}

func NewTcpdumpRunner(logger *slog.Logger) (*TcpdumpRunner, error) {
	if _, err := exec.LookPath("tcpdump"); err != nil {
		return nil, fmt.Errorf("tcpdump binary not found: %w", err)
	}
	return &TcpdumpRunner{logger: logger, bin: "tcpdump"}, nil
}

func (r *TcpdumpRunner) Start(ctx context.Context, leg Leg, iface, outFile string) (Process, error) {
	if iface == "" {
		return nil, errors.New("capture interface is required")
	}
	if outFile == "" {
		return nil, errors.New("capture output file is required")
	}

	cmd := exec.CommandContext(ctx, r.bin,
		"-i", iface,
		"-w", outFile,
		"-s", "0",
		"--immediate-mode",
		leg.Filter,
	)
	// Own process group so a kill reaches tcpdump's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tcpdump: %w", err)
	}

	r.logger.Info("capture process started",
		"leg", leg.key(), "pid", cmd.Process.Pid, "iface", iface, "file", outFile)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.logger.Debug("tcpdump stderr", "leg", leg.key(), "msg", scanner.Text())
		}
	}()

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	return &tcpdumpProcess{cmd: cmd, waitCh: waitCh, logger: r.logger, leg: leg}, nil
}

type tcpdumpProcess struct {
	cmd    *exec.Cmd
	waitCh chan error
	logger *slog.Logger
	leg    Leg
}

// Stop signals SIGTERM so tcpdump flushes and closes the pcap, waits up to
// timeout, and only then kills the process group.
func (p *tcpdumpProcess) Stop(timeout time.Duration) error {
	if p.cmd.Process == nil {
		return errors.New("capture process never started")
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case err := <-p.waitCh:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return err
		}
		p.logger.Info("capture process drained", "leg", p.leg.key())
		return nil
	case <-time.After(timeout):
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.waitCh
		return fmt.Errorf("capture leg %s killed after %s drain timeout", p.leg.key(), timeout)
	}
}

// CleanupStale removes leftover pcaps from an earlier crashed session.
func CleanupStale(logger *slog.Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := dir + "/" + e.Name()
		if err := os.Remove(name); err != nil {
			logger.Warn("failed to remove stale capture file", "file", name, "error", err)
		}
	}
}
