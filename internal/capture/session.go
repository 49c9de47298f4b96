// Package capture owns the agent-side session state machine and the
// capture, compress, upload, notify pipeline behind it. One session may be
// active at a time; phase transitions are forward-only.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tapline-labs/tapline/internal/artifacts"
	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/retry"
)

var (
	// ErrStateConflict is returned by Start while any session has not yet
	// reached a terminal phase, and by Stop outside Capturing.
	ErrStateConflict = errors.New("capture session state conflict")
	// ErrRunMismatch is returned by Stop when the run id does not match the
	// active session.
	ErrRunMismatch = errors.New("capture session run id mismatch")
)

type Notifier interface {
	Notify(ctx context.Context, body []byte) error
}

type Config struct {
	Interface       string
	SubnetIPv4      string
	SubnetIPv6      string
	PcapDir         string
	DrainTimeout    time.Duration
	PipelineTimeout time.Duration
	GrantTTL        time.Duration
	UploadRetry     retry.Config
}

func (c Config) withDefaults() Config {
	if c.Interface == "" {
		c.Interface = "vxlan0"
	}
	if c.PcapDir == "" {
		c.PcapDir = "/var/lib/tapline/pcaps"
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 10 * time.Minute
	}
	if c.GrantTTL <= 0 {
		c.GrantTTL = 24 * time.Hour
	}
	return c
}

// Status is the side-effect-free snapshot returned by the status endpoint.
type Status struct {
	RunID       string              `json:"run_id,omitempty"`
	Phase       domain.SessionPhase `json:"phase"`
	FailedStage string              `json:"failed_stage,omitempty"`
	Error       string              `json:"error,omitempty"`
	Artifacts   []domain.Artifact   `json:"artifacts,omitempty"`
}

type activeLeg struct {
	leg  Leg
	proc Process
	path string
}

type session struct {
	runID       string
	phase       domain.SessionPhase
	startedAt   time.Time
	legs        []activeLeg
	artifacts   []domain.Artifact
	failedStage string
	err         string
}

// Manager serializes all session access and drives the pipeline goroutine
// spawned on Stop.
type Manager struct {
	logger   *slog.Logger
	cfg      Config
	runner   ProcessRunner
	store    artifacts.Store
	notifier Notifier
	now      func() time.Time

	mu      sync.Mutex
	current *session
	// done is closed when the pipeline for the current session finishes;
	// tests use it to wait deterministically.
	done chan struct{}
}

func NewManager(logger *slog.Logger, cfg Config, runner ProcessRunner, store artifacts.Store, notifier Notifier) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("process runner is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.PcapDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pcap dir: %w", err)
	}
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		runner:   runner,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}, nil
}

// Start begins capturing for runID. Allowed only while no non-terminal
// session exists; a stale active session must be cleared out-of-band.
func (m *Manager) Start(ctx context.Context, runID string, runners []domain.Runner) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if len(runners) == 0 {
		return errors.New("at least one runner is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.phase.Terminal() {
		return fmt.Errorf("%w: session %s in phase %s", ErrStateConflict, m.current.runID, m.current.phase)
	}

	// The capture must outlive the start request: its lifetime ends at the
	// drain in Stop, never when the caller's context is cancelled.
	captureCtx := context.WithoutCancel(ctx)

	legs := Legs(runners, m.cfg.SubnetIPv4, m.cfg.SubnetIPv6)
	started := make([]activeLeg, 0, len(legs))
	for _, leg := range legs {
		path := PcapPath(m.cfg.PcapDir, runID, leg)
		proc, err := m.runner.Start(captureCtx, leg, m.cfg.Interface, path)
		if err != nil {
			for _, al := range started {
				_ = al.proc.Stop(m.cfg.DrainTimeout)
				_ = os.Remove(al.path)
			}
			return fmt.Errorf("start capture leg %s: %w", leg.key(), err)
		}
		started = append(started, activeLeg{leg: leg, proc: proc, path: path})
	}

	m.current = &session{
		runID:     runID,
		phase:     domain.SessionCapturing,
		startedAt: m.now().UTC(),
		legs:      started,
	}
	m.done = make(chan struct{})
	m.logger.Info("capture session started", "run_id", runID, "legs", len(started))
	return nil
}

// Stop flushes the capture for runID and hands off to the asynchronous
// pipeline. The HTTP response returns as soon as draining begins.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.runID != runID {
		active := ""
		if m.current != nil {
			active = m.current.runID
		}
		return fmt.Errorf("%w: active %q, requested %q", ErrRunMismatch, active, runID)
	}
	if m.current.phase != domain.SessionCapturing {
		return fmt.Errorf("%w: session in phase %s", ErrStateConflict, m.current.phase)
	}

	m.transitionLocked(domain.SessionDraining)
	go m.runPipeline(m.current, m.done)
	return nil
}

// Status reports the current session without side effects. An agent that
// has never started a session reports Idle.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Status{Phase: domain.SessionIdle}
	}
	artifactsCopy := make([]domain.Artifact, len(m.current.artifacts))
	copy(artifactsCopy, m.current.artifacts)
	return Status{
		RunID:       m.current.runID,
		Phase:       m.current.phase,
		FailedStage: m.current.failedStage,
		Error:       m.current.err,
		Artifacts:   artifactsCopy,
	}
}

// PipelineDone exposes the completion signal of the in-flight pipeline.
func (m *Manager) PipelineDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) transitionLocked(next domain.SessionPhase) {
	if m.current == nil {
		return
	}
	if !domain.CanTransitionSessionPhase(m.current.phase, next) {
		m.logger.Error("illegal session transition dropped",
			"run_id", m.current.runID, "from", m.current.phase, "to", next)
		return
	}
	m.logger.Info("session phase",
		"run_id", m.current.runID, "from", m.current.phase, "to", next)
	m.current.phase = next
}

func (m *Manager) transition(s *session, next domain.SessionPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s {
		return
	}
	m.transitionLocked(next)
}

func (m *Manager) fail(s *session, stage string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s {
		return
	}
	s.failedStage = stage
	s.err = err.Error()
	m.transitionLocked(domain.SessionFailed)
	m.logger.Error("capture session failed", "run_id", s.runID, "stage", stage, "error", err)
}
