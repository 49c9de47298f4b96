// Package controller sequences one test run end to end: capture start,
// workload provisioning and mirroring, workload awaiting, capture stop,
// pipeline drain, and guaranteed teardown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapline-labs/tapline/internal/agentclient"
	"github.com/tapline-labs/tapline/internal/capture"
	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/mirror"
	"github.com/tapline-labs/tapline/internal/platform/retry"
	"github.com/tapline-labs/tapline/internal/provision"
)

var (
	// ErrHostUnreachable: the capture host never answered health checks.
	ErrHostUnreachable = errors.New("capture host unreachable")
	// ErrAgentStateConflict: the agent already holds a non-terminal session.
	// Fatal, never retried; a stale session is cleared out-of-band.
	ErrAgentStateConflict = errors.New("capture agent session conflict")
	// ErrWorkloadFailed: a workload could not be created or ended Failed or
	// TimedOut.
	ErrWorkloadFailed = errors.New("workload failed")
	// ErrStopRejected: the agent refused the stop for this run id.
	ErrStopRejected = errors.New("capture stop rejected")
	// ErrPipelineTimeout: the agent pipeline never reached a terminal phase
	// within the bound.
	ErrPipelineTimeout = errors.New("capture pipeline timed out")

	errNotTerminal = errors.New("not terminal yet")
)

// AgentControl is the slice of the agent protocol the controller drives.
// *agentclient.Client satisfies it.
type AgentControl interface {
	WaitReachable(ctx context.Context, cfg retry.Config) error
	Start(ctx context.Context, runID string, runners []domain.Runner) error
	Stop(ctx context.Context, runID string) error
	Status(ctx context.Context) (capture.Status, error)
}

// MirrorBinder is the binding surface the controller needs. *mirror.Binder
// satisfies it.
type MirrorBinder interface {
	DiscoverNetworkIdentity(ctx context.Context, lookup func(ctx context.Context) (string, error)) (string, error)
	Attach(ctx context.Context, networkIdentity string) (domain.MirrorBinding, error)
	DetachAll(ctx context.Context, bindings []domain.MirrorBinding) error
}

// Recorder persists run progress for later inspection. Recording failures
// are logged, never fatal. A nil Recorder disables persistence.
type Recorder interface {
	RecordRun(ctx context.Context, run domain.Run) error
	RecordPhase(ctx context.Context, runID string, phase domain.RunPhase) error
	RecordArtifacts(ctx context.Context, runID string, artifacts []domain.Artifact) error
}

// WorkloadSpec is the per-runner workload profile.
type WorkloadSpec struct {
	ImageRef string
	CPU      string
	Memory   string
}

type Config struct {
	RunID       string // allocated when empty
	Runners     []domain.Runner
	Workloads   map[domain.Runner]WorkloadSpec
	TargetsJSON string

	// NewAgent builds the agent client once the capture host address is
	// known.
	NewAgent func(baseURL string) (AgentControl, error)

	Reachability    retry.Config
	StatusPoll      retry.Config
	WorkloadPoll    retry.Config
	WorkloadTimeout time.Duration
	PipelineTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RunID) == "" {
		c.RunID = uuid.NewString()
	}
	if c.WorkloadTimeout <= 0 {
		c.WorkloadTimeout = 15 * time.Minute
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 10 * time.Minute
	}
	return c
}

func (c Config) Validate() error {
	if len(c.Runners) == 0 {
		return errors.New("at least one runner is required")
	}
	for _, r := range c.Runners {
		if _, ok := c.Workloads[r]; !ok {
			return fmt.Errorf("no workload profile for runner %s", r)
		}
	}
	if c.NewAgent == nil {
		return errors.New("agent factory is required")
	}
	return nil
}

// Summary is the final report of one run.
type Summary struct {
	RunID     string
	Phase     domain.RunPhase
	Degraded  []domain.Runner // runners left unmirrored after a bind timeout
	Artifacts []domain.Artifact
	StartedAt time.Time
	EndedAt   time.Time
}

// Controller owns all per-run state: the binding registry, the created
// workload handles, and the phase. Nothing here is process-wide, so runs
// could execute concurrently up to the agent's single-session limit.
type Controller struct {
	logger   *slog.Logger
	cfg      Config
	prov     provision.Provisioner
	binder   MirrorBinder
	recorder Recorder
	now      func() time.Time

	agent AgentControl
	run   domain.Run

	tasks    []*domain.WorkloadTask
	bindings []domain.MirrorBinding
	degraded []domain.Runner

	tornDown bool
}

func New(logger *slog.Logger, cfg Config, prov provision.Provisioner, binder MirrorBinder, recorder Recorder) (*Controller, error) {
	if prov == nil {
		return nil, errors.New("provisioner is required")
	}
	if binder == nil {
		return nil, errors.New("mirror binder is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		logger:   logger,
		cfg:      cfg,
		prov:     prov,
		binder:   binder,
		recorder: recorder,
		now:      time.Now,
	}, nil
}

// Execute drives the run to a terminal phase. Teardown always runs, on both
// the success and every failure path, before Execute returns.
func (c *Controller) Execute(ctx context.Context) (Summary, error) {
	c.run = domain.Run{
		ID:        c.cfg.RunID,
		Runners:   c.cfg.Runners,
		Phase:     domain.RunPhaseInit,
		StartedAt: c.now().UTC(),
	}
	c.logger.Info("run starting", "run_id", c.run.ID, "runners", len(c.run.Runners))
	if c.recorder != nil {
		if err := c.recorder.RecordRun(ctx, c.run); err != nil {
			c.logger.Warn("record run failed", "run_id", c.run.ID, "error", err)
		}
	}

	artifacts, runErr := c.forward(ctx)

	// Teardown must proceed even when the run context was cancelled.
	c.teardown(context.WithoutCancel(ctx))

	if runErr != nil {
		c.setPhase(ctx, domain.RunPhaseFailed)
	} else {
		c.setPhase(ctx, domain.RunPhaseCompleted)
	}
	ended := c.now().UTC()
	c.run.EndedAt = &ended

	if c.recorder != nil && len(artifacts) > 0 {
		if err := c.recorder.RecordArtifacts(ctx, c.run.ID, artifacts); err != nil {
			c.logger.Warn("record artifacts failed", "run_id", c.run.ID, "error", err)
		}
	}

	summary := Summary{
		RunID:     c.run.ID,
		Phase:     c.run.Phase,
		Degraded:  c.degraded,
		Artifacts: artifacts,
		StartedAt: c.run.StartedAt,
		EndedAt:   ended,
	}
	if runErr != nil {
		c.logger.Error("run failed", "run_id", c.run.ID, "error", runErr)
		return summary, runErr
	}
	c.logger.Info("run completed", "run_id", c.run.ID, "artifacts", len(artifacts))
	return summary, nil
}

// forward executes the forward phases. The first fatal error short-circuits
// the remaining forward phases; cleanup is the caller's concern.
func (c *Controller) forward(ctx context.Context) ([]domain.Artifact, error) {
	host, err := c.prov.StartCaptureHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	agent, err := c.cfg.NewAgent(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}
	c.agent = agent
	if err := agent.WaitReachable(ctx, c.cfg.Reachability); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	}

	// Capture must be live before the first workload exists.
	c.setPhase(ctx, domain.RunPhaseCaptureStarting)
	if err := agent.Start(ctx, c.run.ID, c.run.Runners); err != nil {
		if errors.Is(err, agentclient.ErrStateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrAgentStateConflict, err)
		}
		return nil, fmt.Errorf("start capture: %w", err)
	}

	c.setPhase(ctx, domain.RunPhaseWorkloadsRunning)
	createErr := c.provisionWorkloads(ctx)
	// Even after a creation failure the successfully created workloads are
	// awaited: they bill and produce traffic either way.
	awaitErr := c.awaitWorkloads(ctx)

	// Capture stops only after every workload is terminal.
	c.setPhase(ctx, domain.RunPhaseCaptureStopping)
	if err := c.agent.Stop(ctx, c.run.ID); err != nil {
		if errors.Is(err, agentclient.ErrRunMismatch) || errors.Is(err, agentclient.ErrStateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrStopRejected, err)
		}
		return nil, fmt.Errorf("stop capture: %w", err)
	}

	c.setPhase(ctx, domain.RunPhaseDraining)
	artifacts, pipelineErr := c.awaitPipeline(ctx)

	switch {
	case createErr != nil:
		return artifacts, createErr
	case awaitErr != nil:
		return artifacts, awaitErr
	case pipelineErr != nil:
		return artifacts, pipelineErr
	}
	return artifacts, nil
}

// provisionWorkloads creates one workload per selected runner, discovers its
// network identity and binds the mirror. A bind timeout degrades that runner
// instead of failing the run; a creation failure is fatal but does not stop
// the remaining runners from being provisioned.
func (c *Controller) provisionWorkloads(ctx context.Context) error {
	var firstErr error
	for _, runner := range c.cfg.Runners {
		spec := c.cfg.Workloads[runner]
		task := &domain.WorkloadTask{
			Name:     workloadName(c.run.ID, runner),
			Runner:   runner,
			ImageRef: spec.ImageRef,
			CPU:      spec.CPU,
			Memory:   spec.Memory,
		}
		env := map[string]string{
			"RUN_ID":       c.run.ID,
			"TARGETS_JSON": c.cfg.TargetsJSON,
		}
		if err := c.prov.CreateWorkload(ctx, *task, env); err != nil {
			c.logger.Error("workload create failed", "run_id", c.run.ID, "runner", runner, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: create %s: %v", ErrWorkloadFailed, runner, err)
			}
			continue
		}
		c.tasks = append(c.tasks, task)

		identity, err := c.binder.DiscoverNetworkIdentity(ctx, func(ctx context.Context) (string, error) {
			obs, err := c.prov.ObserveWorkload(ctx, task.Name)
			if err != nil {
				return "", err
			}
			return obs.NetworkIdentity, nil
		})
		if err != nil {
			if errors.Is(err, mirror.ErrBindTimeout) {
				// Degraded mode: the workload runs without traffic
				// visibility rather than failing the run.
				c.logger.Warn("mirror bind timed out, continuing unmirrored",
					"run_id", c.run.ID, "runner", runner, "error", err)
				c.degraded = append(c.degraded, runner)
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: discover %s: %v", ErrWorkloadFailed, runner, err)
			}
			continue
		}
		task.NetworkIdentity = identity

		binding, err := c.binder.Attach(ctx, identity)
		if err != nil {
			c.logger.Warn("mirror attach failed, continuing unmirrored",
				"run_id", c.run.ID, "runner", runner, "error", err)
			c.degraded = append(c.degraded, runner)
			continue
		}
		c.bindings = append(c.bindings, binding)
		c.logger.Info("mirror bound", "run_id", c.run.ID, "runner", runner, "network_identity", identity)
	}
	return firstErr
}

// awaitWorkloads polls every created workload to a terminal state, one
// goroutine per runner. The first failure does not cancel the siblings; all
// waits complete before the result is judged.
func (c *Controller) awaitWorkloads(ctx context.Context) error {
	if len(c.tasks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(c.tasks))
	for i, task := range c.tasks {
		wg.Add(1)
		go func(i int, task *domain.WorkloadTask) {
			defer wg.Done()
			errs[i] = c.awaitWorkload(ctx, task)
		}(i, task)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) awaitWorkload(ctx context.Context, task *domain.WorkloadTask) error {
	poll := c.cfg.WorkloadPoll
	if poll.MaxElapsed <= 0 {
		poll.MaxElapsed = c.cfg.WorkloadTimeout
	}

	obs, err := retry.Do(ctx, poll, func(ctx context.Context) (provision.Observation, error) {
		obs, err := c.prov.ObserveWorkload(ctx, task.Name)
		if err != nil {
			if errors.Is(err, provision.ErrNotFound) {
				return provision.Observation{}, retry.Permanent(err)
			}
			return provision.Observation{}, err
		}
		if !obs.Status.Terminal() {
			return provision.Observation{}, fmt.Errorf("%w: %s is %s", errNotTerminal, task.Name, obs.Status)
		}
		return obs, nil
	})
	if err != nil {
		if errors.Is(err, provision.ErrNotFound) {
			// The workload disappeared before reaching a terminal state;
			// that is a failure, not an expired wait.
			task.Terminal = domain.WorkloadFailed
			return fmt.Errorf("%w: %s vanished before reaching a terminal state: %v", ErrWorkloadFailed, task.Name, err)
		}
		task.Terminal = domain.WorkloadTimedOut
		return fmt.Errorf("%w: %s timed out: %v", ErrWorkloadFailed, task.Name, err)
	}

	switch obs.Status {
	case provision.StatusSucceeded:
		task.Terminal = domain.WorkloadSucceeded
		c.logger.Info("workload succeeded", "run_id", c.run.ID, "workload", task.Name)
		return nil
	default:
		task.Terminal = domain.WorkloadFailed
		return fmt.Errorf("%w: %s exited %d (%s)", ErrWorkloadFailed, task.Name, obs.ExitCode, obs.Message)
	}
}

// awaitPipeline polls agent status until the session is terminal. The
// artifacts collected so far are returned even when the session failed, so
// the summary can show partial results.
func (c *Controller) awaitPipeline(ctx context.Context) ([]domain.Artifact, error) {
	poll := c.cfg.StatusPoll
	if poll.MaxElapsed <= 0 {
		poll.MaxElapsed = c.cfg.PipelineTimeout
	}

	st, err := retry.Do(ctx, poll, func(ctx context.Context) (capture.Status, error) {
		st, err := c.agent.Status(ctx)
		if err != nil {
			return capture.Status{}, err
		}
		if !st.Phase.Terminal() {
			return capture.Status{}, fmt.Errorf("%w: agent in %s", errNotTerminal, st.Phase)
		}
		return st, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineTimeout, err)
	}

	if st.Phase == domain.SessionFailed {
		return st.Artifacts, fmt.Errorf("capture pipeline failed at %s: %s", st.FailedStage, st.Error)
	}
	return st.Artifacts, nil
}

// teardown releases everything the run allocated: bindings first, then
// workloads, then the capture host. It never short-circuits, suppresses
// already-absent resources, and is a no-op on the second call.
func (c *Controller) teardown(ctx context.Context) {
	if c.tornDown {
		return
	}
	c.tornDown = true

	if err := c.binder.DetachAll(ctx, c.bindings); err != nil {
		c.logger.Warn("mirror detach incomplete", "run_id", c.run.ID, "error", err)
	}
	c.bindings = nil

	for _, task := range c.tasks {
		err := c.prov.DeleteWorkload(ctx, task.Name)
		if err != nil && !errors.Is(err, provision.ErrNotFound) {
			c.logger.Warn("workload delete failed", "run_id", c.run.ID, "workload", task.Name, "error", err)
		}
	}

	if err := c.prov.DeallocateCaptureHost(ctx); err != nil {
		c.logger.Warn("capture host deallocate failed", "run_id", c.run.ID, "error", err)
	}
	c.logger.Info("teardown complete", "run_id", c.run.ID)
}

func (c *Controller) setPhase(ctx context.Context, next domain.RunPhase) {
	if !domain.CanTransitionRunPhase(c.run.Phase, next) {
		c.logger.Error("illegal run transition dropped", "run_id", c.run.ID, "from", c.run.Phase, "to", next)
		return
	}
	c.logger.Info("run phase", "run_id", c.run.ID, "from", c.run.Phase, "to", next)
	c.run.Phase = next
	if c.recorder != nil {
		if err := c.recorder.RecordPhase(ctx, c.run.ID, next); err != nil {
			c.logger.Warn("record phase failed", "run_id", c.run.ID, "error", err)
		}
	}
}

func workloadName(runID string, runner domain.Runner) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("tapline-%s-%s", runner, short)
}
