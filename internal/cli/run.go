package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapline-labs/tapline/internal/agentclient"
	"github.com/tapline-labs/tapline/internal/config"
	"github.com/tapline-labs/tapline/internal/controller"
	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/ledger"
	"github.com/tapline-labs/tapline/internal/mirror"
	"github.com/tapline-labs/tapline/internal/platform/postgres"
	"github.com/tapline-labs/tapline/internal/platform/retry"
	"github.com/tapline-labs/tapline/internal/provision"
)

type runFlags struct {
	Targets       string
	Runners       string
	RunID         string
	ResourceGroup string
	Registry      string
	Subnet        string
	CaptureHost   string
	MirrorDest    string

	AgentTimeout    time.Duration
	WorkloadTimeout time.Duration
	PipelineTimeout time.Duration
	DiscoverTimeout time.Duration
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one capture-bracketed test run and tear everything down",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return executeRun(ctx, f)
		},
	}

	cmd.Flags().StringVar(&f.Targets, "targets", "", "path to the YAML target list (required)")
	cmd.Flags().StringVar(&f.Runners, "runners", "both", "runner selection: curl, chrome or both")
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "run id (allocated when empty)")
	cmd.Flags().StringVar(&f.ResourceGroup, "resource-group", os.Getenv("TAPLINE_RESOURCE_GROUP"), "resource group holding the static topology")
	cmd.Flags().StringVar(&f.Registry, "registry", os.Getenv("TAPLINE_REGISTRY"), "container registry endpoint for runner images")
	cmd.Flags().StringVar(&f.Subnet, "subnet", os.Getenv("TAPLINE_RUNNER_SUBNET_ID"), "subnet id the runner workloads join")
	cmd.Flags().StringVar(&f.CaptureHost, "capture-host", os.Getenv("TAPLINE_CAPTURE_HOST"), "capture host vm name")
	cmd.Flags().StringVar(&f.MirrorDest, "mirror-dest", os.Getenv("TAPLINE_MIRROR_DEST"), "static mirror destination id")

	cmd.Flags().DurationVar(&f.AgentTimeout, "agent-timeout", 30*time.Second, "per-request timeout against the capture agent")
	cmd.Flags().DurationVar(&f.WorkloadTimeout, "workload-timeout", 15*time.Minute, "bound on awaiting one workload's terminal state")
	cmd.Flags().DurationVar(&f.PipelineTimeout, "pipeline-timeout", 10*time.Minute, "bound on awaiting the agent pipeline")
	cmd.Flags().DurationVar(&f.DiscoverTimeout, "discover-timeout", 2*time.Minute, "bound on network identity discovery per workload")

	_ = cmd.MarkFlagRequired("targets")
	return cmd
}

func executeRun(ctx context.Context, f runFlags) error {
	logger := newLogger()

	runners, err := domain.ParseRunnerSelection(f.Runners)
	if err != nil {
		return err
	}
	targets, err := config.LoadTargets(f.Targets)
	if err != nil {
		return err
	}
	targetsJSON, err := config.TargetsJSON(targets)
	if err != nil {
		return err
	}
	profiles, err := config.Profiles(f.Registry)
	if err != nil {
		return err
	}

	prov, err := provision.NewAzProvisioner(provision.AzConfig{
		ResourceGroup:   f.ResourceGroup,
		Subnet:          f.Subnet,
		CaptureHostName: f.CaptureHost,
	})
	if err != nil {
		return err
	}

	tap, err := mirror.NewAzTap("")
	if err != nil {
		return err
	}
	binder, err := mirror.NewBinder(logger, tap, f.MirrorDest, retry.Config{
		InitialInterval: 2 * time.Second,
		MaxInterval:     15 * time.Second,
		MaxElapsed:      f.DiscoverTimeout,
	})
	if err != nil {
		return err
	}

	var recorder controller.Recorder
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return err
	}
	if dbCfg.URL != "" {
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("open run ledger: %w", err)
		}
		defer db.Close()
		recorder = ledger.New(db)
		logger.Info("run ledger enabled")
	}

	ctrl, err := controller.New(logger, controller.Config{
		RunID:       f.RunID,
		Runners:     runners,
		Workloads:   profiles,
		TargetsJSON: targetsJSON,
		NewAgent: func(baseURL string) (controller.AgentControl, error) {
			return agentclient.New(baseURL, f.AgentTimeout)
		},
		WorkloadTimeout: f.WorkloadTimeout,
		PipelineTimeout: f.PipelineTimeout,
	}, prov, binder, recorder)
	if err != nil {
		return err
	}

	summary, runErr := ctrl.Execute(ctx)
	printSummary(summary)
	return runErr
}

func printSummary(s controller.Summary) {
	fmt.Printf("run %s: %s (%s)\n", s.RunID, s.Phase, s.EndedAt.Sub(s.StartedAt).Round(time.Second))
	for _, r := range s.Degraded {
		fmt.Printf("  degraded: %s ran without traffic mirroring\n", r)
	}
	for _, a := range s.Artifacts {
		if a.Error != "" {
			fmt.Printf("  artifact %s/%s: FAILED: %s\n", a.Runner, a.Family, a.Error)
			continue
		}
		fmt.Printf("  artifact %s/%s: %s (%d bytes, grant expires %s)\n",
			a.Runner, a.Family, a.ObjectKey, a.SizeBytes, a.Expiry.Format(time.RFC3339))
	}
}

func agentStatusCmd() *cobra.Command {
	var agentURL string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "agent-status",
		Short: "Print the capture agent's current session snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := agentclient.New(agentURL, timeout)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("agent: run=%q phase=%s", st.RunID, st.Phase)
			if st.Error != "" {
				fmt.Printf(" failed_stage=%s error=%q", st.FailedStage, st.Error)
			}
			fmt.Println()
			for _, a := range st.Artifacts {
				fmt.Printf("  %s/%s %s\n", a.Runner, a.Family, a.ObjectKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentURL, "agent-url", os.Getenv("TAPLINE_AGENT_URL"), "capture agent base url")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
