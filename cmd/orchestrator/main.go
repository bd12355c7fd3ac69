// orchestrator is the coordination substrate's CLI: it wires the
// blackboard, event log, bus, scheduler, budget controller, and
// approval manager together and exposes spec.md §6.3's control
// operations as subcommands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/reelcraft/orchestrator/pkg/agent"
	"github.com/reelcraft/orchestrator/pkg/approval"
	"github.com/reelcraft/orchestrator/pkg/blackboard"
	"github.com/reelcraft/orchestrator/pkg/budget"
	"github.com/reelcraft/orchestrator/pkg/bus"
	"github.com/reelcraft/orchestrator/pkg/config"
	"github.com/reelcraft/orchestrator/pkg/core"
	"github.com/reelcraft/orchestrator/pkg/database"
	"github.com/reelcraft/orchestrator/pkg/eventlog"
	"github.com/reelcraft/orchestrator/pkg/lock"
	"github.com/reelcraft/orchestrator/pkg/models"
	"github.com/reelcraft/orchestrator/pkg/redisx"
	"github.com/reelcraft/orchestrator/pkg/scheduler"
	"github.com/reelcraft/orchestrator/pkg/version"
)

var configDir string

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Coordination substrate for multi-agent video production",
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")

	root.AddCommand(
		newServeCmd(),
		newCreateProjectCmd(),
		newSubmitEventCmd(),
		newProjectStateCmd(),
		newReplayCmd(),
		newDecideApprovalCmd(),
		newCancelProjectCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("orchestrator: command failed", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// wired bundles every component built from config, so subcommands only
// need to build it once and call into core.Core.
type wired struct {
	cfg       *config.Config
	dbClient  *database.Client
	rdb       *redis.Client
	bus       *bus.Bus
	scheduler *scheduler.Scheduler
	runtime   *agent.Runtime
	core      *core.Core
}

func wireUp(ctx context.Context) (*wired, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("orchestrator: no .env file loaded", "path", envPath, "error", err)
	}

	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("initialize config: %w", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	rdb := redisx.NewClient(cfg.EventLog.RedisAddr, cfg.EventLog.RedisDB)
	store := blackboard.New(dbClient.DB(), rdb, cfg.Blackboard.CacheTTL)

	log := eventlog.New(rdb, eventlog.Config{
		StreamMaxLen:  cfg.EventLog.StreamMaxLen,
		ConsumerGroup: cfg.EventLog.ConsumerGroup,
		ReadBlock:     cfg.EventLog.ReadBlock,
		ReadCount:     cfg.EventLog.ReadCount,
	})

	podID := getEnv("POD_ID", "orchestrator-local")
	b := bus.New(log, podID, cfg.CausationIndex.Capacity)

	budgetAdapter := budget.New(store, b, budget.Thresholds{
		WarningUsageRate:  cfg.Budget.WarningRatio,
		OverrunMultiplier: 1.10,
	}, cfg.Blackboard.MaxWriteRetries)

	approvalMgr := approval.New(store, b, rdb, approval.Config{
		DefaultTimeoutMinutes: cfg.Approval.DefaultTimeoutMinutes,
		TimeoutBehavior:       approval.TimeoutBehavior(cfg.Approval.TimeoutBehavior),
		SweepInterval:         cfg.Approval.SweepInterval,
		DefaultCheckpoints:    cfg.Approval.Checkpoints,
	})

	locker := lock.New(rdb, cfg.Lock.PollInterval)
	dispatcher := agent.NewTaskDispatcher(b)
	sched := scheduler.New(store, locker, dispatcher, approvalMgr, scheduler.Config{
		TickInterval:       cfg.Scheduler.TickInterval,
		DefaultTaskTimeout: cfg.Scheduler.DefaultTaskTimeout,
		OrphanScanInterval: cfg.Scheduler.OrphanScanInterval,
	})

	runtime := agent.New(nil, nil, nil, agent.RecoveryConfig{
		MaxRetries:      cfg.Agent.MaxRetries,
		InitialInterval: cfg.Agent.InitialInterval,
		MaxInterval:     cfg.Agent.MaxInterval,
	})

	// Every coordinator that reacts to bus events is registered with the
	// runtime so its handling runs behind the retry/fallback/escalate
	// ladder, then the bus is subscribed to the runtime's dispatcher
	// (not the coordinator directly) for each event type it declared.
	subscribed := make(map[string]bool)
	for _, a := range []agent.Agent{budgetAdapter, approvalMgr} {
		runtime.Register(a)
		for _, eventType := range a.SubscribedEvents() {
			if subscribed[eventType] {
				continue
			}
			subscribed[eventType] = true
			b.Subscribe(eventType, runtime.Dispatch)
		}
	}

	c := core.New(core.Deps{
		Store:              store,
		Bus:                b,
		Budget:             budgetAdapter,
		Approval:           approvalMgr,
		BaseRate:           cfg.Budget.BaseRatePerSecond,
		QualityMultipliers: cfg.Budget.QualityMultipliers,
	})

	return &wired{cfg: cfg, dbClient: dbClient, rdb: rdb, bus: b, scheduler: sched, runtime: runtime, core: c}, nil
}

func (w *wired) Close() {
	w.scheduler.Stop()
	w.bus.Stop()
	_ = w.rdb.Close()
	_ = w.dbClient.Close()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and event bus consumer loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			w.bus.Start(ctx)
			w.scheduler.Start(ctx)

			slog.Info("orchestrator: serving")
			<-ctx.Done()
			return nil
		},
	}
}

func newCreateProjectCmd() *cobra.Command {
	var specPath string
	var budgetTotal float64
	var hasBudget bool

	cmd := &cobra.Command{
		Use:   "create-project",
		Short: "Create a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			raw, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("read global spec: %w", err)
			}

			in := core.CreateProjectInput{GlobalSpec: json.RawMessage(raw)}
			if hasBudget {
				in.BudgetTotal = &budgetTotal
			}

			projectID, err := w.core.CreateProject(ctx, in)
			if err != nil {
				return err
			}
			fmt.Println(projectID)
			return nil
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "path to a JSON global spec file")
	cmd.Flags().Float64Var(&budgetTotal, "budget-total", 0, "explicit budget total, skipping automatic allocation")
	cmd.Flags().BoolVar(&hasBudget, "override-budget", false, "set to apply --budget-total instead of allocating from duration")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newSubmitEventCmd() *cobra.Command {
	var eventType, projectID, payloadPath string

	cmd := &cobra.Command{
		Use:   "submit-event",
		Short: "Publish an event onto the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			raw, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			eventID, err := w.core.SubmitEvent(ctx, models.Event{
				Type:      eventType,
				ProjectID: projectID,
				Payload:   json.RawMessage(raw),
			})
			if err != nil {
				return err
			}
			fmt.Println(eventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "path to a JSON payload file")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newProjectStateCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "project-state",
		Short: "Print a project's current document as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			p, err := w.core.GetProjectState(ctx, projectID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var projectID string
	var eventTypes []string
	var sinceStr, untilStr string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay historical events for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			since, err := parseOptionalTime(sinceStr)
			if err != nil {
				return err
			}
			until, err := parseOptionalTime(untilStr)
			if err != nil {
				return err
			}

			events, err := w.core.ReplayEvents(ctx, core.ReplayInput{
				ProjectID:  projectID,
				EventTypes: eventTypes,
				Since:      since,
				Until:      until,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringSliceVar(&eventTypes, "types", nil, "event types to replay")
	cmd.Flags().StringVar(&sinceStr, "since", "", "RFC3339 lower bound, inclusive")
	cmd.Flags().StringVar(&untilStr, "until", "", "RFC3339 upper bound, inclusive")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("types")
	return cmd
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func newDecideApprovalCmd() *cobra.Command {
	var approvalID, decision, notes string

	cmd := &cobra.Command{
		Use:   "decide-approval",
		Short: "Resolve a pending approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			return w.core.DecideApproval(ctx, approvalID, decision, notes)
		},
	}
	cmd.Flags().StringVar(&approvalID, "approval", "", "approval request id")
	cmd.Flags().StringVar(&decision, "decision", "", "one of approve, revise, reject")
	cmd.Flags().StringVar(&notes, "notes", "", "revision notes or rejection reason")
	_ = cmd.MarkFlagRequired("approval")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}

func newCancelProjectCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "cancel-project",
		Short: "Cancel a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := wireUp(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			return w.core.CancelProject(ctx, projectID)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
