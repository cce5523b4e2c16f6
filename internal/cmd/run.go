package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/engine"
	"github.com/harrison/foreman/internal/git"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/parser"
	"github.com/harrison/foreman/internal/proc"
	"github.com/harrison/foreman/internal/store"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var resumeAfter string

	cmd := &cobra.Command{
		Use:   "run <plan.yaml|plan.md>",
		Short: "Execute a plan to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), flags, args[0], resumeAfter)
		},
	}
	cmd.Flags().StringVar(&resumeAfter, "resume-after", "", "pause this plan until the named plan id succeeds")
	return cmd
}

func runPlan(ctx context.Context, flags *rootFlags, planPath, resumeAfter string) error {
	spec, err := parser.ParseFile(planPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log := logger.NewConsole(logger.ParseLevel(level))

	gitClient, err := git.NewClient(spec.RepoPath)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.StoragePath)
	if err != nil {
		return err
	}
	var history *store.History
	if cfg.History.Enabled {
		history, err = store.OpenHistory(cfg.History.DBPath)
		if err != nil {
			log.Warnf("run history disabled: %v", err)
		} else {
			defer history.Close()
		}
	}

	bus := engine.NewBus()
	bus.Subscribe(consoleEvents(log))

	eng := &engine.Engine{
		Git:     gitClient,
		Proc:    &proc.Supervisor{},
		Agent:   &agent.Runner{Bin: cfg.AgentBin},
		Store:   st,
		History: history,
		Bus:     bus,
		Config:  cfg,
		Log:     log,
	}
	mgr := engine.NewManager(cfg, st, bus, eng, log)

	plan, err := mgr.Create(spec, engine.CreateOptions{ResumeAfterPlan: resumeAfter})
	if err != nil {
		return err
	}
	log.Infof("plan %s created with %d jobs", plan.Name, len(plan.Nodes))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM: cancel the plan, let running
	// jobs unwind through the engine.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			log.Warnf("interrupt received, canceling plan")
			if err := mgr.Cancel(plan.ID); err != nil {
				log.Errorf("cancel: %v", err)
			}
			cancel()
		case <-runCtx.Done():
		}
	}()

	done := make(chan models.PlanStatus, 1)
	bus.Subscribe(func(e engine.Event) {
		if e.Type == engine.EventPlanCompleted && e.PlanID == plan.ID {
			select {
			case done <- e.PlanStatus:
			default:
			}
		}
	})

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		mgr.Run(groupCtx)
		return nil
	})

	if err := mgr.Start(plan.ID); err != nil {
		cancel()
		_ = group.Wait()
		return err
	}

	var status models.PlanStatus
	select {
	case status = <-done:
	case <-runCtx.Done():
		status = models.PlanCanceled
	}
	cancel()
	if err := group.Wait(); err != nil {
		return err
	}

	log.Infof("plan %s finished: %s", plan.Name, status)
	if status != models.PlanSucceeded {
		return fmt.Errorf("plan %s: %s", plan.Name, status)
	}
	return nil
}

// consoleEvents narrates engine events at a human-friendly level.
func consoleEvents(log *logger.Console) engine.Handler {
	return func(e engine.Event) {
		switch e.Type {
		case engine.EventNodeTransition:
			log.Debugf("node %s: %s -> %s (%s)", e.NodeID, e.Prev, e.Next, e.Reason)
		case engine.EventNodeStarted:
			log.Infof("node %s started", e.NodeID)
		case engine.EventNodeCompleted:
			if e.Success {
				log.Infof("node %s succeeded", e.NodeID)
			} else {
				log.Warnf("node %s failed", e.NodeID)
			}
		case engine.EventPlanCompleted:
			log.Infof("plan %s completed: %s", e.PlanID, e.PlanStatus)
		}
	}
}
