package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cartridge/learner/internal/manager"
	"github.com/cartridge/learner/internal/report"
)

var (
	policyIn   string
	policyOut  string
	reportPath string
	taskSteps  int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train one agent to completion",
	Long: `Train creates a single agent against the configured environment and
trains it in the background until MaxTrainingSteps (or --steps) is reached.

SIGINT or SIGTERM stops training at the next step boundary; the policy and
report are still written.`,
	RunE: runTrain,
}

func init() {
	flags := trainCmd.Flags()
	flags.String("agent", "agent-1", "Agent name")
	flags.String("env", "target", "Environment kind (target, remote)")
	flags.String("remote-addr", "localhost:50061", "Remote environment address")
	flags.Int("max-training-steps", 100000, "Total environment steps before training stops")
	flags.Int64("seed", 1, "Seed for network initialization, exploration and sampling")
	flags.IntVar(&taskSteps, "steps", 0, "Stop after this many steps of this invocation (0 for no limit)")
	flags.StringVar(&policyIn, "policy-in", "", "Policy file to load before training")
	flags.StringVar(&policyOut, "policy-out", "", "Policy file to write after training")
	flags.StringVar(&reportPath, "report", "", "HTML reward-curve report to write after training")

	bindFlags(flags, map[string]string{
		"agent":              "agent.name",
		"env":                "environment.kind",
		"remote-addr":        "environment.remote_addr",
		"max-training-steps": "training.max_training_steps",
		"seed":               "training.seed",
	})
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	go app.monitor.Start(monitorCtx)

	agent, err := app.manager.Create(ctx, cfg.Agent.Name, manager.SpecFromConfig(cfg.Environment), trainingFor(cfg))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if policyIn != "" {
		if err := agent.LoadPolicy(policyIn); err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
	}

	logger.Info().
		Str("agent", agent.Name()).
		Str("run_id", agent.RunID()).
		Str("environment", cfg.Environment.Kind).
		Int("max_training_steps", cfg.Training.MaxTrainingSteps).
		Msg("Starting training")
	if err := agent.StartBackground(taskSteps); err != nil {
		return fmt.Errorf("failed to start training: %w", err)
	}

	done := make(chan struct{})
	go func() {
		agent.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received, stopping training...")
		if err := agent.StopTraining(); err != nil {
			logger.Error().Err(err).Msg("failed to stop training")
		}
		<-done
	}
	app.monitor.Poll(context.Background())

	progress := agent.Progress()
	status := agent.Status()
	logger.Info().
		Int("steps", status.CurrentStep).
		Int("episodes", status.CurrentEpisode).
		Float64("average_reward", status.AverageReward).
		Int("updates", status.Updates).
		Bool("success", progress.Success).
		Msg("Training finished")

	var errs []error
	if policyOut != "" {
		if err := agent.SavePolicy(policyOut); err != nil {
			errs = append(errs, fmt.Errorf("failed to save policy: %w", err))
		}
	}
	if reportPath != "" {
		if err := writeReport(reportPath, agent.Name(), agent.RewardHistory()); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info().Str("path", reportPath).Msg("Report written")
		}
	}
	if !progress.Success {
		errs = append(errs, fmt.Errorf("training failed: %s", progress.Error))
	}
	return errors.Join(errs...)
}

func writeReport(path, title string, rewards []float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := report.WriteRewardCurve(f, title, rewards, report.DefaultWindow); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
