package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmarsh/valet/internal/config"
	"github.com/dmarsh/valet/internal/correction"
	"github.com/dmarsh/valet/internal/evaluator"
	"github.com/dmarsh/valet/internal/executor"
	"github.com/dmarsh/valet/internal/filelock"
	"github.com/dmarsh/valet/internal/learner"
	"github.com/dmarsh/valet/internal/ledger"
	"github.com/dmarsh/valet/internal/llm"
	"github.com/dmarsh/valet/internal/logger"
	"github.com/dmarsh/valet/internal/models"
	"github.com/dmarsh/valet/internal/parser"
	"github.com/dmarsh/valet/internal/registry"
	"github.com/dmarsh/valet/internal/store"
	"github.com/dmarsh/valet/internal/strategy"
	"github.com/dmarsh/valet/internal/tools"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Execute a plan",
		Long: `Execute a plan file (YAML or Markdown) to completion.

Examples:
  valet run plan.yaml
  valet run plan.md --max-iterations 20
  valet run --resume session-20260824-101500-ab12cd34
  valet run plan.yaml --output result.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .valet/config.yaml)")
	cmd.Flags().String("log-level", "", "Logging verbosity (debug, info, warn, error)")
	cmd.Flags().Int("max-iterations", 0, "Session iteration budget (0 = use config)")
	cmd.Flags().String("step-timeout", "", "Per-step timeout (e.g. 30s, 2m)")
	cmd.Flags().String("resume", "", "Resume a stored session by id instead of starting a plan")
	cmd.Flags().String("output", "", "Write the final result as JSON to this file")
	cmd.Flags().String("user", "", "User id to attribute the session to")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	resumeID, _ := cmd.Flags().GetString("resume")
	if resumeID == "" && len(args) == 0 {
		return errors.New("a plan file is required unless --resume is given")
	}

	// One engine process per data dir
	lock := filelock.NewFileLock(cfg.LockPath())
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	acquired, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("another valet process holds %s", cfg.LockPath())
	}
	defer lock.Unlock()

	db, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	session, err := loadOrCreateSession(cmd, cfg, db, resumeID, args)
	if err != nil {
		return err
	}

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return err
	}
	var eval *evaluator.Evaluator
	if llmClient != nil {
		eval = evaluator.New(llmClient)
	} else {
		eval = evaluator.New(nil)
	}

	led := ledger.New(ledger.Config{
		MaxFailures:   cfg.Ledger.MaxFailures,
		Retention:     cfg.Ledger.Retention,
		SweepInterval: cfg.Ledger.SweepInterval,
	})
	lrn := learner.New(cfg.Learner.MinConfidence)
	sel := strategy.NewSelector(led, lrn, strategy.Config{})
	engine := correction.NewEngine(led, lrn, sel)
	defer engine.Destroy()

	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(toolRegistry)

	vars := registry.NewInMemory()
	events := executor.NewQueue(0)
	defer events.Close()

	log := logger.NewConsoleLogger(os.Stdout, cfg.LogLevel)
	go drainEvents(events, log)

	loop := executor.NewLoop(executor.LoopDeps{
		Steps:      executor.NewStepExecutor(tools.NewExecutor(toolRegistry), vars, cfg.Engine.StepTimeout, events),
		Evaluator:  eval,
		Correction: engine,
		Store:      db,
		Vars:       vars,
		Events:     events,
		Logger:     log,
	}, executor.LoopConfig{
		MaxIterations:    cfg.Engine.MaxIterations,
		CheckpointEvery:  cfg.Engine.CheckpointEvery,
		RetryBaseDelay:   cfg.Engine.RetryBaseDelay,
		RetryMaxDelay:    cfg.Engine.RetryMaxDelay,
		AlternativeTools: cfg.Engine.AlternativeTools,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := loop.Run(ctx, session)

	if outputPath, _ := cmd.Flags().GetString("output"); outputPath != "" && result != nil {
		if err := writeResult(outputPath, session, result); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	if !result.Success {
		return fmt.Errorf("execution failed: %s", result.Error)
	}
	return nil
}

// loadConfig loads the config file and merges CLI flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if maxIter, _ := cmd.Flags().GetInt("max-iterations"); maxIter > 0 {
		cfg.Engine.MaxIterations = maxIter
	}
	if raw, _ := cmd.Flags().GetString("step-timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --step-timeout %q: %w", raw, err)
		}
		cfg.Engine.StepTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadOrCreateSession either restores a stored session or builds a new
// one from a plan file.
func loadOrCreateSession(cmd *cobra.Command, cfg *config.Config, db *store.SQLiteStore, resumeID string, args []string) (*models.ExecutionSession, error) {
	if resumeID != "" {
		session, err := db.GetSession(resumeID)
		if err != nil {
			return nil, err
		}
		if session.Status.IsTerminal() {
			return nil, fmt.Errorf("session %s already finished (%s)", session.ID, session.Status)
		}
		// A step completed after the last checkpoint may replay; step
		// handlers are expected to tolerate that.
		return session, nil
	}

	planFile, err := parser.ParseFile(args[0])
	if err != nil {
		return nil, err
	}

	session := models.NewSession(planFile.Goal, cfg.Engine.MaxIterations)
	session.Plan = planFile.Plan
	if userID, _ := cmd.Flags().GetString("user"); userID != "" {
		session.UserID = userID
	}
	return session, nil
}

// drainEvents forwards queue events to debug logging so the queue
// never fills up in CLI runs.
func drainEvents(events *executor.Queue, log *logger.ConsoleLogger) {
	for e := range events.Events() {
		log.Debugf("event %s session=%s step=%s", e.Type, e.SessionID, e.StepID)
	}
}

// writeResult exports the final result as JSON via an atomic write.
func writeResult(path string, session *models.ExecutionSession, result *models.ExecutionResult) error {
	payload := struct {
		SessionID string                  `json:"session_id"`
		Result    *models.ExecutionResult `json:"result"`
		Variables map[string]any          `json:"variables,omitempty"`
	}{
		SessionID: session.ID,
		Result:    result,
		Variables: session.Variables,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return filelock.AtomicWrite(path, data)
}
