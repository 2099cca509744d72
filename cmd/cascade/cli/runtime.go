package cli

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/config"
	"github.com/deepnoodle-ai/cascade/discovery"
	"github.com/deepnoodle-ai/cascade/engine"
	"github.com/deepnoodle-ai/cascade/git"
	"github.com/deepnoodle-ai/cascade/memory"
	"github.com/deepnoodle-ai/cascade/notify"
	"github.com/deepnoodle-ai/cascade/session"
	"github.com/deepnoodle-ai/cascade/shell"
	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/deepnoodle-ai/cascade/stages"
	"github.com/deepnoodle-ai/cascade/telemetry"
	"github.com/deepnoodle-ai/cascade/workflow"
)

// runtime holds the fully wired dependencies for one CLI invocation.
type runtime struct {
	cfg     *config.Config
	logger  slogger.Logger
	events  *telemetry.Log
	store   *session.Store
	engine  cascade.Engine
	manager *workflow.Manager
}

// loadConfig merges the config file, environment overrides, and CLI flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if engineName != "" {
		cfg.Engine = engineName
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// resolveSessionID returns the session id for this invocation: the --session
// flag when given, otherwise an id derived from the repo and branch.
func resolveSessionID(ctx context.Context) (string, error) {
	if sessionID != "" {
		return session.SanitizeID(sessionID)
	}
	return session.DeriveID(ctx, ".")
}

// buildRuntime wires the full dependency graph rooted at the current working
// directory.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slogger.New(slogger.LevelFromString(cfg.LogLevel))

	id, err := resolveSessionID(ctx)
	if err != nil {
		return nil, err
	}
	events, err := telemetry.NewLog(cfg.LogsDir(), id)
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(cfg.SessionsDir(), id)
	if err != nil {
		return nil, err
	}

	runner := shell.NewRunner(cfg, events, logger)
	gitClient := git.NewClient(runner, ".", cfg.ProtectedBranches)

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Config: cfg,
		Runner: runner,
		Events: events,
		Store:  store,
		Git:    gitClient,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	notifier := notify.New(cfg.NtfyChannel, logger)
	if !notifier.Enabled() {
		fmt.Println(warningStyle.Sprint("NTFY_CHANNEL is not set; notifications are disabled."))
	}

	manager, err := workflow.New(stages.Deps{
		Config:   cfg,
		Engine:   eng,
		Runner:   runner,
		Events:   events,
		Git:      gitClient,
		Project:  discovery.NewProject(".", cfg),
		Memory:   memory.NewManager("."),
		Notifier: notifier,
		Logger:   logger,
	}, store)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		events:  events,
		store:   store,
		engine:  eng,
		manager: manager,
	}, nil
}

// report prints the terminal outcome and returns an error for failed runs so
// the process exits non-zero.
func report(state cascade.State) error {
	if state.Outcome == cascade.OutcomeSuccess {
		switch {
		case state.PRURL != "":
			fmt.Println(successStyle.Sprintf("Workflow completed successfully. PR created: %s", state.PRURL))
		case state.ReviewStatus == cascade.ReviewPRSkipped:
			fmt.Println(successStyle.Sprint("Workflow completed successfully. PR skipped (not on a feature branch)."))
		default:
			fmt.Println(successStyle.Sprint("Workflow completed successfully."))
		}
		return nil
	}
	if state.LastError != nil {
		fmt.Println(errorStyle.Sprintf("Workflow failed: %s", state.LastError.Error()))
	} else {
		fmt.Println(errorStyle.Sprint("Workflow failed to converge."))
	}
	return fmt.Errorf("workflow failed")
}
