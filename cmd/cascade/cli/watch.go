package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/cascade"
	"github.com/deepnoodle-ai/cascade/telemetry"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session]",
	Short: "Stream a session's event log to the terminal",
	Long: `Stream the event log of a session as it is written. Without an
argument the session for the current repo and branch is watched; if it
has no log yet, the most recently written session is used instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var id string
		if len(args) > 0 {
			id = args[0]
		} else {
			id, err = resolveSessionID(ctx)
			if err != nil {
				return err
			}
			if _, statErr := os.Stat(filepath.Join(cfg.LogsDir(), id+".jsonl")); statErr != nil {
				id, err = telemetry.FindLatestSession(cfg.LogsDir())
				if err != nil {
					return err
				}
			}
		}
		if id == "" {
			return fmt.Errorf("no session logs found in %s", cfg.LogsDir())
		}

		path := filepath.Join(cfg.LogsDir(), id+".jsonl")
		fmt.Println(stageStyle.Sprintf("Watching session: %s", id))
		fmt.Println(mutedStyle.Sprintf("Event log: %s", path))

		events, err := telemetry.NewTailer(path).Watch(ctx)
		if err != nil {
			return err
		}
		for event := range events {
			printEvent(event)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func printEvent(event telemetry.Event) {
	data, _ := event.Data.(string)
	timestamp := mutedStyle.Sprint(event.Timestamp.Format("15:04:05"))

	switch event.EventType {
	case telemetry.EventStatus:
		style := infoStyle
		switch data {
		case cascade.StatusSuccess:
			style = successStyle
		case cascade.StatusFailed, cascade.StatusError, cascade.StatusTimeout:
			style = errorStyle
		}
		fmt.Printf("%s %s %s\n", timestamp, stageStyle.Sprintf("[%s]", event.Stage), style.Sprint(data))
	case telemetry.EventWorkflowStatus:
		fmt.Printf("%s %s\n", timestamp, warningStyle.Sprintf("workflow: %s", data))
	case telemetry.EventOutput:
		fmt.Print(data)
		if !strings.HasSuffix(data, "\n") {
			fmt.Println()
		}
	case telemetry.EventInfo:
		fmt.Printf("%s %s %s", timestamp, stageStyle.Sprintf("[%s]", event.Stage), data)
		if !strings.HasSuffix(data, "\n") {
			fmt.Println()
		}
	case telemetry.EventPrompt:
		fmt.Printf("%s %s %s\n", timestamp, stageStyle.Sprintf("[%s]", event.Stage),
			mutedStyle.Sprintf("prompt (%d chars)", len(data)))
	case telemetry.EventMetric:
		// Metrics are for dashboards, not the live transcript.
	default:
		fmt.Printf("%s %s %s: %v\n", timestamp, stageStyle.Sprintf("[%s]", event.Stage),
			event.EventType, event.Data)
	}
}
