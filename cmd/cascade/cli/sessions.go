package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/cascade/telemetry"
)

var pruneMaxAge time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage recorded workflow sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with event logs, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ids, err := telemetry.ListSessions(cfg.LogsDir())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No sessions found in", cfg.LogsDir())
			return nil
		}
		latest, err := telemetry.FindLatestSession(cfg.LogsDir())
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == latest {
				fmt.Printf("%s %s\n", id, mutedStyle.Sprint("(latest)"))
				continue
			}
			fmt.Println(id)
		}
		return nil
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete event logs older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		removed, err := telemetry.Prune(cfg.LogsDir(), pruneMaxAge)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Println("Nothing to prune.")
			return nil
		}
		for _, id := range removed {
			fmt.Println(mutedStyle.Sprintf("pruned %s", id))
		}
		fmt.Println(successStyle.Sprintf("Pruned %d session log(s).", len(removed)))
		return nil
	},
}

func init() {
	sessionsPruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 30*24*time.Hour,
		"Delete logs not written to within this duration")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}
