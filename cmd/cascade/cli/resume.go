package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resetRetries bool

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "Continue the last incomplete run for this session",
	Long: `Continue an interrupted workflow run. The resume point is derived
from the session's event log; the richer state (retry counts, reviewer
feedback) comes from the session store snapshot when one exists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		fmt.Println(infoStyle.Sprintf("Attempting to continue session: %s", rt.events.SessionID()))

		state, err := rt.manager.Resume(ctx, resetRetries)
		if err != nil {
			return err
		}
		return report(state)
	},
}

func init() {
	continueCmd.Flags().BoolVar(&resetRetries, "reset-retries", false,
		"Start the resumed run with a fresh retry budget")
	rootCmd.AddCommand(continueCmd)
}
