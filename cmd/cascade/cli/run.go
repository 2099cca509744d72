package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// defaultPrompt is used when the operator gives no request text.
const defaultPrompt = "Continue development and verify implementation."

var startStage string

func init() {
	rootCmd.Flags().StringVarP(&startStage, "start-stage", "n", "",
		"Stage to enter the graph at (coder, tester, architect, reviewer, pr_pre_checker, pr_creator, journaler)")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		// A bare "cascade" in a directory with a known session picks up
		// where the previous invocation left off.
		if _, ok := rt.store.AgentState(false); ok {
			fmt.Println(infoStyle.Sprintf("Existing session found: %s", rt.events.SessionID()))
			fmt.Println(infoStyle.Sprint("No prompt provided, implicitly resuming..."))
			state, err := rt.manager.Resume(ctx, false)
			if err != nil {
				return err
			}
			return report(state)
		}
		prompt = defaultPrompt
	}

	fmt.Println(stageStyle.Sprintf("Session: %s", rt.events.SessionID()))
	fmt.Println(mutedStyle.Sprintf("Event log: %s", rt.events.Path()))

	state, err := rt.manager.Run(ctx, prompt, startStage, verbose)
	if err != nil {
		return err
	}
	return report(state)
}
