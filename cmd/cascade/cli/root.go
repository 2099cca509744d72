// Package cli implements the cascade command line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	engineName string
	sessionID  string
	logLevel   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cascade [prompt...]",
	Short: "Run an AI-assisted development workflow",
	Long: `cascade drives a development change through a fixed pipeline of
stages: coder, tester, architect, reviewer, pr_pre_checker, pr_creator
and journaler. Every step is recorded to a per-session event log, so a
run killed at any point can be continued with "cascade continue".

Examples:
  cascade "add input validation to the signup form"
  cascade -n tester
  cascade continue --reset-retries
  cascade sessions list
  cascade watch`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE:         runWorkflow,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: built-in defaults plus CASCADE_* env)")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "", "Coding engine to use (gemini, jules)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "Session id (default: derived from the repo and branch)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Stream agent output to the terminal")
}
