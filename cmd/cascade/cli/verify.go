package cli

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the selected engine and its tools are usable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(infoStyle.Sprintf("Engine: %s", rt.engine.Name()))

		failed := false
		for _, tool := range rt.engine.RequiredTools() {
			if _, err := exec.LookPath(tool); err != nil {
				fmt.Println(errorStyle.Sprintf("✗ %s not found on PATH", tool))
				failed = true
				continue
			}
			fmt.Println(successStyle.Sprintf("✓ %s", tool))
		}
		if failed {
			return fmt.Errorf("missing required tools")
		}

		if err := rt.engine.Verify(cmd.Context()); err != nil {
			fmt.Println(errorStyle.Sprintf("✗ engine verification failed: %v", err))
			return fmt.Errorf("engine verification failed")
		}
		fmt.Println(successStyle.Sprint("✓ engine is ready"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
