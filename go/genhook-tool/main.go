// genhook-tool is the command-line companion to genhookd: it validates
// configuration files, mints webhook tokens and dry-runs webhook
// configurations against sample payloads.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:           "genhook-tool [sub]",
		Short:         "Operator tooling for the GenHook webhook gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		getValidateCmd(),
		getGenTokenCmd(),
		getTestCmd(),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// must panics on a command wiring error; only reachable when a flag name in
// this package is misspelled.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// preview shortens s for one-line summaries.
func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
