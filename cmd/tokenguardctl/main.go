// Command tokenguardctl administers token budgets directly against the budget store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/tokenguard/internal/version"
)

func main() {
	var env string

	root := &cobra.Command{
		Use:           "tokenguardctl",
		Short:         "Inspect and manage tokenguard budgets",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&env, "env", "", "config environment (default: $ENV or local)")

	open := func() (*stores, error) { return openStores(env) }

	root.AddCommand(
		newStateCmd(open),
		newUseCmd(open),
		newBudgetCmd(open),
		newFlagCmd(open),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
