package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "spendguard",
		Short:         "Spendguard: AI spend budgets with override confirmation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to spendguard config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newBudgetCmd(&configPath),
		newUsageCmd(&configPath),
		newCheckCmd(&configPath),
		newAuditCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}
