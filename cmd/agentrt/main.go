package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentrt",
		Short:         "Agent execution runtime: budgets, isolated contexts and capability registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newBudgetCmd(&configPath),
		newToolsCmd(&configPath),
		newValidateCmd(),
	)
	return root
}
