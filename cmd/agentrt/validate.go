package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/agentspec"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
)

// validate работает без Redis и БД: только разбор и проверка конфигов
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Parse and validate agent specs without starting the runtime",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				cfgs, err := loadSpecs(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				}
				names := make([]string, 0, len(cfgs))
				for name := range cfgs {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "ok  %s (%s %s, strategy %s)\n",
						name, cfgs[name].Type, cfgs[name].Version, cfgs[name].ExecutionStrategy)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d path(s) failed validation", failed)
			}
			return nil
		},
	}
}

func loadSpecs(path string) (map[string]*domain.AgentConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return agentspec.LoadDir(path)
	}
	cfg, err := agentspec.Load(path)
	if err != nil {
		return nil, err
	}
	return map[string]*domain.AgentConfig{cfg.Name: cfg}, nil
}
