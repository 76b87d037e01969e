package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/agentspec"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"gopkg.in/yaml.v3"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		specPath string
		taskArg  string
		taskFile string
		vars     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run --agent spec.yaml --task '<json>'",
		Short: "Execute a single task on an agent and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := readTask(taskArg, taskFile)
			if err != nil {
				return err
			}
			cfg, err := agentspec.Load(specPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.agents.Load(ctx, map[string]*domain.AgentConfig{cfg.Name: cfg}); err != nil {
				return err
			}
			ext := make(map[string]interface{}, len(vars))
			for k, v := range vars {
				ext[k] = v
			}
			res, err := a.agents.Execute(ctx, cfg.Name, task, ext)
			if err != nil {
				return err
			}

			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Succeeded() {
				return fmt.Errorf("execution %s: %s", res.State, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&specPath, "agent", "a", "", "agent spec YAML")
	cmd.Flags().StringVarP(&taskArg, "task", "t", "", "task as JSON or YAML (plain strings are passed as is)")
	cmd.Flags().StringVarP(&taskFile, "task-file", "f", "", "read the task from a file")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "extra execution context, key=value")
	_ = cmd.MarkFlagRequired("agent")
	cmd.MarkFlagsMutuallyExclusive("task", "task-file")
	return cmd
}

// readTask: JSON/YAML превращаются в структуру, остальное остается строкой
func readTask(arg, file string) (interface{}, error) {
	raw := arg
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, nil
	}

	var task interface{}
	if err := json.Unmarshal([]byte(raw), &task); err == nil {
		return task, nil
	}
	if err := yaml.Unmarshal([]byte(raw), &task); err == nil {
		if _, scalar := task.(string); !scalar && task != nil {
			return task, nil
		}
	}
	return raw, nil
}
