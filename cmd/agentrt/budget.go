package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage resource budgets",
	}
	cmd.AddCommand(
		newBudgetCreateCmd(configPath),
		newBudgetUsageCmd(configPath),
		newBudgetHierarchyCmd(configPath),
		newBudgetResetCmd(configPath),
		newBudgetDeleteCmd(configPath),
	)
	return cmd
}

func newBudgetCreateCmd(configPath *string) *cobra.Command {
	var (
		limits []string
		parent string
		owner  string
	)
	cmd := &cobra.Command{
		Use:   "create <id> --limit LLM_CALLS=100:hard",
		Short: "Create a budget (or a child budget with --parent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := domain.BudgetConfig{Owner: owner}
			for _, s := range limits {
				l, err := parseLimit(s)
				if err != nil {
					return err
				}
				cfg.Limits = append(cfg.Limits, l)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			var b *domain.Budget
			if parent != "" {
				b, err = a.budgets.CreateChildBudget(ctx, parent, args[0], cfg)
			} else {
				b, err = a.budgets.CreateBudget(ctx, args[0], cfg)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringArrayVarP(&limits, "limit", "l", nil, "RESOURCE=N[:hard|:soft], repeatable")
	cmd.Flags().StringVar(&parent, "parent", "", "parent budget id")
	cmd.Flags().StringVar(&owner, "owner", "", "budget owner")
	return cmd
}

func newBudgetUsageCmd(configPath *string) *cobra.Command {
	var resource string
	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show budget usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			usage, err := a.budgets.GetUsage(ctx, args[0], domain.ResourceType(strings.ToUpper(resource)))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), usage)
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "single resource type")
	return cmd
}

func newBudgetHierarchyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>",
		Short: "Show a budget with its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			h, err := a.budgets.GetBudgetHierarchy(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func newBudgetResetCmd(configPath *string) *cobra.Command {
	var resource string
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Zero usage counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.budgets.ResetBudget(ctx, args[0], domain.ResourceType(strings.ToUpper(resource)))
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "reset only this resource")
	return cmd
}

func newBudgetDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a budget and its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.budgets.DeleteBudget(ctx, args[0])
		},
	}
}

// parseLimit разбирает RESOURCE=N[:hard|:soft]; по умолчанию лимит жесткий
func parseLimit(s string) (domain.ResourceLimit, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return domain.ResourceLimit{}, fmt.Errorf("limit %q: expected RESOURCE=N[:hard|:soft]", s)
	}
	value, mode, _ := strings.Cut(rest, ":")
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return domain.ResourceLimit{}, fmt.Errorf("limit %q: %w", s, err)
	}

	l := domain.ResourceLimit{Resource: domain.ResourceType(strings.ToUpper(name)), Limit: n, Hard: true}
	switch strings.ToLower(mode) {
	case "", "hard":
	case "soft":
		l.Hard = false
	default:
		return domain.ResourceLimit{}, fmt.Errorf("limit %q: unknown mode %q", s, mode)
	}
	return l, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
