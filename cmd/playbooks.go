// Package cmd provides command-line tooling for operating the service.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/respond"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

var noColor bool

// NewPlaybooksCmd builds the playbooks command tree: list and validate.
func NewPlaybooksCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "playbooks",
		Short: "Inspect and validate response playbooks",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	root.AddCommand(newPlaybooksListCmd())
	root.AddCommand(newPlaybooksValidateCmd())
	return root
}

func newPlaybooksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dir>",
		Short: "List playbooks in a directory, in match order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			playbooks, err := respond.LoadPlaybookDir(args[0], zap.NewNop().Sugar())
			if err != nil {
				return err
			}
			if len(playbooks) == 0 {
				warningColor.Fprintln(cmd.OutOrStdout(), "No playbooks found")
				return nil
			}

			// Same order the matcher evaluates them in.
			sort.Slice(playbooks, func(i, j int) bool {
				if playbooks[i].Priority != playbooks[j].Priority {
					return playbooks[i].Priority > playbooks[j].Priority
				}
				return playbooks[i].ID < playbooks[j].ID
			})

			headerColor.Fprintf(cmd.OutOrStdout(), "%-24s %-8s %-8s %-30s %s\n",
				"ID", "PRIORITY", "ENABLED", "NAME", "ACTIONS")
			for _, pb := range playbooks {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-8d %-8t %-30s %s\n",
					pb.ID, pb.Priority, pb.Enabled, pb.Name, actionSummary(pb))
			}
			return nil
		},
	}
}

func newPlaybooksValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>",
		Short: "Validate playbook YAML without loading it into the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			logger := zap.NewNop().Sugar()
			if info.IsDir() {
				playbooks, err := respond.LoadPlaybookDir(path, logger)
				if err != nil {
					errorColor.Fprintf(cmd.OutOrStdout(), "INVALID: %v\n", err)
					return err
				}
				successColor.Fprintf(cmd.OutOrStdout(), "OK: %d playbook(s) valid\n", len(playbooks))
				return nil
			}

			pb, err := respond.LoadPlaybookFile(path)
			if err != nil {
				errorColor.Fprintf(cmd.OutOrStdout(), "INVALID %s: %v\n", filepath.Base(path), err)
				return err
			}
			successColor.Fprintf(cmd.OutOrStdout(), "OK: %s (%s)\n", pb.ID, pb.Name)
			return nil
		},
	}
}

func actionSummary(pb *core.ResponsePlaybook) string {
	types := make([]string, len(pb.Actions))
	for i, a := range pb.Actions {
		types[i] = string(a.Type)
	}
	return strings.Join(types, ",")
}
