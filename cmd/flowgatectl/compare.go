package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/flowgate/internal/compare/diff"
	"github.com/animus-labs/flowgate/internal/compare/risk"
	"github.com/animus-labs/flowgate/internal/domain"
)

func newHashCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash FILE",
		Short: "Print the content hash of a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(cmd, args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"name": def.Name, "hash": def.Hash})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), def.Hash)
			return err
		},
	}
}

func newDiffCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff SOURCE TARGET",
		Short: "List the changes that turn TARGET into SOURCE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := compareFiles(cmd, args[0], args[1])
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), cs)
			}
			out := cmd.OutOrStdout()
			if cs.Empty() {
				_, err = fmt.Fprintln(out, "unchanged")
				return err
			}
			for _, c := range cs.Changes {
				fmt.Fprintf(out, "%-6s %-8s %s\n", c.Operation, c.Kind, changeLabel(c))
			}
			_, err = fmt.Fprintln(out, summaryLine(cs.Summary()))
			return err
		},
	}
}

func newRiskCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "risk SOURCE TARGET",
		Short: "Classify the risk of promoting SOURCE over TARGET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := compareFiles(cmd, args[0], args[1])
			if err != nil {
				return err
			}
			a := risk.Classify(cs)
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), a)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", a.Tier, strings.Join(a.Reasons, ", "))
			return err
		},
	}
}

func compareFiles(cmd *cobra.Command, sourcePath, targetPath string) (domain.ChangeSet, error) {
	source, err := loadDefinition(cmd, sourcePath)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	target, err := loadDefinition(cmd, targetPath)
	if err != nil {
		return domain.ChangeSet{}, err
	}
	return diff.Compute(source, target), nil
}

func changeLabel(c domain.Change) string {
	parts := make([]string, 0, 3)
	if c.NodeName != "" {
		parts = append(parts, c.NodeName)
	}
	if c.EdgeKey != "" {
		parts = append(parts, c.EdgeKey)
	}
	if c.FieldPath != "" {
		parts = append(parts, c.FieldPath)
	}
	return strings.Join(parts, " ")
}

func summaryLine(summary map[domain.ChangeOp]int) string {
	ops := make([]string, 0, len(summary))
	for op := range summary {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		parts = append(parts, fmt.Sprintf("%s=%d", op, summary[domain.ChangeOp(op)]))
	}
	return strings.Join(parts, " ")
}
