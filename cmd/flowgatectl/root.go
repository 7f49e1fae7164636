package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
)

type rootOptions struct {
	JSON bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "flowgatectl",
		Short:         "Offline tools for workflow definitions and gate policies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of text")

	cmd.AddCommand(newHashCommand(opts))
	cmd.AddCommand(newDiffCommand(opts))
	cmd.AddCommand(newRiskCommand(opts))
	cmd.AddCommand(newPolicyCommand(opts))
	return cmd
}

// loadDefinition reads and normalizes a workflow file; "-" reads stdin.
func loadDefinition(cmd *cobra.Command, path string) (normalize.Normalized, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return normalize.Normalized{}, fmt.Errorf("read %s: %w", path, err)
	}
	out, err := normalize.Default().ParseAndNormalize(raw)
	if err != nil {
		return normalize.Normalized{}, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
