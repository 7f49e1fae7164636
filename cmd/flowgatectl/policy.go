package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/flowgate/internal/domain"
	"github.com/animus-labs/flowgate/internal/platform/policy"
)

type policyCheckOptions struct {
	SourceClass string
	TargetClass string
	Risk        string
	Stage       string
	Role        string
	Workflows   int
	Hotfixes    int
}

func newPolicyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with gate policy files",
	}
	cmd.AddCommand(newPolicyCheckCommand(opts))
	return cmd
}

// newPolicyCheckCommand evaluates a policy file against a hypothetical
// promotion. A deny decision exits non-zero.
func newPolicyCheckCommand(opts *rootOptions) *cobra.Command {
	check := &policyCheckOptions{}
	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Evaluate a gate policy against a promotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			pc, err := check.context()
			if err != nil {
				return err
			}
			decision, err := policy.Evaluate(spec, pc)
			if err != nil {
				return err
			}
			if opts.JSON {
				if err := writeJSON(cmd.OutOrStdout(), decision); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), decision.String())
			}
			if decision.Effect == policy.EffectDeny {
				return fmt.Errorf("promotion denied by rule %q", decision.RuleID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&check.SourceClass, "source-class", string(domain.EnvironmentStaging), "source environment class")
	f.StringVar(&check.TargetClass, "target-class", string(domain.EnvironmentProduction), "target environment class")
	f.StringVar(&check.Risk, "risk", string(domain.RiskLow), "overall risk tier (LOW|MEDIUM|HIGH)")
	f.StringVar(&check.Stage, "stage", "", "pipeline stage name")
	f.StringVar(&check.Role, "role", "editor", "actor role")
	f.IntVar(&check.Workflows, "workflows", 1, "number of mutating workflows")
	f.IntVar(&check.Hotfixes, "hotfixes", 0, "number of target hotfix conflicts")
	return cmd
}

func (o *policyCheckOptions) context() (policy.Context, error) {
	source := domain.NormalizeEnvironmentClass(o.SourceClass)
	if source == "" {
		return policy.Context{}, fmt.Errorf("invalid source class %q", o.SourceClass)
	}
	target := domain.NormalizeEnvironmentClass(o.TargetClass)
	if target == "" {
		return policy.Context{}, fmt.Errorf("invalid target class %q", o.TargetClass)
	}
	tier := domain.NormalizeRiskTier(o.Risk)
	if tier == "" {
		return policy.Context{}, fmt.Errorf("invalid risk tier %q", o.Risk)
	}
	return policy.Context{
		SourceClass:   string(source),
		TargetClass:   string(target),
		StageName:     o.Stage,
		RiskTier:      string(tier),
		RiskLevel:     tier.Level(),
		WorkflowCount: o.Workflows,
		HotfixCount:   o.Hotfixes,
		ActorRole:     o.Role,
	}, nil
}
