// Package risk classifies change sets into risk tiers with a fixed rule table.
package risk

import (
	"sort"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

type Assessment struct {
	Tier    domain.RiskTier `json:"tier"`
	Reasons []string        `json:"reasons,omitempty"`
}

const (
	ReasonCredentials   = "credentials"
	ReasonCode          = "code_or_expression"
	ReasonTrigger       = "trigger_configuration"
	ReasonHTTPTarget    = "http_target"
	ReasonTopology      = "topology"
	ReasonErrorHandling = "error_handling"
	ReasonSettings      = "settings"
	ReasonRename        = "rename"
	ReasonDefault       = "default"
)

var codeParameters = map[string]struct{}{
	"jsCode":       {},
	"pythonCode":   {},
	"functionCode": {},
	"code":         {},
	"query":        {},
	"expression":   {},
}

var httpTargetParameters = map[string]struct{}{
	"url":      {},
	"baseUrl":  {},
	"baseURL":  {},
	"host":     {},
	"endpoint": {},
}

var errorHandlingFields = map[string]struct{}{
	"on_error":           {},
	"continue_on_fail":   {},
	"retry_on_fail":      {},
	"max_tries":          {},
	"wait_between_tries": {},
}

var triggerTypeMarkers = []string{"trigger", "webhook", "cron", "schedule"}
var httpTypeMarkers = []string{"httprequest", "http"}

// Classify returns the highest tier matched by any change. An empty change set
// classifies as LOW.
func Classify(cs domain.ChangeSet) Assessment {
	tier := domain.RiskLow
	reasons := map[string]struct{}{}
	matched := false
	hit := func(t domain.RiskTier, reason string) {
		matched = true
		tier = domain.MaxRisk(tier, t)
		reasons[reason] = struct{}{}
	}

	for _, c := range cs.Changes {
		switch c.Kind {
		case domain.ChangeKindEdge:
			hit(domain.RiskHigh, ReasonTopology)
		case domain.ChangeKindNode:
			classifyNode(c, hit)
		case domain.ChangeKindSettings:
			if strings.EqualFold(strings.TrimPrefix(c.FieldPath, "settings."), "errorWorkflow") {
				hit(domain.RiskMedium, ReasonErrorHandling)
				continue
			}
			hit(domain.RiskMedium, ReasonSettings)
		case domain.ChangeKindWorkflow:
			if c.FieldPath == "name" {
				hit(domain.RiskLow, ReasonRename)
			}
		}
	}
	if !matched {
		reasons[ReasonDefault] = struct{}{}
	}
	return Assessment{Tier: tier, Reasons: keys(reasons, tier)}
}

func classifyNode(c domain.Change, hit func(domain.RiskTier, string)) {
	nodeType := strings.ToLower(c.NodeType)
	if c.Operation == domain.ChangeOpAdd || c.Operation == domain.ChangeOpRemove {
		hit(domain.RiskHigh, ReasonTopology)
		if containsAny(nodeType, triggerTypeMarkers) {
			hit(domain.RiskHigh, ReasonTrigger)
		}
		return
	}

	path := c.FieldPath
	switch {
	case strings.HasPrefix(path, "credentials."):
		hit(domain.RiskHigh, ReasonCredentials)
		return
	case path == "name":
		hit(domain.RiskLow, ReasonRename)
		return
	}
	if _, ok := errorHandlingFields[path]; ok {
		hit(domain.RiskMedium, ReasonErrorHandling)
		return
	}
	if strings.HasPrefix(path, "parameters.") {
		leaf := path[strings.LastIndex(path, ".")+1:]
		if _, ok := codeParameters[leaf]; ok || carriesCode(c.Before) || carriesCode(c.After) {
			hit(domain.RiskHigh, ReasonCode)
			return
		}
		if containsAny(nodeType, triggerTypeMarkers) {
			hit(domain.RiskHigh, ReasonTrigger)
			return
		}
		if _, ok := httpTargetParameters[leaf]; ok {
			hit(domain.RiskHigh, ReasonHTTPTarget)
			return
		}
		if leaf == "path" && containsAny(nodeType, httpTypeMarkers) {
			hit(domain.RiskHigh, ReasonHTTPTarget)
			return
		}
		hit(domain.RiskMedium, ReasonSettings)
		return
	}
	if containsAny(nodeType, triggerTypeMarkers) {
		hit(domain.RiskHigh, ReasonTrigger)
		return
	}
	// type_version, disabled, notes and similar node-level toggles.
	hit(domain.RiskMedium, ReasonSettings)
}

// carriesCode reports whether v holds an n8n expression (a string starting
// with "=") or a code parameter at any depth. Array-valued parameters such as
// Set assignments and IF conditions reach here whole.
func carriesCode(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.HasPrefix(t, "=")
	case map[string]any:
		for k, elem := range t {
			if _, ok := codeParameters[k]; ok && elem != nil {
				return true
			}
			if carriesCode(elem) {
				return true
			}
		}
	case []any:
		for _, elem := range t {
			if carriesCode(elem) {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// keys lists the reasons that justify the winning tier first, then the rest.
func keys(reasons map[string]struct{}, tier domain.RiskTier) []string {
	out := make([]string, 0, len(reasons))
	for r := range reasons {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := reasonTier(out[i]) == tier, reasonTier(out[j]) == tier
		if ri != rj {
			return ri
		}
		return out[i] < out[j]
	})
	return out
}

func reasonTier(reason string) domain.RiskTier {
	switch reason {
	case ReasonCredentials, ReasonCode, ReasonTrigger, ReasonHTTPTarget, ReasonTopology:
		return domain.RiskHigh
	case ReasonErrorHandling, ReasonSettings:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
