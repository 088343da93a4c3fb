package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action represents the policy decision for a verb.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

func (a Action) String() string {
	return string(a)
}

// Rule defines a single policy rule.
type Rule struct {
	Verb   string `yaml:"verb" json:"verb"`
	Action Action `yaml:"action" json:"action"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"` // Optional: shown to the client
}

// PolicyConfig is the top-level policy configuration.
type PolicyConfig struct {
	DefaultAction Action `yaml:"default_action" json:"default_action"`
	ReadOnly      bool   `yaml:"read_only,omitempty" json:"read_only"` // Denies every mutating verb
	Rules         []Rule `yaml:"rules" json:"rules"`
}

// mutatingVerbs change the contents of the jail.
var mutatingVerbs = map[string]bool{
	"mkdir":      true,
	"rm":         true,
	"rename":     true,
	"write_file": true,
}

// PolicyEngine decides which verbs a client may use.
type PolicyEngine struct {
	config PolicyConfig
}

// LoadPolicy loads a policy from a YAML file.
func LoadPolicy(path string) (*PolicyEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var config PolicyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	// Default to allow if not specified
	if config.DefaultAction == "" {
		config.DefaultAction = ActionAllow
	}

	if err := validateAction(config.DefaultAction); err != nil {
		return nil, fmt.Errorf("default_action: %w", err)
	}
	for i, rule := range config.Rules {
		if rule.Verb == "" {
			return nil, fmt.Errorf("rule %d: missing verb", i)
		}
		if err := validateAction(rule.Action); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Verb, err)
		}
	}

	return &PolicyEngine{config: config}, nil
}

// DefaultPolicy allows every verb.
func DefaultPolicy() *PolicyEngine {
	return &PolicyEngine{
		config: PolicyConfig{DefaultAction: ActionAllow},
	}
}

// ReadOnlyPolicy allows every verb except those that modify the jail.
func ReadOnlyPolicy() *PolicyEngine {
	return &PolicyEngine{
		config: PolicyConfig{DefaultAction: ActionAllow, ReadOnly: true},
	}
}

func validateAction(a Action) error {
	switch a {
	case ActionAllow, ActionDeny:
		return nil
	}
	return fmt.Errorf("unknown action %q (want allow or deny)", a)
}

// Decision is the outcome of evaluating a verb.
type Decision struct {
	Action Action
	Reason string
}

// Allowed reports whether the verb may run.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Evaluate checks a canonical verb against the policy. Read-only mode is
// applied before the rules; the first matching rule wins after that.
func (pe *PolicyEngine) Evaluate(verb string) Decision {
	if pe.config.ReadOnly && mutatingVerbs[verb] {
		return Decision{Action: ActionDeny, Reason: "server is read-only"}
	}

	for _, rule := range pe.config.Rules {
		if matchVerb(rule.Verb, verb) {
			return Decision{Action: rule.Action, Reason: rule.Reason}
		}
	}

	return Decision{Action: pe.config.DefaultAction}
}

// matchVerb checks if a verb matches a rule pattern.
// Supports exact match and simple glob patterns.
func matchVerb(pattern, verb string) bool {
	if pattern == "*" {
		return true
	}

	matched, err := filepath.Match(pattern, verb)
	if err != nil {
		// Invalid pattern, fall back to exact match
		return strings.EqualFold(pattern, verb)
	}
	return matched
}

// HasRule checks if the policy has any rule defined for a verb.
func (pe *PolicyEngine) HasRule(verb string) bool {
	for _, rule := range pe.config.Rules {
		if matchVerb(rule.Verb, verb) {
			return true
		}
	}
	return false
}

// VerbPolicy is the decision in force for one verb and where it came from.
type VerbPolicy struct {
	Verb   string `json:"verb"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source"` // "rule", "read_only" or "default"
}

// Effective evaluates each verb against the policy.
func (pe *PolicyEngine) Effective(verbs []string) []VerbPolicy {
	out := make([]VerbPolicy, 0, len(verbs))
	for _, verb := range verbs {
		d := pe.Evaluate(verb)
		source := "default"
		switch {
		case pe.config.ReadOnly && mutatingVerbs[verb]:
			source = "read_only"
		case pe.HasRule(verb):
			source = "rule"
		}
		out = append(out, VerbPolicy{Verb: verb, Action: d.Action, Reason: d.Reason, Source: source})
	}
	return out
}

// Config returns a copy of the policy configuration.
func (pe *PolicyEngine) Config() PolicyConfig {
	cfg := pe.config
	cfg.Rules = append([]Rule(nil), pe.config.Rules...)
	return cfg
}
