package oracle

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Names of the checks run against every completion report.
const (
	CheckClaimantSignature = "claimant_signature"
	CheckHashIntegrity     = "hash_integrity"
	CheckIntentState       = "intent_state"
	CheckNodeActive        = "node_active"
	CheckResourceBounds    = "resource_bounds"
	CheckNoPriorProof      = "no_prior_proof"
)

// CheckNames lists every check in evaluation order.
var CheckNames = []string{
	CheckClaimantSignature,
	CheckHashIntegrity,
	CheckIntentState,
	CheckNodeActive,
	CheckResourceBounds,
	CheckNoPriorProof,
}

// DefaultThreshold is the minimum score for acceptance when no policy file overrides it.
const DefaultThreshold = 0.8

// CheckPolicy weighs one check.
type CheckPolicy struct {
	Weight   float64 `yaml:"weight"`
	Required bool    `yaml:"required"`
}

// Policy decides whether a set of check results is good enough to pay out.
// A report is accepted when its weighted score reaches Threshold and every
// required check passed.
type Policy struct {
	Threshold float64                `yaml:"threshold"`
	Checks    map[string]CheckPolicy `yaml:"checks"`
}

// DefaultPolicy weighs all checks equally. Everything except resource_bounds
// is required, so a report that only overruns its bounds scores 5/6 and still
// clears the default threshold.
func DefaultPolicy() Policy {
	checks := make(map[string]CheckPolicy, len(CheckNames))
	for _, name := range CheckNames {
		checks[name] = CheckPolicy{Weight: 1, Required: name != CheckResourceBounds}
	}
	return Policy{Threshold: DefaultThreshold, Checks: checks}
}

// LoadPolicy reads a YAML policy. Checks absent from the file keep their
// default weight; an empty path returns DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if file.Threshold != 0 {
		p.Threshold = file.Threshold
	}
	for name, c := range file.Checks {
		p.Checks[name] = c
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects unknown check names, negative weights and thresholds outside (0, 1].
func (p Policy) Validate() error {
	if p.Threshold <= 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold %v must be in (0, 1]", p.Threshold)
	}
	known := make(map[string]bool, len(CheckNames))
	for _, name := range CheckNames {
		known[name] = true
	}
	names := make([]string, 0, len(p.Checks))
	for name := range p.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var total float64
	for _, name := range names {
		c := p.Checks[name]
		if !known[name] {
			return fmt.Errorf("unknown check %q", name)
		}
		if c.Weight < 0 {
			return fmt.Errorf("check %q has negative weight", name)
		}
		total += c.Weight
	}
	if total == 0 {
		return fmt.Errorf("check weights sum to zero")
	}
	return nil
}

// Score combines results into a verdict.
func (p Policy) Score(results []CheckResult) Verdict {
	var total, passed float64
	requiredOK := true
	for _, r := range results {
		c := p.Checks[r.Name]
		total += c.Weight
		if r.Passed {
			passed += c.Weight
		} else if c.Required {
			requiredOK = false
		}
	}
	v := Verdict{Results: results}
	if total > 0 {
		v.Score = passed / total
	}
	v.Accepted = requiredOK && v.Score >= p.Threshold
	return v
}
