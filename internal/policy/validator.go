package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed deploy.rego
var policyContent string

// Validator evaluates deployment plans against the embedded policy
type Validator struct {
	allowQuery      rego.PreparedEvalQuery
	violationsQuery rego.PreparedEvalQuery
}

// PlanInput is the document the policy sees for one release
type PlanInput struct {
	Site         string   // site name
	Env          string   // environment
	Branch       string   // branch that triggered the release
	DeployBranch string   // branch the site is bound to
	Trigger      string   // push, manual, or rollback
	Strategy     string   // in_place or release_dir
	Excludes     []string // full exclusion list the scan ran with
	FilesTotal   int      // manifest size after exclusions
	HasSSH       bool     // SSH_HOST resolved for the site
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// NewValidator compiles the embedded policy. Failing here means the binary
// shipped with a broken policy, so callers treat an error as fatal.
func NewValidator() (*Validator, error) {
	ctx := context.Background()

	allowQuery, err := rego.New(
		rego.Query("data.deploy.allow"),
		rego.Module("deploy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	violationsQuery, err := rego.New(
		rego.Query("data.deploy.violations"),
		rego.Module("deploy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare violations query: %w", err)
	}

	return &Validator{
		allowQuery:      allowQuery,
		violationsQuery: violationsQuery,
	}, nil
}

// ValidatePlan evaluates the allow rule and, when the plan is rejected,
// collects the violation messages.
func (v *Validator) ValidatePlan(ctx context.Context, plan PlanInput) (*ValidationResult, error) {
	input := planInputDocument(plan)

	results, err := v.allowQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned non-boolean result"},
		}, nil
	}

	result := &ValidationResult{
		Allowed: allowed,
	}

	if !allowed {
		violations, err := v.getViolations(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		result.Violations = violations
	}

	return result, nil
}

func (v *Validator) getViolations(ctx context.Context, input map[string]interface{}) ([]string, error) {
	results, err := v.violationsQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate violations: %w", err)
	}

	if len(results) == 0 {
		return []string{"unknown policy violation"}, nil
	}

	violationsInterface := results[0].Expressions[0].Value
	if violationsInterface == nil {
		return []string{"unknown policy violation"}, nil
	}

	// Convert the violations to strings
	var violations []string
	switch value := violationsInterface.(type) {
	case []interface{}:
		for _, violation := range value {
			if str, ok := violation.(string); ok {
				violations = append(violations, str)
			}
		}
	case map[string]interface{}:
		// Handle set type from Rego
		for violation := range value {
			violations = append(violations, violation)
		}
	}

	if len(violations) == 0 {
		return []string{"policy validation failed but no specific violations found"}, nil
	}

	return violations, nil
}

func planInputDocument(plan PlanInput) map[string]interface{} {
	excludes := make([]interface{}, 0, len(plan.Excludes))
	for _, pattern := range plan.Excludes {
		excludes = append(excludes, pattern)
	}

	return map[string]interface{}{
		"site":          plan.Site,
		"env":           plan.Env,
		"branch":        plan.Branch,
		"deploy_branch": plan.DeployBranch,
		"trigger":       plan.Trigger,
		"strategy":      plan.Strategy,
		"excludes":      excludes,
		"files_total":   plan.FilesTotal,
		"has_ssh":       plan.HasSSH,
	}
}
