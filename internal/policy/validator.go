// Package policy gates the public deployment parameters behind a rego
// allowlist before the provisioning script is invoked. Confidential
// parameters are never evaluated here.
package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rhodri/vm-deployer/internal/params"
)

//go:embed deployment.rego
var policyContent string

// DefaultAllowedRegions are the Azure regions deployments may target.
var DefaultAllowedRegions = []string{"uksouth", "ukwest", "westeurope", "northeurope"}

// DefaultAllowedImages are the VM image names deployments may use.
var DefaultAllowedImages = []string{"gpuImage"}

type Validator struct {
	allowedRegions []string
	allowedImages  []string
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// NewValidator creates a validator with the default allowlists.
func NewValidator() (*Validator, error) {
	return NewValidatorWithAllowlists(DefaultAllowedRegions, DefaultAllowedImages)
}

// NewValidatorWithAllowlists creates a validator with explicit region and
// image allowlists.
func NewValidatorWithAllowlists(regions, images []string) (*Validator, error) {
	v := &Validator{allowedRegions: regions, allowedImages: images}

	// Compile eagerly so a broken policy fails at startup, not per run
	if _, err := v.prepare(context.Background(), "data.deployment.allow"); err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}
	return v, nil
}

// ValidateLiterals evaluates the five public parameters against the policy.
func (v *Validator) ValidateLiterals(ctx context.Context, lit params.Literals) (*ValidationResult, error) {
	input := map[string]interface{}{
		params.ResourceGroupName:       lit.ResourceGroupName,
		params.ResourceGroupNameRegion: lit.Region,
		params.ServerName:              lit.ServerName,
		params.Image:                   lit.Image,
		params.AdminLogin:              lit.AdminLogin,
	}

	query, err := v.prepare(ctx, "data.deployment.allow")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy query: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
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

	result := &ValidationResult{Allowed: allowed}
	if !allowed {
		violations, err := v.getViolations(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		result.Violations = violations
	}

	return result, nil
}

func (v *Validator) prepare(ctx context.Context, query string) (rego.PreparedEvalQuery, error) {
	store := inmem.NewFromObject(map[string]interface{}{
		"allowed_regions": toInterfaceSlice(v.allowedRegions),
		"allowed_images":  toInterfaceSlice(v.allowedImages),
	})

	return rego.New(
		rego.Query(query),
		rego.Module("deployment.rego", policyContent),
		rego.Store(store),
	).PrepareForEval(ctx)
}

func (v *Validator) getViolations(ctx context.Context, input map[string]interface{}) ([]string, error) {
	query, err := v.prepare(ctx, "data.deployment.violations")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare violations query: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
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

	var violations []string
	switch v := violationsInterface.(type) {
	case []interface{}:
		for _, violation := range v {
			if str, ok := violation.(string); ok {
				violations = append(violations, str)
			}
		}
	case map[string]interface{}:
		// Handle set type from Rego
		for violation := range v {
			violations = append(violations, violation)
		}
	}

	if len(violations) == 0 {
		return []string{"policy validation failed but no specific violations found"}, nil
	}

	return violations, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
