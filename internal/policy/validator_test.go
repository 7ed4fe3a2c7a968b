package policy

import (
	"context"
	"testing"

	"github.com/rhodri/vm-deployer/internal/params"
)

func TestValidator_ValidateLiterals(t *testing.T) {
	validator, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	tests := []struct {
		name        string
		literals    params.Literals
		expectAllow bool
	}{
		{
			name:        "Stock defaults are allowed",
			literals:    params.DefaultLiterals(),
			expectAllow: true,
		},
		{
			name:        "Disallowed region",
			literals:    params.DefaultLiterals().Merge(params.Literals{Region: "eastus"}),
			expectAllow: false,
		},
		{
			name:        "Disallowed image",
			literals:    params.DefaultLiterals().Merge(params.Literals{Image: "windows-dc"}),
			expectAllow: false,
		},
		{
			name: "Empty server name",
			literals: params.Literals{
				ResourceGroupName: "RhodriGpu",
				Region:            "uksouth",
				Image:             "gpuImage",
				AdminLogin:        "rhodri",
			},
			expectAllow: false,
		},
		{
			name:        "Reserved admin login",
			literals:    params.DefaultLiterals().Merge(params.Literals{AdminLogin: "Administrator"}),
			expectAllow: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := validator.ValidateLiterals(context.Background(), tt.literals)
			if err != nil {
				t.Fatalf("ValidateLiterals failed: %v", err)
			}

			if result.Allowed != tt.expectAllow {
				t.Errorf("expected allow=%v, got allow=%v (violations: %v)",
					tt.expectAllow, result.Allowed, result.Violations)
			}
			if !tt.expectAllow && len(result.Violations) == 0 {
				t.Error("expected violations for denied parameters")
			}
		})
	}
}

func TestValidator_CustomAllowlists(t *testing.T) {
	validator, err := NewValidatorWithAllowlists([]string{"eastus"}, []string{"ubuntuImage"})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}

	result, err := validator.ValidateLiterals(context.Background(), params.Literals{
		ResourceGroupName: "Lab",
		Region:            "eastus",
		ServerName:        "vm-01",
		Image:             "ubuntuImage",
		AdminLogin:        "lab",
	})
	if err != nil {
		t.Fatalf("ValidateLiterals failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected allow, got violations: %v", result.Violations)
	}

	result, err = validator.ValidateLiterals(context.Background(), params.DefaultLiterals())
	if err != nil {
		t.Fatalf("ValidateLiterals failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected stock defaults to be denied under custom allowlists")
	}
}
