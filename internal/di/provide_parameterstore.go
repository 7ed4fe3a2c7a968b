package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rhodri/vm-deployer/internal/config"
	"github.com/rs/zerolog"
)

// ProvideSSMClient provides an SSM client for Parameter Store access
// Returns nil if SSM is disabled (for local development)
func ProvideSSMClient(awsConfig aws.Config) *ssm.Client {
	// Check if SSM should be disabled (local development)
	if os.Getenv("DISABLE_SSM") == "true" {
		return nil
	}

	return ssm.NewFromConfig(awsConfig)
}

// ProvideParameterStore provides a ParameterStore implementation
// Uses SSM Parameter Store in AWS, falls back to environment variables when disabled
func ProvideParameterStore(ctx context.Context, ssmClient *ssm.Client, env string) config.ParameterStore {
	logger := zerolog.Ctx(ctx)

	if ssmClient == nil {
		logger.Info().Msg("Using environment variables for configuration (SSM disabled)")
		return config.NewEnvParameterStore(env)
	}

	logger.Info().Msg("Using AWS Systems Manager Parameter Store for configuration")
	return config.NewSSMParameterStore(ssmClient, env)
}

// ProvideAppConfig loads application configuration from Parameter Store or environment variables
func ProvideAppConfig(ctx context.Context, store config.ParameterStore) (*config.Config, error) {
	logger := zerolog.Ctx(ctx)

	cfg, err := store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info().
		Str("script_dir", cfg.ScriptDir).
		Str("script_name", cfg.ScriptName).
		Str("shell", cfg.ShellBinary).
		Bool("locking_enabled", cfg.LockingEnabled).
		Bool("has_transcript_bucket", cfg.TranscriptBucket != "").
		Msg("Configuration loaded successfully")

	return cfg, nil
}
