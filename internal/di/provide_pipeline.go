package di

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rhodri/vm-deployer/internal/checkout"
	"github.com/rhodri/vm-deployer/internal/config"
	"github.com/rhodri/vm-deployer/internal/dao/lockdao"
	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/params"
	"github.com/rhodri/vm-deployer/internal/pipeline"
	"github.com/rhodri/vm-deployer/internal/policy"
	"github.com/rhodri/vm-deployer/internal/runner"
	"github.com/rhodri/vm-deployer/internal/secrets"
	"github.com/rhodri/vm-deployer/internal/services"
	"github.com/rs/zerolog"
)

// ProvideSecretSource provides the secret store backing the five
// confidential parameters. DISABLE_AWS=true switches to environment
// variables for local development.
func ProvideSecretSource(ctx context.Context, client *secretsmanager.Client, env string) secrets.Source {
	logger := zerolog.Ctx(ctx)

	if os.Getenv("DISABLE_AWS") == "true" {
		logger.Info().Msg("Using environment variables for secrets (AWS disabled)")
		return secrets.NewEnvSource()
	}

	return secrets.NewManagerSource(client, env)
}

// ProvideValidator provides the deployment parameter policy.
func ProvideValidator() (*policy.Validator, error) {
	return policy.NewValidator()
}

// ProvideTranscriptStore provides the S3 transcript archive. Disabled when
// no bucket is configured.
func ProvideTranscriptStore(client *s3.Client, cfg *config.Config) *services.TranscriptStore {
	return services.NewTranscriptStore(client, cfg.TranscriptBucket, ProvideLogger())
}

// ProvideLiterals resolves the literal deployment parameters: stock
// constants overlaid with the optional manifest.
func ProvideLiterals(manifestPath ManifestPath) (params.Literals, error) {
	if manifestPath == "" {
		return params.DefaultLiterals(), nil
	}

	manifest, err := config.LoadManifest(string(manifestPath))
	if err != nil {
		return params.Literals{}, err
	}
	return manifest.Literals(), nil
}

// ProvidePipeline assembles the deployment pipeline from configuration.
// Policy is always on; run history, transcripts, and locking require AWS
// and follow the app config.
func ProvidePipeline(
	cfg *config.Config,
	source secrets.Source,
	validator *policy.Validator,
	transcripts *services.TranscriptStore,
	runDAO *rundao.DAO,
	lockDAO *lockdao.DAO,
	literals params.Literals,
	env string,
) *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithLiterals(literals),
		pipeline.WithValidator(validator),
	}
	if os.Getenv("DISABLE_AWS") != "true" {
		opts = append(opts,
			pipeline.WithRecorder(runDAO),
			pipeline.WithTranscripts(transcripts),
		)
		if cfg.LockingEnabled {
			opts = append(opts, pipeline.WithLocker(lockDAO))
		}
	}

	co := checkout.NewGit(cfg.WorkspaceRoot)
	run := runner.NewPowerShell(cfg.ShellBinary, cfg.ScriptDir, cfg.ScriptName)

	return pipeline.New(co, run, source, env, opts...)
}
