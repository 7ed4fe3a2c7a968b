// Package pipeline sequences a deployment run: checkout, presence check,
// and invocation of the provisioning script. Steps run strictly in order;
// the first failure aborts the rest and surfaces as a failed run. Nothing
// is caught, transformed, or retried.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rhodri/vm-deployer/internal/checkout"
	"github.com/rhodri/vm-deployer/internal/dao/lockdao"
	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/errors"
	"github.com/rhodri/vm-deployer/internal/params"
	"github.com/rhodri/vm-deployer/internal/policy"
	"github.com/rhodri/vm-deployer/internal/runner"
	"github.com/rhodri/vm-deployer/internal/secrets"
	"github.com/rhodri/vm-deployer/internal/services"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

// Trigger describes the push (or manual invocation) that started a run.
type Trigger struct {
	Repo     string // repository name
	CloneURL string
	Ref      string // push ref, optional
	Commit   string // commit SHA, optional
	Source   string // "push" or "manual"
}

// Recorder persists run lifecycle transitions. Nil disables history.
type Recorder interface {
	Create(ctx context.Context, input rundao.CreateInput) (rundao.Record, error)
	Start(ctx context.Context, pk rundao.PK, sk string) error
	UpdateStatus(ctx context.Context, input rundao.UpdateInput) error
}

// Locker serializes runs against the same server. Nil disables locking and
// leaves concurrent pushes fully independent, matching the stock contract.
type Locker interface {
	Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error)
	Release(ctx context.Context, input lockdao.ReleaseInput) error
}

// Pipeline executes deployment runs.
type Pipeline struct {
	checkout    checkout.Checkout
	runner      runner.Runner
	secrets     secrets.Source
	literals    params.Literals
	env         string
	recorder    Recorder
	locker      Locker
	validator   *policy.Validator
	transcripts *services.TranscriptStore
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder enables run history.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLocker enables the per-server deployment lock.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) { p.locker = l }
}

// WithValidator gates the literal parameters behind policy.
func WithValidator(v *policy.Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithTranscripts archives script output to S3.
func WithTranscripts(t *services.TranscriptStore) Option {
	return func(p *Pipeline) { p.transcripts = t }
}

// WithLiterals overrides the literal deployment parameters.
func WithLiterals(lit params.Literals) Option {
	return func(p *Pipeline) { p.literals = lit }
}

// New creates a Pipeline. The zero configuration runs with the stock
// literal constants and no persistence, locking, policy, or transcripts.
func New(co checkout.Checkout, run runner.Runner, source secrets.Source, env string, opts ...Option) *Pipeline {
	p := &Pipeline{
		checkout: co,
		runner:   run,
		secrets:  source,
		literals: params.DefaultLiterals(),
		env:      env,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run creates a run record and executes it, returning the run ID. Each call
// is an independent invocation; identical triggers are never deduplicated.
func (p *Pipeline) Run(ctx context.Context, trigger Trigger) (string, error) {
	runID := ksuid.New().String()

	if p.recorder != nil {
		_, err := p.recorder.Create(ctx, rundao.CreateInput{
			Repo:          trigger.Repo,
			Env:           p.env,
			SK:            runID,
			CloneURL:      trigger.CloneURL,
			Branch:        checkout.BranchFromRef(trigger.Ref),
			Commit:        trigger.Commit,
			ServerName:    p.literals.ServerName,
			ResourceGroup: p.literals.ResourceGroupName,
		})
		if err != nil {
			return "", fmt.Errorf("failed to create run record: %w", err)
		}
	}

	return runID, p.Execute(ctx, trigger, runID)
}

// Execute runs the step sequence for an already-recorded run ID.
func (p *Pipeline) Execute(ctx context.Context, trigger Trigger, runID string) error {
	logger := zerolog.Ctx(ctx).With().
		Str("run_id", runID).
		Str("repo", trigger.Repo).
		Str("source", trigger.Source).
		Logger()
	ctx = logger.WithContext(ctx)

	err := p.execute(ctx, trigger, runID)
	p.finish(ctx, trigger, runID, err)
	return err
}

func (p *Pipeline) execute(ctx context.Context, trigger Trigger, runID string) error {
	logger := zerolog.Ctx(ctx)

	// Step 1: checkout
	workspace, cleanup, err := p.checkout.Fetch(ctx, checkout.Input{
		CloneURL: trigger.CloneURL,
		Ref:      trigger.Ref,
		Commit:   trigger.Commit,
	})
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info().Str("workspace", workspace).Msg("checkout complete")

	// Step 2: presence check
	if err := p.runner.VerifyScriptDir(workspace); err != nil {
		return err
	}

	// Parameter assembly: secrets are resolved fresh for this run only
	resolved, err := p.secrets.Resolve(ctx, secretKeys())
	if err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	set := params.New(resolved, p.literals)
	if missing := set.MissingSecrets(); len(missing) > 0 {
		logger.Warn().Strs("params", missing).Msg("secrets undefined, passing empty values")
	}

	if p.validator != nil {
		result, err := p.validator.ValidateLiterals(ctx, p.literals)
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		if !result.Allowed {
			return fmt.Errorf("%w: %s", errors.ErrPolicyViolation, strings.Join(result.Violations, "; "))
		}
	}

	if p.locker != nil {
		_, acquired, err := p.locker.Acquire(ctx, lockdao.AcquireInput{
			ResourceGroup: p.literals.ResourceGroupName,
			ServerName:    p.literals.ServerName,
			RunID:         runID,
			Repo:          trigger.Repo,
		})
		if err != nil {
			return fmt.Errorf("failed to acquire deployment lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("%w: %s/%s", errors.ErrLockHeld, p.literals.ResourceGroupName, p.literals.ServerName)
		}
		defer func() {
			releaseErr := p.locker.Release(ctx, lockdao.ReleaseInput{
				ID:    lockdao.NewID(p.literals.ResourceGroupName, p.literals.ServerName),
				RunID: runID,
			})
			if releaseErr != nil {
				logger.Warn().Err(releaseErr).Msg("failed to release deployment lock")
			}
		}()
	}

	if p.recorder != nil {
		if err := p.recorder.Start(ctx, rundao.NewPK(trigger.Repo, p.env), runID); err != nil {
			return fmt.Errorf("failed to mark run in progress: %w", err)
		}
	}

	// Step 3: invoke the provisioning script
	result, invokeErr := p.runner.Invoke(ctx, workspace, set)

	if p.transcripts.Enabled() {
		key := p.transcripts.Upload(ctx, trigger.Repo, p.env, runID, result.Transcript)
		if key != "" && p.recorder != nil {
			status := rundao.StatusInProgress
			_ = p.recorder.UpdateStatus(ctx, rundao.UpdateInput{
				PK:            rundao.NewPK(trigger.Repo, p.env),
				SK:            runID,
				Status:        &status,
				TranscriptKey: &key,
			})
		}
	}

	return invokeErr
}

// finish records the terminal status of the run.
func (p *Pipeline) finish(ctx context.Context, trigger Trigger, runID string, runErr error) {
	logger := zerolog.Ctx(ctx)

	if runErr != nil {
		logger.Error().Err(runErr).Msg("run failed")
	} else {
		logger.Info().Msg("run succeeded")
	}

	if p.recorder == nil {
		return
	}

	status := rundao.StatusSuccess
	input := rundao.UpdateInput{
		PK:     rundao.NewPK(trigger.Repo, p.env),
		SK:     runID,
		Status: &status,
	}
	if runErr != nil {
		status = rundao.StatusFailed
		msg := runErr.Error()
		input.ErrorMsg = &msg
	}

	if err := p.recorder.UpdateStatus(ctx, input); err != nil {
		logger.Warn().Err(err).Msg("failed to record run status")
	}
}

func secretKeys() []string {
	keys := make([]string, 0, len(params.SecretKeys))
	for _, sk := range params.SecretKeys {
		keys = append(keys, sk.Key)
	}
	return keys
}
