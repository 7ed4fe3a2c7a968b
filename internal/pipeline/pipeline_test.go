package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/rhodri/vm-deployer/internal/checkout"
	"github.com/rhodri/vm-deployer/internal/dao/lockdao"
	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/errors"
	"github.com/rhodri/vm-deployer/internal/params"
	"github.com/rhodri/vm-deployer/internal/policy"
	"github.com/rhodri/vm-deployer/internal/runner"
	"github.com/rhodri/vm-deployer/internal/secrets"
	"github.com/stretchr/testify/assert"
)

type stubCheckout struct {
	workspace string
	err       error
	calls     int
}

func (s *stubCheckout) Fetch(ctx context.Context, input checkout.Input) (string, func(), error) {
	s.calls++
	if s.err != nil {
		return "", nil, s.err
	}
	return s.workspace, func() {}, nil
}

type stubRunner struct {
	verifyErr error
	invokeErr error
	invoked   []params.Set
}

func (s *stubRunner) VerifyScriptDir(workspace string) error {
	return s.verifyErr
}

func (s *stubRunner) Invoke(ctx context.Context, workspace string, set params.Set) (runner.Result, error) {
	s.invoked = append(s.invoked, set)
	if s.invokeErr != nil {
		return runner.Result{ExitCode: 1}, s.invokeErr
	}
	return runner.Result{}, nil
}

type memRecorder struct {
	mu      sync.Mutex
	records map[string]*rundao.Record
}

func newMemRecorder() *memRecorder {
	return &memRecorder{records: map[string]*rundao.Record{}}
}

func (m *memRecorder) Create(ctx context.Context, input rundao.CreateInput) (rundao.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := rundao.Record{
		PK:     rundao.NewPK(input.Repo, input.Env),
		SK:     input.SK,
		Repo:   input.Repo,
		Env:    input.Env,
		Status: rundao.StatusPending,
	}
	m.records[input.SK] = &record
	return record, nil
}

func (m *memRecorder) Start(ctx context.Context, pk rundao.PK, sk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sk].Status = rundao.StatusInProgress
	return nil
}

func (m *memRecorder) UpdateStatus(ctx context.Context, input rundao.UpdateInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[input.SK]
	record.Status = *input.Status
	if input.ErrorMsg != nil {
		record.ErrorMsg = input.ErrorMsg
	}
	return nil
}

func (m *memRecorder) status(sk string) rundao.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[sk].Status
}

type memLocker struct {
	mu    sync.Mutex
	locks map[lockdao.ID]string // id -> run holding it
}

func newMemLocker() *memLocker {
	return &memLocker{locks: map[lockdao.ID]string{}}
}

func (m *memLocker) Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := lockdao.NewID(input.ResourceGroup, input.ServerName)
	if holder, ok := m.locks[id]; ok && holder != input.RunID {
		return nil, false, nil
	}
	m.locks[id] = input.RunID
	return &lockdao.Record{RunID: input.RunID}, true, nil
}

func (m *memLocker) Release(ctx context.Context, input lockdao.ReleaseInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[input.ID] == input.RunID {
		delete(m.locks, input.ID)
	}
	return nil
}

func testSecrets() secrets.StaticSource {
	return secrets.StaticSource{
		params.KeyServicePrincipalAppID:    "app-id",
		params.KeyServicePrincipalSecret:   "sp-secret",
		params.KeyServicePrincipalTenantID: "tenant-id",
		params.KeyAzureSubscriptionID:      "sub-name",
		params.KeyAdminPassword:            "hunter2",
	}
}

func testTrigger() Trigger {
	return Trigger{
		Repo:     "gpu-lab",
		CloneURL: "https://github.com/rhodri/gpu-lab.git",
		Ref:      "refs/heads/main",
		Commit:   "abc123",
		Source:   "push",
	}
}

func TestRun_Success(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{}
	recorder := newMemRecorder()

	p := New(co, run, testSecrets(), "dev", WithRecorder(recorder))

	runID, err := p.Run(ctx, testTrigger())
	assert.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Equal(t, 1, co.calls)
	assert.Len(t, run.invoked, 1)
	assert.Equal(t, rundao.StatusSuccess, recorder.status(runID))

	// The runner received the five secrets plus the five literal constants
	set := run.invoked[0]
	for name, want := range map[string]string{
		params.ServicePrincipal:        "app-id",
		params.AdminPassword:           "hunter2",
		params.ResourceGroupName:       "RhodriGpu",
		params.ResourceGroupNameRegion: "uksouth",
		params.ServerName:              "githubactions",
		params.Image:                   "gpuImage",
		params.AdminLogin:              "rhodri",
	} {
		v, ok := set.Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, v, name)
	}
}

func TestRun_CheckoutFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{err: errors.ErrCheckoutFailed}
	run := &stubRunner{}
	recorder := newMemRecorder()

	p := New(co, run, testSecrets(), "dev", WithRecorder(recorder))

	runID, err := p.Run(ctx, testTrigger())
	assert.ErrorIs(t, err, errors.ErrCheckoutFailed)
	assert.Empty(t, run.invoked)
	assert.Equal(t, rundao.StatusFailed, recorder.status(runID))
}

func TestRun_PresenceCheckFailureSkipsInvoke(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{verifyErr: errors.ErrScriptDirMissing}

	p := New(co, run, testSecrets(), "dev")

	_, err := p.Run(ctx, testTrigger())
	assert.ErrorIs(t, err, errors.ErrScriptDirMissing)
	assert.Empty(t, run.invoked)
}

func TestRun_MissingSecretStillInvokes(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{}

	source := testSecrets()
	delete(source, params.KeyAdminPassword)

	p := New(co, run, source, "dev")

	_, err := p.Run(ctx, testTrigger())
	assert.NoError(t, err)
	assert.Len(t, run.invoked, 1)

	v, ok := run.invoked[0].Get(params.AdminPassword)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestRun_ScriptFailureRecordedAsFailed(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{invokeErr: errors.ErrScriptFailed}
	recorder := newMemRecorder()

	p := New(co, run, testSecrets(), "dev", WithRecorder(recorder))

	runID, err := p.Run(ctx, testTrigger())
	assert.ErrorIs(t, err, errors.ErrScriptFailed)
	assert.Equal(t, rundao.StatusFailed, recorder.status(runID))
}

func TestRun_PolicyViolationBlocksInvoke(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{}

	validator, err := policy.NewValidator()
	assert.NoError(t, err)

	p := New(co, run, testSecrets(), "dev",
		WithValidator(validator),
		WithLiterals(params.DefaultLiterals().Merge(params.Literals{Region: "eastus"})),
	)

	_, err = p.Run(ctx, testTrigger())
	assert.ErrorIs(t, err, errors.ErrPolicyViolation)
	assert.Empty(t, run.invoked)
}

func TestRun_TwoIdenticalRunsAreIndependent(t *testing.T) {
	// With locking off, identical pushes produce two independent
	// invocations with identical parameter sets.
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{}

	p := New(co, run, testSecrets(), "dev")

	id1, err := p.Run(ctx, testTrigger())
	assert.NoError(t, err)
	id2, err := p.Run(ctx, testTrigger())
	assert.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Len(t, run.invoked, 2)
	assert.Equal(t, run.invoked[0].Params(), run.invoked[1].Params())
}

func TestRun_LockHeldFailsSecondRun(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	locker := newMemLocker()

	// First run holds the lock while the second starts
	blocked := &stubRunner{}
	p := New(co, blocked, testSecrets(), "dev", WithLocker(locker))

	// Seed a standing lock held by another run
	_, acquired, err := locker.Acquire(ctx, lockdao.AcquireInput{
		ResourceGroup: "RhodriGpu",
		ServerName:    "githubactions",
		RunID:         "other-run",
	})
	assert.NoError(t, err)
	assert.True(t, acquired)

	_, err = p.Run(ctx, testTrigger())
	assert.ErrorIs(t, err, errors.ErrLockHeld)
	assert.Empty(t, blocked.invoked)
}

func TestRun_LockReleasedAfterRun(t *testing.T) {
	ctx := context.Background()
	co := &stubCheckout{workspace: t.TempDir()}
	run := &stubRunner{}
	locker := newMemLocker()

	p := New(co, run, testSecrets(), "dev", WithLocker(locker))

	_, err := p.Run(ctx, testTrigger())
	assert.NoError(t, err)

	// Lock is free again for the next run
	_, err = p.Run(ctx, testTrigger())
	assert.NoError(t, err)
	assert.Len(t, run.invoked, 2)
}
