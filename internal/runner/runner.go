// Package runner owns the last two pipeline steps: the fail-fast presence
// check on the script directory and the invocation of the provisioning
// script itself. The script is an opaque collaborator; its exit code is the
// only signal consumed.
package runner

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rhodri/vm-deployer/internal/errors"
	"github.com/rhodri/vm-deployer/internal/params"
	"github.com/rs/zerolog"
)

// Result captures the outcome of a script invocation.
type Result struct {
	ExitCode   int
	Transcript []byte // combined stdout/stderr of the script
	Duration   time.Duration
}

// Runner invokes the provisioning script with an assembled parameter set.
type Runner interface {
	// VerifyScriptDir lists the script directory under the workspace and
	// fails if it is missing or empty. It does not inspect script content.
	VerifyScriptDir(workspace string) error

	// Invoke executes the provisioning script. The returned error wraps
	// ErrScriptFailed on a non-zero exit.
	Invoke(ctx context.Context, workspace string, set params.Set) (Result, error)
}

// PowerShell runs the script through a PowerShell binary with named
// parameter binding.
type PowerShell struct {
	bin        string
	scriptDir  string
	scriptName string
}

// NewPowerShell creates a runner for the given shell binary and script
// location contract.
func NewPowerShell(bin, scriptDir, scriptName string) *PowerShell {
	return &PowerShell{bin: bin, scriptDir: scriptDir, scriptName: scriptName}
}

// VerifyScriptDir implements the presence check.
func (p *PowerShell) VerifyScriptDir(workspace string) error {
	dir := filepath.Join(workspace, p.scriptDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", errors.ErrScriptDirMissing, p.scriptDir)
		}
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s", errors.ErrScriptDirEmpty, p.scriptDir)
	}
	return nil
}

// ScriptPath returns the script location under a workspace.
func (p *PowerShell) ScriptPath(workspace string) string {
	return filepath.Join(workspace, p.scriptDir, p.scriptName)
}

// Invoke executes the provisioning script with the ten named parameters.
// OUTPUT_PATH is exported to the script's environment, set to the workspace
// root. Secret values appear only in the child's argument vector, never in
// logs.
func (p *PowerShell) Invoke(ctx context.Context, workspace string, set params.Set) (Result, error) {
	logger := zerolog.Ctx(ctx)

	script := p.ScriptPath(workspace)
	if _, err := os.Stat(script); err != nil {
		return Result{}, fmt.Errorf("%w: %s", errors.ErrScriptNotFound, filepath.Join(p.scriptDir, p.scriptName))
	}

	args := append([]string{"-File", script}, set.Args()...)

	cmd := exec.CommandContext(ctx, p.bin, args...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "OUTPUT_PATH="+workspace)

	// Tee script output into the structured log as it arrives. Secret
	// values live only in the argument vector, not in the output stream.
	var transcript bytes.Buffer
	out := io.MultiWriter(&transcript, logger)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Info().
		Str("script", script).
		Object("params", set).
		Msg("invoking provisioning script")

	started := time.Now()
	err := cmd.Run()
	result := Result{
		Transcript: transcript.Bytes(),
		Duration:   time.Since(started),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			logger.Error().
				Int("exit_code", result.ExitCode).
				Dur("duration", result.Duration).
				Msg("provisioning script failed")
			return result, fmt.Errorf("%w: exit code %d", errors.ErrScriptFailed, result.ExitCode)
		}
		return result, fmt.Errorf("failed to start provisioning script: %w", err)
	}

	logger.Info().
		Dur("duration", result.Duration).
		Msg("provisioning script completed")
	return result, nil
}
