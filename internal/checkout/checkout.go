// Package checkout materializes the pushed revision of a repository into an
// ephemeral workspace using the system git binary, the same way a CI runner
// performs its checkout step.
package checkout

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rhodri/vm-deployer/internal/errors"
	"github.com/rs/zerolog"
)

// Input identifies the revision to fetch.
type Input struct {
	CloneURL string // repository clone URL
	Ref      string // branch ref, e.g. refs/heads/main or main; optional
	Commit   string // commit SHA carried on the push event; optional
}

// Checkout fetches a revision into a fresh workspace. The returned cleanup
// removes the workspace and must be called when the run finishes.
type Checkout interface {
	Fetch(ctx context.Context, input Input) (workspace string, cleanup func(), err error)
}

// Git shells out to the system git binary.
type Git struct {
	root string // parent directory for workspaces
	bin  string
}

// NewGit creates a git-backed checkout rooted at the given directory.
func NewGit(root string) *Git {
	return &Git{root: root, bin: "git"}
}

// Fetch clones the repository at depth 1 and, when the event carries a
// commit, pins the workspace to that exact revision. Any git failure is
// fatal with no retry.
func (g *Git) Fetch(ctx context.Context, input Input) (string, func(), error) {
	if input.CloneURL == "" {
		return "", nil, errors.ErrCloneURLRequired
	}

	workspace, err := os.MkdirTemp(g.root, "vm-deployer-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(workspace) }

	args := []string{"clone", "--depth", "1"}
	if branch := BranchFromRef(input.Ref); branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, input.CloneURL, workspace)

	if err := g.run(ctx, "", args...); err != nil {
		cleanup()
		return "", nil, err
	}

	if input.Commit != "" {
		if err := g.run(ctx, workspace, "fetch", "--depth", "1", "origin", input.Commit); err != nil {
			cleanup()
			return "", nil, err
		}
		if err := g.run(ctx, workspace, "checkout", input.Commit); err != nil {
			cleanup()
			return "", nil, err
		}
	}

	return workspace, cleanup, nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) error {
	logger := zerolog.Ctx(ctx)

	cmd := exec.CommandContext(ctx, g.bin, args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error().
			Str("command", "git "+strings.Join(args, " ")).
			Str("output", strings.TrimSpace(string(output))).
			Msg("git command failed")
		return fmt.Errorf("%w: git %s: %v", errors.ErrCheckoutFailed, args[0], err)
	}
	return nil
}

// BranchFromRef extracts the branch name from a push ref. Returns "" for
// tags and unrecognized refs so the clone falls back to the default branch.
func BranchFromRef(ref string) string {
	if ref == "" {
		return ""
	}
	if branch, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return branch
	}
	if strings.HasPrefix(ref, "refs/") {
		return ""
	}
	return ref
}
