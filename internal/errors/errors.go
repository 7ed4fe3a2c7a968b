package errors

import "errors"

var (
	ErrCloneURLRequired = errors.New("clone URL is required")
	ErrCheckoutFailed   = errors.New("checkout failed")
	ErrScriptDirMissing = errors.New("script directory not found in workspace")
	ErrScriptDirEmpty   = errors.New("script directory is empty")
	ErrScriptNotFound   = errors.New("provisioning script not found")
	ErrScriptFailed     = errors.New("provisioning script exited with non-zero status")
	ErrLockHeld         = errors.New("deployment lock held by another run")
	ErrPolicyViolation  = errors.New("deployment parameters rejected by policy")
)
