package config

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Config holds all application configuration values from Parameter Store.
type Config struct {
	ScriptDir         string // directory under the workspace containing the provisioning script
	ScriptName        string // provisioning script filename
	ShellBinary       string // PowerShell binary used to invoke the script
	WorkspaceRoot     string // parent directory for ephemeral run workspaces
	WebhookSecretName string // secret store key holding the webhook HMAC secret
	TranscriptBucket  string // optional S3 bucket for invocation transcripts
	LockingEnabled    bool   // serialize runs against the same server when true
}

// Defaults fills zero-valued fields with the stock contract values. The
// script location is a hard contract with the collaborator script.
func (c *Config) Defaults() {
	if c.ScriptDir == "" {
		c.ScriptDir = "PSA"
	}
	if c.ScriptName == "" {
		c.ScriptName = "deployVM.ps1"
	}
	if c.ShellBinary == "" {
		c.ShellBinary = "pwsh"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = os.TempDir()
	}
}

// ParameterStore defines the interface for accessing configuration parameters.
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads all application configuration
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager
// Parameter Store.
type SSMParameterStore struct {
	client *ssm.Client
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store.
func NewSSMParameterStore(client *ssm.Client, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store.
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads all application configuration from Parameter Store under
// /{env}/vm-deployer.
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := fmt.Sprintf("/%s/vm-deployer", s.env)

	result, err := s.client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
		Path:           &path,
		Recursive:      boolPtr(true),
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
	}

	params := make(map[string]string)
	for _, param := range result.Parameters {
		if param.Name != nil && param.Value != nil {
			params[*param.Name] = *param.Value
		}
	}

	s.mu.Lock()
	for k, v := range params {
		s.cache[k] = v
	}
	s.mu.Unlock()

	config := &Config{
		ScriptDir:         params[fmt.Sprintf("/%s/vm-deployer/script-dir", s.env)],
		ScriptName:        params[fmt.Sprintf("/%s/vm-deployer/script-name", s.env)],
		ShellBinary:       params[fmt.Sprintf("/%s/vm-deployer/shell", s.env)],
		WorkspaceRoot:     params[fmt.Sprintf("/%s/vm-deployer/workspace-root", s.env)],
		WebhookSecretName: params[fmt.Sprintf("/%s/vm-deployer/webhook-secret-name", s.env)],
		TranscriptBucket:  params[fmt.Sprintf("/%s/vm-deployer/transcript-bucket", s.env)],
		LockingEnabled:    params[fmt.Sprintf("/%s/vm-deployer/locking-enabled", s.env)] == "true",
	}
	config.Defaults()

	if config.WebhookSecretName == "" {
		config.WebhookSecretName = fmt.Sprintf("vm-deployer/%s/webhook-secret", s.env)
	}

	return config, nil
}

// EnvParameterStore implements ParameterStore using environment variables.
// This is a NoOp implementation for local development without AWS connection.
type EnvParameterStore struct {
	env string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store.
func NewEnvParameterStore(env string) *EnvParameterStore {
	return &EnvParameterStore{
		env: env,
	}
}

// GetParameter retrieves a parameter from environment variables.
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

// GetConfig loads all application configuration from environment variables.
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	config := &Config{
		ScriptDir:         os.Getenv("SCRIPT_DIR"),
		ScriptName:        os.Getenv("SCRIPT_NAME"),
		ShellBinary:       os.Getenv("SHELL_BINARY"),
		WorkspaceRoot:     os.Getenv("WORKSPACE_ROOT"),
		WebhookSecretName: os.Getenv("WEBHOOK_SECRET_NAME"),
		TranscriptBucket:  os.Getenv("TRANSCRIPT_BUCKET"),
		LockingEnabled:    os.Getenv("LOCKING_ENABLED") == "true",
	}
	config.Defaults()

	if config.WebhookSecretName == "" {
		config.WebhookSecretName = fmt.Sprintf("vm-deployer/%s/webhook-secret", e.env)
	}

	return config, nil
}

func boolPtr(b bool) *bool {
	return &b
}
