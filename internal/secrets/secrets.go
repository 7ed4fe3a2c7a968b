// Package secrets resolves confidential deployment parameters from a
// managed secret store. A key that cannot be found is not an error: the
// invocation contract passes an empty value through and lets the
// provisioning script decide what to do with it.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smithy "github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Source resolves secret values by key. Keys that cannot be resolved are
// omitted from the result; only transport-level failures return an error.
type Source interface {
	Resolve(ctx context.Context, keys []string) (map[string]string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ManagerSource resolves secrets from AWS Secrets Manager. Values live in a
// single JSON document at vm-deployer/{env}/secrets; keys absent from the
// document fall back to individual string secrets at vm-deployer/{env}/{key}.
type ManagerSource struct {
	client SecretsManagerAPI
	env    string
}

// NewManagerSource creates a Secrets Manager backed source for the given
// environment.
func NewManagerSource(client SecretsManagerAPI, env string) *ManagerSource {
	return &ManagerSource{client: client, env: env}
}

// Resolve fetches the requested keys. Missing documents and missing keys are
// logged and skipped.
func (s *ManagerSource) Resolve(ctx context.Context, keys []string) (map[string]string, error) {
	logger := zerolog.Ctx(ctx)
	out := make(map[string]string, len(keys))

	doc, err := s.document(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if v, ok := doc[key]; ok && v != "" {
			out[key] = v
			continue
		}
		v, ok, err := s.individual(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Warn().Str("key", key).Msg("secret not defined, passing empty value")
			continue
		}
		out[key] = v
	}
	return out, nil
}

func (s *ManagerSource) document(ctx context.Context) (map[string]string, error) {
	secretName := fmt.Sprintf("vm-deployer/%s/secrets", s.env)

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		if isNotFound(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to get secret %s: %w", secretName, err)
	}

	if result.SecretString == nil {
		return map[string]string{}, nil
	}

	doc := map[string]string{}
	if err := json.Unmarshal([]byte(*result.SecretString), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret document %s: %w", secretName, err)
	}
	return doc, nil
}

func (s *ManagerSource) individual(ctx context.Context, key string) (string, bool, error) {
	secretName := fmt.Sprintf("vm-deployer/%s/%s", s.env, key)

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get secret %s: %w", secretName, err)
	}

	if result.SecretString == nil || *result.SecretString == "" {
		return "", false, nil
	}
	return *result.SecretString, true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceNotFoundException"
	}
	return false
}

// EnvSource resolves secrets from process environment variables. Used for
// local development and runners without AWS access.
type EnvSource struct{}

// NewEnvSource creates an environment-variable backed source.
func NewEnvSource() *EnvSource {
	return &EnvSource{}
}

// Resolve reads each key from the environment; unset or empty variables are
// omitted.
func (s *EnvSource) Resolve(ctx context.Context, keys []string) (map[string]string, error) {
	logger := zerolog.Ctx(ctx)
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			logger.Warn().Str("key", key).Msg("secret not defined, passing empty value")
			continue
		}
		out[key] = v
	}
	return out, nil
}

// StaticSource resolves secrets from a fixed map. Used in tests.
type StaticSource map[string]string

// Resolve returns the subset of keys present in the map.
func (s StaticSource) Resolve(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := s[key]; ok && v != "" {
			out[key] = v
		}
	}
	return out, nil
}
