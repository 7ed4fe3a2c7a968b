package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rhodri/vm-deployer/internal/dao/lockdao"
	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rhodri/vm-deployer/internal/params"
	"github.com/rhodri/vm-deployer/internal/secrets"
	"github.com/rhodri/vm-deployer/internal/services"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const tableWaitTimeout = 2 * time.Minute

// SetupCommand returns the setup command for provisioning deployer infrastructure
func SetupCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Provision deployer infrastructure",
		Subcommands: []*cli.Command{
			{
				Name:  "tables",
				Usage: "Create the DynamoDB runs and locks tables for an environment",
				Description: `Creates the vm-deployer-runs-{env} and vm-deployer-locks-{env} tables
with on-demand billing. The locks table gets a TTL attribute so stale
locks expire on their own. Existing tables are left untouched.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "env",
						Aliases: []string{"e"},
						Usage:   "Deployment environment (dev, stg, or prd)",
						Value:   "dev",
						EnvVars: []string{"ENV"},
					},
				},
				Action: setupTablesAction,
			},
			{
				Name:  "github",
				Usage: "Sync deployment secrets into a repository's Actions secret store",
				Description: `Reads the five deployment secrets from the secret store and writes
them as GitHub Actions repository secrets, encrypted against the
repository public key. Use this to bootstrap a repository so its
workflow and this deployer share the same credentials.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "repo",
						Aliases:  []string{"r"},
						Usage:    "Repository in format 'owner/repo'",
						Required: true,
						EnvVars:  []string{"GITHUB_REPO"},
					},
					&cli.StringFlag{
						Name:     "github-token-secret",
						Aliases:  []string{"t"},
						Usage:    "Name of the GitHub PAT secret in the secret store",
						Required: true,
						EnvVars:  []string{"GITHUB_TOKEN_SECRET"},
					},
					&cli.StringFlag{
						Name:    "env",
						Aliases: []string{"e"},
						Usage:   "Deployment environment (dev, stg, or prd)",
						Value:   "dev",
						EnvVars: []string{"ENV"},
					},
				},
				Action: setupGitHubAction,
			},
		},
	}
}

func setupTablesAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)
	env := c.String("env")

	container, err := di.New(env)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	stsClient := di.MustGet[*sts.Client](container)
	identity, err := stsClient.GetCallerIdentity(c.Context, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials: %w", err)
	}
	logger.Info().
		Str("account", aws.ToString(identity.Account)).
		Str("env", env).
		Msg("Creating tables")

	client := di.MustGet[*dynamodb.Client](container)

	if err := createTable(c.Context, client, rundao.TableName(env)); err != nil {
		return err
	}
	if err := createTable(c.Context, client, lockdao.TableName(env)); err != nil {
		return err
	}
	if err := enableTTL(c.Context, client, lockdao.TableName(env), "ttl"); err != nil {
		return err
	}

	logger.Info().Msg("Tables ready")
	return nil
}

// createTable creates a pk/sk string-keyed table with on-demand billing.
// An already-existing table is not an error.
func createTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	logger := zerolog.Ctx(ctx)

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			logger.Info().Str("table", tableName).Msg("Table already exists")
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("table %s did not become active: %w", tableName, err)
	}

	logger.Info().Str("table", tableName).Msg("Created table")
	return nil
}

func enableTTL(ctx context.Context, client *dynamodb.Client, tableName, attribute string) error {
	_, err := client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attribute),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// UpdateTimeToLive fails with ValidationException when TTL is
		// already enabled with the same attribute
		if strings.Contains(err.Error(), "TimeToLive is already enabled") {
			return nil
		}
		return fmt.Errorf("failed to enable TTL on %s: %w", tableName, err)
	}
	return nil
}

func setupGitHubAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)
	env := c.String("env")

	parts := strings.SplitN(c.String("repo"), "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("repo must be in format 'owner/repo', got: %s", c.String("repo"))
	}
	owner, repo := parts[0], parts[1]

	container, err := di.New(env)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	smClient := di.MustGet[*secretsmanager.Client](container)
	token, err := fetchSecretString(c.Context, smClient, c.String("github-token-secret"))
	if err != nil {
		return fmt.Errorf("failed to get GitHub token: %w", err)
	}

	source := di.MustGet[secrets.Source](container)
	keys := make([]string, 0, len(params.SecretKeys))
	for _, sk := range params.SecretKeys {
		keys = append(keys, sk.Key)
	}
	values, err := source.Resolve(c.Context, keys)
	if err != nil {
		return fmt.Errorf("failed to resolve deployment secrets: %w", err)
	}
	for _, key := range keys {
		if _, ok := values[key]; !ok {
			logger.Warn().Str("key", key).Msg("Secret missing from store, skipping")
		}
	}

	github := services.NewGitHubService(token)
	if err := github.SyncSecrets(c.Context, owner, repo, values); err != nil {
		return err
	}

	logger.Info().
		Str("owner", owner).
		Str("repo", repo).
		Int("synced", len(values)).
		Msg("Synced repository secrets")
	return nil
}

func fetchSecretString(ctx context.Context, client *secretsmanager.Client, name string) (string, error) {
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", err
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return *result.SecretString, nil
}
