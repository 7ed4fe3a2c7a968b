package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rhodri/vm-deployer/internal/checkout"
	"github.com/rhodri/vm-deployer/internal/dao/rundao"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rhodri/vm-deployer/internal/webhook"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

// Handler records push webhooks as PENDING runs. It never executes the
// deployment itself; the work command drains what this Lambda enqueues.
type Handler struct {
	runDAO *rundao.DAO
	env    string
	secret []byte
}

func NewHandler(runDAO *rundao.DAO, env string, secret []byte) *Handler {
	return &Handler{
		runDAO: runDAO,
		env:    env,
		secret: secret,
	}
}

func (h *Handler) HandleRequest(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	logger := zerolog.Ctx(ctx)
	body := []byte(request.Body)

	if !webhook.Verify(h.secret, body, header(request, webhook.SignatureHeader)) {
		logger.Warn().
			Str("delivery", header(request, webhook.DeliveryHeader)).
			Msg("Rejected delivery with bad signature")
		return response(http.StatusUnauthorized, "invalid signature"), nil
	}

	if event := header(request, webhook.EventHeader); event != "" && event != "push" {
		return response(http.StatusNoContent, ""), nil
	}

	push, err := webhook.Parse(body)
	if err != nil {
		return response(http.StatusBadRequest, err.Error()), nil
	}

	runID := ksuid.New().String()
	record, err := h.runDAO.Create(ctx, rundao.CreateInput{
		Repo:     push.Repository.Name,
		Env:      h.env,
		SK:       runID,
		CloneURL: push.Repository.CloneURL,
		Branch:   checkout.BranchFromRef(push.Ref),
		Commit:   push.After,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create run record")
		return response(http.StatusInternalServerError, "failed to record run"), nil
	}

	logger.Info().
		Str("run_id", record.GetID().String()).
		Str("repo", push.Repository.Name).
		Str("ref", push.Ref).
		Str("commit", push.After).
		Msg("Recorded push as PENDING run")

	return response(http.StatusAccepted, fmt.Sprintf(`{"run_id":%q}`, record.GetID())), nil
}

// header does a case-insensitive lookup; API Gateway does not normalize
// header casing.
func header(request events.APIGatewayProxyRequest, name string) string {
	if v, ok := request.Headers[name]; ok {
		return v
	}
	for k, v := range request.Headers {
		if http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(name) {
			return v
		}
	}
	return ""
}

func response(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       body,
	}
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "push-trigger").Logger()

	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}

	container, err := di.New(env)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create DI container")
		os.Exit(1)
	}

	runDAO := di.MustGet[*rundao.DAO](container)
	secret := []byte(os.Getenv("WEBHOOK_SECRET"))
	handler := NewHandler(runDAO, env, secret)

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		wrappedHandler := func(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleRequest(ctx, request)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "push-trigger",
		Usage: "Simulate a push webhook delivery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "payload",
				Usage:    "Path to a push event JSON payload",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			body, err := os.ReadFile(c.String("payload"))
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			request := events.APIGatewayProxyRequest{
				Body: string(body),
				Headers: map[string]string{
					webhook.EventHeader:     "push",
					webhook.SignatureHeader: webhook.Sign(secret, body),
				},
			}

			ctx := logger.WithContext(context.Background())
			resp, err := handler.HandleRequest(ctx, request)
			if err != nil {
				return err
			}
			fmt.Printf("%d %s\n", resp.StatusCode, resp.Body)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
