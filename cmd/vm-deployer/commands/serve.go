package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rhodri/vm-deployer/internal/config"
	"github.com/rhodri/vm-deployer/internal/di"
	"github.com/rhodri/vm-deployer/internal/pipeline"
	"github.com/rhodri/vm-deployer/internal/webhook"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// ServeCommand returns the serve command for the webhook listener
func ServeCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Listen for repository push webhooks and trigger deployment runs",
		Description: `Starts an HTTP listener accepting GitHub push webhooks on POST /webhook.
Every push on every branch triggers an independent deployment run; there
is no branch, path, or tag filtering.

Deliveries are authenticated with the X-Hub-Signature-256 shared-secret
HMAC. The secret comes from --webhook-secret or, when unset, from the
secret store under the configured webhook-secret-name.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address",
				Value:   ":8080",
				EnvVars: []string{"ADDR"},
			},
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Deployment environment (dev, stg, or prd)",
				Value:   "dev",
				EnvVars: []string{"ENV"},
			},
			&cli.StringFlag{
				Name:    "manifest",
				Aliases: []string{"m"},
				Usage:   "Path to a vm-deployer.yml manifest overriding literal parameters",
				EnvVars: []string{"MANIFEST"},
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Shared secret for webhook HMAC verification (empty disables verification)",
				EnvVars: []string{"WEBHOOK_SECRET"},
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	container, err := di.New(c.String("env"),
		di.WithManifestPath(c.String("manifest")),
	)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	p := di.MustGet[*pipeline.Pipeline](container)

	secret := []byte(c.String("webhook-secret"))
	if len(secret) == 0 && os.Getenv("DISABLE_AWS") != "true" {
		cfg := di.MustGet[*config.Config](container)
		client := di.MustGet[*secretsmanager.Client](container)
		value, err := fetchSecretString(c.Context, client, cfg.WebhookSecretName)
		if err != nil {
			return fmt.Errorf("failed to get webhook secret: %w", err)
		}
		secret = []byte(value)
	}
	if len(secret) == 0 {
		logger.Warn().Msg("No webhook secret configured, signature verification disabled")
	}

	handler := NewWebhookHandler(p, secret)

	mux := http.NewServeMux()
	mux.Handle("/webhook", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger.Info().Str("addr", c.String("addr")).Msg("Listening for push webhooks")
	return http.ListenAndServe(c.String("addr"), withContext(c, mux))
}

// withContext carries the CLI context's logger into each request.
func withContext(c *cli.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(c.Context))
	})
}

// WebhookHandler accepts push deliveries and starts deployment runs.
type WebhookHandler struct {
	pipeline *pipeline.Pipeline
	secret   []byte
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(p *pipeline.Pipeline, secret []byte) *WebhookHandler {
	return &WebhookHandler{pipeline: p, secret: secret}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !webhook.Verify(h.secret, body, r.Header.Get(webhook.SignatureHeader)) {
		logger.Warn().Str("delivery", r.Header.Get(webhook.DeliveryHeader)).Msg("Rejected delivery with bad signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if event := r.Header.Get(webhook.EventHeader); event != "" && event != "push" {
		// Only push events trigger runs; everything else is acknowledged
		w.WriteHeader(http.StatusNoContent)
		return
	}

	push, err := webhook.Parse(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	trigger := pipeline.Trigger{
		Repo:     push.Repository.Name,
		CloneURL: push.Repository.CloneURL,
		Ref:      push.Ref,
		Commit:   push.After,
		Source:   "push",
	}

	// Each push starts an independent run. Detach from the request
	// context so the run outlives the HTTP response.
	ctx := logger.WithContext(context.WithoutCancel(r.Context()))
	go func() {
		// Failures are recorded and logged by the pipeline itself
		_, _ = h.pipeline.Run(ctx, trigger)
	}()

	w.WriteHeader(http.StatusAccepted)
}
