// Package webhook decodes GitHub push events and authenticates them with
// the shared-secret HMAC scheme GitHub signs deliveries with.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Header names on a GitHub webhook delivery.
const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
)

// PushEvent is the subset of the GitHub push payload the relay consumes.
// Every push on every branch triggers a run; there is no branch, path, or
// tag filtering.
type PushEvent struct {
	Ref        string `json:"ref"`   // e.g. refs/heads/main
	After      string `json:"after"` // commit SHA the push moved the ref to
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// Parse decodes a push event payload.
func Parse(body []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode push event: %w", err)
	}
	if event.Repository.CloneURL == "" {
		return nil, fmt.Errorf("push event has no repository clone URL")
	}
	return &event, nil
}

// Sign computes the sha256= signature GitHub would attach to a body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery signature in constant time. An empty secret
// disables verification (local development only).
func Verify(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
