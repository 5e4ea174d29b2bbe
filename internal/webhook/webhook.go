// Package webhook accepts upstream push notifications and triggers
// out-of-band syncs for the affected repository.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/docgate/docgate/internal/logging"
	"github.com/docgate/docgate/internal/metrics"
)

// Trigger resolves a push event to a tracked repository and syncs it.
// *engine.Engine is the production implementation.
type Trigger interface {
	SyncForPush(ctx context.Context, fullName, branch string) (bool, error)
}

// Handler is the HTTP endpoint upstream webhooks POST to. When a secret is
// configured, the X-Hub-Signature-256 header is verified before the payload
// is trusted; without one, any POST is accepted.
type Handler struct {
	trigger     Trigger
	secret      string
	instruments *metrics.EngineInstruments
}

func NewHandler(trigger Trigger, secret string, instruments *metrics.EngineInstruments) *Handler {
	return &Handler{trigger: trigger, secret: secret, instruments: instruments}
}

type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []json.RawMessage `json:"commits"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		event = "unknown"
	}
	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery == "" {
		delivery = "unknown"
	}

	logger.InfoContext(ctx, "Received webhook", "event", event, "delivery_id", delivery)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, r, event, errors.Wrap(err, "read body"))
		return
	}

	if h.secret != "" {
		if !verifySignature(body, h.secret, r.Header.Get("X-Hub-Signature-256")) {
			logger.WarnContext(ctx, "Webhook signature mismatch", "delivery_id", delivery)
			h.instruments.RecordWebhook(ctx, event, "rejected")
			writeJSON(w, http.StatusForbidden, map[string]string{
				"status":  "error",
				"message": "signature verification failed",
			})
			return
		}
	}

	if event == "push" {
		if err := h.handlePush(r, body); err != nil {
			h.fail(w, r, event, err)
			return
		}
	} else {
		logger.InfoContext(ctx, "Ignoring webhook event", "event", event)
	}

	h.instruments.RecordWebhook(ctx, event, "success")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "success",
		"event":       event,
		"delivery_id": delivery,
	})
}

func (h *Handler) handlePush(r *http.Request, body []byte) error {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errors.Wrap(err, "decode push payload")
	}

	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
	logger.InfoContext(ctx, "Push event",
		"repo", payload.Repository.FullName,
		"ref", payload.Ref,
		"commits", len(payload.Commits))

	matched, err := h.trigger.SyncForPush(ctx, payload.Repository.FullName, branch)
	if err != nil {
		return errors.Wrap(err, "sync for push")
	}
	if !matched {
		logger.InfoContext(ctx, "Push does not match a tracked repository, ignoring",
			"repo", payload.Repository.FullName,
			"branch", branch)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	logging.FromContext(r.Context()).ErrorContext(r.Context(), "Webhook handler failed", "event", event, "error", err)
	h.instruments.RecordWebhook(r.Context(), event, "error")
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"status":  "error",
		"message": err.Error(),
	})
}

func verifySignature(body []byte, secret, header string) bool {
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}
