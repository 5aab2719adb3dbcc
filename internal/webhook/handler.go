package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pharindoko/cdk-github-runners/internal/dispatch"
	"github.com/pharindoko/cdk-github-runners/internal/engine"
	"github.com/pharindoko/cdk-github-runners/internal/secrets"
)

const (
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerEncoding  = "Content-Transfer-Encoding"

	maxBodyBytes = 1 << 20
)

// Handler is the ingestion boundary. Every request gets exactly one
// terminal response; nothing is retried here.
type Handler struct {
	secrets    secrets.Source
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	tracer   trace.Tracer
	received metric.Int64Counter
}

// NewHandler wires the boundary to its collaborators.
func NewHandler(src secrets.Source, d *dispatch.Dispatcher, logger *slog.Logger) *Handler {
	h := &Handler{
		secrets:    src,
		dispatcher: d,
		logger:     logger,
		tracer:     otel.Tracer("github-runners/webhook"),
	}

	var err error
	h.received, err = otel.Meter("github-runners/webhook").Int64Counter(
		"runners.webhook.events",
		metric.WithDescription("Inbound webhook deliveries by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create webhook events counter", slog.String("error", err.Error()))
	}

	return h
}

// ServeHTTP handles one delivery: fetch secret, verify signature,
// classify, derive the idempotency key, dispatch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "webhook.ServeHTTP")
	defer span.End()

	deliveryID := r.Header.Get(headerDelivery)
	eventKind := r.Header.Get(headerEvent)
	span.SetAttributes(
		attribute.String("webhook.delivery", deliveryID),
		attribute.String("webhook.event", eventKind),
	)
	log := h.logger.With(
		slog.String("delivery", deliveryID),
		slog.String("event", eventKind),
	)

	if r.Method != http.MethodPost {
		h.respond(w, span, "method", http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("failed to read request body", slog.String("error", err.Error()))
		h.respond(w, span, "read_error", http.StatusBadRequest, "unreadable body")
		return
	}

	doc, err := h.secrets.Fetch(ctx)
	if err != nil {
		log.Error("webhook secret unavailable", slog.String("error", err.Error()))
		span.RecordError(err)
		h.respond(w, span, "secret_unavailable", http.StatusInternalServerError, "secret unavailable")
		return
	}

	base64Encoded := r.Header.Get(headerEncoding) == "base64"
	decoded, err := Verify(body, base64Encoded, r.Header.Get(headerSignature), doc.WebhookSecret)
	if err != nil {
		log.Warn("signature verification failed")
		h.respond(w, span, "signature_mismatch", http.StatusForbidden, "signature mismatch")
		return
	}

	cls := Classify(r.Header.Get("Content-Type"), eventKind, decoded)
	switch cls.Verdict {
	case VerdictReject:
		log.Warn("event rejected", slog.String("reason", cls.Reason))
		h.respond(w, span, "rejected", http.StatusBadRequest, cls.Reason)
		return
	case VerdictIgnore:
		log.Debug("event ignored", slog.String("reason", cls.Reason))
		h.respond(w, span, "ignored", http.StatusOK, "ok")
		return
	}

	if deliveryID == "" {
		log.Warn("missing delivery identifier")
		h.respond(w, span, "rejected", http.StatusBadRequest, "missing delivery identifier")
		return
	}

	key := dispatch.Key(cls.Event.FullName, deliveryID)
	res, err := h.dispatcher.Dispatch(ctx, engine.RunInput{
		Owner:      cls.Event.Owner,
		Repository: cls.Event.Repository,
		RunID:      cls.Event.RunID,
		Labels:     cls.Event.Labels,
	}, key)
	if err != nil {
		log.Error("dispatch failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		h.respond(w, span, "dispatch_failed", http.StatusBadGateway, "dispatch failed")
		return
	}

	log.Info("delivery accepted",
		slog.String("key", key),
		slog.String("outcome", res.Outcome.String()),
	)
	h.respond(w, span, res.Outcome.String(), http.StatusAccepted, key)
}

func (h *Handler) respond(w http.ResponseWriter, span trace.Span, result string, status int, body string) {
	span.SetAttributes(
		attribute.String("webhook.result", result),
		attribute.Int("http.status_code", status),
	)
	if h.received != nil {
		h.received.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
