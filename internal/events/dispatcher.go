package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the lifecycle webhook settings. An empty URL disables
// dispatch entirely.
type Config struct {
	URL    string
	Secret string
}

// Event is one lifecycle notification, e.g. "user.created".
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Dispatcher delivers lifecycle events to the configured webhook endpoint.
// Delivery is asynchronous and best-effort: failures are logged, never
// propagated, and never block the provisioning request.
type Dispatcher struct {
	cfg        Config
	logger     *zap.Logger
	httpClient *http.Client
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish fires an event on a detached goroutine. The event identity is
// generated here so receivers can deduplicate retried deliveries.
func (d *Dispatcher) Publish(eventType string, payload interface{}) {
	if d.cfg.URL == "" {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	go d.send(event)
}

func (d *Dispatcher) send(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Failed to marshal event payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewBuffer(payload))
	if err != nil {
		d.logger.Error("Failed to create webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bridge-Event-ID", event.ID)

	// Receivers verify the body against the shared secret.
	mac := hmac.New(sha256.New, []byte(d.cfg.Secret))
	mac.Write(payload)
	req.Header.Set("X-Bridge-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("Webhook delivery failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("Webhook received non-2xx response",
			zap.String("type", event.Type),
			zap.Int("status", resp.StatusCode))
		return
	}
	d.logger.Info("Webhook delivered", zap.String("type", event.Type), zap.String("event_id", event.ID))
}
