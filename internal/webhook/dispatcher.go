// Package webhook posts steward notifications to a single configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/telemetry"
)

const defaultTimeout = 5 * time.Second

const (
	HeaderEvent     = "X-Steward-Event"
	HeaderDelivery  = "X-Steward-Delivery"
	HeaderSignature = "X-Steward-Signature"
)

type Dispatcher struct {
	url     string
	secret  string
	site    string
	client  *http.Client
	now     func() time.Time
	log     *zap.Logger
	metrics *telemetry.Instruments
}

type Options struct {
	Site    string
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *telemetry.Instruments
}

func New(cfg config.WebhookConfig, opts Options) *Dispatcher {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &Dispatcher{
		url:     strings.TrimSpace(cfg.URL),
		secret:  strings.TrimSpace(cfg.Secret),
		site:    opts.Site,
		client:  &http.Client{Timeout: timeout},
		now:     opts.Now,
		log:     logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Enabled reports whether an endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.url != ""
}

type payload struct {
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
	Timestamp string         `json:"timestamp"`
	Site      string         `json:"site"`
}

// Dispatch sends one POST and reports whether the endpoint answered 2xx.
// Transport and encoding errors are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, message string, details map[string]any) bool {
	if !d.Enabled() {
		return false
	}
	ok := d.post(ctx, eventType, message, details)
	d.metrics.Webhook(ctx, eventType, ok)
	return ok
}

func (d *Dispatcher) post(ctx context.Context, eventType, message string, msgContext map[string]any) bool {
	if msgContext == nil {
		msgContext = map[string]any{}
	}
	raw, err := json.Marshal(payload{
		EventType: eventType,
		Message:   message,
		Context:   msgContext,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Site:      d.site,
	})
	if err != nil {
		d.log.Warn("webhook: encode payload failed", zap.String("event_type", eventType), zap.Error(err))
		return false
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		d.log.Warn("webhook: canonicalize payload failed", zap.String("event_type", eventType), zap.Error(err))
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.log.Warn("webhook: build request failed", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.secret, body))
	}
	res, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("webhook: deliver failed", zap.String("event_type", eventType), zap.Error(err))
		return false
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		d.log.Warn("webhook: endpoint rejected delivery",
			zap.String("event_type", eventType),
			zap.Int("status", res.StatusCode),
			zap.String("body", strings.TrimSpace(string(snippet))))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return true
}

// Sign returns the X-Steward-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a signature header against body. Receivers canonicalize the
// body with RFC 8785 before calling it when the JSON may have been re-encoded.
func Verify(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
