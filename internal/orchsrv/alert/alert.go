// Package alert delivers operator notifications for events that need a
// human: repeated unhealthy verdicts, failed provisions, failed upgrades.
// Delivery is best effort; an alert failure never fails the operation
// that raised it.
package alert

import (
	"bytes"
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alerter delivers one notification. Implementations must not block the
// caller on delivery.
type Alerter interface {
	Notify(ctx context.Context, tenantID string, severity Severity, message string)
}

// LogAlerter writes alerts to the structured log. Always available; the
// default when no webhook is configured.
type LogAlerter struct{}

func (LogAlerter) Notify(ctx context.Context, tenantID string, severity Severity, message string) {
	ev := log.Ctx(ctx).Warn()
	if severity == SeverityCritical {
		ev = log.Ctx(ctx).Error()
	}
	ev.Str("tenant_id", tenantID).
		Str("severity", string(severity)).
		Str("alert", message).
		Msg("tenant alert")
}

// WebhookAlerter POSTs alerts to an operator endpoint. Delivery runs in
// the background; failures are logged and dropped.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	TenantID  string    `json:"tenant_id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *WebhookAlerter) Notify(ctx context.Context, tenantID string, severity Severity, message string) {
	LogAlerter{}.Notify(ctx, tenantID, severity, message)
	payload, err := json.Marshal(webhookPayload{
		TenantID:  tenantID,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	logger := log.Ctx(ctx).With().Str("tenant_id", tenantID).Logger()
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			logger.Warn().Err(err).Msg("unable to build alert webhook request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		rsp, err := a.client.Do(req)
		if err != nil {
			logger.Warn().Err(err).Msg("alert webhook delivery failed")
			return
		}
		defer rsp.Body.Close()
		if rsp.StatusCode >= 300 {
			logger.Warn().Int("status", rsp.StatusCode).Msg("alert webhook rejected")
		}
	}()
}
