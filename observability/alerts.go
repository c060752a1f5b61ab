package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert is one operator notification.
type Alert struct {
	Severity string         `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	At       time.Time      `json:"at"`
}

// Alerter fans alerts out to the pager and the chat fallback. The alert is
// always logged before any delivery attempt, and a delivery failure never
// propagates to the caller: the log line is the delivery of last resort.
type Alerter struct {
	pagerURL string
	chatURL  string
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
}

// NewAlerter constructs the fan-out. Empty URLs disable the channel; with
// both empty, alerts are log-only.
func NewAlerter(pagerURL, chatURL string, log *slog.Logger) *Alerter {
	if log == nil {
		log = slog.Default()
	}
	return &Alerter{
		pagerURL: pagerURL,
		chatURL:  chatURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		now:      time.Now,
	}
}

// Fire logs and delivers one alert. Pager first, chat as fallback when the
// pager is unconfigured or fails.
func (a *Alerter) Fire(ctx context.Context, alert Alert) {
	if alert.At.IsZero() {
		alert.At = a.now().UTC()
	}
	a.log.Warn("alert", "severity", alert.Severity, "title", alert.Title,
		"message", alert.Message, "context", alert.Context)

	if a.pagerURL != "" {
		err := a.post(ctx, a.pagerURL, alert)
		if err == nil {
			return
		}
		a.log.Error("alert: pager delivery failed", "title", alert.Title, "error", err)
	}
	if a.chatURL != "" {
		if err := a.post(ctx, a.chatURL, alert); err != nil {
			a.log.Error("alert: chat delivery failed", "title", alert.Title, "error", err)
		}
	}
}

func (a *Alerter) post(ctx context.Context, url string, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &DeliveryError{Status: resp.StatusCode}
	}
	return nil
}

// DeliveryError reports a non-2xx response from an alert channel.
type DeliveryError struct {
	Status int
}

func (e *DeliveryError) Error() string {
	return "alert channel returned status " + strconv.Itoa(e.Status)
}
