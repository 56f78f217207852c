package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugarmesh/glucolink/internal/metrics"
)

// Severity grades a threshold alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityUrgent  Severity = "urgent"
)

// Notifier delivers a threshold alert.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string)
}

// zone classifies a value against the configured thresholds.
type zone int

const (
	zoneInRange zone = iota
	zoneLow
	zoneHigh
)

// Evaluator fires an alert when a merged reading crosses a configured
// threshold. The last zone is latched so an excursion alerts once, and a
// return to range re-arms it.
type Evaluator struct {
	low       float64
	high      float64
	notifiers []Notifier
	logger    zerolog.Logger

	mu   sync.Mutex
	last zone
}

// NewEvaluator creates a threshold evaluator. low must be below high.
func NewEvaluator(low, high float64, logger zerolog.Logger, notifiers ...Notifier) *Evaluator {
	return &Evaluator{
		low:       low,
		high:      high,
		notifiers: notifiers,
		logger:    logger.With().Str("component", "alerts").Logger(),
	}
}

// Evaluate inspects one merged reading.
func (e *Evaluator) Evaluate(ctx context.Context, value float64, at time.Time) {
	current := zoneInRange
	if value <= e.low {
		current = zoneLow
	} else if value >= e.high {
		current = zoneHigh
	}

	e.mu.Lock()
	fire := current != zoneInRange && current != e.last
	e.last = current
	e.mu.Unlock()

	if !fire {
		return
	}

	severity := SeverityWarning
	message := fmt.Sprintf("glucose high: %.0f mg/dL at %s", value, at.Format(time.RFC3339))
	if current == zoneLow {
		severity = SeverityUrgent
		message = fmt.Sprintf("glucose low: %.0f mg/dL at %s", value, at.Format(time.RFC3339))
	}

	metrics.AlertsFired.WithLabelValues(string(severity)).Inc()
	for _, notifier := range e.notifiers {
		notifier.Notify(ctx, severity, message)
	}
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert-log").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, severity Severity, message string) {
	event := n.logger.Warn()
	if severity == SeverityUrgent {
		event = n.logger.Error()
	}
	event.Str("severity", string(severity)).Msg(message)
}

// WebhookNotifier posts alerts to a configured URL. Delivery failures are
// logged, never propagated.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With().Str("component", "alert-webhook").Logger(),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, severity Severity, message string) {
	payload, err := json.Marshal(map[string]string{
		"severity": string(severity),
		"message":  message,
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to encode alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to deliver alert")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		n.logger.Error().Int("status", resp.StatusCode).Msg("Alert webhook rejected delivery")
	}
}
