// Package errlog records operational failures: to the structured log, to the
// error_logs table, and optionally to a Discord-compatible webhook.
package errlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/observability"
)

// embedColor is the red sidebar on the webhook embed.
const embedColor = 15158332

// Store persists error entries.
type Store interface {
	InsertErrorLog(ctx context.Context, at time.Time, message, details string) (int64, error)
}

// Config configures the reporter.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

// DefaultConfig returns defaults with no webhook.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second}
}

// Reporter implements domain.ErrorReporter. Sink failures are logged and
// never returned.
type Reporter struct {
	store  Store
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.ErrorReporter = (*Reporter)(nil)

// NewReporter creates a reporter. store may be nil (log + webhook only).
func NewReporter(store Store, cfg Config, logger *slog.Logger) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "errlog"),
		now:    time.Now,
	}
}

// Report records message and err.
func (r *Reporter) Report(ctx context.Context, message string, err error) {
	at := r.now().UTC()
	details := ""
	if err != nil {
		details = err.Error()
	}
	r.logger.Error(message, "err", err)

	// Sinks run on their own context so a cancelled request still gets its
	// failure recorded.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	if r.store != nil {
		if _, serr := r.store.InsertErrorLog(sinkCtx, at, message, details); serr != nil {
			r.logger.Warn("persist error log", "err", serr)
			observability.ErrorsReported.WithLabelValues("store", "failed").Inc()
		} else {
			observability.ErrorsReported.WithLabelValues("store", "ok").Inc()
		}
	}

	if r.cfg.WebhookURL == "" {
		return
	}
	if werr := r.postWebhook(sinkCtx, at, message, details); werr != nil {
		r.logger.Warn("post error webhook", "err", werr)
		observability.ErrorsReported.WithLabelValues("webhook", "failed").Inc()
		return
	}
	observability.ErrorsReported.WithLabelValues("webhook", "ok").Inc()
}

// ─── Webhook ────────────────────────────────────────────────────────────────

type webhookField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type webhookEmbed struct {
	Title  string         `json:"title"`
	Fields []webhookField `json:"fields"`
	Color  int            `json:"color"`
}

type webhookMessage struct {
	Content string         `json:"content"`
	Embeds  []webhookEmbed `json:"embeds"`
}

func (r *Reporter) postWebhook(ctx context.Context, at time.Time, message, details string) error {
	if details == "" {
		details = "-"
	}
	body, err := json.Marshal(webhookMessage{
		Content: "An error occurred in the karmic reconciliation service",
		Embeds: []webhookEmbed{{
			Title: "Error Details",
			Fields: []webhookField{
				{Name: "Timestamp", Value: at.Format(time.RFC3339)},
				{Name: "Error Message", Value: message},
				{Name: "Error Details", Value: details},
			},
			Color: embedColor,
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
