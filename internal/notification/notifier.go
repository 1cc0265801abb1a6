// Package notification delivers alerts about failed sync runs to external
// channels (webhooks, Telegram).
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ohlcsync/internal/pipeline"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Sender is the interface for all notification backends.
type Sender interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogSender logs alerts instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, alert Alert) error {
	slog.Warn("[notify] alert", "level", alert.Level, "title", alert.Title, "message", alert.Message)
	return nil
}

// maxListed caps how many failing pairs one alert names.
const maxListed = 10

// Alerter turns finished runs with failing pairs into alerts. Clean runs are
// not reported.
type Alerter struct {
	senders []Sender
}

// NewAlerter fans alerts out to every sender.
func NewAlerter(senders ...Sender) *Alerter {
	return &Alerter{senders: senders}
}

// Notify sends one alert for sum when any pair failed. Delivery errors are
// logged and otherwise ignored.
func (a *Alerter) Notify(ctx context.Context, sum pipeline.Summary) {
	alert, ok := SummaryAlert(sum)
	if !ok {
		return
	}
	for _, s := range a.senders {
		if err := s.Send(ctx, alert); err != nil {
			slog.Warn("[notify] delivery failed", "sender", fmt.Sprintf("%T", s), "error", err)
		}
	}
}

// SummaryAlert describes the failed pairs of sum. It reports false when
// every pair succeeded. A run where every pair failed is critical.
func SummaryAlert(sum pipeline.Summary) (Alert, bool) {
	if sum.Errors == 0 {
		return Alert{}, false
	}
	level := AlertWarning
	if sum.Errors == len(sum.Pairs) {
		level = AlertCritical
	}

	var b strings.Builder
	listed := 0
	for _, p := range sum.Pairs {
		if p.Error == "" {
			continue
		}
		if listed == maxListed {
			fmt.Fprintf(&b, "... and %d more\n", sum.Errors-listed)
			break
		}
		fmt.Fprintf(&b, "%s: %s\n", p.Series, p.Error)
		listed++
	}
	return Alert{
		Level:   level,
		Title:   fmt.Sprintf("sync failed for %d of %d pairs", sum.Errors, len(sum.Pairs)),
		Message: strings.TrimSuffix(b.String(), "\n"),
	}, true
}
