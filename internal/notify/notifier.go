// Package notify delivers security alerts to operators. Alerts fan out to all
// registered senders (Telegram, Discord) and are filtered by a severity floor
// and a per-threat cooldown so a sustained incident does not flood channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// Alert is a rendered notification. Severity travels with it so senders can
// style the delivery (colored embeds, emoji prefixes) per channel.
type Alert struct {
	Title    string
	Message  string
	Severity domain.Severity
}

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers the alert through the channel.
	Send(ctx context.Context, alert Alert) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches security events to one or more Senders. Events below
// the severity floor are dropped; events that pass are gated per
// threat-and-asset key through the AlertGate cooldown.
type Notifier struct {
	senders     []Sender
	minSeverity domain.Severity
	gate        domain.AlertGate
	cooldown    time.Duration
	logger      *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. A nil gate
// disables cooldown suppression.
func NewNotifier(senders []Sender, minSeverity domain.Severity, gate domain.AlertGate, cooldown time.Duration, logger *slog.Logger) *Notifier {
	if minSeverity == "" {
		minSeverity = domain.SeverityHigh
	}
	return &Notifier{
		senders:     senders,
		minSeverity: minSeverity,
		gate:        gate,
		cooldown:    cooldown,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// NotifyEvent delivers one security event to every sender, subject to the
// severity floor and the cooldown gate. Suppression is not an error.
func (n *Notifier) NotifyEvent(ctx context.Context, event domain.SecurityEvent) error {
	if !event.Severity.AtLeast(n.minSeverity) {
		n.logger.DebugContext(ctx, "event below severity floor",
			slog.String("event_id", event.EventID),
			slog.String("severity", string(event.Severity)),
		)
		return nil
	}

	if n.gate != nil {
		key := alertKey(event)
		allowed, err := n.gate.Allow(ctx, key, n.cooldown)
		if err != nil {
			// Deliver on gate failure: a broken cache must not eat alerts.
			n.logger.WarnContext(ctx, "alert gate unavailable, delivering anyway",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			n.logger.DebugContext(ctx, "alert suppressed by cooldown",
				slog.String("key", key),
			)
			return nil
		}
	}

	return n.dispatch(ctx, Alert{
		Title:    formatTitle(event),
		Message:  formatBody(event),
		Severity: event.Severity,
	})
}

// NotifyAll sends a raw notification to every sender, bypassing filters. Used
// for operational messages like startup and shutdown.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, Alert{Title: title, Message: message, Severity: domain.SeverityInfo})
}

// alertKey groups repeat alerts for cooldown purposes: the same threat on the
// same assets from the same detector counts as one incident.
func alertKey(event domain.SecurityEvent) string {
	return string(event.ThreatType) + ":" + event.Source + ":" + strings.Join(event.AffectedAssets, ",")
}

func formatTitle(event domain.SecurityEvent) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), event.Title)
}

func formatBody(event domain.SecurityEvent) string {
	var sb strings.Builder
	sb.WriteString(event.Description)
	if event.EstimatedLossUSD > 0 {
		fmt.Fprintf(&sb, "\nEstimated loss: $%.0f", event.EstimatedLossUSD)
	}
	if len(event.AffectedAssets) > 0 {
		fmt.Fprintf(&sb, "\nAffected: %s", strings.Join(event.AffectedAssets, ", "))
	}
	if event.RecommendedAction != "" {
		fmt.Fprintf(&sb, "\nAction: %s", event.RecommendedAction)
	}
	return sb.String()
}

// dispatch fans the alert out to every sender. Individual sender failures are
// collected so one broken channel never blocks another.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", alert.Title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
