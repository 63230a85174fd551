// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package alert

import (
	"context"
	"log/slog"

	"github.com/Azure/cribwatch/internal/log"
)

// Notifier delivers alerts to a caregiver-facing channel. Implementations
// report delivery success; a failure (or panic) from one notifier never
// prevents delivery through the others.
type Notifier interface {
	// Notify attempts delivery of the alert.
	Notify(ctx context.Context, alert *Alert) bool

	// Test attempts a test delivery to verify the channel works.
	Test(ctx context.Context) bool
}

// LogNotifier delivers alerts to the structured log. It backs development
// setups and serves as the channel of last resort.
type LogNotifier struct {
	log log.Logger
}

// NewLogNotifier creates a notifier that writes to the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.Wrap(logger)}
}

// Notify writes the alert to the log.
func (n *LogNotifier) Notify(ctx context.Context, alert *Alert) bool {
	n.log.Warn(ctx, "ALERT "+alert.Message,
		slog.String("id", alert.ID),
		slog.String("rule", alert.RuleName),
		slog.String("severity", alert.Severity.String()),
		slog.Time("created_at", alert.CreatedAt),
	)
	return true
}

// Test writes a test line to the log.
func (n *LogNotifier) Test(ctx context.Context) bool {
	n.log.Info(ctx, "notifier test")
	return true
}
