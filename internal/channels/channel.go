// Package channels holds the outbound delivery adapters notifications
// go through. The kernel never talks to a messaging platform directly;
// it hands a Delivery to a Notifier and records the outcome in the
// message log.
package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Delivery is one outbound message.
type Delivery struct {
	TenantID  string
	Recipient string
	// Audience labels who this goes to: guardian, staff, or broadcast.
	Audience string
	Subject  string
	Body     string
}

// Notifier delivers messages over one platform.
type Notifier interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Send delivers one message. Blocking; honors ctx cancellation.
	Send(ctx context.Context, d Delivery) error
}

// LogNotifier writes deliveries to the structured log instead of a real
// platform. The default when no channel is configured, and the test
// double of choice.
type LogNotifier struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Delivery
}

// NewLogNotifier builds the log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	n.sent = append(n.sent, d)
	n.mu.Unlock()
	n.logger.Info("notification delivered",
		"tenant_id", d.TenantID, "recipient", d.Recipient,
		"audience", d.Audience, "subject", d.Subject)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (n *LogNotifier) Sent() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Delivery, len(n.sent))
	copy(out, n.sent)
	return out
}
