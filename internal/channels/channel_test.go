package channels_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/acadeon/chatops/internal/channels"
)

// Compile-time interface checks.
var (
	_ channels.Notifier = (*channels.TelegramNotifier)(nil)
	_ channels.Notifier = (*channels.LogNotifier)(nil)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTelegramNotifier_Name(t *testing.T) {
	// NewTelegramNotifier connects lazily, so a fake token is safe here;
	// Name() touches no dependencies.
	n := channels.NewTelegramNotifier("fake-token", nil, quietLogger())
	if got := n.Name(); got != "telegram" {
		t.Fatalf("TelegramNotifier.Name() = %q, want %q", got, "telegram")
	}
}

func TestLogNotifier_RecordsDeliveries(t *testing.T) {
	n := channels.NewLogNotifier(quietLogger())
	err := n.Send(context.Background(), channels.Delivery{
		TenantID:  "t1",
		Recipient: "010-1234-5678",
		Audience:  "guardian",
		Subject:   "attendance",
		Body:      "Jiwoo was absent today.",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := n.Sent()
	if len(sent) != 1 {
		t.Fatalf("recorded %d deliveries, want 1", len(sent))
	}
	if sent[0].Recipient != "010-1234-5678" || sent[0].Audience != "guardian" {
		t.Fatalf("delivery = %+v", sent[0])
	}
}

func TestLogNotifier_HonorsCancellation(t *testing.T) {
	n := channels.NewLogNotifier(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Send(ctx, channels.Delivery{TenantID: "t1", Recipient: "r"}); err == nil {
		t.Fatal("cancelled context must refuse delivery")
	}
	if len(n.Sent()) != 0 {
		t.Fatal("nothing may be recorded after cancellation")
	}
}
