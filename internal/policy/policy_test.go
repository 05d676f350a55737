package policy

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNormalize_V2Identity(t *testing.T) {
	for _, key := range CanonicalKeys() {
		got, err := Normalize(string(key))
		if err != nil {
			t.Fatalf("Normalize(%q): %v", key, err)
		}
		if got != key {
			t.Fatalf("Normalize(%q) = %q, want identity", key, got)
		}
	}
}

func TestNormalize_LegacyAliases(t *testing.T) {
	cases := map[string]PolicyKey{
		"revenue":   KeyFinancialHealth,
		"occupancy": KeyCapacityOptimization,
		"retention": KeyCustomerRetention,
		"marketing": KeyGrowthMarketing,
		"safety":    KeySafetyCompliance,
	}
	for raw, want := range cases {
		got, err := Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", raw, got, want)
		}
		// Idempotent over its own output.
		again, err := Normalize(string(got))
		if err != nil || again != want {
			t.Fatalf("Normalize not idempotent for %q: %q, %v", raw, again, err)
		}
	}
}

func TestNormalize_UnknownIsHardError(t *testing.T) {
	for _, raw := range []string{"", "finance", "Financial_Health", "workforce"} {
		if _, err := Normalize(raw); err == nil {
			t.Fatalf("Normalize(%q): expected error", raw)
		}
	}
}

func TestNormalizeLogged_WarnsOnceOnLegacyKey(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	for i := 0; i < 2; i++ {
		key, err := NormalizeLogged("occupancy", logger)
		if err != nil || key != KeyCapacityOptimization {
			t.Fatalf("NormalizeLogged: %q, %v", key, err)
		}
	}
	if n := strings.Count(buf.String(), "legacy policy key supplied"); n != 1 {
		t.Fatalf("expected exactly one migration warning, got %d", n)
	}

	if _, err := NormalizeLogged("finance", logger); err == nil {
		t.Fatal("unknown key must stay a hard error")
	}
}

func TestNotificationLegacyPaths(t *testing.T) {
	paths := NotificationLegacyPaths("overdue_outstanding_over_limit", "enabled")
	if len(paths) != 1 || paths[0] != "auto_notification.overdue.enabled" {
		t.Fatalf("legacy paths = %v", paths)
	}
	if paths := NotificationLegacyPaths("refund_spike", "enabled"); len(paths) != 0 {
		t.Fatalf("never-renamed event must have no fallback, got %v", paths)
	}
}

type fakeSettings struct {
	configs map[string]map[string]any
}

func (f *fakeSettings) TenantConfig(_ context.Context, tenantID string) (map[string]any, error) {
	return f.configs[tenantID], nil
}

func newTestResolver(configs map[string]map[string]any) *Resolver {
	return NewResolver(&fakeSettings{configs: configs}, nil)
}

func TestResolver_Enabled(t *testing.T) {
	r := newTestResolver(map[string]map[string]any{
		"t1": {
			"auto_notification": map[string]any{
				"absence_first_day": map[string]any{"enabled": true},
				"payment_due_reminder": map[string]any{"enabled": false},
			},
		},
	})
	ctx := context.Background()

	enabled, err := r.Enabled(ctx, "t1", "auto_notification.absence_first_day.enabled")
	if err != nil || !enabled {
		t.Fatalf("expected enabled, got %v, %v", enabled, err)
	}
	enabled, err = r.Enabled(ctx, "t1", "auto_notification.payment_due_reminder.enabled")
	if err != nil || enabled {
		t.Fatalf("explicit false must disable, got %v, %v", enabled, err)
	}
}

func TestResolver_FailClosed(t *testing.T) {
	r := newTestResolver(map[string]map[string]any{
		"t1": {"auto_notification": map[string]any{}},
	})
	ctx := context.Background()

	// Path absent within an existing config.
	enabled, err := r.Enabled(ctx, "t1", "auto_notification.churn_increase.enabled")
	if err != nil || enabled {
		t.Fatalf("absent path must be disabled, got %v, %v", enabled, err)
	}

	// Tenant with no config row at all.
	enabled, err = r.Enabled(ctx, "t2", "auto_notification.churn_increase.enabled")
	if err != nil || enabled {
		t.Fatalf("missing config must be disabled, got %v, %v", enabled, err)
	}
}

func TestResolver_NonBooleanDisables(t *testing.T) {
	r := newTestResolver(map[string]map[string]any{
		"t1": {
			"auto_notification": map[string]any{
				"refund_spike": map[string]any{"enabled": "yes"},
			},
		},
	})
	enabled, err := r.Enabled(context.Background(), "t1", "auto_notification.refund_spike.enabled")
	if err != nil || enabled {
		t.Fatalf("non-boolean must disable, got %v, %v", enabled, err)
	}
}

func TestResolver_UnknownEventTypeRejected(t *testing.T) {
	r := newTestResolver(nil)
	if _, err := r.Enabled(context.Background(), "t1", "auto_notification.bogus_event.enabled"); err == nil {
		t.Fatal("expected rejection of unknown event type")
	}
}

func TestResolver_LegacyPathFallback(t *testing.T) {
	r := newTestResolver(map[string]map[string]any{
		"t1": {
			"auto_notification": map[string]any{
				"overdue": map[string]any{"enabled": true},
			},
		},
	})
	ctx := context.Background()

	enabled, err := r.Enabled(ctx, "t1",
		"auto_notification.overdue_outstanding_over_limit.enabled",
		"auto_notification.overdue.enabled")
	if err != nil {
		t.Fatalf("legacy fallback: %v", err)
	}
	if !enabled {
		t.Fatal("expected legacy path value to apply")
	}
}

func TestResolver_CanonicalWinsOverLegacy(t *testing.T) {
	r := newTestResolver(map[string]map[string]any{
		"t1": {
			"auto_notification": map[string]any{
				"overdue_outstanding_over_limit": map[string]any{"enabled": false},
				"overdue":                        map[string]any{"enabled": true},
			},
		},
	})
	enabled, err := r.Enabled(context.Background(), "t1",
		"auto_notification.overdue_outstanding_over_limit.enabled",
		"auto_notification.overdue.enabled")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if enabled {
		t.Fatal("canonical false must not fall through to legacy true")
	}
}

func TestResolver_Threshold(t *testing.T) {
	r := newTestResolver(map[string]map[string]any{
		"t1": {
			"thresholds": map[string]any{
				"financial_health": map[string]any{"overdue_limit": float64(500000)},
			},
		},
	})
	ctx := context.Background()

	v, ok, err := r.Threshold(ctx, "t1", ThresholdPath(KeyFinancialHealth, "overdue_limit"))
	if err != nil || !ok || v != 500000 {
		t.Fatalf("threshold = %v, %v, %v", v, ok, err)
	}
	_, ok, err = r.Threshold(ctx, "t1", ThresholdPath(KeyWorkforceOps, "overdue_limit"))
	if err != nil || ok {
		t.Fatalf("absent threshold must report ok=false, got %v, %v", ok, err)
	}
}

func TestNotificationPath(t *testing.T) {
	path, err := NotificationPath("absence_first_day", "enabled")
	if err != nil {
		t.Fatalf("NotificationPath: %v", err)
	}
	if path != "auto_notification.absence_first_day.enabled" {
		t.Fatalf("path = %q", path)
	}
	if _, err := NotificationPath("not_an_event", "enabled"); err == nil {
		t.Fatal("expected unknown event rejection")
	}
}

func TestVersion_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"x": 1, "y": map[string]any{"a": true, "b": "s"}}
	b := map[string]any{"y": map[string]any{"b": "s", "a": true}, "x": 1}
	if versionFor(a) != versionFor(b) {
		t.Fatal("version must be independent of map iteration order")
	}
	c := map[string]any{"x": 2, "y": map[string]any{"a": true, "b": "s"}}
	if versionFor(a) == versionFor(c) {
		t.Fatal("version must change when values change")
	}
}
