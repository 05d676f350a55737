// Package handlers binds every dispatchable intent to its
// implementation over the store and the delivery channels. Binding is
// static and happens once at process start; the dispatcher refuses to
// run against an incomplete table.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acadeon/chatops/internal/catalog"
	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/policy"
	"github.com/acadeon/chatops/internal/shared"
)

// Deps is everything a handler may touch.
type Deps struct {
	Store    *persistence.Store
	Notifier channels.Notifier
	Policies *policy.Resolver
	// Catalog is the live action allow-list, including any artifact
	// override. Handlers that enumerate or validate action keys must
	// consult it rather than rebuilding the builtin set.
	Catalog *catalog.Catalog
	Logger  *slog.Logger
}

// RegisterAll binds the full intent set. Call once at startup; the
// result feeds dispatch.Registry.Validate.
func RegisterAll(reg *dispatch.Registry, deps Deps) error {
	if deps.Store == nil {
		return fmt.Errorf("handlers: store is required")
	}
	if deps.Catalog == nil {
		return fmt.Errorf("handlers: catalog is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = channels.NewLogNotifier(deps.Logger)
	}
	for _, register := range []func(*dispatch.Registry, Deps) error{
		registerAttendance,
		registerStudents,
		registerBilling,
		registerMessages,
		registerClasses,
		registerNotes,
		registerReports,
		registerSystem,
	} {
		if err := register(reg, deps); err != nil {
			return err
		}
	}
	return nil
}

// domainErr wraps a business-rule failure so the dispatcher records it
// with the right kind.
func domainErr(err error) error {
	if err == nil {
		return nil
	}
	return &dispatch.Error{Kind: dispatch.KindDomain, Message: err.Error(), Wrapped: err}
}

func domainErrf(format string, args ...any) error {
	return &dispatch.Error{Kind: dispatch.KindDomain, Message: fmt.Sprintf(format, args...)}
}

// strParam reads a string param with a fallback.
func strParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// requireStr reads a mandatory string param.
func requireStr(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", domainErrf("missing required param %q", key)
	}
	return v, nil
}

// intParam reads an integer param; JSON numbers arrive as float64.
func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// int64Param reads an amount param in minor currency units.
func int64Param(params map[string]any, key string, fallback int64) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return fallback
}

// dateParam reads a YYYY-MM-DD param, defaulting to today UTC.
func dateParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return time.Now().UTC().Format("2006-01-02")
}

// monthParam reads a YYYY-MM param, defaulting to the current month.
func monthParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return time.Now().UTC().Format("2006-01")
}

// rangeParams reads a from/to date window, defaulting to the last seven
// days ending today.
func rangeParams(params map[string]any) (from, to string) {
	now := time.Now().UTC()
	from = strParam(params, "from", now.AddDate(0, 0, -7).Format("2006-01-02"))
	to = strParam(params, "to", now.Format("2006-01-02"))
	return from, to
}

// deliver is the shared class-A executor: every notification handler
// reduces to building deliveries and calling this. Each delivery is
// attempted, logged to the message log with the current run id, and
// counted; one bad recipient does not abort the batch.
func deliver(ctx context.Context, deps Deps, tenantID, audience, subject string, deliveries []channels.Delivery) (*dispatch.HandlerResult, error) {
	runID := shared.RunID(ctx)
	sent, failed := 0, 0
	for _, d := range deliveries {
		d.TenantID = tenantID
		d.Audience = audience
		if d.Subject == "" {
			d.Subject = subject
		}
		status := persistence.MessageSent
		if err := deps.Notifier.Send(ctx, d); err != nil {
			status = persistence.MessageFailed
			failed++
			deps.Logger.Warn("delivery failed",
				"tenant_id", tenantID, "recipient", d.Recipient, "error", err)
		} else {
			sent++
		}
		if logErr := deps.Store.LogMessage(ctx, &persistence.Message{
			TenantID:  tenantID,
			Recipient: d.Recipient,
			Channel:   deps.Notifier.Name(),
			Body:      d.Body,
			Status:    status,
			RunID:     runID,
		}); logErr != nil {
			return nil, logErr
		}
	}
	if sent == 0 && failed > 0 {
		return nil, domainErrf("all %d deliveries failed", failed)
	}
	return &dispatch.HandlerResult{
		Summary:      fmt.Sprintf("sent %d, failed %d (%s)", sent, failed, audience),
		Payload:      map[string]any{"sent": sent, "failed": failed},
		SuccessCount: sent,
		FailedCount:  failed,
	}, nil
}

// guardianDeliveries builds one delivery per student guardian, skipping
// students with no contact on file.
func guardianDeliveries(students []persistence.Student, body func(persistence.Student) string) []channels.Delivery {
	var out []channels.Delivery
	for _, st := range students {
		if st.GuardianPhone == "" {
			continue
		}
		out = append(out, channels.Delivery{Recipient: st.GuardianPhone, Body: body(st)})
	}
	return out
}

// result is the common L0 success shape.
func result(summary string, payload any) *dispatch.HandlerResult {
	return &dispatch.HandlerResult{Summary: summary, Payload: payload, SuccessCount: 1}
}
