package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all kernel metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	DispatchDuration  metric.Float64Histogram
	RunsTotal         metric.Int64Counter
	PolicyDenials     metric.Int64Counter
	DuplicateRejects  metric.Int64Counter
	HandlerErrors     metric.Int64Counter
	TaskCardsEmitted  metric.Int64Counter
	NotificationsSent metric.Int64Counter
	ScheduleSweeps    metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("chatops.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("chatops.dispatch.duration",
		metric.WithDescription("Intent dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter("chatops.runs.total",
		metric.WithDescription("Execution runs by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("chatops.policy.denials",
		metric.WithDescription("Dispatches refused by the policy gate"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateRejects, err = meter.Int64Counter("chatops.dispatch.duplicates",
		metric.WithDescription("Dispatches refused as in-flight duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter("chatops.handler.errors",
		metric.WithDescription("Handler invocations that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCardsEmitted, err = meter.Int64Counter("chatops.taskcards.emitted",
		metric.WithDescription("Task cards created for review"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsSent, err = meter.Int64Counter("chatops.notifications.sent",
		metric.WithDescription("Notifications delivered by channel adapters"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleSweeps, err = meter.Int64Counter("chatops.schedule.sweeps",
		metric.WithDescription("Scheduler sweep iterations"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("chatops.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
