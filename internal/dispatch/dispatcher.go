// Package dispatch is the runtime entry point of the kernel: it
// classifies an incoming intent, branches on automation level, enforces
// the policy and catalog gates, invokes the bound handler, and writes
// the audit trail around all of it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/acadeon/chatops/internal/bus"
	"github.com/acadeon/chatops/internal/catalog"
	"github.com/acadeon/chatops/internal/intent"
	"github.com/acadeon/chatops/internal/otel"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/policy"
	"github.com/acadeon/chatops/internal/shared"
)

// Result statuses returned to the caller.
const (
	StatusOK              = "ok"
	StatusTaskCardCreated = "task_card_created"
	StatusRejected        = "rejected"
	StatusError           = "error"
)

// Request is the boundary contract consumed from an upstream
// classifier.
type Request struct {
	TenantID  string         `json:"tenant_id"`
	IntentKey string         `json:"intent_key"`
	Params    map[string]any `json:"params,omitempty"`
	// IdempotencyKey is authoritative when supplied; otherwise a
	// deterministic key is derived from the request.
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Actor          shared.Actor `json:"actor"`
	// Source is where the dispatch came from: chat, scheduled, taskcard,
	// or manual.
	Source string `json:"source,omitempty"`
	// TaskCardID links an execution back to the card it came from.
	TaskCardID string `json:"task_card_id,omitempty"`
}

// Result is the structured dispatch outcome.
type Result struct {
	Status     string          `json:"status"`
	RunID      string          `json:"run_id,omitempty"`
	TaskCardID string          `json:"task_card_id,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Payload    json.RawMessage `json:"result,omitempty"`
	// Replayed marks a stored result returned without re-execution.
	Replayed bool `json:"replayed,omitempty"`
}

// TaskCardEmitter creates the proposal object for an L1 dispatch.
type TaskCardEmitter interface {
	Emit(ctx context.Context, tenantID string, def *intent.Definition, params map[string]any, source string) (*persistence.TaskCard, error)
}

// Options wires a Dispatcher.
type Options struct {
	Store    *persistence.Store
	Intents  *intent.Registry
	Handlers *Registry
	Catalog  *catalog.Catalog
	Policies *policy.Resolver
	Emitter  TaskCardEmitter
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

// Dispatcher runs the per-dispatch state machine. It holds no mutable
// state of its own; concurrent dispatches contend only in the store.
type Dispatcher struct {
	store    *persistence.Store
	intents  *intent.Registry
	handlers *Registry
	catalog  *catalog.Catalog
	policies *policy.Resolver
	emitter  TaskCardEmitter
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

// New validates handler completeness and returns a ready dispatcher.
// An incomplete binding table is refused here so the process never
// starts with a drifted registry.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil || opts.Intents == nil || opts.Handlers == nil || opts.Catalog == nil || opts.Policies == nil {
		return nil, fmt.Errorf("dispatcher: store, intents, handlers, catalog, and policies are required")
	}
	if err := opts.Handlers.Validate(opts.Intents); err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Dispatcher{
		store:    opts.Store,
		intents:  opts.Intents,
		handlers: opts.Handlers,
		catalog:  opts.Catalog,
		policies: opts.Policies,
		emitter:  opts.Emitter,
		logger:   logger,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		tracer:   tracer,
	}, nil
}

// Dispatch runs one request through the state machine. The returned
// error, when non-nil, is always a *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Source == "" {
		req.Source = shared.Source(ctx)
	}
	ctx = shared.WithTenantID(ctx, req.TenantID)

	ctx, span := otel.StartSpan(ctx, d.tracer, "dispatch",
		otel.AttrTenantID.String(req.TenantID),
		otel.AttrIntentKey.String(req.IntentKey),
		otel.AttrSource.String(req.Source),
	)
	defer span.End()

	def, ok := d.intents.Get(req.IntentKey)
	if !ok {
		// Nothing entered the system; there is nothing to audit.
		return nil, newError(KindClassification, "unknown intent %q", req.IntentKey)
	}
	span.SetAttributes(otel.AttrLevel.String(string(def.Level)), otel.AttrClass.String(string(def.Class)))

	if err := def.ValidateParams(anyParams(req.Params)); err != nil {
		return nil, wrapError(KindValidation, err, "invalid params for %s", req.IntentKey)
	}

	if def.Level == intent.L1 {
		return d.emitCard(ctx, def, req)
	}

	handler, bound := d.handlers.Get(req.IntentKey)
	if !bound {
		// Validate() makes this unreachable in a correctly started
		// process; a custom registry in tests can still trip it.
		d.logger.Error("no handler bound", "intent_key", req.IntentKey)
		return nil, newError(KindConfiguration, "no handler bound for %s", req.IntentKey)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(req.TenantID, req.IntentKey, req.Params, start)
	}

	run := &persistence.Run{
		TenantID:         req.TenantID,
		IntentKey:        req.IntentKey,
		OperationType:    operationType(def),
		Source:           req.Source,
		ActorType:        req.Actor.Type,
		ActorID:          req.Actor.ID,
		IdempotencyKey:   key,
		ExecutionContext: d.executionContext(ctx, req),
	}
	created, holder, err := d.store.BeginRun(ctx, run)
	if err != nil {
		return nil, wrapError(KindConfiguration, err, "begin audit run")
	}
	if !created {
		return d.resolveHolder(ctx, req, holder)
	}
	ctx = shared.WithRunID(ctx, run.ID)
	span.SetAttributes(otel.AttrRunID.String(run.ID))

	if def.Level == intent.L2 {
		denied, gateErr := d.policyGate(ctx, def, req, run.ID)
		if gateErr != nil {
			return nil, gateErr
		}
		if denied != nil {
			return denied, newError(KindPolicyDenied, "tenant %s has not enabled %s", req.TenantID, req.IntentKey).withRun(run.ID)
		}
		if def.Class == intent.ClassB {
			if cfgErr := d.catalogGate(ctx, def, req, run.ID); cfgErr != nil {
				return nil, cfgErr
			}
		}
	}

	d.appendStep(ctx, run.ID, req.TenantID, "handler_invoked", "success", req.IntentKey)
	res, handlerErr := handler(ctx, req)
	if handlerErr != nil {
		kind := KindOf(handlerErr)
		if kind == "" {
			kind = KindDomain
		}
		d.appendStep(ctx, run.ID, req.TenantID, "handler_returned", "failed", handlerErr.Error())
		d.finalize(ctx, req.TenantID, run.ID, persistence.RunFailed, persistence.RunUpdate{
			ErrorKind:    string(kind),
			ErrorSummary: handlerErr.Error(),
			FailedCount:  1,
			DurationMS:   time.Since(start).Milliseconds(),
		})
		d.count(ctx, d.metricOrNil().HandlerErrors, 1)
		return nil, wrapError(kind, handlerErr, "handler %s failed", req.IntentKey).withRun(run.ID)
	}
	d.appendStep(ctx, run.ID, req.TenantID, "handler_returned", "success", res.Summary)

	payload, err := json.Marshal(res.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(res.Payload)))
	}
	d.finalize(ctx, req.TenantID, run.ID, persistence.RunSucceeded, persistence.RunUpdate{
		Summary:      res.Summary,
		Result:       string(payload),
		SuccessCount: res.SuccessCount,
		FailedCount:  res.FailedCount,
		DurationMS:   time.Since(start).Milliseconds(),
	})
	d.observeDuration(ctx, time.Since(start))
	d.count(ctx, d.metricOrNil().RunsTotal, 1)

	d.logger.Info("dispatch succeeded",
		"tenant_id", req.TenantID, "intent_key", req.IntentKey,
		"run_id", run.ID, "duration_ms", time.Since(start).Milliseconds())

	return &Result{
		Status:  StatusOK,
		RunID:   run.ID,
		Summary: res.Summary,
		Payload: payload,
	}, nil
}

// emitCard handles the L1 branch: a proposal is created and nothing
// else runs.
func (d *Dispatcher) emitCard(ctx context.Context, def *intent.Definition, req Request) (*Result, error) {
	if d.emitter == nil {
		return nil, newError(KindConfiguration, "no task card emitter wired for %s", req.IntentKey)
	}
	card, err := d.emitter.Emit(ctx, req.TenantID, def, req.Params, req.Source)
	if err != nil {
		return nil, wrapError(KindConfiguration, err, "emit task card for %s", req.IntentKey)
	}
	d.count(ctx, d.metricOrNil().TaskCardsEmitted, 1)
	d.logger.Info("task card created",
		"tenant_id", req.TenantID, "intent_key", req.IntentKey, "card_id", card.ID)
	return &Result{
		Status:     StatusTaskCardCreated,
		TaskCardID: card.ID,
		Summary:    card.Title,
	}, nil
}

// resolveHolder maps an idempotency collision onto replay or rejection.
func (d *Dispatcher) resolveHolder(ctx context.Context, req Request, holder *persistence.Run) (*Result, error) {
	switch holder.Status {
	case persistence.RunSucceeded:
		d.logger.Info("idempotent replay",
			"tenant_id", req.TenantID, "intent_key", req.IntentKey, "run_id", holder.ID)
		return &Result{
			Status:   StatusOK,
			RunID:    holder.ID,
			Summary:  holder.Summary,
			Payload:  json.RawMessage(holder.Result),
			Replayed: true,
		}, nil
	case persistence.RunPending:
		d.count(ctx, d.metricOrNil().DuplicateRejects, 1)
		return nil, newError(KindDuplicateInFlight,
			"run %s already in flight for this idempotency key", holder.ID).withRun(holder.ID)
	default:
		// BeginRun never hands back a failed holder; the partial index
		// excludes them.
		return nil, newError(KindConfiguration, "unexpected idempotency holder status %q", holder.Status)
	}
}

// policyGate runs step 4: the fail-closed enabled check. A denial
// finalizes the run as failed and returns a non-nil rejection result.
func (d *Dispatcher) policyGate(ctx context.Context, def *intent.Definition, req Request, runID string) (*Result, error) {
	var path string
	var legacy []string
	var err error
	switch def.Class {
	case intent.ClassA:
		path, err = policy.NotificationPath(def.EventType, "enabled")
		if err != nil {
			d.finalize(ctx, req.TenantID, runID, persistence.RunFailed, persistence.RunUpdate{
				ErrorKind: string(KindConfiguration), ErrorSummary: err.Error(),
			})
			return nil, wrapError(KindConfiguration, err, "policy path for %s", req.IntentKey).withRun(runID)
		}
		legacy = policy.NotificationLegacyPaths(def.EventType, "enabled")
	case intent.ClassB:
		path = policy.ActionPath(def.ActionKey)
	}

	enabled, err := d.policies.Enabled(ctx, req.TenantID, path, legacy...)
	if err != nil {
		d.finalize(ctx, req.TenantID, runID, persistence.RunFailed, persistence.RunUpdate{
			ErrorKind: string(KindConfiguration), ErrorSummary: err.Error(),
		})
		return nil, wrapError(KindConfiguration, err, "resolve policy %s", path).withRun(runID)
	}

	if d.bus != nil {
		topic := bus.TopicPolicyAllowed
		if !enabled {
			topic = bus.TopicPolicyDenied
		}
		d.bus.Publish(topic, bus.PolicyEvent{
			TenantID: req.TenantID, IntentKey: req.IntentKey, Path: path, Enabled: enabled,
		})
	}

	if !enabled {
		d.appendStep(ctx, runID, req.TenantID, "policy_check", "denied", path)
		d.finalize(ctx, req.TenantID, runID, persistence.RunFailed, persistence.RunUpdate{
			ErrorKind:    string(KindPolicyDenied),
			ErrorSummary: "policy disabled: " + path,
		})
		d.count(ctx, d.metricOrNil().PolicyDenials, 1)
		d.logger.Info("dispatch denied by policy",
			"tenant_id", req.TenantID, "intent_key", req.IntentKey, "path", path, "run_id", runID)
		return &Result{Status: StatusRejected, RunID: runID, Summary: "policy disabled: " + path}, nil
	}
	d.appendStep(ctx, runID, req.TenantID, "policy_check", "success", path)
	return nil, nil
}

// catalogGate runs step 5: the allow-list assertion for class B. A
// violation is registry drift, not a user error.
func (d *Dispatcher) catalogGate(ctx context.Context, def *intent.Definition, req Request, runID string) *Error {
	if err := d.catalog.AssertAllowed(def.ActionKey); err != nil {
		d.appendStep(ctx, runID, req.TenantID, "catalog_check", "failed", def.ActionKey)
		d.finalize(ctx, req.TenantID, runID, persistence.RunFailed, persistence.RunUpdate{
			ErrorKind:    string(KindConfiguration),
			ErrorSummary: err.Error(),
		})
		d.logger.Error("catalog drift detected",
			"tenant_id", req.TenantID, "intent_key", req.IntentKey, "action_key", def.ActionKey)
		return wrapError(KindConfiguration, err, "catalog check for %s", req.IntentKey).withRun(runID)
	}
	d.appendStep(ctx, runID, req.TenantID, "catalog_check", "success", def.ActionKey)
	return nil
}

func (d *Dispatcher) appendStep(ctx context.Context, runID, tenantID, name, status, summary string) {
	err := d.store.AppendStep(ctx, &persistence.Step{
		RunID: runID, TenantID: tenantID, Name: name, Status: status, Summary: summary,
	})
	if err != nil {
		d.logger.Error("append audit step failed", "run_id", runID, "step", name, "error", err)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, tenantID, runID string, status persistence.RunStatus, update persistence.RunUpdate) {
	if err := d.store.FinalizeRun(ctx, tenantID, runID, status, update); err != nil {
		// An audit store that refuses writes is the one true fatal
		// condition of this component; surface it loudly.
		d.logger.Error("finalize audit run failed", "run_id", runID, "status", status, "error", err)
	}
}

// executionContext serializes who and what triggered the run, plus the
// policy state it will be judged against.
func (d *Dispatcher) executionContext(ctx context.Context, req Request) string {
	ec := map[string]any{
		"actor_type": req.Actor.Type,
		"actor_id":   req.Actor.ID,
		"source":     req.Source,
		"trace_id":   shared.TraceID(ctx),
	}
	if req.TaskCardID != "" {
		ec["task_card_id"] = req.TaskCardID
	}
	if version, err := d.policies.Version(ctx, req.TenantID); err == nil && version != "" {
		ec["policy_version"] = version
	}
	raw, err := json.Marshal(ec)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func operationType(def *intent.Definition) string {
	switch def.Class {
	case intent.ClassA:
		return def.EventType
	case intent.ClassB:
		return def.ActionKey
	default:
		return "query"
	}
}

// anyParams converts typed params to the shape jsonschema validates.
func anyParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

func (e *Error) withRun(runID string) *Error {
	e.RunID = runID
	return e
}

// metricOrNil lets call sites stay unconditional; a nil Metrics yields
// nil instruments, which count() ignores.
func (d *Dispatcher) metricOrNil() *otel.Metrics {
	if d.metrics == nil {
		return &otel.Metrics{}
	}
	return d.metrics
}

func (d *Dispatcher) count(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

func (d *Dispatcher) observeDuration(ctx context.Context, elapsed time.Duration) {
	m := d.metricOrNil()
	if m.DispatchDuration != nil {
		m.DispatchDuration.Record(ctx, elapsed.Seconds())
	}
}
