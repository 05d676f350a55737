package bus

// Audit run event topics. Published by the dispatcher on every run state
// transition; the gateway's live tail subscribes to the "run." prefix.
const (
	TopicRunStarted   = "run.started"
	TopicRunStep      = "run.step"
	TopicRunSucceeded = "run.succeeded"
	TopicRunFailed    = "run.failed"
)

// Task card event topics.
const (
	TopicTaskCardCreated  = "taskcard.created"
	TopicTaskCardResolved = "taskcard.resolved"
)

// Policy decision topics. Every allow/deny verdict is mirrored here so
// operators can watch gating live.
const (
	TopicPolicyDenied  = "policy.denied"
	TopicPolicyAllowed = "policy.allowed"
)

// RunEvent is published when an audit run starts or reaches a terminal
// status.
type RunEvent struct {
	RunID     string `json:"run_id"`
	TenantID  string `json:"tenant_id"`
	IntentKey string `json:"intent_key"`
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
}

// RunStepEvent is published for each recorded audit step.
type RunStepEvent struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Summary  string `json:"summary,omitempty"`
}

// TaskCardEvent is published when a task card is created or resolved.
type TaskCardEvent struct {
	CardID    string `json:"card_id"`
	TenantID  string `json:"tenant_id"`
	IntentKey string `json:"intent_key"`
	Status    string `json:"status"`
}

// PolicyEvent is published for every policy verdict.
type PolicyEvent struct {
	TenantID  string `json:"tenant_id"`
	IntentKey string `json:"intent_key"`
	Path      string `json:"path"`
	Enabled   bool   `json:"enabled"`
}
