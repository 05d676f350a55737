// Package intent holds the registry of everything the chat surface can
// ask for. Every intent carries an automation level; L2 intents carry an
// execution class that decides which policy gate and which allow-list
// applies before a handler ever runs.
package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/acadeon/chatops/internal/catalog"
	"github.com/acadeon/chatops/internal/policy"
)

// Level is the automation level of an intent.
type Level string

const (
	// L0 intents are read-only queries. No policy gate, no task card.
	L0 Level = "L0"
	// L1 intents propose work: they emit a task card and mutate nothing
	// else.
	L1 Level = "L1"
	// L2 intents execute. They are policy-gated and audit-logged.
	L2 Level = "L2"
)

// Class is the execution class of an L2 intent.
type Class string

const (
	// ClassNone is the class of L0 and L1 intents.
	ClassNone Class = ""
	// ClassA executions send notifications. Gated per automation event
	// type.
	ClassA Class = "A"
	// ClassB executions mutate domain state. Gated per canonical action
	// key, which must be on the domain action catalog.
	ClassB Class = "B"
)

// TaskSpec describes the task card an L1 intent emits.
type TaskSpec struct {
	TaskType   string
	EntityType string
	Subtype    string
}

// Definition is one registry entry.
type Definition struct {
	Key         string
	Level       Level
	Class       Class
	Description string
	Examples    []string

	// PolicyKey is the purpose category, always canonical v2 after Load.
	PolicyKey policy.PolicyKey

	// EventType gates class A intents (auto_notification.<event>.enabled).
	EventType string
	// ActionKey gates class B intents (automation.<action>.enabled) and
	// must be on the domain action catalog.
	ActionKey string

	// Task is required for L1 intents.
	Task *TaskSpec

	paramsSchema *jsonschema.Schema
}

// ValidateParams checks params against the intent's schema. Intents
// without a schema accept any params.
func (d *Definition) ValidateParams(params any) error {
	if d.paramsSchema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := d.paramsSchema.Validate(params); err != nil {
		return fmt.Errorf("params for %s: %w", d.Key, err)
	}
	return nil
}

// Registry is the validated, immutable intent set.
type Registry struct {
	defs  map[string]*Definition
	order []string
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// Load builds the registry from the built-in definitions and compiles
// params schemas. Any inconsistency is fatal: a registry that loads is a
// registry the dispatcher can trust completely.
func Load(cat *catalog.Catalog) (*Registry, error) {
	return load(cat, definitions())
}

func load(cat *catalog.Catalog, defs []Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	seenActions := make(map[string]string)
	compiler := jsonschema.NewCompiler()

	for i := range defs {
		d := defs[i]
		if !keyPattern.MatchString(d.Key) {
			return nil, fmt.Errorf("intent %q: malformed key", d.Key)
		}
		if _, dup := r.defs[d.Key]; dup {
			return nil, fmt.Errorf("intent %q: duplicate key", d.Key)
		}
		if strings.TrimSpace(d.Description) == "" {
			return nil, fmt.Errorf("intent %q: missing description", d.Key)
		}

		switch d.Level {
		case L0, L1:
			if d.Class != ClassNone {
				return nil, fmt.Errorf("intent %q: class %q not allowed at %s", d.Key, d.Class, d.Level)
			}
			if d.EventType != "" || d.ActionKey != "" {
				return nil, fmt.Errorf("intent %q: event/action binding not allowed at %s", d.Key, d.Level)
			}
			if d.Level == L1 && d.Task == nil {
				return nil, fmt.Errorf("intent %q: L1 intent needs a task spec", d.Key)
			}
			if d.Level == L0 && d.Task != nil {
				return nil, fmt.Errorf("intent %q: task spec only allowed at L1", d.Key)
			}
		case L2:
			if d.Task != nil {
				return nil, fmt.Errorf("intent %q: task spec only allowed at L1", d.Key)
			}
			switch d.Class {
			case ClassA:
				if d.ActionKey != "" {
					return nil, fmt.Errorf("intent %q: class A must not carry an action key", d.Key)
				}
				if err := catalog.AssertEvent(d.EventType); err != nil {
					return nil, fmt.Errorf("intent %q: %w", d.Key, err)
				}
				// The policy key of a notification is its event's category.
				category, _ := catalog.EventCategory(d.EventType)
				d.PolicyKey = policy.PolicyKey(category)
			case ClassB:
				if d.EventType != "" {
					return nil, fmt.Errorf("intent %q: class B must not carry an event type", d.Key)
				}
				if err := cat.AssertAllowed(d.ActionKey); err != nil {
					return nil, fmt.Errorf("intent %q: %w", d.Key, err)
				}
				if prev, taken := seenActions[d.ActionKey]; taken {
					return nil, fmt.Errorf("intent %q: action key %q already bound to %q", d.Key, d.ActionKey, prev)
				}
				seenActions[d.ActionKey] = d.Key
			default:
				return nil, fmt.Errorf("intent %q: L2 intent needs class A or B", d.Key)
			}
		default:
			return nil, fmt.Errorf("intent %q: unknown level %q", d.Key, d.Level)
		}

		// Policy keys may arrive in v1 form; they never leave Load that way.
		if d.PolicyKey != "" && d.Class != ClassA {
			normalized, err := policy.Normalize(string(d.PolicyKey))
			if err != nil {
				return nil, fmt.Errorf("intent %q: %w", d.Key, err)
			}
			d.PolicyKey = normalized
		}

		if src, ok := paramsSchemas[d.Key]; ok {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				return nil, fmt.Errorf("intent %q: unmarshal params schema: %w", d.Key, err)
			}
			url := "intent:" + d.Key
			if err := compiler.AddResource(url, doc); err != nil {
				return nil, fmt.Errorf("intent %q: add schema resource: %w", d.Key, err)
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("intent %q: compile params schema: %w", d.Key, err)
			}
			d.paramsSchema = schema
		}

		r.defs[d.Key] = &d
		r.order = append(r.order, d.Key)
	}

	// Every allow-listed action must be reachable through some intent,
	// otherwise the catalog and the registry have drifted apart.
	for _, actionKey := range cat.Keys() {
		if _, bound := seenActions[actionKey]; !bound {
			return nil, fmt.Errorf("catalog action %q is bound to no intent", actionKey)
		}
	}

	sort.Strings(r.order)
	return r, nil
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (*Definition, bool) {
	d, ok := r.defs[key]
	return d, ok
}

// Keys returns all intent keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns all definitions in key order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.defs[key])
	}
	return out
}

// CountByLevel returns how many intents exist per automation level.
func (r *Registry) CountByLevel() map[Level]int {
	counts := make(map[Level]int, 3)
	for _, d := range r.defs {
		counts[d.Level]++
	}
	return counts
}
