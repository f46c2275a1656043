// Package registry is the process-wide catalog of workflow and activity
// definitions. It is built at startup and frozen before workers begin
// claiming tasks; the engine only ever reads from it
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loomstack/loom/pkg/api"
)

type (
	// Context is the narrow interface handed to step code. Every operation
	// that introduces non-determinism flows through it
	Context interface {
		// Activity schedules or awaits an activity call and returns its
		// stored result
		Activity(name string, args ...any) (json.RawMessage, error)

		// Sleep pauses the workflow for the given duration
		Sleep(d time.Duration) error

		// SleepUntil pauses the workflow until the given instant
		SleepUntil(t time.Time) error

		// WaitForSignal blocks until a signal with the given name arrives
		// and returns its payload
		WaitForSignal(name string) (json.RawMessage, error)

		// State accesses the workflow's folded mutable state
		State() StateAccessor

		// Input returns the workflow's immutable input
		Input() json.RawMessage

		// Logger returns a logger that is suppressed during replay
		Logger() *slog.Logger

		// StartChildWorkflow spawns a new workflow instance and returns
		// its id
		StartChildWorkflow(
			name, version string, input any,
		) (api.WorkflowID, error)
	}

	// StateAccessor reads and mutates the folded workflow state
	StateAccessor interface {
		// Get returns the stored value for key, or false
		Get(key string) (json.RawMessage, bool)

		// GetInto unmarshals the stored value for key into target
		GetInto(key string, target any) error

		// Set stores one key and records a STATE_SET event
		Set(key string, value any) error

		// Update applies fn to the state and records the complete new
		// state as one STATE_UPDATE event
		Update(fn func(api.State)) error

		// Batch runs fn collecting all Set calls into a single
		// STATE_UPDATE emitted at batch end. Batches do not nest
		Batch(fn func() error) error

		// Snapshot returns a copy of the current folded state
		Snapshot() api.State
	}

	// StepFunc is one unit of workflow code, delimited by step completion
	StepFunc func(ctx Context) error

	// ActivityFunc is a side-effecting function invoked by a step. Args
	// arrive as the JSON array recorded in history; the returned value is
	// marshaled and stored as the activity result
	ActivityFunc func(ctx context.Context, args json.RawMessage) (any, error)

	// StepDef names one step of a workflow definition
	StepDef struct {
		Name string
		Fn   StepFunc
	}

	// WorkflowDef is a named, versioned program composed of ordered steps
	WorkflowDef struct {
		Name    string
		Version string
		Steps   []StepDef
	}

	// ActivityDef carries an activity callable plus its retry and timeout
	// policy. Zero values mean the registry defaults apply at lookup
	ActivityDef struct {
		Name       string
		Fn         ActivityFunc
		RetryCount int
		Timeout    time.Duration
	}

	// Registry maps names to definitions. Safe for concurrent reads once
	// frozen
	Registry struct {
		sync.RWMutex
		workflows      map[workflowKey]*WorkflowDef
		activities     map[string]*ActivityDef
		fingerprints   map[string]uint64
		frozen         bool
		defaultRetry   int
		defaultTimeout time.Duration
	}

	// Option configures a Registry during construction
	Option func(*Registry)

	workflowKey struct {
		name    string
		version string
	}
)

var (
	ErrFrozen             = errors.New("registry frozen")
	ErrWorkflowNameEmpty  = errors.New("workflow definition name empty")
	ErrWorkflowNoSteps    = errors.New("workflow definition has no steps")
	ErrStepNameEmpty      = errors.New("step name empty")
	ErrStepNameDuplicate  = errors.New("duplicate step name")
	ErrStepFnNil          = errors.New("step function nil")
	ErrActivityNameEmpty  = errors.New("activity definition name empty")
	ErrActivityFnNil      = errors.New("activity function nil")
	ErrDefinitionConflict = errors.New("definition conflicts with registered")
	ErrWorkflowNotFound   = errors.New("workflow definition not found")
	ErrActivityNotFound   = errors.New("activity definition not found")
)

// WithActivityDefaults sets the retry count and timeout applied to activity
// definitions that do not declare their own policy
func WithActivityDefaults(retry int, timeout time.Duration) Option {
	return func(r *Registry) {
		r.defaultRetry = retry
		r.defaultTimeout = timeout
	}
}

// New constructs an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		workflows:      map[workflowKey]*WorkflowDef{},
		activities:     map[string]*ActivityDef{},
		fingerprints:   map[string]uint64{},
		defaultRetry:   3,
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterWorkflow adds a workflow definition. Registration is idempotent:
// re-registering an identical definition is a no-op, while re-registering
// under the same name and version with a differing shape is an error
func (r *Registry) RegisterWorkflow(def *WorkflowDef) error {
	if err := validateWorkflow(def); err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	if r.frozen {
		return ErrFrozen
	}

	key := workflowKey{name: def.Name, version: def.Version}
	fpKey := "workflow:" + def.Name + ":" + def.Version
	fp := workflowFingerprint(def)
	if prev, ok := r.fingerprints[fpKey]; ok {
		if prev != fp {
			return fmt.Errorf("%w: workflow %s@%s",
				ErrDefinitionConflict, def.Name, def.Version)
		}
		return nil
	}
	r.workflows[key] = def
	r.fingerprints[fpKey] = fp
	return nil
}

// RegisterActivity adds an activity definition with the same idempotence
// rule as RegisterWorkflow
func (r *Registry) RegisterActivity(def *ActivityDef) error {
	if err := validateActivity(def); err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	if r.frozen {
		return ErrFrozen
	}

	fpKey := "activity:" + def.Name
	fp := activityFingerprint(def)
	if prev, ok := r.fingerprints[fpKey]; ok {
		if prev != fp {
			return fmt.Errorf("%w: activity %s",
				ErrDefinitionConflict, def.Name)
		}
		return nil
	}
	r.activities[def.Name] = def
	r.fingerprints[fpKey] = fp
	return nil
}

// Freeze makes the registry immutable. Workers must not start before this
func (r *Registry) Freeze() {
	r.Lock()
	defer r.Unlock()
	r.frozen = true
}

// Workflow looks up a workflow definition by name and version
func (r *Registry) Workflow(name, version string) (*WorkflowDef, error) {
	r.RLock()
	defer r.RUnlock()
	def, ok := r.workflows[workflowKey{name: name, version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrWorkflowNotFound,
			name, version)
	}
	return def, nil
}

// Activity looks up an activity definition by name. The returned copy has
// the registry defaults applied where the definition declares no policy
func (r *Registry) Activity(name string) (*ActivityDef, error) {
	r.RLock()
	defer r.RUnlock()
	def, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivityNotFound, name)
	}
	res := *def
	if res.RetryCount == 0 {
		res.RetryCount = r.defaultRetry
	}
	if res.Timeout == 0 {
		res.Timeout = r.defaultTimeout
	}
	return &res, nil
}

// Step returns the named step of a workflow definition, or false
func (d *WorkflowDef) Step(name string) (StepDef, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDef{}, false
}

func validateWorkflow(def *WorkflowDef) error {
	if def.Name == "" {
		return ErrWorkflowNameEmpty
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNoSteps, def.Name)
	}
	seen := map[string]bool{}
	for _, s := range def.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: workflow %s", ErrStepNameEmpty, def.Name)
		}
		if s.Fn == nil {
			return fmt.Errorf("%w: step %s", ErrStepFnNil, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s", ErrStepNameDuplicate, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func validateActivity(def *ActivityDef) error {
	if def.Name == "" {
		return ErrActivityNameEmpty
	}
	if def.Fn == nil {
		return fmt.Errorf("%w: %s", ErrActivityFnNil, def.Name)
	}
	return nil
}

// workflowFingerprint hashes the observable shape of a definition: its
// identity and ordered step names. Function bodies cannot be hashed, so a
// changed body with an unchanged shape passes; a reordered or renamed step
// does not
func workflowFingerprint(def *WorkflowDef) uint64 {
	var sb strings.Builder
	sb.WriteString(def.Name)
	sb.WriteByte(0)
	sb.WriteString(def.Version)
	for _, s := range def.Steps {
		sb.WriteByte(0)
		sb.WriteString(s.Name)
	}
	return xxhash.Sum64String(sb.String())
}

func activityFingerprint(def *ActivityDef) uint64 {
	var sb strings.Builder
	sb.WriteString(def.Name)
	sb.WriteByte(0)
	sb.WriteString(strconv.Itoa(def.RetryCount))
	sb.WriteByte(0)
	sb.WriteString(def.Timeout.String())
	return xxhash.Sum64String(sb.String())
}
