// Package builder provides a fluent surface for assembling workflow and
// activity definitions before registering them. Builders are value types;
// every With method returns a copy
package builder

import (
	"time"

	"github.com/loomstack/loom/internal/registry"
)

type Workflow struct {
	name    string
	version string
	steps   []registry.StepDef
}

// NewWorkflow creates a workflow builder with the specified name
func NewWorkflow(name string) *Workflow {
	return &Workflow{
		name:    name,
		version: "1.0.0",
	}
}

// WithVersion sets the workflow version
func (w *Workflow) WithVersion(version string) *Workflow {
	res := *w
	res.version = version
	return &res
}

// Step appends a named step to the workflow in execution order
func (w *Workflow) Step(name string, fn registry.StepFunc) *Workflow {
	res := *w
	res.steps = make([]registry.StepDef, len(w.steps)+1)
	copy(res.steps, w.steps)
	res.steps[len(w.steps)] = registry.StepDef{Name: name, Fn: fn}
	return &res
}

// Build produces the workflow definition
func (w *Workflow) Build() *registry.WorkflowDef {
	return &registry.WorkflowDef{
		Name:    w.name,
		Version: w.version,
		Steps:   w.steps,
	}
}

// Register builds the definition and registers it
func (w *Workflow) Register(r *registry.Registry) error {
	return r.RegisterWorkflow(w.Build())
}

type Activity struct {
	name    string
	fn      registry.ActivityFunc
	retries int
	timeout time.Duration
}

// NewActivity creates an activity builder with the specified name
func NewActivity(name string, fn registry.ActivityFunc) *Activity {
	return &Activity{
		name: name,
		fn:   fn,
	}
}

// WithRetries sets how many times a failed attempt is retried
func (a *Activity) WithRetries(n int) *Activity {
	res := *a
	res.retries = n
	return &res
}

// WithTimeout sets the per-attempt wall-clock timeout
func (a *Activity) WithTimeout(d time.Duration) *Activity {
	res := *a
	res.timeout = d
	return &res
}

// Build produces the activity definition
func (a *Activity) Build() *registry.ActivityDef {
	return &registry.ActivityDef{
		Name:       a.name,
		Fn:         a.fn,
		RetryCount: a.retries,
		Timeout:    a.timeout,
	}
}

// Register builds the definition and registers it
func (a *Activity) Register(r *registry.Registry) error {
	return r.RegisterActivity(a.Build())
}
