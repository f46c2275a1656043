package builder_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/pkg/builder"
)

func noopStep(registry.Context) error {
	return nil
}

func noopActivity(context.Context, json.RawMessage) (any, error) {
	return nil, nil
}

func TestWorkflowBuilder(t *testing.T) {
	as := assert.New(t)
	def := builder.NewWorkflow("order").
		WithVersion("2.1.0").
		Step("reserve", noopStep).
		Step("charge", noopStep).
		Build()

	as.Equal("order", def.Name)
	as.Equal("2.1.0", def.Version)
	as.Len(def.Steps, 2)
	as.Equal("reserve", def.Steps[0].Name)
	as.Equal("charge", def.Steps[1].Name)
}

func TestWorkflowBuilderDefaultVersion(t *testing.T) {
	as := assert.New(t)
	def := builder.NewWorkflow("order").Step("only", noopStep).Build()
	as.Equal("1.0.0", def.Version)
}

func TestWorkflowBuilderCopies(t *testing.T) {
	as := assert.New(t)
	base := builder.NewWorkflow("order").Step("reserve", noopStep)
	a := base.Step("charge", noopStep).Build()
	b := base.Step("refund", noopStep).Build()

	as.Len(a.Steps, 2)
	as.Len(b.Steps, 2)
	as.Equal("charge", a.Steps[1].Name)
	as.Equal("refund", b.Steps[1].Name)
}

func TestWorkflowBuilderRegister(t *testing.T) {
	as := assert.New(t)
	r := registry.New()
	err := builder.NewWorkflow("order").
		Step("only", noopStep).
		Register(r)
	as.NoError(err)

	_, err = r.Workflow("order", "1.0.0")
	as.NoError(err)

	err = builder.NewWorkflow("empty").Register(r)
	as.ErrorIs(err, registry.ErrWorkflowNoSteps)
}

func TestActivityBuilder(t *testing.T) {
	as := assert.New(t)
	def := builder.NewActivity("charge", noopActivity).
		WithRetries(5).
		WithTimeout(90 * time.Second).
		Build()

	as.Equal("charge", def.Name)
	as.Equal(5, def.RetryCount)
	as.Equal(90*time.Second, def.Timeout)
}

func TestActivityBuilderRegister(t *testing.T) {
	as := assert.New(t)
	r := registry.New()
	err := builder.NewActivity("charge", noopActivity).
		WithRetries(2).
		Register(r)
	as.NoError(err)

	def, err := r.Activity("charge")
	as.NoError(err)
	as.Equal(2, def.RetryCount)
}
