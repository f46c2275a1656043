package api_test

import (
	"testing"
	"time"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/pkg/api"
)

func validTask() *api.Task {
	return &api.Task{
		ID:          "t-1",
		WorkflowID:  "wf-1",
		Kind:        api.TaskActivity,
		Target:      "a-1",
		RunAt:       time.Now(),
		Status:      api.TaskPending,
		MaxAttempts: 3,
	}
}

func TestTaskValidate(t *testing.T) {
	as := assert.New(t)
	as.NoError(validTask().Validate())

	task := validTask()
	task.ID = ""
	as.ErrorIs(task.Validate(), api.ErrTaskIDEmpty)

	task = validTask()
	task.WorkflowID = ""
	as.ErrorIs(task.Validate(), api.ErrTaskWorkflowEmpty)

	task = validTask()
	task.Kind = "CRON"
	as.ErrorIs(task.Validate(), api.ErrInvalidTaskKind)

	task = validTask()
	task.Status = "PARKED"
	as.ErrorIs(task.Validate(), api.ErrInvalidTaskStatus)

	task = validTask()
	task.MaxAttempts = 0
	as.ErrorIs(task.Validate(), api.ErrInvalidMaxAttempts)
}

func TestTaskKindValidate(t *testing.T) {
	as := assert.New(t)
	as.NoError(api.TaskStep.Validate())
	as.NoError(api.TaskActivity.Validate())
	as.NoError(api.TaskTimer.Validate())
	as.Error(api.TaskKind("CRON").Validate())
}
