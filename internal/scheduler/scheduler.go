// Package scheduler defines the task queue contract.
//
// Ordering, retries and matching tasks to free workers are not decided yet,
// so the only implementation rejects every call.
package scheduler

import (
	"context"

	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Scheduler queues tasks until a worker can take them.
type Scheduler interface {
	// Push enqueues the task and returns its guid.
	Push(ctx context.Context, task *models.Task) (string, error)
	// Pop removes the next task to run.
	Pop(ctx context.Context) (*models.Task, error)
	Cancel(ctx context.Context, task *models.Task) error
	GetAll(ctx context.Context) ([]*models.Task, error)
}

// Unimplemented fails every operation with a NotImplemented error.
type Unimplemented struct{}

var _ Scheduler = Unimplemented{}

func (Unimplemented) Push(context.Context, *models.Task) (string, error) {
	return "", derror.NotImplemented("task push is not implemented")
}

func (Unimplemented) Pop(context.Context) (*models.Task, error) {
	return nil, derror.NotImplemented("task pop is not implemented")
}

func (Unimplemented) Cancel(context.Context, *models.Task) error {
	return derror.NotImplemented("task cancel is not implemented")
}

func (Unimplemented) GetAll(context.Context) ([]*models.Task, error) {
	return nil, derror.NotImplemented("task listing is not implemented")
}
