// Package store is the persistence gateway for tasks and interactions.
// All JSON-valued task columns are read-modify-written through Mutate so
// the queue and its summary flag can never diverge; interactions are
// append-only and never conflict with task mutations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// mutateAttempts is how many times a conflicted Mutate is retried before
// the conflict surfaces to the caller
const mutateAttempts = 3

// Store is the persistence gateway consumed by the engine
type Store interface {
	// CreateTask persists a new task. A name collision fails with
	// taskerr.ErrValidation.
	CreateTask(ctx context.Context, task *taskmodel.Task) error

	// GetTask returns a snapshot of the task by id
	GetTask(ctx context.Context, id string) (*taskmodel.Task, error)

	// GetTaskByName returns a snapshot of the task by its unique name
	GetTaskByName(ctx context.Context, name string) (*taskmodel.Task, error)

	// ListTasks returns snapshots of all tasks
	ListTasks(ctx context.Context) ([]*taskmodel.Task, error)

	// DeleteTask removes the task row and all its interactions
	DeleteTask(ctx context.Context, id string) error

	// Mutate reads the task, applies fn, and writes the result back,
	// failing with taskerr.ErrConflict on a concurrent write. fn runs on a
	// private copy; returning an error aborts without persisting.
	Mutate(ctx context.Context, id string, fn func(*taskmodel.Task) error) (*taskmodel.Task, error)

	// AppendInteraction persists one conversation turn and returns its id.
	// It never conflicts with task mutations.
	AppendInteraction(ctx context.Context, interaction *taskmodel.Interaction) (string, error)

	// IncrementTokens bumps the task's cumulative output-token counter.
	// The operation is additive and never conflicts.
	IncrementTokens(ctx context.Context, id string, delta int) error

	// ListInteractions returns the task's interactions in append order
	ListInteractions(ctx context.Context, taskID string) ([]*taskmodel.Interaction, error)
}

// MutateRetry wraps Store.Mutate with the gateway's conflict policy:
// up to three attempts with a short exponential backoff between them.
func MutateRetry(ctx context.Context, s Store, id string, fn func(*taskmodel.Task) error) (*taskmodel.Task, error) {
	var task *taskmodel.Task

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond

	op := func() error {
		var err error
		task, err = s.Mutate(ctx, id, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, taskerr.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, mutateAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return task, nil
}
