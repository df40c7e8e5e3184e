// Package inputqueue is the per-task FIFO of pending user messages. Every
// operation goes through the store's Mutate so the queue and its
// user_input_pending summary flag always move together.
package inputqueue

import (
	"context"
	"log/slog"

	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/store"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// Queue manages the user-input queues of all tasks through the store
type Queue struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a queue manager
func New(s store.Store, clk clock.Clock, logger *slog.Logger) *Queue {
	return &Queue{store: s, clock: clk, logger: logger}
}

// Push appends a new unprocessed entry and raises user_input_pending.
// Repeated identical messages are deliberately NOT deduplicated: two
// pushes of the same text yield two entries, each consumed exactly once.
func (q *Queue) Push(ctx context.Context, taskID, text string, images []taskmodel.ImageAttachment) (taskmodel.QueueEntry, error) {
	entry := taskmodel.QueueEntry{
		ID:        q.clock.NewID(),
		Text:      text,
		Images:    images,
		Timestamp: q.clock.Now(),
	}

	_, err := store.MutateRetry(ctx, q.store, taskID, func(task *taskmodel.Task) error {
		task.UserInputQueue = append(task.UserInputQueue, entry)
		task.UserInputPending = true
		return nil
	})
	if err != nil {
		return taskmodel.QueueEntry{}, err
	}

	q.logger.Info("queued user input", "task_id", taskID, "entry_id", entry.ID)
	return entry, nil
}

// PopUnprocessed returns the oldest unprocessed entry, atomically marking
// it processed and refreshing the summary flag. It returns nil when the
// queue holds no unprocessed entries.
func (q *Queue) PopUnprocessed(ctx context.Context, taskID string) (*taskmodel.QueueEntry, error) {
	var popped *taskmodel.QueueEntry

	_, err := store.MutateRetry(ctx, q.store, taskID, func(task *taskmodel.Task) error {
		popped = nil
		for i := range task.UserInputQueue {
			if !task.UserInputQueue[i].Processed {
				task.UserInputQueue[i].Processed = true
				entry := task.UserInputQueue[i]
				popped = &entry
				break
			}
		}
		task.UserInputPending = task.HasUnprocessedInput()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// HasUnprocessed is the fast path: it reads the summary flag without
// loading the queue contents
func (q *Queue) HasUnprocessed(ctx context.Context, taskID string) (bool, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.UserInputPending, nil
}

// ClearProcessed drops processed entries, returning how many were removed.
// Called when a task reaches a terminal state to keep the row bounded.
func (q *Queue) ClearProcessed(ctx context.Context, taskID string) (int, error) {
	cleared := 0
	_, err := store.MutateRetry(ctx, q.store, taskID, func(task *taskmodel.Task) error {
		kept := task.UserInputQueue[:0:0]
		for _, entry := range task.UserInputQueue {
			if entry.Processed {
				continue
			}
			kept = append(kept, entry)
		}
		cleared = len(task.UserInputQueue) - len(kept)
		task.UserInputQueue = kept
		task.UserInputPending = len(kept) > 0
		return nil
	})
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		q.logger.Info("cleared processed inputs", "task_id", taskID, "count", cleared)
	}
	return cleared, nil
}
