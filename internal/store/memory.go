package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// Memory is an in-memory Store with optimistic per-row versioning. It
// backs tests and single-process deployments without a database.
type Memory struct {
	clock clock.Clock

	mu           sync.Mutex
	tasks        map[string]*taskmodel.Task
	versions     map[string]int64
	byName       map[string]string
	interactions map[string][]*taskmodel.Interaction
}

// NewMemory creates an empty in-memory store
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:        clk,
		tasks:        make(map[string]*taskmodel.Task),
		versions:     make(map[string]int64),
		byName:       make(map[string]string),
		interactions: make(map[string][]*taskmodel.Interaction),
	}
}

// CreateTask persists a new task, rejecting duplicate names
func (m *Memory) CreateTask(ctx context.Context, task *taskmodel.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[task.Name]; exists {
		return fmt.Errorf("task name %q already exists: %w", task.Name, taskerr.ErrValidation)
	}
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task id %q already exists: %w", task.ID, taskerr.ErrValidation)
	}

	stored := task.Clone()
	stored.CreatedAt = m.clock.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.tasks[task.ID] = stored
	m.versions[task.ID] = 1
	m.byName[task.Name] = task.ID
	*task = *stored.Clone()
	return nil
}

// GetTask returns a snapshot of the task by id
func (m *Memory) GetTask(ctx context.Context, id string) (*taskmodel.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

// GetTaskByName returns a snapshot of the task by name
func (m *Memory) GetTaskByName(ctx context.Context, name string) (*taskmodel.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("task %q not found: %w", name, taskerr.ErrValidation)
	}
	return m.getLocked(id)
}

// ListTasks returns snapshots of all tasks ordered by creation time
func (m *Memory) ListTasks(ctx context.Context) ([]*taskmodel.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*taskmodel.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteTask removes the task and all its interactions
func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found: %w", id, taskerr.ErrValidation)
	}
	delete(m.byName, task.Name)
	delete(m.tasks, id)
	delete(m.versions, id)
	delete(m.interactions, id)
	return nil
}

// Mutate applies fn to a private copy and writes it back if no concurrent
// write landed in between. fn runs outside the store lock so slow callers
// never serialize unrelated tasks.
func (m *Memory) Mutate(ctx context.Context, id string, fn func(*taskmodel.Task) error) (*taskmodel.Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %q not found: %w", id, taskerr.ErrValidation)
	}
	working := task.Clone()
	version := m.versions[id]
	baseTokens := task.TotalTokensUsed
	m.mu.Unlock()

	if err := fn(working); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q deleted during mutate: %w", id, taskerr.ErrValidation)
	}
	if m.versions[id] != version {
		return nil, fmt.Errorf("task %q changed concurrently: %w", id, taskerr.ErrConflict)
	}

	// Additive counters bypass Mutate; fold in any increments that landed
	// while fn ran so they are not lost on write-back.
	working.TotalTokensUsed += current.TotalTokensUsed - baseTokens
	working.UpdatedAt = m.clock.Now()
	if working.Name != current.Name {
		delete(m.byName, current.Name)
		m.byName[working.Name] = id
	}
	m.tasks[id] = working.Clone()
	m.versions[id] = version + 1
	return working.Clone(), nil
}

// AppendInteraction persists one turn; it never conflicts with Mutate
func (m *Memory) AppendInteraction(ctx context.Context, interaction *taskmodel.Interaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[interaction.TaskID]; !ok {
		return "", fmt.Errorf("task %q not found: %w", interaction.TaskID, taskerr.ErrValidation)
	}
	stored := *interaction
	if stored.ID == "" {
		stored.ID = m.clock.NewID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.clock.Now()
	}
	m.interactions[interaction.TaskID] = append(m.interactions[interaction.TaskID], &stored)
	return stored.ID, nil
}

// IncrementTokens bumps the cumulative counter without touching the row
// version, so it never conflicts with an in-flight Mutate
func (m *Memory) IncrementTokens(ctx context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found: %w", id, taskerr.ErrValidation)
	}
	task.TotalTokensUsed += delta
	return nil
}

// ListInteractions returns the task's interactions in append order
func (m *Memory) ListInteractions(ctx context.Context, taskID string) ([]*taskmodel.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.interactions[taskID]
	out := make([]*taskmodel.Interaction, len(list))
	for i, it := range list {
		cp := *it
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) getLocked(id string) (*taskmodel.Task, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q not found: %w", id, taskerr.ErrValidation)
	}
	return task.Clone(), nil
}
