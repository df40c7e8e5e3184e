package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

const (
	tasksTable        = "tasks"
	interactionsTable = "interactions"
)

// Postgres is a pgx-backed Store. Concurrency control is optimistic: every
// task row carries a version column and Mutate writes back with
// WHERE version = <read version>.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewPostgres constructs a Postgres-backed store from a connection string
// (typically DATABASE_URL passed through untouched).
func NewPostgres(ctx context.Context, connString string, clk clock.Clock) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Postgres{pool: pool, clock: clk}, nil
}

// NewPostgresFromPool wraps an existing pool (used by tests and callers
// that manage pool lifecycle themselves)
func NewPostgresFromPool(pool *pgxpool.Pool, clk clock.Clock) *Postgres {
	return &Postgres{pool: pool, clock: clk}
}

// Close releases the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureSchema creates the tables if they do not exist
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    owner TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    project_context TEXT NOT NULL DEFAULT '',
    projects JSONB NOT NULL DEFAULT '[]'::jsonb,
    root_path TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    base_branch TEXT NOT NULL DEFAULT '',
    worktree_path TEXT NOT NULL DEFAULT '',
    assistant_session_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    subprocess_id BIGINT NOT NULL DEFAULT 0,
    immediate_processing_active BOOLEAN NOT NULL DEFAULT FALSE,
    criteria_config JSONB NOT NULL DEFAULT '{}'::jsonb,
    total_tokens_used BIGINT NOT NULL DEFAULT 0,
    interaction_count BIGINT NOT NULL DEFAULT 0,
    user_input_queue JSONB NOT NULL DEFAULT '[]'::jsonb,
    user_input_pending BOOLEAN NOT NULL DEFAULT FALSE,
    chat_mode BOOLEAN NOT NULL DEFAULT FALSE,
    summary TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    version BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    ts TIMESTAMPTZ NOT NULL,
    usage JSONB,
    tools JSONB,
    images JSONB
);
CREATE INDEX IF NOT EXISTS idx_interactions_task_ts ON %s (task_id, ts);
`, tasksTable, interactionsTable, tasksTable, interactionsTable)

	if _, err := p.pool.Exec(ctx, query); err != nil {
		return storageErr("failed to ensure schema", err)
	}
	return nil
}

const taskColumns = `id, name, owner, description, project_context, projects,
root_path, branch, base_branch, worktree_path, assistant_session_id,
status, subprocess_id, immediate_processing_active, criteria_config,
total_tokens_used, interaction_count, user_input_queue, user_input_pending,
chat_mode, summary, error_message, created_at, updated_at, completed_at`

// CreateTask persists a new task, rejecting duplicate names
func (p *Postgres) CreateTask(ctx context.Context, task *taskmodel.Task) error {
	task.CreatedAt = p.clock.Now()
	task.UpdatedAt = task.CreatedAt

	projects, queue, criteria, err := marshalTaskJSON(task)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s, version) VALUES
($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,1)`,
		tasksTable, taskColumns)

	_, err = p.pool.Exec(ctx, query,
		task.ID, task.Name, task.Owner, task.Description, task.ProjectContext, projects,
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive, criteria,
		task.TotalTokensUsed, task.InteractionCount, queue, task.UserInputPending,
		task.ChatMode, task.Summary, task.ErrorMessage, task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("task name %q already exists: %w", task.Name, taskerr.ErrValidation)
		}
		return storageErr("failed to insert task", err)
	}
	return nil
}

// GetTask returns a snapshot of the task by id
func (p *Postgres) GetTask(ctx context.Context, id string) (*taskmodel.Task, error) {
	task, _, err := p.fetch(ctx, "id", id)
	return task, err
}

// GetTaskByName returns a snapshot of the task by name
func (p *Postgres) GetTaskByName(ctx context.Context, name string) (*taskmodel.Task, error) {
	task, _, err := p.fetch(ctx, "name", name)
	return task, err
}

// ListTasks returns snapshots of all tasks ordered by creation time
func (p *Postgres) ListTasks(ctx context.Context) ([]*taskmodel.Task, error) {
	query := fmt.Sprintf(`SELECT %s, version FROM %s ORDER BY created_at`, taskColumns, tasksTable)
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, storageErr("failed to list tasks", err)
	}
	defer rows.Close()

	var out []*taskmodel.Task
	for rows.Next() {
		task, _, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate tasks", err)
	}
	return out, nil
}

// DeleteTask removes the task row; interactions cascade
func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, tasksTable), id)
	if err != nil {
		return storageErr("failed to delete task", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %q not found: %w", id, taskerr.ErrValidation)
	}
	return nil
}

// Mutate applies fn to a fresh read of the row and writes back guarded by
// the version column
func (p *Postgres) Mutate(ctx context.Context, id string, fn func(*taskmodel.Task) error) (*taskmodel.Task, error) {
	task, version, err := p.fetch(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	baseTokens := task.TotalTokensUsed

	if err := fn(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = p.clock.Now()

	projects, queue, criteria, err := marshalTaskJSON(task)
	if err != nil {
		return nil, err
	}

	// total_tokens_used is written as a delta on top of the stored value so
	// concurrent IncrementTokens bumps are never lost
	query := fmt.Sprintf(`UPDATE %s SET
name=$2, owner=$3, description=$4, project_context=$5, projects=$6,
root_path=$7, branch=$8, base_branch=$9, worktree_path=$10, assistant_session_id=$11,
status=$12, subprocess_id=$13, immediate_processing_active=$14, criteria_config=$15,
total_tokens_used = total_tokens_used + $16, interaction_count=$17,
user_input_queue=$18, user_input_pending=$19, chat_mode=$20, summary=$21,
error_message=$22, updated_at=$23, completed_at=$24, version = version + 1
WHERE id = $1 AND version = $25`, tasksTable)

	tag, err := p.pool.Exec(ctx, query,
		task.ID, task.Name, task.Owner, task.Description, task.ProjectContext, projects,
		task.RootPath, task.Branch, task.BaseBranch, task.WorktreePath, task.AssistantSessionID,
		string(task.Status), task.SubprocessID, task.ImmediateProcessingActive, criteria,
		task.TotalTokensUsed-baseTokens, task.InteractionCount,
		queue, task.UserInputPending, task.ChatMode, task.Summary,
		task.ErrorMessage, task.UpdatedAt, task.CompletedAt, version)
	if err != nil {
		return nil, storageErr("failed to update task", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("task %q changed concurrently: %w", id, taskerr.ErrConflict)
	}
	return task, nil
}

// AppendInteraction persists one turn and returns its id
func (p *Postgres) AppendInteraction(ctx context.Context, interaction *taskmodel.Interaction) (string, error) {
	if interaction.ID == "" {
		interaction.ID = p.clock.NewID()
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = p.clock.Now()
	}

	usage, err := marshalNullable(interaction.Usage)
	if err != nil {
		return "", err
	}
	tools, err := marshalNullable(interaction.Tools)
	if err != nil {
		return "", err
	}
	images, err := marshalNullable(interaction.Images)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, task_id, kind, content, ts, usage, tools, images)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, interactionsTable)
	_, err = p.pool.Exec(ctx, query,
		interaction.ID, interaction.TaskID, string(interaction.Kind), interaction.Content,
		interaction.Timestamp, usage, tools, images)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return "", fmt.Errorf("task %q not found: %w", interaction.TaskID, taskerr.ErrValidation)
		}
		return "", storageErr("failed to insert interaction", err)
	}
	return interaction.ID, nil
}

// IncrementTokens bumps the counter without touching the row version
func (p *Postgres) IncrementTokens(ctx context.Context, id string, delta int) error {
	query := fmt.Sprintf(`UPDATE %s SET total_tokens_used = total_tokens_used + $2 WHERE id = $1`, tasksTable)
	tag, err := p.pool.Exec(ctx, query, id, delta)
	if err != nil {
		return storageErr("failed to increment tokens", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %q not found: %w", id, taskerr.ErrValidation)
	}
	return nil
}

// ListInteractions returns the task's interactions in append order
func (p *Postgres) ListInteractions(ctx context.Context, taskID string) ([]*taskmodel.Interaction, error) {
	query := fmt.Sprintf(`SELECT id, task_id, kind, content, ts, usage, tools, images
FROM %s WHERE task_id = $1 ORDER BY ts, id`, interactionsTable)
	rows, err := p.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, storageErr("failed to list interactions", err)
	}
	defer rows.Close()

	var out []*taskmodel.Interaction
	for rows.Next() {
		var it taskmodel.Interaction
		var kind string
		var usage, tools, images []byte
		if err := rows.Scan(&it.ID, &it.TaskID, &kind, &it.Content, &it.Timestamp, &usage, &tools, &images); err != nil {
			return nil, storageErr("failed to scan interaction", err)
		}
		it.Kind = taskmodel.InteractionKind(kind)
		if err := unmarshalNullable(usage, &it.Usage); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(tools, &it.Tools); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(images, &it.Images); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate interactions", err)
	}
	return out, nil
}

func (p *Postgres) fetch(ctx context.Context, column, value string) (*taskmodel.Task, int64, error) {
	query := fmt.Sprintf(`SELECT %s, version FROM %s WHERE %s = $1`, taskColumns, tasksTable, column)
	row := p.pool.QueryRow(ctx, query, value)
	task, version, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, fmt.Errorf("task %q not found: %w", value, taskerr.ErrValidation)
		}
		return nil, 0, err
	}
	return task, version, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*taskmodel.Task, int64, error) {
	var t taskmodel.Task
	var status string
	var projects, criteria, queue []byte
	var version int64

	err := row.Scan(
		&t.ID, &t.Name, &t.Owner, &t.Description, &t.ProjectContext, &projects,
		&t.RootPath, &t.Branch, &t.BaseBranch, &t.WorktreePath, &t.AssistantSessionID,
		&status, &t.SubprocessID, &t.ImmediateProcessingActive, &criteria,
		&t.TotalTokensUsed, &t.InteractionCount, &queue, &t.UserInputPending,
		&t.ChatMode, &t.Summary, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
		&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, storageErr("failed to scan task", err)
	}
	t.Status = taskmodel.Status(status)
	if err := json.Unmarshal(projects, &t.Projects); err != nil {
		return nil, 0, fmt.Errorf("failed to decode projects: %w", err)
	}
	if err := json.Unmarshal(criteria, &t.CriteriaConfig); err != nil {
		return nil, 0, fmt.Errorf("failed to decode criteria_config: %w", err)
	}
	if err := json.Unmarshal(queue, &t.UserInputQueue); err != nil {
		return nil, 0, fmt.Errorf("failed to decode user_input_queue: %w", err)
	}
	return &t, version, nil
}

func marshalTaskJSON(task *taskmodel.Task) (projects, queue, criteria []byte, err error) {
	projects, err = json.Marshal(orEmptySlice(task.Projects))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode projects: %w", err)
	}
	queue, err = json.Marshal(orEmptySlice(task.UserInputQueue))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode user_input_queue: %w", err)
	}
	criteria, err = json.Marshal(task.CriteriaConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode criteria_config: %w", err)
	}
	return projects, queue, criteria, nil
}

func marshalNullable(v any) ([]byte, error) {
	if isNilish(v) {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode field: %w", err)
	}
	return data, nil
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode field: %w", err)
	}
	return nil
}

func isNilish(v any) bool {
	switch x := v.(type) {
	case *taskmodel.Usage:
		return x == nil
	case []taskmodel.ToolCall:
		return len(x) == 0
	case []taskmodel.ImageAttachment:
		return len(x) == 0
	default:
		return v == nil
	}
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func storageErr(msg string, err error) error {
	return fmt.Errorf("%s: %v: %w", msg, err, taskerr.ErrStorageUnavailable)
}
