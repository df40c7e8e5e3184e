package taskmodel

import (
	"time"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusStopped   Status = "STOPPED"
	StatusTesting   Status = "TESTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusFinished  Status = "FINISHED"
	StatusExhausted Status = "EXHAUSTED"
)

// IsActive reports whether a task in this status holds execution resources
// (workspace, input queue, possibly a live subprocess)
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusTesting:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final. Terminal tasks reject
// start/resume/send_input; only recover or delete is accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFinished, StatusExhausted:
		return true
	default:
		return false
	}
}

// InteractionKind classifies one turn in the conversation log
type InteractionKind string

const (
	InteractionUserRequest       InteractionKind = "USER_REQUEST"
	InteractionAssistantResponse InteractionKind = "ASSISTANT_RESPONSE"
	InteractionSimulatedHuman    InteractionKind = "SIMULATED_HUMAN"
	InteractionToolResult        InteractionKind = "TOOL_RESULT"
	InteractionToolGroup         InteractionKind = "TOOL_GROUP"
	InteractionSystemMessage     InteractionKind = "SYSTEM_MESSAGE"
)

// ProjectAccess is the access level a task holds on an attached project
type ProjectAccess string

const (
	AccessRead  ProjectAccess = "read"
	AccessWrite ProjectAccess = "write"
)

// ProjectType categorizes a reusable workspace descriptor
type ProjectType string

const (
	ProjectTypeRPC   ProjectType = "rpc"
	ProjectTypeWeb   ProjectType = "web"
	ProjectTypeIDL   ProjectType = "idl"
	ProjectTypeSDK   ProjectType = "sdk"
	ProjectTypeOther ProjectType = "other"
)

// ProjectRef is one project attachment on a task. Read-only projects are
// referenced in place; write projects get an isolated worktree.
type ProjectRef struct {
	Name    string         `json:"name,omitempty"`
	Path    string         `json:"path"`
	Access  ProjectAccess  `json:"access"`
	Context string         `json:"context,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// Project is a reusable workspace descriptor referenced at task creation.
// The core only reads it; ownership lives with the collaborator layer.
type Project struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Paths         []string       `json:"paths"`
	DefaultBranch string         `json:"default_branch,omitempty"`
	Type          ProjectType    `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
}

// CriteriaConfig is the resource envelope and completion contract of a task
type CriteriaConfig struct {
	Criteria      string         `json:"criteria,omitempty"`
	MaxIterations int            `json:"max_iterations"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Warning       string         `json:"warning,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ImageAttachment is a base64-encoded image attached to a user turn
type ImageAttachment struct {
	Base64    string `json:"base64"`
	MediaType string `json:"media_type"`
}

// QueueEntry is one pending or consumed user message in the input queue
type QueueEntry struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Images    []ImageAttachment `json:"images,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Processed bool              `json:"processed"`
}

// Usage is the cumulative token and cost tally of one assistant turn
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int     `json:"cache_read_tokens,omitempty"`
	Cost                float64 `json:"cost,omitempty"`
	DurationMs          int64   `json:"duration_ms,omitempty"`
}

// Add accumulates another turn's usage into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.Cost += other.Cost
	u.DurationMs += other.DurationMs
}

// ToolCall is one tool invocation inside a TOOL_GROUP interaction
type ToolCall struct {
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Result string `json:"result,omitempty"`
}

// Interaction is one persisted turn in the conversation log. Interactions
// are immutable once written and are deleted only with their task.
type Interaction struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Kind      InteractionKind   `json:"kind"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Usage     *Usage            `json:"usage,omitempty"`
	Tools     []ToolCall        `json:"tools,omitempty"`
	Images    []ImageAttachment `json:"images,omitempty"`
}

// Task is a single automation unit
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`

	Description    string       `json:"description"`
	ProjectContext string       `json:"project_context,omitempty"`
	Projects       []ProjectRef `json:"projects,omitempty"`

	RootPath           string `json:"root_path,omitempty"`
	Branch             string `json:"branch,omitempty"`
	BaseBranch         string `json:"base_branch,omitempty"`
	WorktreePath       string `json:"worktree_path,omitempty"`
	AssistantSessionID string `json:"assistant_session_id,omitempty"`

	Status                    Status `json:"status"`
	SubprocessID              int    `json:"subprocess_id,omitempty"`
	ImmediateProcessingActive bool   `json:"immediate_processing_active,omitempty"`

	CriteriaConfig   CriteriaConfig `json:"criteria_config"`
	TotalTokensUsed  int            `json:"total_tokens_used"`
	InteractionCount int            `json:"interaction_count"`

	UserInputQueue   []QueueEntry `json:"user_input_queue,omitempty"`
	UserInputPending bool         `json:"user_input_pending"`

	ChatMode bool `json:"chat_mode,omitempty"`

	Summary      string     `json:"summary,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task so store callers can hand out
// snapshots without aliasing the JSON-valued fields
func (t *Task) Clone() *Task {
	out := *t
	if t.Projects != nil {
		out.Projects = make([]ProjectRef, len(t.Projects))
		copy(out.Projects, t.Projects)
	}
	if t.UserInputQueue != nil {
		out.UserInputQueue = make([]QueueEntry, len(t.UserInputQueue))
		copy(out.UserInputQueue, t.UserInputQueue)
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return &out
}

// HasUnprocessedInput recomputes the queue summary from the queue itself.
// The persisted UserInputPending flag must always equal this.
func (t *Task) HasUnprocessedInput() bool {
	for _, e := range t.UserInputQueue {
		if !e.Processed {
			return true
		}
	}
	return false
}
