package assistant

import (
	"strings"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// Mapper folds the ordered event stream into conversation turns, grouping
// each contiguous tool_use/tool_result run inside an assistant turn into a
// single TOOL_GROUP. The grouping is a pure function of event order; Flush
// must be called at end of turn to emit a trailing run.
type Mapper struct {
	taskID  string
	emit    func(*taskmodel.Interaction)
	pending []taskmodel.ToolCall
}

// NewMapper creates a mapper that calls emit for every completed
// interaction, in stream order
func NewMapper(taskID string, emit func(*taskmodel.Interaction)) *Mapper {
	return &Mapper{taskID: taskID, emit: emit}
}

// HandleEvent consumes one stream record
func (m *Mapper) HandleEvent(e *Event) {
	switch e.Type {
	case EventTypeSystem:
		// init carries only the session id; nothing to persist

	case EventTypeAssistant:
		text := e.TextContent()
		if text == "" {
			return
		}
		m.flushPending()
		interaction := &taskmodel.Interaction{
			TaskID:  m.taskID,
			Kind:    taskmodel.InteractionAssistantResponse,
			Content: text,
		}
		if e.Usage != nil {
			interaction.Usage = &taskmodel.Usage{
				InputTokens:         e.Usage.InputTokens,
				OutputTokens:        e.Usage.OutputTokens,
				CacheCreationTokens: e.Usage.CacheCreationTokens,
				CacheReadTokens:     e.Usage.CacheReadTokens,
			}
		}
		m.emit(interaction)

	case EventTypeUser:
		// tool-result echo; already covered by tool_result records

	case EventTypeToolUse:
		m.pending = append(m.pending, taskmodel.ToolCall{
			Name:  e.ToolName,
			Input: string(e.ToolInput),
		})

	case EventTypeToolResult:
		if len(m.pending) > 0 {
			// attach to the oldest call still waiting for its result
			for i := range m.pending {
				if m.pending[i].Result == "" {
					m.pending[i].Result = e.ToolResult
					return
				}
			}
			m.pending[len(m.pending)-1].Result = e.ToolResult
			return
		}
		m.emit(&taskmodel.Interaction{
			TaskID:  m.taskID,
			Kind:    taskmodel.InteractionToolResult,
			Content: e.ToolResult,
		})

	case EventTypeResult:
		// final tally; folded into the Send return value, not persisted

	default:
		// unknown record types are ignored for forward compatibility
	}
}

// Flush emits any trailing tool run. Call once after the stream ends.
func (m *Mapper) Flush() {
	m.flushPending()
}

func (m *Mapper) flushPending() {
	if len(m.pending) == 0 {
		return
	}
	tools := m.pending
	m.pending = nil

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	m.emit(&taskmodel.Interaction{
		TaskID:  m.taskID,
		Kind:    taskmodel.InteractionToolGroup,
		Content: strings.Join(names, ", "),
		Tools:   tools,
	})
}
