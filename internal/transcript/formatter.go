// Package transcript renders interaction sequences as human-readable
// text: console output, and the conversation tail handed to the criteria
// judge.
package transcript

import (
	"fmt"
	"strings"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// Formatter formats interactions for display
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatInteraction renders one turn as a labeled block
func (f *Formatter) FormatInteraction(it *taskmodel.Interaction) string {
	label := f.label(it.Kind)

	switch it.Kind {
	case taskmodel.InteractionToolGroup:
		return fmt.Sprintf("[%s] %d tools: %s", label, len(it.Tools), it.Content)
	default:
		content := strings.TrimSpace(it.Content)
		if it.Usage != nil && it.Usage.OutputTokens > 0 {
			return fmt.Sprintf("[%s] %s (tokens: %d)", label, content, it.Usage.OutputTokens)
		}
		return fmt.Sprintf("[%s] %s", label, content)
	}
}

// FormatTail renders the last n interactions as one block, oldest first,
// separated by blank lines. It is the transcript excerpt supplied to the
// completion judge.
func (f *Formatter) FormatTail(interactions []*taskmodel.Interaction, n int) string {
	if n > 0 && len(interactions) > n {
		interactions = interactions[len(interactions)-n:]
	}
	parts := make([]string, 0, len(interactions))
	for _, it := range interactions {
		if strings.TrimSpace(it.Content) == "" && it.Kind != taskmodel.InteractionToolGroup {
			continue
		}
		parts = append(parts, f.FormatInteraction(it))
	}
	return strings.Join(parts, "\n\n")
}

func (f *Formatter) label(kind taskmodel.InteractionKind) string {
	switch kind {
	case taskmodel.InteractionUserRequest:
		return "user"
	case taskmodel.InteractionAssistantResponse:
		return "assistant"
	case taskmodel.InteractionSimulatedHuman:
		return "auto-reply"
	case taskmodel.InteractionToolResult:
		return "tool-result"
	case taskmodel.InteractionToolGroup:
		return "tools"
	case taskmodel.InteractionSystemMessage:
		return "system"
	default:
		return strings.ToLower(string(kind))
	}
}
