// Package criteria extracts success criteria from task descriptions and
// judges completion, via one-shot meta-invocations of the same assistant
// the tasks run on. Every call uses a fresh session; a user task's session
// is never resumed here.
package criteria

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
)

// completionConfidence is the minimum judge confidence that counts as done
const completionConfidence = 0.7

// Extraction is the outcome of analyzing a task description
type Extraction struct {
	Criteria string // one-sentence success condition, empty when unclear
	Warning  string // populated instead of Criteria when no measurable condition exists
}

// Verdict is the outcome of a completion check
type Verdict struct {
	IsComplete bool    `json:"is_complete"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Met reports whether the verdict counts as completion: only the
// is_complete ∧ confidence ≥ 0.7 combination does
func (v Verdict) Met() bool {
	return v.IsComplete && v.Confidence >= completionConfidence
}

// Sender dispatches one assistant turn (implemented by assistant.Client).
// The analyzer always sends with an empty session id: meta-invocations
// never resume a user task's session.
type Sender interface {
	Send(ctx context.Context, req assistant.SendRequest) (*assistant.SendResult, error)
}

// Analyzer runs the two meta-operations
type Analyzer struct {
	client Sender
	logger *slog.Logger
}

// New creates an analyzer on top of the streaming client
func New(client Sender, logger *slog.Logger) *Analyzer {
	return &Analyzer{client: client, logger: logger}
}

const extractPrompt = `Analyze the following task description and extract the ending criteria - what would indicate this task is complete and successful.

Task Description:
%s

Please provide:
1. A clear, specific description of what indicates task completion (one sentence)
2. Whether the ending criteria is clear and measurable (yes/no)

Respond in JSON format:
{
    "criteria": "description of success criteria",
    "is_clear": true/false,
    "reasoning": "brief explanation"
}`

// Extract asks the assistant to restate the success condition of a task.
// When no measurable condition exists, the returned Extraction carries a
// warning instead of a criterion.
func (a *Analyzer) Extract(ctx context.Context, description string) (Extraction, error) {
	result, err := a.client.Send(ctx, assistant.SendRequest{
		Prompt: fmt.Sprintf(extractPrompt, description),
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("criteria extraction failed: %w", err)
	}

	var parsed struct {
		Criteria string `json:"criteria"`
		IsClear  bool   `json:"is_clear"`
	}
	raw := extractJSON(result.FullText)
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil {
		a.logger.Warn("criteria extraction returned no parseable verdict")
		return Extraction{Warning: "could not determine success criteria from the task description"}, nil
	}

	criteria := strings.TrimSpace(parsed.Criteria)
	if !parsed.IsClear || criteria == "" {
		return Extraction{Warning: "no clear, measurable success criteria in the task description"}, nil
	}
	return Extraction{Criteria: criteria}, nil
}

const judgePrompt = `Based on the conversation history, determine if the following task has met its ending criteria.

Ending Criteria (Success Condition):
%s

Recent Conversation:
%s

Latest Response from the assistant:
%s

Has the task met its ending criteria? Respond in JSON format:
{
    "is_complete": true/false,
    "reasoning": "brief explanation of why the criteria is/isn't met",
    "confidence": 0.0-1.0
}

Be strict - only mark as complete if the ending criteria is clearly and fully met.`

// Judge checks the transcript tail against the criteria. Anything short of
// a confident completion comes back as not-yet.
func (a *Analyzer) Judge(ctx context.Context, criteria, transcriptTail, latestAssistantText string) (Verdict, error) {
	result, err := a.client.Send(ctx, assistant.SendRequest{
		Prompt: fmt.Sprintf(judgePrompt, criteria, transcriptTail, latestAssistantText),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("completion judgment failed: %w", err)
	}

	var verdict Verdict
	raw := extractJSON(result.FullText)
	if raw == "" || json.Unmarshal([]byte(raw), &verdict) != nil {
		a.logger.Warn("completion judgment returned no parseable verdict")
		return Verdict{Reasoning: "could not parse completion check"}, nil
	}
	return verdict, nil
}

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	rawJSON    = regexp.MustCompile(`(?s)\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// extractJSON pulls a JSON object out of assistant prose, preferring a
// fenced code block over a bare brace match
func extractJSON(text string) string {
	if match := fencedJSON.FindStringSubmatch(text); match != nil {
		return match[1]
	}
	if match := rawJSON.FindString(text); match != "" {
		return match
	}
	return ""
}
