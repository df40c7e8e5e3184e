// Package responder generates the next user turn when no human input is
// waiting. It is a pure decision table over the latest assistant text:
// cheap, synchronous, and deterministic for a given iteration index.
package responder

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	numberedChoice = regexp.MustCompile(`(?m)^\s*([0-9]+)[.)]`)
	letteredChoice = regexp.MustCompile(`(?m)^\s*\[?([a-e])\]?[.)]`)

	questionCues = []*regexp.Regexp{
		regexp.MustCompile(`\?`),
		regexp.MustCompile(`(?i)should i`),
		regexp.MustCompile(`(?i)would you like`),
		regexp.MustCompile(`(?i)do you want`),
		regexp.MustCompile(`(?i)which (?:one|approach|option|method)`),
		regexp.MustCompile(`(?i)let me know`),
		regexp.MustCompile(`(?i)what (?:should|would)`),
	}

	yesNoCue  = regexp.MustCompile(`(?i)should i|would you like|do you want`)
	yesNoTail = regexp.MustCompile(`(?i)\b(should|would|could|can|do|does|shall|is|are)\b[^?]*\?\s*$`)

	openQuestionCue = regexp.MustCompile(`(?i)how should|what should|which approach`)

	errorCue      = regexp.MustCompile(`(?i)\b(error|failed|cannot|unable|exception)\b`)
	completionCue = regexp.MustCompile(`(?i)\b(completed|finished|done|implemented|all tests pass|ready)\b`)
)

// Analysis is the classification of one assistant turn
type Analysis struct {
	HasQuestion   bool
	HasChoices    bool
	Choices       []string
	SeemsComplete bool
	HasError      bool
}

// Responder is the pattern-based auto-responder
type Responder struct{}

// New creates a responder
func New() *Responder {
	return &Responder{}
}

// Analyze classifies the assistant text
func (r *Responder) Analyze(text string) Analysis {
	a := Analysis{
		Choices:       extractChoices(text),
		SeemsComplete: completionCue.MatchString(text),
		HasError:      errorCue.MatchString(text),
	}
	a.HasChoices = len(a.Choices) > 0
	for _, cue := range questionCues {
		if cue.MatchString(text) {
			a.HasQuestion = true
			break
		}
	}
	return a
}

// Generate produces the next user turn. The decision table is evaluated in
// order and the first match wins; the choice pick is seeded by the
// iteration index so replays are reproducible.
func (r *Responder) Generate(latestAssistantText, taskDescription string, iteration int) string {
	a := r.Analyze(latestAssistantText)

	switch {
	case a.HasChoices && a.HasQuestion:
		return fmt.Sprintf("Let's go with option %s. Please proceed.", pickChoice(a.Choices, iteration))

	case yesNoCue.MatchString(latestAssistantText) || yesNoTail.MatchString(strings.TrimSpace(latestAssistantText)):
		return "Yes, please proceed with that."

	case openQuestionCue.MatchString(latestAssistantText):
		return "Please use your best judgment based on best practices. Proceed."

	case a.HasError:
		return "I see the error. Please try an alternative approach and continue."

	case a.SeemsComplete:
		return "Great! Please confirm everything is complete and all tests pass."

	default:
		return "Please continue."
	}
}

// ShouldContinue reports whether another turn is worth emitting when
// criteria analysis is unavailable. It is false only for a clearly
// terminal assistant turn: completion cue present, no open question.
func (r *Responder) ShouldContinue(latestAssistantText string, iteration, maxIterations int) bool {
	a := r.Analyze(latestAssistantText)
	if a.SeemsComplete && !a.HasQuestion {
		return false
	}
	return true
}

// extractChoices collects the option labels of a numbered or lettered list
func extractChoices(text string) []string {
	var choices []string
	for _, match := range numberedChoice.FindAllStringSubmatch(text, 10) {
		choices = append(choices, match[1])
	}
	if len(choices) == 0 {
		for _, match := range letteredChoice.FindAllStringSubmatch(text, 10) {
			choices = append(choices, match[1])
		}
	}
	return choices
}

// pickChoice selects the first option 40% of the time, a middle option
// 40%, and the last 20%, cycling deterministically with the iteration
func pickChoice(choices []string, iteration int) string {
	if len(choices) < 3 {
		return choices[0]
	}
	switch iteration % 5 {
	case 0, 1:
		return choices[0]
	case 2, 3:
		return choices[len(choices)/2]
	default:
		return choices[len(choices)-1]
	}
}
