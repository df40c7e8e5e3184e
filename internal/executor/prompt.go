package executor

import (
	"fmt"
	"strings"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// projectDelimiter separates the per-project context paragraphs in the
// initial prompt
const projectDelimiter = "\n---\n"

// BuildInitialPrompt assembles the first user turn: task description,
// per-project context, task-level context, and an abstract workspace
// reference. The absolute worktree path must never appear here — once the
// assistant knows it, it can address the main tree by path and the
// isolation contract is gone.
func BuildInitialPrompt(task *taskmodel.Task) string {
	var sb strings.Builder

	sb.WriteString("I need you to implement the following task.\n\n")
	sb.WriteString("Task Description:\n")
	sb.WriteString(strings.TrimSpace(task.Description))
	sb.WriteString("\n")

	if len(task.Projects) > 0 {
		sb.WriteString("\nProjects:\n")
		paragraphs := make([]string, 0, len(task.Projects))
		for _, proj := range task.Projects {
			paragraphs = append(paragraphs, formatProject(proj))
		}
		sb.WriteString(strings.Join(paragraphs, projectDelimiter))
		sb.WriteString("\n")
	}

	if task.ProjectContext != "" {
		sb.WriteString("\nProject Context:\n")
		sb.WriteString(strings.TrimSpace(task.ProjectContext))
		sb.WriteString("\n")
	}

	sb.WriteString("\nWorking directory: current directory (isolated branch)\n")
	sb.WriteString("\nPlease implement this task step by step. When you complete the implementation, provide a summary of what you've done.")

	return sb.String()
}

func formatProject(proj taskmodel.ProjectRef) string {
	var sb strings.Builder
	if proj.Name != "" {
		fmt.Fprintf(&sb, "Project: %s\n", proj.Name)
	}
	fmt.Fprintf(&sb, "Path: %s (%s)", proj.Path, proj.Access)
	if proj.Context != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(proj.Context))
	}
	return sb.String()
}
