// Package control is the task-control facade: the operations the HTTP
// front-end invokes. It validates lifecycle preconditions, mutates state
// through the store, and signals the executor.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/criteria"
	"github.com/phillipcheng/claude-task-automation-server/internal/executor"
	"github.com/phillipcheng/claude-task-automation-server/internal/fanout"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/store"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
	"github.com/phillipcheng/claude-task-automation-server/internal/transcript"
	"github.com/phillipcheng/claude-task-automation-server/internal/worktree"
)

// DefaultMaxIterations bounds a task that never states its own budget
const DefaultMaxIterations = 20

// Extractor pulls success criteria out of a task description (implemented
// by criteria.Analyzer). Optional; extraction defaults to off.
type Extractor interface {
	Extract(ctx context.Context, description string) (criteria.Extraction, error)
}

// Service exposes the task-control operations
type Service struct {
	store     store.Store
	queue     *inputqueue.Queue
	exec      *executor.Manager
	worktrees *worktree.Manager
	hub       *fanout.Hub
	extractor Extractor
	streams   *assistant.StreamLog
	formatter *transcript.Formatter
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService creates the control facade. extractor and streams may be nil.
func NewService(
	s store.Store,
	queue *inputqueue.Queue,
	exec *executor.Manager,
	worktrees *worktree.Manager,
	hub *fanout.Hub,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:     s,
		queue:     queue,
		exec:      exec,
		worktrees: worktrees,
		hub:       hub,
		formatter: transcript.NewFormatter(),
		clock:     clk,
		logger:    logger,
	}
}

// SetExtractor installs criteria extraction for create-time analysis
func (s *Service) SetExtractor(e Extractor) {
	s.extractor = e
}

// SetStreamLog installs the raw stream capture so Delete can remove a
// task's capture file
func (s *Service) SetStreamLog(streams *assistant.StreamLog) {
	s.streams = streams
}

// CreateRequest carries the inputs of the create operation
type CreateRequest struct {
	Name           string
	Description    string
	Owner          string
	ProjectContext string
	Projects       []taskmodel.ProjectRef
	RootPath       string
	Branch         string
	BaseBranch     string
	CriteriaConfig *taskmodel.CriteriaConfig
	ChatMode       bool

	// ExtractCriteria asks the analyzer to derive criteria from the
	// description when none was supplied. Off by default.
	ExtractCriteria bool
}

// Create validates the request, provisions the isolated workspace, and
// persists the task in PENDING. Any provisioning failure aborts without
// partial state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*taskmodel.Task, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("task name is required: %w", taskerr.ErrValidation)
	}
	if _, err := s.store.GetTaskByName(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("task name %q already exists: %w", req.Name, taskerr.ErrValidation)
	}

	// an explicit config is taken verbatim, including a zero iteration
	// budget; only an omitted config gets the default
	cfg := taskmodel.CriteriaConfig{MaxIterations: DefaultMaxIterations}
	if req.CriteriaConfig != nil {
		cfg = *req.CriteriaConfig
	}
	if strings.TrimSpace(req.Description) == "" && cfg.Criteria == "" {
		cfg.Warning = "task has no description and no success criteria; completion will rely on heuristics"
	}
	if cfg.Criteria == "" && req.ExtractCriteria && s.extractor != nil {
		extraction, err := s.extractor.Extract(ctx, req.Description)
		if err != nil {
			s.logger.Warn("criteria extraction failed at create", "task", req.Name, "error", err)
		} else if extraction.Criteria != "" {
			cfg.Criteria = extraction.Criteria
		} else if extraction.Warning != "" {
			cfg.Warning = extraction.Warning
		}
	}

	task := &taskmodel.Task{
		ID:             s.clock.NewID(),
		Name:           req.Name,
		Owner:          req.Owner,
		Description:    req.Description,
		ProjectContext: req.ProjectContext,
		Projects:       req.Projects,
		RootPath:       req.RootPath,
		Branch:         req.Branch,
		BaseBranch:     req.BaseBranch,
		Status:         taskmodel.StatusPending,
		CriteriaConfig: cfg,
		ChatMode:       req.ChatMode,
	}

	type checkout struct {
		root string
		prov *worktree.Provisioned
	}
	var provisioned []checkout
	rollback := func() {
		for _, c := range provisioned {
			if err := s.worktrees.Reclaim(ctx, c.root, c.prov.Path, c.prov.Branch, c.prov.BaseBranch); err != nil {
				s.logger.Error("failed to roll back worktree", "path", c.prov.Path, "error", err)
			}
		}
	}

	if req.RootPath != "" {
		prov, err := s.worktrees.Provision(ctx, req.Name, req.RootPath, req.BaseBranch, req.Branch)
		if err != nil {
			return nil, err
		}
		provisioned = append(provisioned, checkout{root: req.RootPath, prov: prov})
		task.WorktreePath = prov.Path
		task.Branch = prov.Branch
		task.BaseBranch = prov.BaseBranch
	}

	if len(req.Projects) > 0 {
		extra, err := s.worktrees.MultiProvision(ctx, req.Name, req.BaseBranch, req.Projects)
		if err != nil {
			rollback()
			return nil, err
		}
		for root, prov := range extra {
			provisioned = append(provisioned, checkout{root: root, prov: prov})
			if task.WorktreePath == "" {
				task.RootPath = root
				task.WorktreePath = prov.Path
				task.Branch = prov.Branch
				task.BaseBranch = prov.BaseBranch
			}
		}
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		rollback()
		return nil, err
	}

	s.logger.Info("created task", "task", req.Name, "id", task.ID, "worktree", task.WorktreePath)
	return task.Clone(), nil
}

// Start spawns the executor loop for a PENDING task
func (s *Service) Start(ctx context.Context, name string) error {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if task.Status != taskmodel.StatusPending {
		return fmt.Errorf("cannot start task in status %s: %w", task.Status, taskerr.ErrValidation)
	}
	return s.launch(ctx, task.ID)
}

// Stop cancels a running task's loop. It returns once the assistant
// cancellation path has completed; the row stays STOPPED.
func (s *Service) Stop(ctx context.Context, name string) error {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	switch task.Status {
	case taskmodel.StatusRunning, taskmodel.StatusPaused, taskmodel.StatusTesting:
	default:
		return fmt.Errorf("cannot stop task in status %s: %w", task.Status, taskerr.ErrValidation)
	}

	if _, err := store.MutateRetry(ctx, s.store, task.ID, func(t *taskmodel.Task) error {
		t.Status = taskmodel.StatusStopped
		return nil
	}); err != nil {
		return err
	}
	s.hub.PublishStatus(task.ID, taskmodel.StatusStopped)
	s.exec.Stop(task.ID)
	s.logger.Info("stopped task", "task", name)
	return nil
}

// Resume restarts a STOPPED task's loop with its existing session id
func (s *Service) Resume(ctx context.Context, name string) error {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if task.Status != taskmodel.StatusStopped {
		return fmt.Errorf("cannot resume task in status %s: %w", task.Status, taskerr.ErrValidation)
	}
	return s.launch(ctx, task.ID)
}

// RecoverOptions optionally raises the resource caps alongside recovery
type RecoverOptions struct {
	MaxIterations int // 0 keeps the current cap
	MaxTokens     int // 0 keeps the current cap
}

// Recover returns a terminal or stopped task to RUNNING with a fresh
// assistant session. The interaction log is preserved; the session id is
// cleared so the next invocation is non-resumed.
func (s *Service) Recover(ctx context.Context, name string, opts RecoverOptions) error {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() && task.Status != taskmodel.StatusStopped {
		return fmt.Errorf("cannot recover task in status %s: %w", task.Status, taskerr.ErrValidation)
	}

	if _, err := store.MutateRetry(ctx, s.store, task.ID, func(t *taskmodel.Task) error {
		t.AssistantSessionID = ""
		t.ErrorMessage = ""
		if opts.MaxIterations > 0 {
			t.CriteriaConfig.MaxIterations = opts.MaxIterations
		}
		if opts.MaxTokens > 0 {
			t.CriteriaConfig.MaxTokens = opts.MaxTokens
		}
		return nil
	}); err != nil {
		return err
	}
	s.logger.Info("recovered task", "task", name)
	return s.launch(ctx, task.ID)
}

// SendInput enqueues a user message. A PENDING task is implicitly
// started; a running one is woken for out-of-band dispatch. Terminal
// tasks reject input.
func (s *Service) SendInput(ctx context.Context, name, text string, images []taskmodel.ImageAttachment) (taskmodel.QueueEntry, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return taskmodel.QueueEntry{}, err
	}
	if task.Status.IsTerminal() {
		return taskmodel.QueueEntry{}, fmt.Errorf("cannot send input to task in status %s: %w", task.Status, taskerr.ErrValidation)
	}

	entry, err := s.queue.Push(ctx, task.ID, text, images)
	if err != nil {
		return taskmodel.QueueEntry{}, err
	}

	if task.Status == taskmodel.StatusPending {
		if err := s.launch(ctx, task.ID); err != nil {
			return entry, err
		}
		return entry, nil
	}

	if err := s.exec.TriggerImmediate(ctx, task.ID); err != nil {
		s.logger.Warn("immediate dispatch signal failed", "task", name, "error", err)
	}
	return entry, nil
}

// Delete tears the task down: loop cancelled, workspace reclaimed
// commit-first, subscribers closed, rows removed. force skips a blocked
// reclaim. A second delete fails with a not-found validation error.
func (s *Service) Delete(ctx context.Context, name string, force bool) error {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return err
	}

	s.exec.Stop(task.ID)

	if task.WorktreePath != "" {
		err := s.worktrees.Reclaim(ctx, task.RootPath, task.WorktreePath, task.Branch, task.BaseBranch)
		if err != nil {
			if errors.Is(err, taskerr.ErrReclaimBlocked) && !force {
				return err
			}
			s.logger.Warn("reclaim failed, removing anyway", "task", name, "error", err)
		}
	}
	for _, proj := range task.Projects {
		if proj.Access != taskmodel.AccessWrite || proj.Path == task.RootPath {
			continue
		}
		slugPath := s.worktrees.PathFor(proj.Path, task.Name)
		if err := s.worktrees.Reclaim(ctx, proj.Path, slugPath, task.Branch, task.BaseBranch); err != nil {
			if errors.Is(err, taskerr.ErrReclaimBlocked) && !force {
				return err
			}
			s.logger.Warn("project reclaim failed, removing anyway", "task", name, "path", proj.Path, "error", err)
		}
	}

	s.hub.CloseTask(task.ID)
	if s.streams != nil {
		if err := s.streams.RemoveTask(task.ID); err != nil {
			s.logger.Warn("failed to remove stream capture", "task", name, "error", err)
		}
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return err
	}

	s.logger.Info("deleted task", "task", name)
	return nil
}

// Subscribe attaches a live event stream for the task
func (s *Service) Subscribe(ctx context.Context, name string) (*fanout.Subscription, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(task.ID), nil
}

// FetchTranscript returns the task's interactions in order
func (s *Service) FetchTranscript(ctx context.Context, name string) ([]*taskmodel.Interaction, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListInteractions(ctx, task.ID)
}

// FetchTranscriptText returns the transcript rendered for human reading
func (s *Service) FetchTranscriptText(ctx context.Context, name string) (string, error) {
	interactions, err := s.FetchTranscript(ctx, name)
	if err != nil {
		return "", err
	}
	return s.formatter.FormatTail(interactions, 0), nil
}

// Get returns a snapshot of the task by name
func (s *Service) Get(ctx context.Context, name string) (*taskmodel.Task, error) {
	return s.store.GetTaskByName(ctx, name)
}

// List returns snapshots of all tasks in creation order
func (s *Service) List(ctx context.Context) ([]*taskmodel.Task, error) {
	return s.store.ListTasks(ctx)
}

// QueueStatus summarizes a task's user-input queue
type QueueStatus struct {
	Total      int  `json:"total"`
	Pending    int  `json:"pending"`
	Processed  int  `json:"processed"`
	HasPending bool `json:"has_pending"`
}

// GetQueueStatus reports the queue counters for a task
func (s *Service) GetQueueStatus(ctx context.Context, name string) (QueueStatus, error) {
	task, err := s.store.GetTaskByName(ctx, name)
	if err != nil {
		return QueueStatus{}, err
	}

	status := QueueStatus{
		Total:      len(task.UserInputQueue),
		HasPending: task.UserInputPending,
	}
	for _, entry := range task.UserInputQueue {
		if entry.Processed {
			status.Processed++
		} else {
			status.Pending++
		}
	}
	return status, nil
}

// launch marks the task RUNNING and spawns its loop
func (s *Service) launch(ctx context.Context, taskID string) error {
	if _, err := store.MutateRetry(ctx, s.store, taskID, func(t *taskmodel.Task) error {
		t.Status = taskmodel.StatusRunning
		return nil
	}); err != nil {
		return err
	}
	s.hub.PublishStatus(taskID, taskmodel.StatusRunning)
	s.exec.Start(taskID)
	return nil
}

// ActiveBranches answers the worktree manager's collision checks from the
// task store: a (root, branch) pair is in use while any active task holds
// it. The empty branch key checks for an active task using the shared
// main checkout (the no-worktree fallback mode).
type ActiveBranches struct {
	Store store.Store
}

// BranchInUse implements worktree.ActiveChecker
func (a ActiveBranches) BranchInUse(ctx context.Context, rootPath, branch string) (bool, error) {
	tasks, err := a.Store.ListTasks(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if !t.Status.IsActive() {
			continue
		}
		if branch == "" {
			if t.RootPath == rootPath && t.WorktreePath == t.RootPath && t.WorktreePath != "" {
				return true, nil
			}
			continue
		}
		if t.RootPath == rootPath && t.Branch == branch {
			return true, nil
		}
		for _, proj := range t.Projects {
			if proj.Access == taskmodel.AccessWrite && proj.Path == rootPath && t.Branch == branch {
				return true, nil
			}
		}
	}
	return false, nil
}
