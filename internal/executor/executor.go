// Package executor owns the task lifecycle state machine and the per-task
// conversation loop: pick the next user turn, drive the assistant, persist
// and publish every interaction, judge completion, and enforce resource
// caps. Loops for distinct tasks run in parallel; within one task, turns
// are strictly serial.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/criteria"
	"github.com/phillipcheng/claude-task-automation-server/internal/fanout"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/responder"
	"github.com/phillipcheng/claude-task-automation-server/internal/store"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
	"github.com/phillipcheng/claude-task-automation-server/internal/transcript"
)

const (
	// defaultPauseInterval is how long a non-chat loop waits for user
	// input before falling back to the auto-responder
	defaultPauseInterval = 1 * time.Second

	// storageRetryWindow bounds how long the loop keeps retrying an
	// unreachable store before failing the task
	storageRetryWindow = 30 * time.Second

	// judgeTailSize is how many trailing interactions the completion
	// judge sees
	judgeTailSize = 3

	// stopWait bounds how long Stop waits for the loop to unwind after
	// cancellation (the assistant client's drain window plus slack)
	stopWait = 5 * time.Second
)

// Sender dispatches one assistant turn (implemented by assistant.Client)
type Sender interface {
	Send(ctx context.Context, req assistant.SendRequest) (*assistant.SendResult, error)
}

// Judge checks a transcript tail against success criteria (implemented by
// criteria.Analyzer). It may be nil, in which case only the completion
// heuristic runs.
type Judge interface {
	Judge(ctx context.Context, criteriaText, transcriptTail, latestAssistantText string) (criteria.Verdict, error)
}

// Manager spawns and tracks one executor loop per running task
type Manager struct {
	store     store.Store
	queue     *inputqueue.Queue
	sender    Sender
	responder *responder.Responder
	judge     Judge
	hub       *fanout.Hub
	formatter *transcript.Formatter
	clock     clock.Clock
	logger    *slog.Logger

	pauseInterval time.Duration

	mu    sync.Mutex
	loops map[string]*taskLoop
}

type taskLoop struct {
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

// NewManager creates an executor manager
func NewManager(
	s store.Store,
	queue *inputqueue.Queue,
	sender Sender,
	resp *responder.Responder,
	hub *fanout.Hub,
	clk clock.Clock,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		store:         s,
		queue:         queue,
		sender:        sender,
		responder:     resp,
		hub:           hub,
		formatter:     transcript.NewFormatter(),
		clock:         clk,
		logger:        logger,
		pauseInterval: defaultPauseInterval,
		loops:         make(map[string]*taskLoop),
	}
}

// SetJudge installs the criteria analyzer. Without one, completion falls
// back to the text heuristic alone.
func (m *Manager) SetJudge(j Judge) {
	m.judge = j
}

// SetPauseInterval overrides the between-iteration input wait (tests use
// a short one)
func (m *Manager) SetPauseInterval(d time.Duration) {
	m.pauseInterval = d
}

// Start spawns the executor loop for the task. Starting an already
// running task is a no-op.
func (m *Manager) Start(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.loops[taskID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &taskLoop{
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.loops[taskID] = loop

	go m.run(ctx, taskID, loop)
}

// IsRunning reports whether the task has a live loop
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[taskID]
	return ok
}

// Stop cancels the task's loop and waits for it to unwind. A mid-turn
// subprocess is interrupted by the client's cancellation path within its
// two-second drain window.
func (m *Manager) Stop(taskID string) {
	m.mu.Lock()
	loop, ok := m.loops[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}

	loop.cancel()
	select {
	case <-loop.done:
	case <-time.After(stopWait):
		m.logger.Error("executor loop did not unwind in time", "task_id", taskID)
	}
}

// Wake nudges a waiting loop to re-check its input queue right away
func (m *Manager) Wake(taskID string) bool {
	m.mu.Lock()
	loop, ok := m.loops[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return true
}

// TriggerImmediate marks the task for out-of-band dispatch and wakes its
// loop. The loop is the queue's only consumer and PopUnprocessed marks an
// entry processed as it is taken, so no entry is dispatched twice; the
// immediate_processing_active flag is a status marker that the loop does
// not read, and clears once the entry has been consumed.
func (m *Manager) TriggerImmediate(ctx context.Context, taskID string) error {
	_, err := store.MutateRetry(ctx, m.store, taskID, func(task *taskmodel.Task) error {
		task.ImmediateProcessingActive = true
		return nil
	})
	if err != nil {
		return err
	}
	m.Wake(taskID)
	return nil
}

// Shutdown stops every loop and waits for all of them
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	loops := make(map[string]*taskLoop, len(m.loops))
	for id, loop := range m.loops {
		loops[id] = loop
	}
	m.mu.Unlock()

	var g errgroup.Group
	for id, loop := range loops {
		id, loop := id, loop
		loop.cancel()
		g.Go(func() error {
			select {
			case <-loop.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("loop %s did not stop: %w", id, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func (m *Manager) forget(taskID string, loop *taskLoop) {
	m.mu.Lock()
	if m.loops[taskID] == loop {
		delete(m.loops, taskID)
	}
	m.mu.Unlock()
}

// run is the per-task conversation loop
func (m *Manager) run(ctx context.Context, taskID string, loop *taskLoop) {
	defer close(loop.done)
	defer m.forget(taskID, loop)

	logger := m.logger.With("task_id", taskID)

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("executor could not load task", "error", err)
		return
	}

	iteration := task.InteractionCount
	lastAssistantText, err := m.hydrateLastAssistantText(ctx, taskID)
	if err != nil {
		logger.Warn("could not hydrate prior assistant text", "error", err)
	}

	logger.Info("executor loop started", "iteration", iteration, "chat_mode", task.ChatMode)

	for {
		if ctx.Err() != nil {
			return
		}

		task, err = m.store.GetTask(ctx, taskID)
		if err != nil {
			logger.Error("failed to refresh task", "error", err)
			return
		}
		if task.Status == taskmodel.StatusStopped || task.Status.IsTerminal() {
			logger.Info("loop observed external transition", "status", task.Status)
			return
		}

		// resource caps trip before the next assistant call so a zero
		// iteration budget never dispatches at all
		if msg := capTripped(task); msg != "" {
			m.transition(taskID, taskmodel.StatusExhausted, msg, "")
			return
		}

		turn, ok := m.nextTurn(ctx, taskID, task, lastAssistantText, iteration, loop, logger)
		if !ok {
			return
		}

		result, failMsg := m.dispatchTurn(ctx, taskID, task, turn, iteration, logger)
		if result == nil {
			if failMsg == "" {
				// cancelled mid-turn; stay in whatever state the control
				// surface put the row
				return
			}
			m.transition(taskID, taskmodel.StatusFailed, failMsg, "")
			return
		}

		iteration++
		lastAssistantText = result.FullText

		if err := m.finishTurn(ctx, taskID, iteration, result, logger); err != nil {
			m.transition(taskID, taskmodel.StatusFailed, "persistence unavailable during execution", "")
			return
		}

		if done := m.checkCompletion(ctx, taskID, task, lastAssistantText, logger); done {
			return
		}
	}
}

// nextTurn chooses the next user turn by the priority contract: queued
// human input first, then (chat mode) an indefinite suspend, then the
// auto-responder. It persists and publishes the chosen turn.
func (m *Manager) nextTurn(ctx context.Context, taskID string, task *taskmodel.Task, lastAssistantText string, iteration int, loop *taskLoop, logger *slog.Logger) (*turnInput, bool) {
	// very first turn of the task: the composed initial prompt, never a
	// queue entry, and never a resumed session. Queued input stays put
	// and wins the next decision point.
	if iteration == 0 {
		interactions, err := m.store.ListInteractions(ctx, taskID)
		if err == nil && len(interactions) == 0 {
			prompt := BuildInitialPrompt(task)
			turn := &turnInput{text: prompt, kind: taskmodel.InteractionUserRequest}
			if !m.persistTurn(ctx, taskID, turn, logger) {
				return nil, false
			}
			return turn, true
		}
	}

	for {
		entry, err := m.queue.PopUnprocessed(ctx, taskID)
		if err != nil {
			logger.Error("failed to pop user input", "error", err)
			m.transition(taskID, taskmodel.StatusFailed, "persistence unavailable during execution", "")
			return nil, false
		}
		if entry != nil {
			m.clearImmediateFlag(ctx, taskID)
			turn := &turnInput{text: entry.Text, images: entry.Images, kind: taskmodel.InteractionUserRequest}
			if !m.persistTurn(ctx, taskID, turn, logger) {
				return nil, false
			}
			return turn, true
		}

		if task.ChatMode {
			// block until input arrives or the loop is torn down
			m.setStatus(taskID, taskmodel.StatusPaused)
			select {
			case <-loop.wake:
				m.setStatus(taskID, taskmodel.StatusRunning)
				continue
			case <-ctx.Done():
				return nil, false
			}
		}

		// brief transient pause so input racing the iteration boundary
		// still wins over the auto-responder
		m.setStatus(taskID, taskmodel.StatusPaused)
		select {
		case <-loop.wake:
			m.setStatus(taskID, taskmodel.StatusRunning)
			continue
		case <-time.After(m.pauseInterval):
		case <-ctx.Done():
			return nil, false
		}
		m.setStatus(taskID, taskmodel.StatusRunning)

		// re-check once more after the pause; a push during the pause
		// must strictly precede any auto-generated turn
		entry, err = m.queue.PopUnprocessed(ctx, taskID)
		if err != nil {
			logger.Error("failed to pop user input", "error", err)
			m.transition(taskID, taskmodel.StatusFailed, "persistence unavailable during execution", "")
			return nil, false
		}
		if entry != nil {
			m.clearImmediateFlag(ctx, taskID)
			turn := &turnInput{text: entry.Text, images: entry.Images, kind: taskmodel.InteractionUserRequest}
			if !m.persistTurn(ctx, taskID, turn, logger) {
				return nil, false
			}
			return turn, true
		}

		generated := m.responder.Generate(lastAssistantText, task.Description, iteration)
		turn := &turnInput{text: generated, kind: taskmodel.InteractionSimulatedHuman}
		if !m.persistTurn(ctx, taskID, turn, logger) {
			return nil, false
		}
		return turn, true
	}
}

type turnInput struct {
	text   string
	images []taskmodel.ImageAttachment
	kind   taskmodel.InteractionKind
}

// persistTurn stores and publishes the chosen user turn
func (m *Manager) persistTurn(ctx context.Context, taskID string, turn *turnInput, logger *slog.Logger) bool {
	interaction := &taskmodel.Interaction{
		TaskID:  taskID,
		Kind:    turn.kind,
		Content: turn.text,
		Images:  turn.images,
	}
	if err := m.appendAndPublish(ctx, interaction); err != nil {
		logger.Error("failed to persist user turn", "error", err)
		m.transition(taskID, taskmodel.StatusFailed, "persistence unavailable during execution", "")
		return false
	}
	return true
}

// dispatchTurn runs one assistant invocation. A nil result with an empty
// message means the turn was cancelled; a non-empty message names the
// failure cause.
func (m *Manager) dispatchTurn(ctx context.Context, taskID string, task *taskmodel.Task, turn *turnInput, iteration int, logger *slog.Logger) (*assistant.SendResult, string) {
	workDir := task.WorktreePath
	if workDir == "" {
		workDir = task.RootPath
	}

	sessionCaptured := task.AssistantSessionID != ""
	mapper := assistant.NewMapper(taskID, func(it *taskmodel.Interaction) {
		if err := m.appendAndPublish(ctx, it); err != nil {
			logger.Error("failed to persist interaction", "kind", it.Kind, "error", err)
		}
	})

	onEvent := func(e *assistant.Event) {
		// the session id must be on the row before the first assistant
		// interaction lands
		if e.IsInit() && !sessionCaptured && e.SessionID != "" {
			sessionCaptured = true
			sid := e.SessionID
			if _, err := store.MutateRetry(ctx, m.store, taskID, func(t *taskmodel.Task) error {
				if t.AssistantSessionID == "" {
					t.AssistantSessionID = sid
				}
				return nil
			}); err != nil {
				logger.Error("failed to persist session id", "error", err)
			}
		}
		mapper.HandleEvent(e)
	}

	onStart := func(pid int) {
		if _, err := store.MutateRetry(ctx, m.store, taskID, func(t *taskmodel.Task) error {
			t.SubprocessID = pid
			return nil
		}); err != nil {
			logger.Warn("failed to record subprocess id", "error", err)
		}
	}

	result, err := m.sender.Send(ctx, assistant.SendRequest{
		TaskID:    taskID,
		Prompt:    turn.text,
		SessionID: task.AssistantSessionID,
		WorkDir:   workDir,
		Images:    turn.images,
		OnStart:   onStart,
		OnEvent:   onEvent,
	})
	mapper.Flush()

	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("assistant turn cancelled", "iteration", iteration)
		return nil, ""
	case errors.Is(err, taskerr.ErrAssistantTimeout):
		return nil, "assistant produced no output within the idle window"
	case errors.Is(err, taskerr.ErrSubprocessSpawnFailed):
		return nil, fmt.Sprintf("assistant could not be run: %v", err)
	case err != nil:
		return nil, fmt.Sprintf("assistant turn failed: %v", err)
	}
	return result, ""
}

// finishTurn folds the turn outcome into the task row: token counter,
// iteration count, subprocess teardown
func (m *Manager) finishTurn(ctx context.Context, taskID string, iteration int, result *assistant.SendResult, logger *slog.Logger) error {
	if err := m.withStorageRetry(ctx, func() error {
		return m.store.IncrementTokens(ctx, taskID, result.Usage.OutputTokens)
	}); err != nil {
		logger.Error("failed to increment token counter", "error", err)
		return err
	}

	_, err := store.MutateRetry(ctx, m.store, taskID, func(t *taskmodel.Task) error {
		t.InteractionCount = iteration
		t.SubprocessID = 0
		return nil
	})
	if err != nil {
		logger.Error("failed to record iteration", "error", err)
	}
	return err
}

// checkCompletion applies step 5 of the main loop: the criteria judge
// when criteria exist, then the text heuristic. It returns true when the
// loop should exit.
func (m *Manager) checkCompletion(ctx context.Context, taskID string, task *taskmodel.Task, latestText string, logger *slog.Logger) bool {
	if task.CriteriaConfig.Criteria != "" && m.judge != nil {
		tail := ""
		if interactions, err := m.store.ListInteractions(ctx, taskID); err == nil {
			tail = m.formatter.FormatTail(interactions, judgeTailSize)
		}
		verdict, err := m.judge.Judge(ctx, task.CriteriaConfig.Criteria, tail, latestText)
		if err != nil {
			logger.Warn("completion judgment failed, falling back to heuristic", "error", err)
		} else if verdict.Met() {
			logger.Info("criteria met", "confidence", verdict.Confidence, "reasoning", verdict.Reasoning)
			m.transition(taskID, taskmodel.StatusFinished, "", ExtractSummary(latestText))
			return true
		}
	}

	analysis := m.responder.Analyze(latestText)
	if analysis.SeemsComplete && !analysis.HasQuestion {
		logger.Info("completion heuristic fired")
		m.transition(taskID, taskmodel.StatusFinished, "", ExtractSummary(latestText))
		return true
	}
	return false
}

// capTripped returns a human-readable message when a resource cap is hit
func capTripped(task *taskmodel.Task) string {
	if task.InteractionCount >= task.CriteriaConfig.MaxIterations {
		return fmt.Sprintf("iteration cap reached (%d of %d)",
			task.InteractionCount, task.CriteriaConfig.MaxIterations)
	}
	if task.CriteriaConfig.MaxTokens > 0 && task.TotalTokensUsed >= task.CriteriaConfig.MaxTokens {
		return fmt.Sprintf("token cap reached (%d of %d)",
			task.TotalTokensUsed, task.CriteriaConfig.MaxTokens)
	}
	return ""
}

// transition moves the task to a (usually terminal) state and publishes
// the change. Uses a background context so teardown still lands after the
// loop's own context is cancelled.
func (m *Manager) transition(taskID string, status taskmodel.Status, errMsg, summary string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageRetryWindow)
	defer cancel()

	_, err := store.MutateRetry(ctx, m.store, taskID, func(t *taskmodel.Task) error {
		t.Status = status
		if errMsg != "" {
			t.ErrorMessage = errMsg
		}
		if summary != "" && t.Summary == "" {
			t.Summary = summary
		}
		if status == taskmodel.StatusFinished || status == taskmodel.StatusCompleted {
			now := m.clock.Now()
			t.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		m.logger.Error("failed to transition task", "task_id", taskID, "status", status, "error", err)
		return
	}

	m.hub.PublishStatus(taskID, status)

	if status.IsTerminal() {
		if _, err := m.queue.ClearProcessed(ctx, taskID); err != nil {
			m.logger.Warn("failed to clear processed inputs", "task_id", taskID, "error", err)
		}
	}
	m.logger.Info("task transitioned", "task_id", taskID, "status", status, "error_message", errMsg)
}

// setStatus records a non-terminal status change (RUNNING/PAUSED hops)
func (m *Manager) setStatus(taskID string, status taskmodel.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), storageRetryWindow)
	defer cancel()

	_, err := store.MutateRetry(ctx, m.store, taskID, func(t *taskmodel.Task) error {
		// never clobber a stop or terminal transition that raced us
		if t.Status == taskmodel.StatusStopped || t.Status.IsTerminal() {
			return nil
		}
		t.Status = status
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to record status hop", "task_id", taskID, "status", status, "error", err)
		return
	}
	m.hub.PublishStatus(taskID, status)
}

// appendAndPublish persists one interaction (retrying through transient
// storage outages) and broadcasts it
func (m *Manager) appendAndPublish(ctx context.Context, interaction *taskmodel.Interaction) error {
	err := m.withStorageRetry(ctx, func() error {
		_, err := m.store.AppendInteraction(ctx, interaction)
		return err
	})
	if err != nil {
		return err
	}
	m.hub.PublishInteraction(interaction.TaskID, interaction)
	return nil
}

// withStorageRetry retries storage-unavailable failures for up to the
// retry window; every other error is permanent
func (m *Manager) withStorageRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = storageRetryWindow

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, taskerr.ErrStorageUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// clearImmediateFlag drops the out-of-band dispatch guard once the entry
// it protected has been consumed
func (m *Manager) clearImmediateFlag(ctx context.Context, taskID string) {
	_, err := store.MutateRetry(ctx, m.store, taskID, func(t *taskmodel.Task) error {
		t.ImmediateProcessingActive = false
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to clear immediate-processing flag", "task_id", taskID, "error", err)
	}
}

// hydrateLastAssistantText recovers the latest assistant text after a
// resume so the auto-responder has something to classify
func (m *Manager) hydrateLastAssistantText(ctx context.Context, taskID string) (string, error) {
	interactions, err := m.store.ListInteractions(ctx, taskID)
	if err != nil {
		return "", err
	}
	for i := len(interactions) - 1; i >= 0; i-- {
		if interactions[i].Kind == taskmodel.InteractionAssistantResponse {
			return interactions[i].Content, nil
		}
	}
	return "", nil
}
