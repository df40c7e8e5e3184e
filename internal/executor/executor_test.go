package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/criteria"
	"github.com/phillipcheng/claude-task-automation-server/internal/fanout"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/responder"
	"github.com/phillipcheng/claude-task-automation-server/internal/store"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// fakeTurn scripts one assistant reply
type fakeTurn struct {
	sessionID    string // init record emitted on a fresh session
	text         string
	outputTokens int
	err          error
}

// fakeSender plays scripted turns through the real OnEvent contract
type fakeSender struct {
	mu    sync.Mutex
	turns []fakeTurn
	calls []assistant.SendRequest
}

func (f *fakeSender) Send(ctx context.Context, req assistant.SendRequest) (*assistant.SendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	idx := len(f.calls) - 1
	f.mu.Unlock()

	turn := f.turns[len(f.turns)-1]
	if idx < len(f.turns) {
		turn = f.turns[idx]
	}
	if turn.err != nil {
		return nil, turn.err
	}

	if req.OnStart != nil {
		req.OnStart(4242)
	}

	result := &assistant.SendResult{
		FullText:     turn.text,
		SubprocessID: 4242,
		Usage:        taskmodel.Usage{OutputTokens: turn.outputTokens},
	}

	if req.SessionID == "" && turn.sessionID != "" {
		result.SessionID = turn.sessionID
		if req.OnEvent != nil {
			req.OnEvent(&assistant.Event{
				Type:      assistant.EventTypeSystem,
				Subtype:   assistant.SubtypeInit,
				SessionID: turn.sessionID,
			})
		}
	}
	if req.OnEvent != nil {
		req.OnEvent(&assistant.Event{
			Type:  assistant.EventTypeAssistant,
			Text:  turn.text,
			Usage: &assistant.UsagePayload{OutputTokens: turn.outputTokens},
		})
		req.OnEvent(&assistant.Event{Type: assistant.EventTypeResult, Result: turn.text})
	}
	return result, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) call(i int) assistant.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fixture struct {
	store  *store.Memory
	queue  *inputqueue.Queue
	sender *fakeSender
	hub    *fanout.Hub
	mgr    *Manager
}

func newFixture(t *testing.T, turns []fakeTurn) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.System{}
	st := store.NewMemory(clk)
	queue := inputqueue.New(st, clk, logger)
	hub := fanout.NewHub(logger)
	sender := &fakeSender{turns: turns}

	mgr := NewManager(st, queue, sender, responder.New(), hub, clk, logger)
	mgr.SetPauseInterval(20 * time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &fixture{store: st, queue: queue, sender: sender, hub: hub, mgr: mgr}
}

func (f *fixture) createTask(t *testing.T, task *taskmodel.Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = taskmodel.StatusRunning
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
}

func (f *fixture) waitStatus(t *testing.T, taskID string, want taskmodel.Status) *taskmodel.Task {
	t.Helper()
	var task *taskmodel.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = f.store.GetTask(context.Background(), taskID)
		return err == nil && task.Status == want
	}, 10*time.Second, 10*time.Millisecond, "task never reached %s", want)
	return task
}

func TestHappyPathFinishesOnCompletionHeuristic(t *testing.T) {
	// S1: one assistant turn that clearly completes the task
	f := newFixture(t, []fakeTurn{
		{sessionID: "sess-1", text: "Done — greet.py written.", outputTokens: 40},
	})
	f.createTask(t, &taskmodel.Task{
		ID:          "t1",
		Name:        "greet",
		Description: "Write greet.py that prints 'hi'",
		CriteriaConfig: taskmodel.CriteriaConfig{
			MaxIterations: 5,
		},
	})

	f.mgr.Start("t1")
	task := f.waitStatus(t, "t1", taskmodel.StatusFinished)

	assert.Equal(t, 40, task.TotalTokensUsed)
	assert.Equal(t, 1, task.InteractionCount)
	assert.Equal(t, "sess-1", task.AssistantSessionID)
	assert.NotNil(t, task.CompletedAt)
	assert.NotEmpty(t, task.Summary)

	interactions, err := f.store.ListInteractions(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, interactions, 2)
	assert.Equal(t, taskmodel.InteractionUserRequest, interactions[0].Kind)
	assert.Contains(t, interactions[0].Content, "Write greet.py")
	assert.Equal(t, taskmodel.InteractionAssistantResponse, interactions[1].Kind)
	assert.Equal(t, "Done — greet.py written.", interactions[1].Content)
	require.NotNil(t, interactions[1].Usage)
	assert.Equal(t, 40, interactions[1].Usage.OutputTokens)

	// exactly one subprocess invocation, fresh (non-resumed)
	require.Equal(t, 1, f.sender.callCount())
	assert.Empty(t, f.sender.call(0).SessionID)
}

func TestQueuedInputBeatsAutoResponder(t *testing.T) {
	// S2: a message pushed between iterations must be the next user turn
	f := newFixture(t, []fakeTurn{
		{sessionID: "sess-2", text: "I refactored the parser. More to do.", outputTokens: 5},
		{text: "Done — switched to tabs.", outputTokens: 5},
	})
	f.mgr.SetPauseInterval(2 * time.Second)
	f.createTask(t, &taskmodel.Task{
		ID:             "t2",
		Name:           "tabs",
		Description:    "Reformat the project",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 10},
	})

	f.mgr.Start("t2")

	// wait for the first turn to land, then push during the pause
	require.Eventually(t, func() bool { return f.sender.callCount() >= 1 }, 5*time.Second, 5*time.Millisecond)
	_, err := f.queue.Push(context.Background(), "t2", "Use tabs not spaces", nil)
	require.NoError(t, err)
	f.mgr.Wake("t2")

	task := f.waitStatus(t, "t2", taskmodel.StatusFinished)

	require.GreaterOrEqual(t, f.sender.callCount(), 2)
	assert.Equal(t, "Use tabs not spaces", f.sender.call(1).Prompt)

	// the queue entry was dispatched exactly once; the terminal transition
	// then trims processed entries from the queue
	dispatched := 0
	for i := 0; i < f.sender.callCount(); i++ {
		if f.sender.call(i).Prompt == "Use tabs not spaces" {
			dispatched++
		}
	}
	assert.Equal(t, 1, dispatched)
	require.Eventually(t, func() bool {
		cur, err := f.store.GetTask(context.Background(), "t2")
		return err == nil && len(cur.UserInputQueue) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, task.UserInputPending)

	// the human turn was persisted as USER_REQUEST, before the reply
	interactions, _ := f.store.ListInteractions(context.Background(), "t2")
	var kinds []taskmodel.InteractionKind
	for _, it := range interactions {
		kinds = append(kinds, it.Kind)
	}
	assert.Contains(t, kinds, taskmodel.InteractionUserRequest)
	for i, it := range interactions {
		if it.Content == "Use tabs not spaces" {
			assert.Equal(t, taskmodel.InteractionUserRequest, it.Kind)
			assert.Less(t, i, len(interactions)-1)
		}
	}
}

func TestStopThenResumeKeepsSession(t *testing.T) {
	// S3: every invocation after the first resumes the captured session
	f := newFixture(t, []fakeTurn{
		{sessionID: "SID", text: "Working through step one.", outputTokens: 1},
	})
	f.createTask(t, &taskmodel.Task{
		ID:             "t3",
		Name:           "steps",
		Description:    "multi step task",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 50},
	})

	f.mgr.Start("t3")
	require.Eventually(t, func() bool { return f.sender.callCount() >= 2 }, 10*time.Second, 5*time.Millisecond)

	// stop: row first, then cancel the loop
	_, err := store.MutateRetry(context.Background(), f.store, "t3", func(task *taskmodel.Task) error {
		task.Status = taskmodel.StatusStopped
		return nil
	})
	require.NoError(t, err)
	f.mgr.Stop("t3")
	assert.False(t, f.mgr.IsRunning("t3"))

	task, err := f.store.GetTask(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, "SID", task.AssistantSessionID)

	// resume and observe the next invocation carrying the session id
	callsBefore := f.sender.callCount()
	_, err = store.MutateRetry(context.Background(), f.store, "t3", func(task *taskmodel.Task) error {
		task.Status = taskmodel.StatusRunning
		return nil
	})
	require.NoError(t, err)
	f.mgr.Start("t3")
	require.Eventually(t, func() bool { return f.sender.callCount() > callsBefore }, 10*time.Second, 5*time.Millisecond)

	for i := 1; i < f.sender.callCount(); i++ {
		assert.Equal(t, "SID", f.sender.call(i).SessionID, "call %d must resume the session", i)
	}
	assert.Empty(t, f.sender.call(0).SessionID)

	task, _ = f.store.GetTask(context.Background(), "t3")
	assert.Equal(t, "SID", task.AssistantSessionID)
}

func TestIterationCapExhausts(t *testing.T) {
	// S4: the assistant never says done; the cap must trip
	f := newFixture(t, []fakeTurn{
		{sessionID: "s", text: "Still iterating on the refactor.", outputTokens: 1},
	})
	f.createTask(t, &taskmodel.Task{
		ID:             "t4",
		Name:           "capped",
		Description:    "never ends",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 2},
	})

	f.mgr.Start("t4")
	task := f.waitStatus(t, "t4", taskmodel.StatusExhausted)

	assert.Equal(t, 2, task.InteractionCount)
	assert.Contains(t, task.ErrorMessage, "iteration cap")
	assert.Equal(t, 2, f.sender.callCount())
}

func TestZeroIterationBudgetExhaustsBeforeFirstCall(t *testing.T) {
	f := newFixture(t, []fakeTurn{{text: "should never run"}})
	f.createTask(t, &taskmodel.Task{
		ID:             "t5",
		Name:           "zero",
		Description:    "no budget",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 0},
	})

	f.mgr.Start("t5")
	task := f.waitStatus(t, "t5", taskmodel.StatusExhausted)

	assert.Contains(t, task.ErrorMessage, "iteration cap")
	assert.Equal(t, 0, f.sender.callCount())
}

func TestTokenCapExhausts(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{sessionID: "s", text: "Chewing through tokens.", outputTokens: 60},
	})
	f.createTask(t, &taskmodel.Task{
		ID:          "t6",
		Name:        "tokens",
		Description: "expensive",
		CriteriaConfig: taskmodel.CriteriaConfig{
			MaxIterations: 100,
			MaxTokens:     50,
		},
	})

	f.mgr.Start("t6")
	task := f.waitStatus(t, "t6", taskmodel.StatusExhausted)

	assert.Contains(t, task.ErrorMessage, "token cap")
	assert.GreaterOrEqual(t, task.TotalTokensUsed, 50)
}

func TestAssistantTimeoutFailsTask(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{err: fmt.Errorf("no event for 300s: %w", taskerr.ErrAssistantTimeout)},
	})
	f.createTask(t, &taskmodel.Task{
		ID:             "t7",
		Name:           "hung",
		Description:    "never responds",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 5},
	})

	f.mgr.Start("t7")
	task := f.waitStatus(t, "t7", taskmodel.StatusFailed)
	assert.Contains(t, task.ErrorMessage, "idle window")
}

func TestSpawnFailureFailsTask(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{err: fmt.Errorf("exec: not found: %w", taskerr.ErrSubprocessSpawnFailed)},
	})
	f.createTask(t, &taskmodel.Task{
		ID:             "t8",
		Name:           "nobin",
		Description:    "assistant missing",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 5},
	})

	f.mgr.Start("t8")
	task := f.waitStatus(t, "t8", taskmodel.StatusFailed)
	assert.Contains(t, task.ErrorMessage, "could not be run")
}

func TestChatModeWaitsForHumanInput(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{sessionID: "s", text: "What should I rename the package to?", outputTokens: 1},
		{text: "Done — renamed as requested.", outputTokens: 1},
	})
	f.createTask(t, &taskmodel.Task{
		ID:             "t9",
		Name:           "chatty",
		Description:    "interactive rename",
		ChatMode:       true,
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 10},
	})

	f.mgr.Start("t9")
	require.Eventually(t, func() bool { return f.sender.callCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	// chat mode never auto-responds; the loop must sit at one call
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.sender.callCount())

	_, err := f.queue.Push(context.Background(), "t9", "Call it internal/codec", nil)
	require.NoError(t, err)
	f.mgr.Wake("t9")

	f.waitStatus(t, "t9", taskmodel.StatusFinished)
	assert.Equal(t, "Call it internal/codec", f.sender.call(1).Prompt)
}

func TestCriteriaJudgeFinishesTask(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{sessionID: "s", text: "The login button now renders and triggers the flow. What next?", outputTokens: 1},
	})
	f.mgr.SetJudge(judgeFunc(func(ctx context.Context, c, tail, latest string) (criteria.Verdict, error) {
		return criteria.Verdict{IsComplete: true, Confidence: 0.95, Reasoning: "criteria met"}, nil
	}))
	f.createTask(t, &taskmodel.Task{
		ID:          "t10",
		Name:        "login",
		Description: "Add a login button",
		CriteriaConfig: taskmodel.CriteriaConfig{
			MaxIterations: 10,
			Criteria:      "login button visible and functional",
		},
	})

	f.mgr.Start("t10")
	f.waitStatus(t, "t10", taskmodel.StatusFinished)
	assert.Equal(t, 1, f.sender.callCount())
}

func TestLowConfidenceJudgeDoesNotFinish(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{sessionID: "s", text: "Partial progress on the button. Should I continue?", outputTokens: 1},
	})
	f.mgr.SetJudge(judgeFunc(func(ctx context.Context, c, tail, latest string) (criteria.Verdict, error) {
		return criteria.Verdict{IsComplete: true, Confidence: 0.4}, nil
	}))
	f.createTask(t, &taskmodel.Task{
		ID:          "t11",
		Name:        "lowconf",
		Description: "Add a login button",
		CriteriaConfig: taskmodel.CriteriaConfig{
			MaxIterations: 3,
			Criteria:      "login button works",
		},
	})

	f.mgr.Start("t11")
	// a sub-threshold verdict must not finish the task; the cap ends it
	task := f.waitStatus(t, "t11", taskmodel.StatusExhausted)
	assert.Equal(t, 3, task.InteractionCount)
}

type judgeFunc func(ctx context.Context, criteriaText, tail, latest string) (criteria.Verdict, error)

func (f judgeFunc) Judge(ctx context.Context, criteriaText, tail, latest string) (criteria.Verdict, error) {
	return f(ctx, criteriaText, tail, latest)
}

func TestSimulatedHumanTurnsArePersisted(t *testing.T) {
	f := newFixture(t, []fakeTurn{
		{sessionID: "s", text: "Refactoring in progress.", outputTokens: 1},
		{text: "Done — refactor complete.", outputTokens: 1},
	})
	f.createTask(t, &taskmodel.Task{
		ID:             "t12",
		Name:           "auto",
		Description:    "refactor",
		CriteriaConfig: taskmodel.CriteriaConfig{MaxIterations: 10},
	})

	f.mgr.Start("t12")
	f.waitStatus(t, "t12", taskmodel.StatusFinished)

	interactions, _ := f.store.ListInteractions(context.Background(), "t12")
	var sawSimulated bool
	for _, it := range interactions {
		if it.Kind == taskmodel.InteractionSimulatedHuman {
			sawSimulated = true
			assert.Equal(t, "Please continue.", strings.TrimSpace(it.Content))
		}
	}
	assert.True(t, sawSimulated, "auto-responder turn missing from transcript")
}
