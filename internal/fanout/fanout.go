// Package fanout is the per-task publish/subscribe hub. Subscribers get
// persisted interactions and status changes from the moment they attach;
// there is no back-fill, and a slow subscriber is dropped rather than ever
// stalling the executor.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// DefaultBufferSize is the per-subscriber event buffer; exceeding it drops
// the subscriber with a lagged signal
const DefaultBufferSize = 64

// EventType discriminates the payload of one fan-out event
type EventType string

const (
	EventInteraction  EventType = "interaction"
	EventStatusChange EventType = "status_change"
	EventTaskDeleted  EventType = "task_deleted"
	EventLagged       EventType = "lagged"
)

// Event is one message delivered to subscribers
type Event struct {
	Type        EventType              `json:"type"`
	TaskID      string                 `json:"task_id"`
	Interaction *taskmodel.Interaction `json:"interaction,omitempty"`
	Status      taskmodel.Status       `json:"status,omitempty"`
}

// Subscription is one attached subscriber. Events arrives on C; the
// channel is closed after a terminal event (task_deleted or lagged) or
// Cancel.
type Subscription struct {
	C      <-chan Event
	hub    *Hub
	taskID string
	ch     chan Event
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel
func (s *Subscription) Cancel() {
	s.hub.cancel(s.taskID, s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub tracks subscribers per task id. It holds only opaque task ids, never
// task state, so destroying a task simply detaches its subscribers.
type Hub struct {
	bufferSize int
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewHub creates a hub with the default buffer size
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		bufferSize: DefaultBufferSize,
		logger:     logger,
		subs:       make(map[string][]*Subscription),
	}
}

// Subscribe attaches a live stream for the task starting now. The channel
// holds one slot past the buffer so a terminal event always fits.
func (h *Hub) Subscribe(taskID string) *Subscription {
	ch := make(chan Event, h.bufferSize+1)
	sub := &Subscription{C: ch, hub: h, taskID: taskID, ch: ch}

	h.mu.Lock()
	h.subs[taskID] = append(h.subs[taskID], sub)
	h.mu.Unlock()
	return sub
}

// PublishInteraction broadcasts a persisted interaction
func (h *Hub) PublishInteraction(taskID string, interaction *taskmodel.Interaction) {
	h.publish(taskID, Event{Type: EventInteraction, TaskID: taskID, Interaction: interaction})
}

// PublishStatus broadcasts a status transition
func (h *Hub) PublishStatus(taskID string, status taskmodel.Status) {
	h.publish(taskID, Event{Type: EventStatusChange, TaskID: taskID, Status: status})
}

// CloseTask sends the terminal task_deleted event to every subscriber of
// the task and detaches them all
func (h *Hub) CloseTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[taskID] {
		select {
		case sub.ch <- Event{Type: EventTaskDeleted, TaskID: taskID}:
		default:
		}
		sub.close()
	}
	delete(h.subs, taskID)
}

// publish delivers to every subscriber without ever blocking: a full
// buffer means the subscriber lagged and is dropped
func (h *Hub) publish(taskID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[taskID]
	kept := subs[:0:0]
	dropped := false
	for _, sub := range subs {
		// only senders hold the lock, so len cannot grow under us and the
		// reserved slot is free for the lagged marker
		if len(sub.ch) < h.bufferSize {
			sub.ch <- event
			kept = append(kept, sub)
			continue
		}
		dropped = true
		h.logger.Warn("dropping lagged subscriber", "task_id", taskID)
		sub.ch <- Event{Type: EventLagged, TaskID: taskID}
		sub.close()
	}
	if dropped {
		if len(kept) == 0 {
			delete(h.subs, taskID)
		} else {
			h.subs[taskID] = kept
		}
	}
}

// cancel detaches one subscription and closes it. Sends and closes are
// serialized by the hub lock so a publish can never hit a closed channel.
func (h *Hub) cancel(taskID string, target *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[taskID]
	for i, sub := range subs {
		if sub == target {
			h.subs[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[taskID]) == 0 {
		delete(h.subs, taskID)
	}
	target.close()
}
