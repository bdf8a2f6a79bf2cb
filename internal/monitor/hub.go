// Package monitor implements the ExecutionMonitor (C10): an in-memory
// progress view broadcasting lifecycle events to room subscribers.
package monitor

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowmesh/engine/internal/workflow"
)

// EventType names one of the event kinds emitted by §4.7.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventNodeUpdate         EventType = "node_execution_update"
	EventEdgeFlowUpdate     EventType = "edge_flow_update"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionPaused    EventType = "execution_paused"
	EventExecutionResumed   EventType = "execution_resumed"
	EventExecutionLog       EventType = "execution_log"
	EventExecutionMetrics   EventType = "execution_metrics"
)

// Event is one typed message published to an execution's room.
type Event struct {
	Type        EventType   `json:"type"`
	ExecutionID string      `json:"executionId"`
	Data        interface{} `json:"data"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Snapshot is the in-memory progress view for one execution (§4.7).
type Snapshot struct {
	ExecutionID string
	Status      workflow.ExecutionStatus
	Completed   int
	Total       int
	UpdatedAt   time.Time
	terminalAt  *time.Time
}

// Progress returns completed/total*100, matching the node_execution_update
// progress field of §4.7.
func (s Snapshot) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Subscriber is one listener attached to a room; events are delivered on
// Send without blocking the publisher (full channels drop with a logged
// warning, mirroring the engine's websocket Hub).
type Subscriber struct {
	ID   string
	Send chan Event
}

const sendBuffer = 64

// evictAfter is how long a terminal snapshot is retained before eviction,
// per §4.7.
const evictAfter = 5 * time.Minute

// Hub is the ExecutionMonitor (C10): a room per execution id, a bounded
// per-subscriber send channel, and a snapshot map evicted after a terminal
// event. Structurally this is the engine's websocket Hub/Client/room
// primitive, generalized from raw *websocket.Conn clients to a typed Event
// channel so the core stays transport-agnostic per §9.
type Hub struct {
	mu          sync.Mutex
	rooms       map[string]map[string]*Subscriber
	snapshots   map[string]*Snapshot
	logger      *slog.Logger
	now         func() time.Time
}

// NewHub constructs an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:     make(map[string]map[string]*Subscriber),
		snapshots: make(map[string]*Snapshot),
		logger:    logger,
		now:       time.Now,
	}
}

func roomKey(executionID string) string {
	return "execution:" + executionID
}

// Subscribe attaches a new Subscriber to an execution's room and returns it.
func (h *Hub) Subscribe(executionID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{ID: newSubscriberID(), Send: make(chan Event, sendBuffer)}
	key := roomKey(executionID)
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[string]*Subscriber)
	}
	h.rooms[key][sub.ID] = sub
	return sub
}

// Unsubscribe removes a Subscriber from an execution's room and closes its
// channel.
func (h *Hub) Unsubscribe(executionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := roomKey(executionID)
	if room, ok := h.rooms[key]; ok {
		if _, ok := room[sub.ID]; ok {
			delete(room, sub.ID)
			close(sub.Send)
		}
		if len(room) == 0 {
			delete(h.rooms, key)
		}
	}
}

// publish delivers ev to every subscriber of its execution's room,
// non-blocking.
func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	room := h.rooms[roomKey(ev.ExecutionID)]
	subs := make([]*Subscriber, 0, len(room))
	for _, s := range room {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Send <- ev:
		default:
			h.logger.Warn("monitor subscriber channel full, dropping event",
				"execution_id", ev.ExecutionID, "subscriber_id", sub.ID, "event_type", ev.Type)
		}
	}
}

func (h *Hub) emit(executionID string, eventType EventType, data interface{}) {
	h.publish(Event{Type: eventType, ExecutionID: executionID, Data: data, Timestamp: h.now()})
}

// ExecutionStarted emits workflow_started/execution_started and seeds the
// snapshot (§4.5 step 1, §4.7).
func (h *Hub) ExecutionStarted(executionID string, total int) {
	h.mu.Lock()
	h.snapshots[executionID] = &Snapshot{ExecutionID: executionID, Status: workflow.ExecutionRunning, Total: total, UpdatedAt: h.now()}
	h.mu.Unlock()
	h.emit(executionID, EventExecutionStarted, map[string]interface{}{"total": total})
}

// NodeUpdate emits node_execution_update and advances the snapshot's
// completed count on terminal node statuses.
func (h *Hub) NodeUpdate(executionID, nodeID string, status workflow.BlockExecutionStatus) {
	h.mu.Lock()
	snap := h.snapshots[executionID]
	if snap != nil && (status == workflow.BlockCompleted || status == workflow.BlockFailed) {
		snap.Completed++
		snap.UpdatedAt = h.now()
	}
	var progress float64
	if snap != nil {
		progress = snap.Progress()
	}
	h.mu.Unlock()

	h.emit(executionID, EventNodeUpdate, map[string]interface{}{
		"nodeId": nodeID, "status": status, "progress": progress,
	})
}

// EdgeFlowUpdate emits edge_flow_update (§4.7).
func (h *Hub) EdgeFlowUpdate(executionID, edgeID, state string) {
	h.emit(executionID, EventEdgeFlowUpdate, map[string]interface{}{"edgeId": edgeID, "state": state})
}

// ExecutionCompleted marks the snapshot terminal and emits
// execution_completed/workflow_completed.
func (h *Hub) ExecutionCompleted(executionID string, outputs map[string]interface{}) {
	h.markTerminal(executionID, workflow.ExecutionCompleted)
	h.emit(executionID, EventExecutionCompleted, map[string]interface{}{"outputs": outputs})
}

// ExecutionFailed marks the snapshot terminal and emits
// execution_failed/workflow_failed.
func (h *Hub) ExecutionFailed(executionID, errMsg string, duration time.Duration) {
	h.markTerminal(executionID, workflow.ExecutionFailed)
	h.emit(executionID, EventExecutionFailed, map[string]interface{}{"error": errMsg, "durationMs": duration.Milliseconds()})
}

// ExecutionPaused emits execution_paused.
func (h *Hub) ExecutionPaused(executionID, resumeFromNodeID string) {
	h.emit(executionID, EventExecutionPaused, map[string]interface{}{"resumeFromNodeId": resumeFromNodeID})
}

// ExecutionResumed emits execution_resumed.
func (h *Hub) ExecutionResumed(executionID string) {
	h.emit(executionID, EventExecutionResumed, nil)
}

// PublishLog implements execlog.Forwarder, emitting execution_log.
func (h *Hub) PublishLog(executionID string, entry workflow.LogEntry) {
	h.emit(executionID, EventExecutionLog, entry)
}

// PublishMetrics emits execution_metrics.
func (h *Hub) PublishMetrics(executionID string, metrics map[string]interface{}) {
	h.emit(executionID, EventExecutionMetrics, metrics)
}

func (h *Hub) markTerminal(executionID string, status workflow.ExecutionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.snapshots[executionID]
	if snap == nil {
		snap = &Snapshot{ExecutionID: executionID}
		h.snapshots[executionID] = snap
	}
	snap.Status = status
	now := h.now()
	snap.terminalAt = &now
	snap.UpdatedAt = now
}

// Snapshot returns a copy of the current progress view for an execution, or
// false if none exists (evicted or never started). Subscribers that missed
// live events should fall back to the durable log per §4.7.
func (h *Hub) Snapshot(executionID string) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.snapshots[executionID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// EvictExpired removes snapshots whose terminal event is older than
// evictAfter (§4.7). Intended to run periodically from a background
// goroutine.
func (h *Hub) EvictExpired() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted := 0
	now := h.now()
	for id, snap := range h.snapshots {
		if snap.terminalAt != nil && now.Sub(*snap.terminalAt) > evictAfter {
			delete(h.snapshots, id)
			evicted++
		}
	}
	return evicted
}

var subscriberSeq struct {
	mu sync.Mutex
	n  int
}

func newSubscriberID() string {
	subscriberSeq.mu.Lock()
	defer subscriberSeq.mu.Unlock()
	subscriberSeq.n++
	return "sub-" + strconv.Itoa(subscriberSeq.n)
}
