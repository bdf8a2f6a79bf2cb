// Package breaker implements the CircuitBreakerStore (C3) and
// MultiLevelBreaker (C4): a persisted, four-level circuit breaker state
// machine (§4.3).
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config holds the state-machine thresholds, defaulting per §4.3.
type Config struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	MonitorWindow            time.Duration
}

// DefaultConfig returns the §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
		MonitorWindow:            120 * time.Second,
	}
}

// CircuitState is the persisted row for one circuitId (§3 CircuitBreakerState).
type CircuitState struct {
	CircuitID        string
	State            State
	FailureCount     int
	SuccessCount     int
	LastFailureTime  *time.Time
	LastSuccessTime  *time.Time
	LastHalfOpenTime *time.Time
	UpdatedAt        time.Time
}

// Store persists CircuitState rows, keyed uniquely by CircuitID (C3). Every
// state-affecting call is a single upsert; implementations must serialize
// concurrent updates to the same circuitId (§4.3).
type Store interface {
	// Get returns the current state, or a fresh CLOSED state if none exists.
	Get(ctx context.Context, circuitID string) (CircuitState, error)
	// RecordSuccess applies the success transition of §4.3 and persists it.
	RecordSuccess(ctx context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error)
	// RecordFailure applies the failure transition of §4.3 and persists it.
	RecordFailure(ctx context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error)
}

// Transition applies one success or failure event to prev per the state
// machine in §4.3 and returns the resulting state. It is pure so both the
// in-memory and Postgres-backed stores can share it.
func Transition(prev CircuitState, cfg Config, now time.Time, success bool) CircuitState {
	next := prev

	if success {
		switch prev.State {
		case HalfOpen:
			next.SuccessCount++
			if next.SuccessCount >= cfg.HalfOpenSuccessThreshold {
				next.State = Closed
				next.FailureCount = 0
				next.SuccessCount = 0
			}
		case Open:
			// success events while open are not expected via normal admission
			// (admission denies), but are harmless if replayed.
			next.SuccessCount++
		default:
			next.SuccessCount++
			next.FailureCount = 0
		}
		t := now
		next.LastSuccessTime = &t
		next.UpdatedAt = now
		return next
	}

	// failure path
	if prev.LastFailureTime != nil && now.Sub(*prev.LastFailureTime) > cfg.MonitorWindow && prev.State == Closed {
		next.FailureCount = 1
	} else {
		next.FailureCount++
	}
	t := now
	next.LastFailureTime = &t
	next.UpdatedAt = now

	switch prev.State {
	case HalfOpen:
		next.State = Open
		next.SuccessCount = 0
	case Closed:
		next.SuccessCount = 0
		if next.FailureCount >= cfg.FailureThreshold {
			next.State = Open
		}
	case Open:
		// stays open; resetTimeout governs the OPEN->HALF_OPEN transition,
		// which is evaluated lazily on Get/admission, not here.
	}

	return next
}

// MaybeAdvanceToHalfOpen applies the OPEN -> HALF_OPEN transition if
// resetTimeout has elapsed since the last failure. It does not mutate the
// failure/success counters.
func MaybeAdvanceToHalfOpen(s CircuitState, cfg Config, now time.Time) CircuitState {
	if s.State != Open || s.LastFailureTime == nil {
		return s
	}
	if now.Sub(*s.LastFailureTime) >= cfg.ResetTimeout {
		s.State = HalfOpen
		s.SuccessCount = 0
		t := now
		s.LastHalfOpenTime = &t
	}
	return s
}

// MemoryStore is an in-memory Store, used by tests. PostgresStore keeps its
// own read cache and does not sit behind a MemoryStore.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]CircuitState
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]CircuitState)}
}

func (m *MemoryStore) Get(_ context.Context, circuitID string) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(circuitID, DefaultConfig(), time.Now()), nil
}

func (m *MemoryStore) getLocked(circuitID string, cfg Config, now time.Time) CircuitState {
	row, ok := m.rows[circuitID]
	if !ok {
		row = CircuitState{CircuitID: circuitID, State: Closed, UpdatedAt: now}
	}
	row = MaybeAdvanceToHalfOpen(row, cfg, now)
	m.rows[circuitID] = row
	return row
}

func (m *MemoryStore) RecordSuccess(_ context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.getLocked(circuitID, cfg, now)
	next := Transition(prev, cfg, now, true)
	m.rows[circuitID] = next
	return next, nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.getLocked(circuitID, cfg, now)
	next := Transition(prev, cfg, now, false)
	m.rows[circuitID] = next
	return next, nil
}

// CircuitID formats the {level}:{scope}:{operation} key from §3/§4.3. The
// operation segment is optional (empty string omits the trailing separator),
// used by the node-type/user/workflow/global levels which key only on scope.
func CircuitID(level, scope, operation string) string {
	if operation == "" {
		return fmt.Sprintf("%s:%s", level, scope)
	}
	return fmt.Sprintf("%s:%s:%s", level, scope, operation)
}
