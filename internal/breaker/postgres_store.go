package breaker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// circuitRow mirrors the circuit_breaker_state table named in §6.
type circuitRow struct {
	CircuitID        string     `db:"circuit_id"`
	State            string     `db:"state"`
	FailureCount     int        `db:"failure_count"`
	SuccessCount     int        `db:"success_count"`
	LastFailureTime  *time.Time `db:"last_failure_time"`
	LastSuccessTime  *time.Time `db:"last_success_time"`
	LastHalfOpenTime *time.Time `db:"last_half_open_time"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r circuitRow) toState() CircuitState {
	return CircuitState{
		CircuitID:        r.CircuitID,
		State:            State(r.State),
		FailureCount:     r.FailureCount,
		SuccessCount:     r.SuccessCount,
		LastFailureTime:  r.LastFailureTime,
		LastSuccessTime:  r.LastSuccessTime,
		LastHalfOpenTime: r.LastHalfOpenTime,
		UpdatedAt:        r.UpdatedAt,
	}
}

// cacheEntry is a snapshot kept for at most cacheTTL to avoid hot-row
// contention on admission checks (§4.3).
type cacheEntry struct {
	state    CircuitState
	cachedAt time.Time
}

const cacheTTL = 1 * time.Second

// PostgresStore persists CircuitState rows in Postgres via sqlx, with a
// short-TTL in-memory read cache in front of it, following the engine's
// repository upsert idiom (single-row upsert keyed by circuit_id).
type PostgresStore struct {
	db *sqlx.DB

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, cache: make(map[string]cacheEntry)}
}

func (s *PostgresStore) cached(circuitID string) (CircuitState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[circuitID]
	if !ok || time.Since(entry.cachedAt) > cacheTTL {
		return CircuitState{}, false
	}
	return entry.state, true
}

func (s *PostgresStore) putCache(state CircuitState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[state.CircuitID] = cacheEntry{state: state, cachedAt: time.Now()}
}

// Get returns the cached snapshot if fresh, otherwise reads through to
// Postgres. If no row exists it returns (and caches) a fresh CLOSED state
// without inserting a row; the row is first written by an upsert.
func (s *PostgresStore) Get(ctx context.Context, circuitID string) (CircuitState, error) {
	if state, ok := s.cached(circuitID); ok {
		return state, nil
	}

	var row circuitRow
	err := s.db.GetContext(ctx, &row, `
		SELECT circuit_id, state, failure_count, success_count,
		       last_failure_time, last_success_time, last_half_open_time, updated_at
		FROM circuit_breaker_state
		WHERE circuit_id = $1`, circuitID)
	if errors.Is(err, sql.ErrNoRows) {
		state := CircuitState{CircuitID: circuitID, State: Closed, UpdatedAt: time.Now()}
		s.putCache(state)
		return state, nil
	}
	if err != nil {
		return CircuitState{}, err
	}

	state := row.toState()
	s.putCache(state)
	return state, nil
}

func (s *PostgresStore) upsert(ctx context.Context, next CircuitState) (CircuitState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_state
			(circuit_id, state, failure_count, success_count,
			 last_failure_time, last_success_time, last_half_open_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (circuit_id) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			last_failure_time = EXCLUDED.last_failure_time,
			last_success_time = EXCLUDED.last_success_time,
			last_half_open_time = EXCLUDED.last_half_open_time,
			updated_at = EXCLUDED.updated_at
		WHERE circuit_breaker_state.updated_at <= EXCLUDED.updated_at`,
		next.CircuitID, string(next.State), next.FailureCount, next.SuccessCount,
		next.LastFailureTime, next.LastSuccessTime, next.LastHalfOpenTime, next.UpdatedAt)
	if err != nil {
		return CircuitState{}, err
	}

	s.putCache(next)
	return next, nil
}

// RecordSuccess reads the current row (bypassing the cache to observe
// concurrent writers), applies the §4.3 success transition, and upserts the
// result. The WHERE clause on upsert provides optimistic-locking semantics
// on updated_at against a concurrent writer that raced ahead.
func (s *PostgresStore) RecordSuccess(ctx context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error) {
	return s.apply(ctx, circuitID, cfg, now, true)
}

// RecordFailure is the failure-path counterpart of RecordSuccess.
func (s *PostgresStore) RecordFailure(ctx context.Context, circuitID string, cfg Config, now time.Time) (CircuitState, error) {
	return s.apply(ctx, circuitID, cfg, now, false)
}

func (s *PostgresStore) apply(ctx context.Context, circuitID string, cfg Config, now time.Time, success bool) (CircuitState, error) {
	var row circuitRow
	err := s.db.GetContext(ctx, &row, `
		SELECT circuit_id, state, failure_count, success_count,
		       last_failure_time, last_success_time, last_half_open_time, updated_at
		FROM circuit_breaker_state
		WHERE circuit_id = $1`, circuitID)

	var prev CircuitState
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = CircuitState{CircuitID: circuitID, State: Closed, UpdatedAt: now}
	case err != nil:
		return CircuitState{}, err
	default:
		prev = row.toState()
	}

	prev = MaybeAdvanceToHalfOpen(prev, cfg, now)
	next := Transition(prev, cfg, now, success)
	return s.upsert(ctx, next)
}
