package breaker

import (
	"context"
	"time"
)

// Levels are the four composed breaker levels from §4.3.
const (
	LevelNodeType = "node-type"
	LevelUser     = "user"
	LevelWorkflow = "workflow"
	LevelGlobal   = "global"
)

// Admission is the result of shouldAllowExecution: the first blocking level
// is reported for diagnostics (§4.3).
type Admission struct {
	Allowed   bool
	BlockedBy string
}

// MultiLevelBreaker composes breakers at {node-type, user, workflow, global}
// and admits an operation only when every level is CLOSED or HALF_OPEN (C4).
type MultiLevelBreaker struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New constructs a MultiLevelBreaker backed by store.
func New(store Store, cfg Config) *MultiLevelBreaker {
	return &MultiLevelBreaker{store: store, cfg: cfg, now: time.Now}
}

// Scope identifies the {nodeType, userID, workflowID} triple an operation
// runs under. Any field may be empty to skip that level (e.g. the global
// admission at §4.5 step 3 only checks {workflow, user, global}).
type Scope struct {
	NodeType   string
	UserID     string
	WorkflowID string
}

func (s Scope) circuitIDs() []string {
	ids := make([]string, 0, 4)
	if s.NodeType != "" {
		ids = append(ids, CircuitID(LevelNodeType, s.NodeType, ""))
	}
	if s.UserID != "" {
		ids = append(ids, CircuitID(LevelUser, s.UserID, ""))
	}
	if s.WorkflowID != "" {
		ids = append(ids, CircuitID(LevelWorkflow, s.WorkflowID, ""))
	}
	ids = append(ids, CircuitID(LevelGlobal, "global", ""))
	return ids
}

// ShouldAllow checks admission across every level in scope, returning the
// first blocking level it encounters.
func (b *MultiLevelBreaker) ShouldAllow(ctx context.Context, scope Scope) (Admission, error) {
	for _, circuitID := range scope.circuitIDs() {
		state, err := b.store.Get(ctx, circuitID)
		if err != nil {
			return Admission{}, err
		}
		state = MaybeAdvanceToHalfOpen(state, b.cfg, b.now())
		if state.State == Open {
			return Admission{Allowed: false, BlockedBy: circuitID}, nil
		}
	}
	return Admission{Allowed: true}, nil
}

// RecordSuccess records a success at every level in scope.
func (b *MultiLevelBreaker) RecordSuccess(ctx context.Context, scope Scope) error {
	now := b.now()
	for _, circuitID := range scope.circuitIDs() {
		if _, err := b.store.RecordSuccess(ctx, circuitID, b.cfg, now); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure records a failure at every level in scope.
func (b *MultiLevelBreaker) RecordFailure(ctx context.Context, scope Scope) error {
	now := b.now()
	for _, circuitID := range scope.circuitIDs() {
		if _, err := b.store.RecordFailure(ctx, circuitID, b.cfg, now); err != nil {
			return err
		}
	}
	return nil
}
