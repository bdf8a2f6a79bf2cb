package execlog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/engine/internal/workflow"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []workflow.LogEntry
}

func (f *fakeStore) AppendLog(_ context.Context, entry workflow.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

type fakeForwarder struct {
	mu      sync.Mutex
	entries []workflow.LogEntry
}

func (f *fakeForwarder) PublishLog(_ string, entry workflow.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func TestLoggerAppendsAndForwards(t *testing.T) {
	store := &fakeStore{}
	fwd := &fakeForwarder{}
	l := New(store, fwd, slog.New(slog.NewTextHandler(io.Discard, nil)))

	l.Info(context.Background(), "exec-1", "workflow started", map[string]interface{}{"workflow_id": "w1"})
	l.NodeError(context.Background(), "exec-1", "node-A", "handler failed", nil)

	require.Len(t, store.entries, 2)
	assert.Equal(t, workflow.LogInfo, store.entries[0].Level)
	assert.Nil(t, store.entries[0].NodeID)
	assert.Equal(t, workflow.LogError, store.entries[1].Level)
	require.NotNil(t, store.entries[1].NodeID)
	assert.Equal(t, "node-A", *store.entries[1].NodeID)

	require.Len(t, fwd.entries, 2)
}

func TestLoggerWithoutForwarder(t *testing.T) {
	store := &fakeStore{}
	l := New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.Warn(context.Background(), "exec-1", "slow handler", nil)
	require.Len(t, store.entries, 1)
}
