// Package execlog implements the ExecutionLogger (C7): appending structured
// log entries to the durable log and forwarding them to the monitor.
package execlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flowmesh/engine/internal/workflow"
)

// Store is the durable append-only sink (internal/workflow.Repository
// satisfies this).
type Store interface {
	AppendLog(ctx context.Context, entry workflow.LogEntry) error
}

// Forwarder is anything that wants a copy of every log entry for live
// delivery (internal/monitor.Hub satisfies this).
type Forwarder interface {
	PublishLog(executionID string, entry workflow.LogEntry)
}

// Logger is the ExecutionLogger (C7): every entry is written through to the
// durable Store and forwarded to an optional Forwarder, matching the
// engine's audit-log idiom of constructing a typed event then persisting it.
type Logger struct {
	store     Store
	forwarder Forwarder
	slog      *slog.Logger
}

// New constructs a Logger. forwarder may be nil.
func New(store Store, forwarder Forwarder, sl *slog.Logger) *Logger {
	return &Logger{store: store, forwarder: forwarder, slog: sl}
}

func (l *Logger) log(ctx context.Context, executionID string, nodeID *string, level workflow.LogLevel, message string, metadata map[string]interface{}) {
	var meta json.RawMessage
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = b
		}
	}

	entry := workflow.LogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Message:     message,
		Metadata:    meta,
		Timestamp:   time.Now(),
	}

	if err := l.store.AppendLog(ctx, entry); err != nil {
		l.slog.Error("failed to append execution log", "execution_id", executionID, "error", err)
	}
	if l.forwarder != nil {
		l.forwarder.PublishLog(executionID, entry)
	}

	attrs := []any{"execution_id", executionID, "level", level}
	if nodeID != nil {
		attrs = append(attrs, "node_id", *nodeID)
	}
	switch level {
	case workflow.LogError:
		l.slog.Error(message, attrs...)
	case workflow.LogWarn:
		l.slog.Warn(message, attrs...)
	case workflow.LogDebug:
		l.slog.Debug(message, attrs...)
	default:
		l.slog.Info(message, attrs...)
	}
}

// Info logs an execution-scoped informational entry.
func (l *Logger) Info(ctx context.Context, executionID, message string, metadata map[string]interface{}) {
	l.log(ctx, executionID, nil, workflow.LogInfo, message, metadata)
}

// Warn logs an execution-scoped warning entry.
func (l *Logger) Warn(ctx context.Context, executionID, message string, metadata map[string]interface{}) {
	l.log(ctx, executionID, nil, workflow.LogWarn, message, metadata)
}

// Error logs an execution-scoped error entry.
func (l *Logger) Error(ctx context.Context, executionID, message string, metadata map[string]interface{}) {
	l.log(ctx, executionID, nil, workflow.LogError, message, metadata)
}

// NodeInfo logs a node-scoped informational entry (the NodeLog stream of §3).
func (l *Logger) NodeInfo(ctx context.Context, executionID, nodeID, message string, metadata map[string]interface{}) {
	id := nodeID
	l.log(ctx, executionID, &id, workflow.LogInfo, message, metadata)
}

// NodeError logs a node-scoped error entry.
func (l *Logger) NodeError(ctx context.Context, executionID, nodeID, message string, metadata map[string]interface{}) {
	id := nodeID
	l.log(ctx, executionID, &id, workflow.LogError, message, metadata)
}
