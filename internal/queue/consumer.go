package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/flowmesh/engine/internal/cache"
	"github.com/flowmesh/engine/internal/classify"
	"github.com/flowmesh/engine/internal/graph"
	"github.com/flowmesh/engine/internal/orchestrator"
	"github.com/flowmesh/engine/internal/quota"
	"github.com/flowmesh/engine/internal/tracing"
	"github.com/flowmesh/engine/internal/workflow"
)

// Repository is the subset of workflow.Repository the consumer drives
// directly (claim/lookup); the orchestrator owns the rest.
type Repository interface {
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ClaimExecution(ctx context.Context, id, workerID string, leaseTTL time.Duration, now time.Time) (*workflow.Execution, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	GetProfile(ctx context.Context, userID string) (*workflow.Profile, error)
}

// Orchestrator is the subset of orchestrator.Executor the consumer calls.
type Orchestrator interface {
	ExecuteWorkflow(ctx context.Context, nodes []graph.Node, edges []graph.Edge, executionID, userID, workflowID string, resumeFromNodeID string, resumeData map[string]interface{}) (orchestrator.Result, error)
}

// Config holds consumer tuning settings, the §4.6/§5 counterparts of the
// engine's ConsumerConfig.
type Config struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	MaxRetries        int
	ProcessTimeout    time.Duration
	ConcurrentWorkers int
	LeaseTTL          time.Duration
	CacheSize         int
	CacheTTL          time.Duration
}

// DefaultConfig returns the §4.6/§6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:       10,
		WaitTimeSeconds:   20,
		MaxRetries:        3,
		ProcessTimeout:    5 * time.Minute,
		ConcurrentWorkers: 10,
		LeaseTTL:          5 * time.Minute,
		CacheSize:         100,
		CacheTTL:          time.Hour,
	}
}

// Metrics is the subset of metrics the consumer records; satisfied by
// internal/metrics.Metrics.
type Metrics interface {
	RecordMessageReceived()
	RecordMessageProcessed(success bool)
	RecordMessageRetried()
	RecordMessageDeadLettered()
}

// ConcurrencyLimiter caps the number of executions a user may have running
// at once; satisfied by internal/worker.ConcurrencyLimiter. Nil disables
// the check.
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context, userID, executionID string) (bool, error)
	Release(ctx context.Context, userID, executionID string) error
}

// capacityRetryDelay is the fixed backoff applied when a user is at their
// concurrency ceiling; it is backpressure, not a failure, so it bypasses the
// classifier's retry-count budget.
const capacityRetryDelay = 2 * time.Second

// Consumer is the QueueConsumer (C8): it drains the main queue, enforces
// the claim/ownership/quota protocol, invokes the Orchestrator, and routes
// failures to the retry or dead-letter queue via the ErrorClassifier,
// mirroring the engine's worker-pool Consumer shape.
type Consumer struct {
	broker       Broker
	repo         Repository
	quota        *quota.Tracker
	orchestrator Orchestrator
	logger       *slog.Logger
	metrics      Metrics
	cfg          Config

	workflowCache *cache.TTLCache[string, *workflow.Workflow]
	profileCache  *cache.TTLCache[string, *workflow.Profile]

	limiter  ConcurrencyLimiter
	workerID string
	mu       sync.Mutex
	running  bool
	now      func() time.Time
}

// New constructs a Consumer. metrics and limiter may both be nil.
func New(broker Broker, repo Repository, tracker *quota.Tracker, orch Orchestrator, logger *slog.Logger, metrics Metrics, limiter ConcurrencyLimiter, cfg Config) *Consumer {
	return &Consumer{
		broker:        broker,
		repo:          repo,
		quota:         tracker,
		orchestrator:  orch,
		logger:        logger,
		metrics:       metrics,
		limiter:       limiter,
		cfg:           cfg,
		workflowCache: cache.New[string, *workflow.Workflow](cfg.CacheSize, cfg.CacheTTL),
		profileCache:  cache.New[string, *workflow.Profile](cfg.CacheSize, cfg.CacheTTL),
		workerID:      newWorkerID(),
		now:           time.Now,
	}
}

func newWorkerID() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(1_000_000))
	return fmt.Sprintf("worker-%d-%d", os.Getpid(), n.Int64())
}

// Start runs the poll loop until ctx is canceled, fanning received messages
// out to a fixed worker pool, mirroring the engine's Consumer.Start shape.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("queue: consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	messages := make(chan Message, c.cfg.ConcurrentWorkers*2)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.ConcurrentWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				c.process(ctx, msg)
			}
		}()
	}

	go func() {
		defer close(messages)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			received, err := c.broker.Receive(ctx, int(c.cfg.MaxMessages), time.Duration(c.cfg.WaitTimeSeconds)*time.Second)
			if err != nil {
				c.logger.Error("queue receive failed", "error", err)
				continue
			}
			for _, r := range received {
				if c.metrics != nil {
					c.metrics.RecordMessageReceived()
				}
				select {
				case messages <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	wg.Wait()
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// process implements the per-message protocol of §4.6 steps 2-10, wrapped
// in a tracing span once the envelope's execution id is known.
func (c *Consumer) process(ctx context.Context, msg Message) {
	env, err := UnmarshalEnvelope(msg.Body)
	if err != nil {
		c.logger.Error("malformed envelope", "error", err, "message_id", msg.ID)
		c.nackRequeue(ctx, msg)
		return
	}
	if err := env.Validate(); err != nil {
		c.logger.Error("invalid envelope", "error", err, "message_id", msg.ID)
		c.nackRequeue(ctx, msg)
		return
	}

	tracing.TraceQueueMessage(ctx, "executions", env.ExecutionID, func(ctx context.Context) {
		c.processEnvelope(ctx, msg, env)
	})
}

// processEnvelope runs the claim/quota/execute protocol for an already
// parsed and validated envelope.
func (c *Consumer) processEnvelope(ctx context.Context, msg Message, env *Envelope) {
	processCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
	defer cancel()

	exec, err := c.repo.GetExecution(processCtx, env.ExecutionID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			c.ackDrop(ctx, msg, "execution not found")
			return
		}
		c.logger.Error("failed to load execution", "error", err, "execution_id", env.ExecutionID)
		c.nackRequeue(ctx, msg)
		return
	}
	if exec.Status.IsTerminal() {
		c.ackDrop(ctx, msg, "execution already terminal")
		return
	}
	if exec.Status == workflow.ExecutionPaused && !env.IsResume() {
		c.ackDrop(ctx, msg, "execution paused, not a resume message")
		return
	}

	if c.limiter != nil {
		acquired, err := c.limiter.Acquire(processCtx, env.UserID, env.ExecutionID)
		if err != nil {
			c.logger.Warn("concurrency limiter check failed, proceeding without it", "error", err, "user_id", env.UserID)
		} else if !acquired {
			c.logger.Info("user at concurrency capacity, deferring message", "user_id", env.UserID, "execution_id", env.ExecutionID)
			if err := c.broker.PublishRetry(ctx, env, capacityRetryDelay); err != nil {
				c.logger.Error("failed to republish capacity-deferred message", "error", err, "execution_id", env.ExecutionID)
			}
			if c.metrics != nil {
				c.metrics.RecordMessageRetried()
			}
			if err := c.broker.Ack(ctx, msg); err != nil {
				c.logger.Error("failed to ack capacity-deferred message", "error", err)
			}
			return
		} else {
			defer func() {
				if err := c.limiter.Release(ctx, env.UserID, env.ExecutionID); err != nil {
					c.logger.Error("failed to release concurrency slot", "error", err, "user_id", env.UserID)
				}
			}()
		}
	}

	claimed, err := c.repo.ClaimExecution(processCtx, env.ExecutionID, c.workerID, c.cfg.LeaseTTL, c.now())
	if err != nil {
		if errors.Is(err, workflow.ErrClaimConflict) {
			c.ackDrop(ctx, msg, "claim conflict")
			return
		}
		c.logger.Error("claim failed", "error", err, "execution_id", env.ExecutionID)
		c.nackRequeue(ctx, msg)
		return
	}

	wf, err := c.resolveWorkflow(processCtx, env.WorkflowID)
	if err != nil {
		c.fail(ctx, msg, env, claimed, err)
		return
	}
	if wf.UserID != env.UserID {
		c.fail(ctx, msg, env, claimed, fmt.Errorf("workflow %s does not belong to user %s", wf.ID, env.UserID))
		return
	}

	profile, err := c.resolveProfile(processCtx, env.UserID)
	if err != nil {
		c.fail(ctx, msg, env, claimed, err)
		return
	}
	if exceeded, _, err := checkQuota(profile); err != nil {
		c.fail(ctx, msg, env, claimed, err)
		return
	} else if exceeded {
		c.fail(ctx, msg, env, claimed, classify.ErrQuotaExceeded)
		return
	}

	if c.quota != nil {
		if err := c.quota.Increment(processCtx, env.UserID); err != nil {
			c.logger.Warn("quota increment failed, continuing", "error", err, "user_id", env.UserID)
		}
	}

	nodes, edges, err := decodeGraph(wf)
	if err != nil {
		c.fail(ctx, msg, env, claimed, err)
		return
	}

	var resumeData map[string]interface{}
	if len(env.ResumeData) > 0 {
		if err := json.Unmarshal(env.ResumeData, &resumeData); err != nil {
			c.fail(ctx, msg, env, claimed, fmt.Errorf("invalid resumeData: %w", err))
			return
		}
	}

	result, err := c.orchestrator.ExecuteWorkflow(processCtx, nodes, edges, env.ExecutionID, env.UserID, env.WorkflowID, env.ResumeFromNodeID, resumeData)
	if err != nil {
		c.fail(ctx, msg, env, claimed, err)
		return
	}
	if result.Status == workflow.ExecutionFailed {
		c.fail(ctx, msg, env, claimed, errors.New(result.Error))
		return
	}

	if c.metrics != nil {
		c.metrics.RecordMessageProcessed(true)
	}
	if err := c.broker.Ack(ctx, msg); err != nil {
		c.logger.Error("failed to ack message", "error", err, "message_id", msg.ID)
	}
}

func checkQuota(p *workflow.Profile) (bool, int64, error) {
	if p.MonthlyExecutionQuota < 0 {
		return false, -1, nil
	}
	remaining := p.MonthlyExecutionQuota - p.MonthlyExecutionCount
	if remaining < 0 {
		remaining = 0
	}
	return p.MonthlyExecutionCount >= p.MonthlyExecutionQuota, remaining, nil
}

func decodeGraph(wf *workflow.Workflow) ([]graph.Node, []graph.Edge, error) {
	var nodes []graph.Node
	var edges []graph.Edge
	if err := json.Unmarshal(wf.Nodes, &nodes); err != nil {
		return nil, nil, fmt.Errorf("queue: failed to decode workflow nodes: %w", err)
	}
	if err := json.Unmarshal(wf.Edges, &edges); err != nil {
		return nil, nil, fmt.Errorf("queue: failed to decode workflow edges: %w", err)
	}
	return nodes, edges, nil
}

func (c *Consumer) resolveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	if wf, ok := c.workflowCache.Get(id); ok {
		return wf, nil
	}
	wf, err := c.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	c.workflowCache.Put(id, wf)
	return wf, nil
}

func (c *Consumer) resolveProfile(ctx context.Context, userID string) (*workflow.Profile, error) {
	if p, ok := c.profileCache.Get(userID); ok {
		return p, nil
	}
	p, err := c.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.profileCache.Put(userID, p)
	return p, nil
}

// fail implements §4.6 step 10: classify, route to retry or dead-letter,
// and ack/nack the original message accordingly. The orchestrator has
// already persisted the execution's terminal state for node-level
// failures; pre-execution failures here (claim/quota/ownership) are
// reported solely through the queue's own classification.
func (c *Consumer) fail(ctx context.Context, msg Message, env *Envelope, exec *workflow.Execution, err error) {
	classification := classify.Classify(err)
	c.logger.Error("message processing failed", "execution_id", env.ExecutionID, "error", err, "kind", classification.Kind)

	if c.metrics != nil {
		c.metrics.RecordMessageProcessed(false)
	}

	if classification.Retryable && env.RetryCount < c.cfg.MaxRetries {
		delay := time.Duration(classify.RetryDelayMS(classification.BaseDelay, env.RetryCount, jitterMS())) * time.Millisecond
		env.RetryCount++
		if err := c.broker.PublishRetry(ctx, env, delay); err != nil {
			c.logger.Error("failed to publish retry", "error", err, "execution_id", env.ExecutionID)
		}
		if c.metrics != nil {
			c.metrics.RecordMessageRetried()
		}
		if err := c.broker.Ack(ctx, msg); err != nil {
			c.logger.Error("failed to ack original message after retry publish", "error", err)
		}
		return
	}

	if c.metrics != nil {
		c.metrics.RecordMessageDeadLettered()
	}
	if err := c.broker.PublishDeadLetter(ctx, env, err.Error()); err != nil {
		c.logger.Error("failed to publish dead letter", "error", err, "execution_id", env.ExecutionID)
	}
	if err := c.broker.Nack(ctx, msg, false); err != nil {
		c.logger.Error("failed to nack message", "error", err, "execution_id", env.ExecutionID)
	}
}

func (c *Consumer) ackDrop(ctx context.Context, msg Message, reason string) {
	c.logger.Warn("dropping message", "message_id", msg.ID, "reason", reason)
	if err := c.broker.Ack(ctx, msg); err != nil {
		c.logger.Error("failed to ack dropped message", "error", err)
	}
}

func (c *Consumer) nackRequeue(ctx context.Context, msg Message) {
	if err := c.broker.Nack(ctx, msg, true); err != nil {
		c.logger.Error("failed to nack message for requeue", "error", err)
	}
}

func jitterMS() int {
	n, _ := rand.Int(rand.Reader, big.NewInt(1000))
	return int(n.Int64())
}

// IsRunning reports whether Start's poll loop is active.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
