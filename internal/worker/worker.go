// Package worker wires the execution core (graph, breaker, node,
// orchestrator, queue) into a runnable process: connection setup, the
// concurrency limiter, the lease-expiry reclaimer, and lifecycle management.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"

	"github.com/flowmesh/engine/internal/blocks"
	"github.com/flowmesh/engine/internal/breaker"
	"github.com/flowmesh/engine/internal/config"
	"github.com/flowmesh/engine/internal/execlog"
	"github.com/flowmesh/engine/internal/metrics"
	"github.com/flowmesh/engine/internal/monitor"
	"github.com/flowmesh/engine/internal/node"
	"github.com/flowmesh/engine/internal/orchestrator"
	"github.com/flowmesh/engine/internal/quota"
	"github.com/flowmesh/engine/internal/queue"
	"github.com/flowmesh/engine/internal/tracing"
	"github.com/flowmesh/engine/internal/workflow"
)

// ErrUnknownQueueBackend is returned when config.QueueConfig.Backend names a
// transport this worker does not implement.
var ErrUnknownQueueBackend = fmt.Errorf("worker: unknown queue backend")

// Worker owns every long-lived connection and background loop of a running
// execution node: the queue consumer, the lease-expiry reclaimer, and the
// metrics/health surfaces reporting on them.
type Worker struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sqlx.DB
	redis *redis.Client

	repo     *workflow.Repository
	broker   queue.Broker
	consumer *queue.Consumer

	reclaimer *Reclaimer
	limiter   *ConcurrencyLimiter
	metrics   *metrics.Metrics
	hub       *monitor.Hub

	tracingShutdown func(context.Context) error

	wg      sync.WaitGroup
	running atomic.Bool
}

// New builds a Worker: database/redis connections, the handler registry,
// the breaker/node/orchestrator chain, a queue broker for cfg.Queue.Backend,
// and the consumer/reclaimer that drive it.
func New(cfg *config.Config, logger *slog.Logger) (*Worker, error) {
	tracingShutdown, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: failed to initialize tracing: %w", err)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("worker: failed to connect to database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	repo := workflow.NewRepository(db)
	breakerStore := breaker.NewPostgresStore(db)
	mlb := breaker.New(breakerStore, breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		ResetTimeout:             time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		MonitorWindow:            time.Duration(cfg.Breaker.MonitorWindowSeconds) * time.Second,
	})

	hub := monitor.NewHub(logger)
	execLogger := execlog.New(repo, hub, logger)

	registry := blocks.NewRegistry()
	nodeExec := node.New(registry, mlb, nil, node.Config{
		MaxRetries:             cfg.Node.MaxRetries,
		RetryBackoffMS:         cfg.Node.RetryBackoffMS,
		RetryJitterMS:          cfg.Node.RetryJitterMS,
		ExecutionTimeout:       time.Duration(cfg.Node.ExecutionTimeoutMS) * time.Millisecond,
		StrictSchemaValidation: cfg.Node.StrictSchemaValidation,
	}, logger)

	orch := orchestrator.New(repo, registry, mlb, nodeExec, execLogger, hub, cfg.Graph.TerminalAllowedCategories)

	m := metrics.New()

	tracker := quota.NewTracker(redisClient)
	limiter := NewConcurrencyLimiter(redisClient, cfg.Worker.MaxConcurrencyPerTenant)

	b, err := buildBroker(cfg.Queue)
	if err != nil {
		db.Close()
		tracingShutdown(context.Background())
		return nil, err
	}

	consumerCfg := queue.Config{
		MaxMessages:       cfg.Queue.MaxMessages,
		WaitTimeSeconds:   cfg.Queue.WaitTimeSeconds,
		MaxRetries:        cfg.Queue.MaxRetries,
		ProcessTimeout:    time.Duration(cfg.Queue.ProcessTimeout) * time.Second,
		ConcurrentWorkers: cfg.Queue.ConcurrentWorkers,
		LeaseTTL:          time.Duration(cfg.Worker.LeaseTTLSeconds) * time.Second,
		CacheSize:         100,
		CacheTTL:          time.Hour,
	}
	consumer := queue.New(b, repo, tracker, orch, logger, m, limiter, consumerCfg)

	reclaimer := NewReclaimer(repo, orch, logger, fmt.Sprintf("reclaimer-%d", time.Now().UnixNano()%1_000_000),
		time.Duration(cfg.Worker.LeaseTTLSeconds)*time.Second,
		time.Duration(cfg.Worker.PollIntervalSeconds)*time.Second*10)

	return &Worker{
		cfg:             cfg,
		logger:          logger,
		db:              db,
		redis:           redisClient,
		repo:            repo,
		broker:          b,
		consumer:        consumer,
		reclaimer:       reclaimer,
		limiter:         limiter,
		metrics:         m,
		hub:             hub,
		tracingShutdown: tracingShutdown,
	}, nil
}

// buildBroker constructs the queue.Broker named by cfg.Backend. SQS and
// RabbitMQ need a live connection; Kafka needs a writer per logical topic
// plus a single consumer-group reader over the main topic.
func buildBroker(cfg config.QueueConfig) (queue.Broker, error) {
	switch cfg.Backend {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("worker: failed to load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		return queue.NewSQSBroker(client, cfg.MainQueueURL, cfg.RetryQueueURL, cfg.DeadLetterQueueURL), nil

	case "rabbitmq":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("worker: failed to dial rabbitmq: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("worker: failed to open rabbitmq channel: %w", err)
		}
		return queue.NewRabbitMQBroker(ch, cfg.MainQueue, cfg.RetryQueue, cfg.DeadLetterQueue)

	case "kafka":
		brokers := cfg.KafkaBrokers
		mainWriter := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: cfg.MainQueue, Balancer: &kafka.LeastBytes{}}
		retryWriter := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: cfg.RetryQueue, Balancer: &kafka.LeastBytes{}}
		dlqWriter := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: cfg.DeadLetterQueue, Balancer: &kafka.LeastBytes{}}
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   cfg.MainQueue,
			GroupID: "flowmesh-worker",
		})
		return queue.NewKafkaBroker(mainWriter, retryWriter, dlqWriter, reader), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueueBackend, cfg.Backend)
	}
}

// Start runs the consumer's poll loop and the reclaim scan until ctx is
// canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.reclaimer.Run(ctx)
	}()

	return w.consumer.Start(ctx)
}

// Wait blocks until every background loop started by Start has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close releases the worker's connections.
func (w *Worker) Close() error {
	var firstErr error
	if err := w.broker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.tracingShutdown(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// IsRunning reports whether Start's loops are active.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// Metrics returns the worker's Prometheus collectors for registration by
// the process entrypoint.
func (w *Worker) Metrics() *metrics.Metrics {
	return w.metrics
}
