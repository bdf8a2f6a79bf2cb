package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceQueueMessage wraps one Consumer.process invocation in a span, the
// tracing counterpart of the engine's QueueConsumer ingestion path.
func TraceQueueMessage(ctx context.Context, queueName, executionID string, fn func(context.Context)) {
	ctx, span := startSpan(ctx, "queue.process_message")
	defer span.End()

	span.SetAttributes(
		attribute.String("queue.name", queueName),
		attribute.String("execution_id", executionID),
		attribute.String("component", "queue_consumer"),
	)

	fn(ctx)
	span.SetStatus(codes.Ok, "message processed")
}

// TraceWorkflowExecution wraps one WorkflowExecutor.ExecuteWorkflow call in a
// span covering every node the orchestrator runs.
func TraceWorkflowExecution(ctx context.Context, workflowID, executionID, userID string, fn func(context.Context) error) error {
	ctx, span := startSpan(ctx, "workflow.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("execution_id", executionID),
		attribute.String("user_id", userID),
		attribute.String("component", "orchestrator"),
	)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "workflow execution completed")
	return nil
}

// TraceNodeExecution wraps one NodeExecutor.Execute call in a span.
func TraceNodeExecution(ctx context.Context, executionID, nodeID, blockType string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := startSpan(ctx, "workflow.node.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("node_id", nodeID),
		attribute.String("block_type", blockType),
		attribute.String("component", "node_executor"),
	)

	output, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "node execution completed")
	return output, nil
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("flowmesh-engine").Start(ctx, name)
}
