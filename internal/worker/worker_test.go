package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/engine/internal/config"
)

func TestBuildBrokerRejectsUnknownBackend(t *testing.T) {
	_, err := buildBroker(config.QueueConfig{Backend: "carrier-pigeon"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownQueueBackend))
}

func TestBuildBrokerConstructsKafka(t *testing.T) {
	b, err := buildBroker(config.QueueConfig{
		Backend:         "kafka",
		MainQueue:       "executions",
		RetryQueue:      "executions-retry",
		DeadLetterQueue: "executions-dlq",
		KafkaBrokers:    []string{"localhost:9092"},
	})

	require.NoError(t, err)
	require.NotNil(t, b)
	assert.NoError(t, b.Close())
}
