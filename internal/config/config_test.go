package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 3, cfg.Node.MaxRetries)
	assert.Equal(t, 1000, cfg.Node.RetryBackoffMS)
	assert.Equal(t, 500, cfg.Node.RetryJitterMS)
	assert.False(t, cfg.Node.StrictSchemaValidation)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, []string{"ACTION", "TRIGGER"}, cfg.Graph.TerminalAllowedCategories)
	assert.Equal(t, "sqs", cfg.Queue.Backend)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("NODE_MAX_RETRIES", "7")
	t.Setenv("TERMINAL_ALLOWED_CATEGORIES", "ACTION, CUSTOM , TRIGGER")
	t.Setenv("QUEUE_DELETE_AFTER_PROCESS", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Node.MaxRetries)
	assert.Equal(t, []string{"ACTION", "CUSTOM", "TRIGGER"}, cfg.Graph.TerminalAllowedCategories)
	assert.False(t, cfg.Queue.DeleteAfterProcess)
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Contains(t, d.ConnectionString(), "host=db")
	assert.Contains(t, d.ConnectionString(), "dbname=n")
}
