// Package queue implements the QueueConsumer (C8): the broker envelope,
// the claim/quota/execute protocol of §4.6, and the ErrorClassifier-driven
// retry/DLQ routing.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the broker message body (§3 QueueMessage).
type Envelope struct {
	ExecutionID       string          `json:"executionId"`
	WorkflowID        string          `json:"workflowId"`
	WorkflowVersion   int             `json:"workflowVersion"`
	UserID            string          `json:"userId"`
	TriggerType       string          `json:"triggerType"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RetryCount        int             `json:"retryCount"`
	EnqueuedAt        time.Time       `json:"enqueuedAt"`
	CorrelationID     string          `json:"correlationId,omitempty"`
	ResumeFromNodeID  string          `json:"resumeFromNodeId,omitempty"`
	ResumeData        json.RawMessage `json:"resumeData,omitempty"`
}

// Marshal serializes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a broker message body into an Envelope.
func UnmarshalEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("queue: failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}

// Validate checks that the envelope carries the fields the consumer needs.
func (e *Envelope) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("queue: executionId is required")
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("queue: workflowId is required")
	}
	if e.UserID == "" {
		return fmt.Errorf("queue: userId is required")
	}
	return nil
}

// IsResume reports whether this envelope carries a resume marker.
func (e *Envelope) IsResume() bool {
	return e.ResumeFromNodeID != ""
}
