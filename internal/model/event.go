package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProgressEvent is one immutable status update emitted by the pipeline.
type ProgressEvent struct {
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// SSE formats the event as a Server-Sent Events data frame.
func (e ProgressEvent) SSE() string {
	body := struct {
		Stage     string         `json:"stage"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details"`
		Timestamp string         `json:"timestamp"`
	}{
		Stage:     e.Stage,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if body.Details == nil {
		body.Details = map[string]any{}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "data: {}\n\n"
	}
	return fmt.Sprintf("data: %s\n\n", b)
}

// Outcome reports the result of driving one document through the pipeline.
// Batches report one outcome per document; there is no all-or-nothing
// semantics at the batch level.
type Outcome struct {
	DocumentID string         `json:"document_id"`
	Status     DocumentStatus `json:"status"`
	RecordID   string         `json:"record_id,omitempty"`
	Created    bool           `json:"created,omitempty"`
	Error      string         `json:"error,omitempty"`
}
