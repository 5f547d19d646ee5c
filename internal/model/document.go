package model

import "time"

// DocumentStatus is the processing state of one input document.
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusConverting DocumentStatus = "converting"
	DocStatusConverted  DocumentStatus = "converted"
	DocStatusExtracting DocumentStatus = "extracting"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusFailed     DocumentStatus = "failed"
	DocStatusSkipped    DocumentStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case DocStatusCompleted, DocStatusFailed, DocStatusSkipped:
		return true
	}
	return false
}

// documentTransitions enumerates the legal state machine edges.
// FAILED is reachable from any non-terminal state; SKIPPED only from PENDING.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocStatusPending:    {DocStatusConverting, DocStatusSkipped, DocStatusFailed},
	DocStatusConverting: {DocStatusConverted, DocStatusFailed},
	DocStatusConverted:  {DocStatusExtracting, DocStatusFailed},
	DocStatusExtracting: {DocStatusCompleted, DocStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	for _, t := range documentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Document is one unit of input driven through the pipeline state machine.
// Subject, Sender and BodyText carry the originating email metadata used by
// classification; Markdown holds the converted text once conversion runs.
type Document struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	Filename     string         `json:"filename"`
	FilePath     string         `json:"file_path,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Sender       string         `json:"sender,omitempty"`
	BodyText     string         `json:"body_text,omitempty"`
	Markdown     string         `json:"markdown,omitempty"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
