// Package store persists records, attribute versions, source links and
// document state machines in a transactional store.
package store

import (
	"context"

	"github.com/crestline-labs/dealflow/internal/model"
)

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	OwnerID         string `json:"owner_id,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
//
// WriteAttributeVersion performs the current-flip-then-insert atomically:
// all existing current versions for the (record, field, effective period)
// key are flipped to not-current, then the new version is inserted as
// current, in one transaction. Concurrent writers on the same key surface a
// conflict (resilience.IsConflict) rather than both ending up current.
//
// WithOwnerLock serializes resolve-or-create matching per owner so that
// concurrent extraction of the same firm cannot create duplicate records.
type Store interface {
	// Records
	CreateRecord(ctx context.Context, ownerID string) (*model.Record, error)
	GetRecord(ctx context.Context, recordID string) (*model.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	UpdateRecordCurrent(ctx context.Context, recordID string, current map[string]string) error
	ArchiveRecord(ctx context.Context, recordID string) error
	FindRecordExact(ctx context.Context, ownerID, name, firm string) (*model.Record, error)
	FindRecordsByFirm(ctx context.Context, ownerID, firm string) ([]model.Record, error)

	// Attribute versions
	WriteAttributeVersion(ctx context.Context, v model.AttributeVersion) (*model.AttributeVersion, error)
	CurrentAttributeVersions(ctx context.Context, recordID string) ([]model.AttributeVersion, error)
	AttributeHistory(ctx context.Context, recordID, field string) ([]model.AttributeVersion, error)

	// Source links (idempotent per (record, document) pair)
	LinkSource(ctx context.Context, recordID, documentID string, kind model.LinkKind) error
	ListSourceLinks(ctx context.Context, recordID string) ([]model.SourceLink, error)

	// Documents
	CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error)
	GetDocument(ctx context.Context, documentID string) (*model.Document, error)
	ListDocumentsByStatus(ctx context.Context, ownerID string, status model.DocumentStatus) ([]model.Document, error)
	TransitionDocument(ctx context.Context, documentID string, status model.DocumentStatus, errorMessage string) error
	SetDocumentMarkdown(ctx context.Context, documentID, markdown string) error

	// Matching serialization
	WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
