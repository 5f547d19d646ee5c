package model

import "time"

// Well-known field keys. The field vocabulary is open: extraction may produce
// any key, these are just the ones the standard extractor emits and the
// matcher/summary code references.
const (
	FieldName           = "name"
	FieldFirm           = "firm"
	FieldStrategy       = "strategy_description"
	FieldLeaders        = "leaders"
	FieldManagementFees = "management_fees"
	FieldIncentiveFees  = "incentive_fees"
	FieldLiquidityLock  = "liquidity_lock"
	FieldTargetReturns  = "target_net_returns"
	FieldSummary        = "summary_md"
)

// Record is the deduplicated investment entity that extraction runs
// accumulate into. Current holds the denormalized field -> value view,
// rebuilt from attribute versions on every mutation. It exists for fast
// reads only; the attribute version history is the source of truth.
type Record struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	Current    map[string]string `json:"current"`
	IsArchived bool              `json:"is_archived"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Name returns the record's current investment name, if any.
func (r *Record) Name() string {
	return r.Current[FieldName]
}

// Firm returns the record's current firm, if any.
func (r *Record) Firm() string {
	return r.Current[FieldFirm]
}

// LinkKind describes how a document relates to a record.
type LinkKind string

const (
	LinkKindSource     LinkKind = "source"
	LinkKindReference  LinkKind = "reference"
	LinkKindSupplement LinkKind = "supplement"
)

// SourceLink ties a record to one of its input documents. At most one link
// exists per (record, document) pair; re-linking is a no-op.
type SourceLink struct {
	RecordID   string    `json:"record_id"`
	DocumentID string    `json:"document_id"`
	Kind       LinkKind  `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}
