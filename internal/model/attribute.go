package model

import "time"

// Confidence tiers for an extracted value.
type Confidence string

const (
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVerified Confidence = "verified"
)

// SourceKind identifies what produced an attribute version.
type SourceKind string

const (
	SourceKindDocument SourceKind = "document"
	SourceKindManual   SourceKind = "manual"
	SourceKindDerived  SourceKind = "derived"
	SourceKindLookup   SourceKind = "external-lookup"
)

// Source describes who or what said a value.
type Source struct {
	Kind        SourceKind `json:"kind"`
	SourceID    string     `json:"source_id"`
	DisplayName string     `json:"display_name"`
}

// AttributeVersion is one timestamped, source-attributed value for one field
// of one record. Versions are append-only: corrections insert new versions,
// they never mutate old ones. For a given (record, field) pair with a null
// effective date, at most one version is current at any time. When
// EffectiveDate is set, the current invariant is scoped per effective period,
// so quarterly values for the same field can be simultaneously current.
type AttributeVersion struct {
	ID            string     `json:"id"`
	RecordID      string     `json:"record_id"`
	Field         string     `json:"field"`
	Value         string     `json:"value"`
	Source        Source     `json:"source"`
	IsCurrent     bool       `json:"is_current"`
	Confidence    Confidence `json:"confidence"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	PeriodType    string     `json:"period_type,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
