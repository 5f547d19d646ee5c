// Package attribution writes versioned, source-attributed field values and
// maintains each record's denormalized current view.
package attribution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
	"github.com/crestline-labs/dealflow/internal/store"
)

// WriteRequest describes one field value to record against a record.
type WriteRequest struct {
	RecordID      string
	Field         string
	Value         model.Value
	Source        model.Source
	Confidence    model.Confidence
	EffectiveDate *time.Time
	PeriodType    string
}

// Service writes attribute versions with conflict retry and keeps the
// record's current map in sync with the version table.
type Service struct {
	store store.Store
	retry resilience.RetryConfig
}

func New(st store.Store) *Service {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("attribution", "write")
	return &Service{store: st, retry: cfg}
}

// Write records a new version for the given field. Empty values are a no-op
// returning (nil, nil): an extractor that did not find a field must not
// disturb the existing current value. Write conflicts from concurrent
// extraction of the same record are retried with backoff; under retry the
// flip-then-insert transaction keeps at most one version current per
// (field, period) key.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*model.AttributeVersion, error) {
	if req.Value.IsEmpty() {
		return nil, nil
	}
	encoded, err := req.Value.Encode()
	if err != nil {
		return nil, err
	}
	if req.Source.Kind == "" {
		req.Source.Kind = model.SourceKindDocument
	}

	version, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.AttributeVersion, error) {
		return s.store.WriteAttributeVersion(ctx, model.AttributeVersion{
			RecordID:      req.RecordID,
			Field:         req.Field,
			Value:         encoded,
			Source:        req.Source,
			Confidence:    req.Confidence,
			EffectiveDate: req.EffectiveDate,
			PeriodType:    req.PeriodType,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.Refresh(ctx, req.RecordID); err != nil {
		// The version is committed; a stale view self-heals on the next write.
		zap.L().Warn("refresh record view failed",
			zap.String("record_id", req.RecordID),
			zap.Error(err),
		)
	}
	return version, nil
}

// WriteAll records a batch of field values against one record, refreshing the
// current view once at the end. Empty values are skipped. Returns the versions
// actually written.
func (s *Service) WriteAll(ctx context.Context, recordID string, reqs []WriteRequest) ([]model.AttributeVersion, error) {
	var written []model.AttributeVersion
	for _, req := range reqs {
		if req.Value.IsEmpty() {
			continue
		}
		encoded, err := req.Value.Encode()
		if err != nil {
			s.refreshPartial(ctx, recordID, written)
			return written, err
		}
		if req.Source.Kind == "" {
			req.Source.Kind = model.SourceKindDocument
		}
		version, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.AttributeVersion, error) {
			return s.store.WriteAttributeVersion(ctx, model.AttributeVersion{
				RecordID:      recordID,
				Field:         req.Field,
				Value:         encoded,
				Source:        req.Source,
				Confidence:    req.Confidence,
				EffectiveDate: req.EffectiveDate,
				PeriodType:    req.PeriodType,
			})
		})
		if err != nil {
			s.refreshPartial(ctx, recordID, written)
			return written, err
		}
		written = append(written, *version)
	}
	if len(written) == 0 {
		return nil, nil
	}
	return written, s.Refresh(ctx, recordID)
}

// refreshPartial brings the current view in line with the versions a failed
// batch did commit. The matcher reads that view, so leaving it behind the
// version table invites duplicate records on the next document.
func (s *Service) refreshPartial(ctx context.Context, recordID string, written []model.AttributeVersion) {
	if len(written) == 0 {
		return
	}
	if err := s.Refresh(ctx, recordID); err != nil {
		zap.L().Warn("refresh record view failed after partial batch",
			zap.String("record_id", recordID),
			zap.Int("written", len(written)),
			zap.Error(err),
		)
	}
}

// CurrentValues returns the current version per field. When a field carries
// both a point-in-time series and a null-period value, the null-period value
// wins; otherwise the latest effective date is chosen.
func (s *Service) CurrentValues(ctx context.Context, recordID string) (map[string]model.AttributeVersion, error) {
	versions, err := s.store.CurrentAttributeVersions(ctx, recordID)
	if err != nil {
		return nil, err
	}
	current := make(map[string]model.AttributeVersion, len(versions))
	for _, v := range versions {
		prev, ok := current[v.Field]
		if !ok {
			current[v.Field] = v
			continue
		}
		if prev.EffectiveDate == nil {
			continue
		}
		if v.EffectiveDate == nil || v.EffectiveDate.After(*prev.EffectiveDate) {
			current[v.Field] = v
		}
	}
	return current, nil
}

// History returns the full append-only version history for one field, newest
// first.
func (s *Service) History(ctx context.Context, recordID, field string) ([]model.AttributeVersion, error) {
	return s.store.AttributeHistory(ctx, recordID, field)
}

// Refresh recomputes the record's denormalized current map from the version
// table.
func (s *Service) Refresh(ctx context.Context, recordID string) error {
	current, err := s.CurrentValues(ctx, recordID)
	if err != nil {
		return err
	}
	view := make(map[string]string, len(current))
	for field, v := range current {
		view[field] = v.Value
	}
	return s.store.UpdateRecordCurrent(ctx, recordID, view)
}
