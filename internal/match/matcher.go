// Package match resolves extracted (name, firm) pairs against existing
// records so repeat documents about the same offering update one record
// instead of creating duplicates.
package match

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
	"github.com/crestline-labs/dealflow/internal/store"
)

// Matcher resolves candidate identities to records.
type Matcher struct {
	store store.Store
}

func New(st store.Store) *Matcher {
	return &Matcher{store: st}
}

// Resolve finds the record matching the given name and firm, or nil if no
// existing record matches. Matching is two-tier:
//
//  1. Exact case-insensitive match on both name and firm.
//  2. Exact case-insensitive firm match where one name contains the other,
//     so "Falcon Credit Fund II" resolves to "Falcon Credit Fund II (Offshore)"
//     and vice versa.
//
// Ties break to the oldest record. Name-only and firm-substring matches are
// deliberately not attempted; a wrong merge is worse than a duplicate.
func (m *Matcher) Resolve(ctx context.Context, ownerID, name, firm string) (*model.Record, error) {
	name = strings.TrimSpace(name)
	firm = strings.TrimSpace(firm)
	if name == "" && firm == "" {
		return nil, resilience.NewValidationError("match: name or firm is required")
	}

	if name != "" && firm != "" {
		record, err := m.store.FindRecordExact(ctx, ownerID, name, firm)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}

	if firm == "" {
		return nil, nil
	}
	candidates, err := m.store.FindRecordsByFirm(ctx, ownerID, firm)
	if err != nil {
		return nil, err
	}
	// An absent name on either side contains trivially, so a bare firm match
	// still resolves to the oldest record for that firm.
	lowered := strings.ToLower(name)
	for i := range candidates {
		existing := strings.ToLower(candidates[i].Name())
		if strings.Contains(existing, lowered) || strings.Contains(lowered, existing) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// ResolveOrCreate resolves to an existing record or creates a fresh one.
// The resolve-then-create pair runs under the owner lock, and a created
// record's current view is seeded with the name and firm before the lock is
// released, so two documents about the same new offering, processed
// concurrently, converge on a single record. Returns the record and whether
// it was created.
func (m *Matcher) ResolveOrCreate(ctx context.Context, ownerID, name, firm string) (*model.Record, bool, error) {
	name = strings.TrimSpace(name)
	firm = strings.TrimSpace(firm)

	var record *model.Record
	var created bool

	err := m.store.WithOwnerLock(ctx, ownerID, func(ctx context.Context) error {
		found, err := m.Resolve(ctx, ownerID, name, firm)
		if err != nil {
			return err
		}
		if found != nil {
			record = found
			return nil
		}
		record, err = m.store.CreateRecord(ctx, ownerID)
		if err != nil {
			return err
		}
		// Seed the matching key while still holding the lock. The attribute
		// versions land later; without the seed a sibling resolving the same
		// identity in that window would miss this record and create another.
		seed := make(map[string]string, 2)
		if name != "" {
			seed[model.FieldName] = name
		}
		if firm != "" {
			seed[model.FieldFirm] = firm
		}
		if len(seed) > 0 {
			if err := m.store.UpdateRecordCurrent(ctx, record.ID, seed); err != nil {
				return err
			}
			record.Current = seed
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		zap.L().Info("created record",
			zap.String("record_id", record.ID),
			zap.String("owner_id", ownerID),
			zap.String("name", name),
			zap.String("firm", firm),
		)
	}
	return record, created, nil
}
