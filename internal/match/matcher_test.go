package match

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
	"github.com/crestline-labs/dealflow/internal/store"
)

func newTestMatcher(t *testing.T) (*Matcher, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return New(st), st
}

// seedRecord creates a record with the given name and firm in its current view.
func seedRecord(t *testing.T, st store.Store, owner, name, firm string) *model.Record {
	t.Helper()
	ctx := context.Background()
	record, err := st.CreateRecord(ctx, owner)
	require.NoError(t, err)
	current := map[string]string{}
	if name != "" {
		current[model.FieldName] = name
	}
	if firm != "" {
		current[model.FieldFirm] = firm
	}
	require.NoError(t, st.UpdateRecordCurrent(ctx, record.ID, current))
	return record
}

func TestResolve_ExactMatchCaseInsensitive(t *testing.T) {
	m, st := newTestMatcher(t)
	seeded := seedRecord(t, st, "owner-1", "Acme Fund", "Acme Capital")

	got, err := m.Resolve(context.Background(), "owner-1", "ACME FUND", "acme capital")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, seeded.ID, got.ID)
}

func TestResolve_SubstringNameSameFirm(t *testing.T) {
	m, st := newTestMatcher(t)
	seeded := seedRecord(t, st, "owner-1", "Acme Fund", "Acme Capital")

	// A later deck names the vehicle "Acme Fund I"; same firm, containing name.
	got, err := m.Resolve(context.Background(), "owner-1", "Acme Fund I", "Acme Capital")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, seeded.ID, got.ID)
}

func TestResolve_FirmOnlyMatchesExistingFirm(t *testing.T) {
	m, st := newTestMatcher(t)
	seeded := seedRecord(t, st, "owner-1", "Beta Flagship", "Beta Capital")

	got, err := m.Resolve(context.Background(), "owner-1", "", "Beta Capital")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, seeded.ID, got.ID)
}

func TestResolve_DifferentFirmNeverMatches(t *testing.T) {
	m, st := newTestMatcher(t)
	seedRecord(t, st, "owner-1", "Acme Fund", "Acme Capital")

	got, err := m.Resolve(context.Background(), "owner-1", "Acme Fund", "Other Capital")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_NameOnlyNeverMatches(t *testing.T) {
	m, st := newTestMatcher(t)
	seedRecord(t, st, "owner-1", "Acme Fund", "Acme Capital")

	got, err := m.Resolve(context.Background(), "owner-1", "Acme Fund", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_ScopedToOwner(t *testing.T) {
	m, st := newTestMatcher(t)
	seedRecord(t, st, "owner-1", "Acme Fund", "Acme Capital")

	got, err := m.Resolve(context.Background(), "owner-2", "Acme Fund", "Acme Capital")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_TieBreaksToOldestRecord(t *testing.T) {
	m, st := newTestMatcher(t)
	oldest := seedRecord(t, st, "owner-1", "Gamma Fund", "Gamma Partners")
	seedRecord(t, st, "owner-1", "Gamma Fund II", "Gamma Partners")

	// Both seeded names contain "Gamma Fund"; determinism requires the oldest.
	for i := 0; i < 5; i++ {
		got, err := m.Resolve(context.Background(), "owner-1", "Gamma Fund", "Gamma Partners")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, oldest.ID, got.ID)
	}
}

func TestResolve_RequiresNameOrFirm(t *testing.T) {
	m, _ := newTestMatcher(t)

	_, err := m.Resolve(context.Background(), "owner-1", "  ", "")
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}

func TestResolveOrCreate_CreatesThenReuses(t *testing.T) {
	m, _ := newTestMatcher(t)
	ctx := context.Background()

	first, created, err := m.ResolveOrCreate(ctx, "owner-1", "Acme Fund", "Acme Capital")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Acme Fund", first.Name(), "created record is immediately matchable")
	assert.Equal(t, "Acme Capital", first.Firm())

	// The second document arrives before any attribute versions are written;
	// the seeded view alone must carry the match.
	second, created, err := m.ResolveOrCreate(ctx, "owner-1", "Acme Fund I", "Acme Capital")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveOrCreate_FirmOnlySeedStillMatches(t *testing.T) {
	m, _ := newTestMatcher(t)
	ctx := context.Background()

	first, created, err := m.ResolveOrCreate(ctx, "owner-1", "", "Beta Capital")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.ResolveOrCreate(ctx, "owner-1", "Beta Flagship", "Beta Capital")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveOrCreate_ConcurrentCallsConverge(t *testing.T) {
	m, st := newTestMatcher(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]string, n)
	createdCount := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			record, created, err := m.ResolveOrCreate(ctx, "owner-1", "Delta Fund", "Delta Capital")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = record.ID
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "every caller resolves to the same record")
		if createdCount[i] {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller creates")

	records, err := st.ListRecords(ctx, store.RecordFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
