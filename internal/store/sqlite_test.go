package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Records ---

func TestSQLite_CreateAndGetRecord(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	assert.Equal(t, "owner-1", record.OwnerID)
	assert.Empty(t, record.Current)

	got, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.False(t, got.IsArchived)
}

func TestSQLite_CreateRecord_RequiresOwner(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.CreateRecord(context.Background(), "")
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}

func TestSQLite_GetRecord_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRecord(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}

func TestSQLite_ListRecords_FiltersArchived(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	keep, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)
	archived, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, st.ArchiveRecord(ctx, archived.ID))

	records, err := st.ListRecords(ctx, RecordFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, keep.ID, records[0].ID)

	records, err = st.ListRecords(ctx, RecordFilter{OwnerID: "owner-1", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSQLite_UpdateRecordCurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)

	require.NoError(t, st.UpdateRecordCurrent(ctx, record.ID, map[string]string{
		model.FieldName: "Acme Fund",
		model.FieldFirm: "Acme Capital",
	}))

	got, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund", got.Name())
	assert.Equal(t, "Acme Capital", got.Firm())
}

func TestSQLite_FindRecordExact_CaseInsensitive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateRecordCurrent(ctx, record.ID, map[string]string{
		model.FieldName: "Acme Fund",
		model.FieldFirm: "Acme Capital",
	}))

	got, err := st.FindRecordExact(ctx, "owner-1", "ACME FUND", "acme capital")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)

	// Different owner sees nothing.
	got, err = st.FindRecordExact(ctx, "owner-2", "Acme Fund", "Acme Capital")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_FindRecordsByFirm_ExcludesArchived(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateRecordCurrent(ctx, record.ID, map[string]string{
		model.FieldFirm: "Beta Capital",
	}))
	require.NoError(t, st.ArchiveRecord(ctx, record.ID))

	records, err := st.FindRecordsByFirm(ctx, "owner-1", "Beta Capital")
	require.NoError(t, err)
	assert.Empty(t, records)
}

// --- Attribute versions ---

func TestSQLite_WriteAttributeVersion_FlipsCurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)

	first, err := st.WriteAttributeVersion(ctx, model.AttributeVersion{
		RecordID: record.ID,
		Field:    model.FieldName,
		Value:    "Acme Fund",
		Source:   model.Source{Kind: model.SourceKindDocument, SourceID: "doc-1"},
	})
	require.NoError(t, err)
	assert.True(t, first.IsCurrent)
	assert.Equal(t, model.ConfidenceMedium, first.Confidence)

	second, err := st.WriteAttributeVersion(ctx, model.AttributeVersion{
		RecordID: record.ID,
		Field:    model.FieldName,
		Value:    "Acme Fund I",
		Source:   model.Source{Kind: model.SourceKindDocument, SourceID: "doc-2"},
	})
	require.NoError(t, err)
	assert.True(t, second.IsCurrent)

	current, err := st.CurrentAttributeVersions(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Acme Fund I", current[0].Value)

	history, err := st.AttributeHistory(ctx, record.ID, model.FieldName)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSQLite_WriteAttributeVersion_UnknownRecord(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.WriteAttributeVersion(context.Background(), model.AttributeVersion{
		RecordID: "nope",
		Field:    model.FieldName,
		Value:    "x",
	})
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}

func TestSQLite_WriteAttributeVersion_PeriodScopedCurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)

	q1 := date(t, "2026-03-31")
	q2 := date(t, "2026-06-30")

	_, err = st.WriteAttributeVersion(ctx, model.AttributeVersion{
		RecordID: record.ID, Field: model.FieldTargetReturns, Value: "10%",
		EffectiveDate: &q1, PeriodType: "quarterly",
	})
	require.NoError(t, err)
	_, err = st.WriteAttributeVersion(ctx, model.AttributeVersion{
		RecordID: record.ID, Field: model.FieldTargetReturns, Value: "12%",
		EffectiveDate: &q2, PeriodType: "quarterly",
	})
	require.NoError(t, err)

	// Two periods, both current.
	current, err := st.CurrentAttributeVersions(ctx, record.ID)
	require.NoError(t, err)
	assert.Len(t, current, 2)

	// Rewriting one period flips only that period.
	_, err = st.WriteAttributeVersion(ctx, model.AttributeVersion{
		RecordID: record.ID, Field: model.FieldTargetReturns, Value: "11%",
		EffectiveDate: &q1, PeriodType: "quarterly",
	})
	require.NoError(t, err)

	current, err = st.CurrentAttributeVersions(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)
	values := map[string]string{}
	for _, v := range current {
		values[v.EffectiveDate.Format("2006-01-02")] = v.Value
	}
	assert.Equal(t, "11%", values["2026-03-31"])
	assert.Equal(t, "12%", values["2026-06-30"])
}

func TestSQLite_WriteAttributeVersion_ConcurrentWritersSerialize(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.WriteAttributeVersion(ctx, model.AttributeVersion{
				RecordID: record.ID,
				Field:    model.FieldFirm,
				Value:    "Firm " + string(rune('A'+i)),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	current, err := st.CurrentAttributeVersions(ctx, record.ID)
	require.NoError(t, err)
	assert.Len(t, current, 1, "exactly one version current after concurrent writes")

	history, err := st.AttributeHistory(ctx, record.ID, model.FieldFirm)
	require.NoError(t, err)
	assert.Len(t, history, writers, "no lost updates")
}

// --- Source links ---

func TestSQLite_LinkSource_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record, err := st.CreateRecord(ctx, "owner-1")
	require.NoError(t, err)
	doc, err := st.CreateDocument(ctx, model.Document{OwnerID: "owner-1", Filename: "deck.pdf"})
	require.NoError(t, err)

	require.NoError(t, st.LinkSource(ctx, record.ID, doc.ID, model.LinkKindSource))
	require.NoError(t, st.LinkSource(ctx, record.ID, doc.ID, model.LinkKindSource))

	links, err := st.ListSourceLinks(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.LinkKindSource, links[0].Kind)
}

// --- Documents ---

func TestSQLite_DocumentLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, model.Document{
		OwnerID:  "owner-1",
		Filename: "deck.pdf",
		Subject:  "Fund II pitch",
		Sender:   "gp@acme.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusPending, doc.Status)

	require.NoError(t, st.TransitionDocument(ctx, doc.ID, model.DocStatusConverting, ""))
	require.NoError(t, st.SetDocumentMarkdown(ctx, doc.ID, "# Deck"))
	require.NoError(t, st.TransitionDocument(ctx, doc.ID, model.DocStatusConverted, ""))
	require.NoError(t, st.TransitionDocument(ctx, doc.ID, model.DocStatusFailed, "extractor exploded"))

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusFailed, got.Status)
	assert.Equal(t, "extractor exploded", got.ErrorMessage)
	assert.Equal(t, "# Deck", got.Markdown)

	failed, err := st.ListDocumentsByStatus(ctx, "owner-1", model.DocStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, doc.ID, failed[0].ID)
}

func TestSQLite_WithOwnerLock_Serializes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var inside, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.WithOwnerLock(ctx, "owner-1", func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > max {
					max = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, max, "at most one holder per owner at a time")
}
