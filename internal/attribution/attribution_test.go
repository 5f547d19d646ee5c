package attribution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return New(st), st
}

func newTestRecord(t *testing.T, st store.Store) *model.Record {
	t.Helper()
	record, err := st.CreateRecord(context.Background(), "owner-1")
	require.NoError(t, err)
	return record
}

func TestWrite_EmptyValueIsNoOp(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	version, err := svc.Write(ctx, WriteRequest{
		RecordID: record.ID,
		Field:    model.FieldName,
		Value:    model.Scalar("   "),
	})
	require.NoError(t, err)
	assert.Nil(t, version)

	history, err := svc.History(ctx, record.ID, model.FieldName)
	require.NoError(t, err)
	assert.Empty(t, history, "history unchanged by empty write")
}

func TestWrite_UpdatesDenormalizedView(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	_, err := svc.Write(ctx, WriteRequest{
		RecordID: record.ID,
		Field:    model.FieldName,
		Value:    model.Scalar("Acme Fund"),
		Source:   model.Source{Kind: model.SourceKindDocument, SourceID: "doc-1"},
	})
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund", got.Name())
}

func TestWrite_DefaultsSourceAndConfidence(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)

	version, err := svc.Write(context.Background(), WriteRequest{
		RecordID: record.ID,
		Field:    model.FieldFirm,
		Value:    model.Scalar("Acme Capital"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourceKindDocument, version.Source.Kind)
	assert.Equal(t, model.ConfidenceMedium, version.Confidence)
}

func TestWrite_LeadersEncodeAsJSON(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	url := "https://example.com/in/jane"
	_, err := svc.Write(ctx, WriteRequest{
		RecordID: record.ID,
		Field:    model.FieldLeaders,
		Value: model.LeaderList([]model.Leader{
			{Name: "Jane Doe", Title: "CIO", ProfileURL: &url},
			{Name: "John Roe"},
		}),
		Source: model.Source{Kind: model.SourceKindDocument, SourceID: "doc-1"},
	})
	require.NoError(t, err)

	current, err := svc.CurrentValues(ctx, record.ID)
	require.NoError(t, err)
	leaders := model.DecodeLeaders(current[model.FieldLeaders].Value)
	require.Len(t, leaders, 2)
	assert.Equal(t, "Jane Doe", leaders[0].Name)
	require.NotNil(t, leaders[0].ProfileURL)
	assert.Equal(t, url, *leaders[0].ProfileURL)
	assert.Nil(t, leaders[1].ProfileURL)
}

func TestCurrentValues_NullPeriodWinsOverDated(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	q1, err := time.Parse("2006-01-02", "2026-03-31")
	require.NoError(t, err)

	_, err = svc.Write(ctx, WriteRequest{
		RecordID: record.ID, Field: model.FieldTargetReturns,
		Value: model.Scalar("10%"), EffectiveDate: &q1, PeriodType: "quarterly",
	})
	require.NoError(t, err)
	_, err = svc.Write(ctx, WriteRequest{
		RecordID: record.ID, Field: model.FieldTargetReturns,
		Value: model.Scalar("12%"),
	})
	require.NoError(t, err)

	current, err := svc.CurrentValues(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "12%", current[model.FieldTargetReturns].Value)
}

func TestCurrentValues_LatestPeriodWinsWithoutNull(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	q1, _ := time.Parse("2006-01-02", "2026-03-31")
	q2, _ := time.Parse("2006-01-02", "2026-06-30")

	for _, w := range []WriteRequest{
		{RecordID: record.ID, Field: model.FieldTargetReturns, Value: model.Scalar("10%"), EffectiveDate: &q2, PeriodType: "quarterly"},
		{RecordID: record.ID, Field: model.FieldTargetReturns, Value: model.Scalar("9%"), EffectiveDate: &q1, PeriodType: "quarterly"},
	} {
		_, err := svc.Write(ctx, w)
		require.NoError(t, err)
	}

	current, err := svc.CurrentValues(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "10%", current[model.FieldTargetReturns].Value)
}

func TestRefresh_ReproducibleProjection(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	for _, w := range []WriteRequest{
		{RecordID: record.ID, Field: model.FieldName, Value: model.Scalar("Acme Fund")},
		{RecordID: record.ID, Field: model.FieldFirm, Value: model.Scalar("Acme Capital")},
		{RecordID: record.ID, Field: model.FieldName, Value: model.Scalar("Acme Fund II")},
	} {
		_, err := svc.Write(ctx, w)
		require.NoError(t, err)
	}

	require.NoError(t, svc.Refresh(ctx, record.ID))
	first, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Refresh(ctx, record.ID))
	second, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Current, second.Current)
	assert.Equal(t, "Acme Fund II", second.Name())
}

// failingStore fails WriteAttributeVersion after a set number of successes.
type failingStore struct {
	store.Store
	successes int
	calls     int
}

func (f *failingStore) WriteAttributeVersion(ctx context.Context, v model.AttributeVersion) (*model.AttributeVersion, error) {
	f.calls++
	if f.calls > f.successes {
		return nil, errors.New("write rejected")
	}
	return f.Store.WriteAttributeVersion(ctx, v)
}

func TestWriteAll_PartialFailureStillRefreshesView(t *testing.T) {
	_, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	svc := New(&failingStore{Store: st, successes: 1})
	written, err := svc.WriteAll(ctx, record.ID, []WriteRequest{
		{Field: model.FieldName, Value: model.Scalar("Acme Fund")},
		{Field: model.FieldFirm, Value: model.Scalar("Acme Capital")},
	})
	require.Error(t, err)
	require.Len(t, written, 1)

	// The committed version must be visible in the denormalized view even
	// though the batch failed partway.
	got, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund", got.Name())
	assert.Empty(t, got.Firm())
}

func TestWriteAll_SkipsEmptyAndRefreshesOnce(t *testing.T) {
	svc, st := newTestService(t)
	record := newTestRecord(t, st)
	ctx := context.Background()

	written, err := svc.WriteAll(ctx, record.ID, []WriteRequest{
		{Field: model.FieldName, Value: model.Scalar("Acme Fund")},
		{Field: model.FieldStrategy, Value: model.Scalar("")},
		{Field: model.FieldFirm, Value: model.Scalar("Acme Capital")},
	})
	require.NoError(t, err)
	assert.Len(t, written, 2)

	got, err := st.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund", got.Name())
	assert.Equal(t, "Acme Capital", got.Firm())
	assert.NotContains(t, got.Current, model.FieldStrategy)
}
