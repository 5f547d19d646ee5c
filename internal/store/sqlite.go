package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// single-process mode and tests; SQLite's single-writer model plus the
// in-process locks below provide the same write serialization the Postgres
// store gets from advisory locks.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes attribute current-flip transactions.
	writeMu sync.Mutex

	// ownerMu serializes resolve-or-create matching per owner.
	ownerMuMu sync.Mutex
	ownerMu   map[string]*sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, ownerMu: make(map[string]*sync.Mutex)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	current     TEXT NOT NULL DEFAULT '{}',
	is_archived INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);

CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	filename      TEXT NOT NULL,
	file_path     TEXT,
	subject       TEXT,
	sender        TEXT,
	body_text     TEXT,
	markdown      TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_owner_status ON documents(owner_id, status);

CREATE TABLE IF NOT EXISTS attribute_versions (
	id             TEXT PRIMARY KEY,
	record_id      TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	field          TEXT NOT NULL,
	value          TEXT NOT NULL,
	source_kind    TEXT NOT NULL,
	source_id      TEXT,
	source_name    TEXT,
	is_current     INTEGER NOT NULL DEFAULT 1,
	confidence     TEXT NOT NULL DEFAULT 'medium',
	effective_date TEXT,
	period_type    TEXT,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attr_record_field ON attribute_versions(record_id, field, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS uq_attr_current
	ON attribute_versions(record_id, field) WHERE is_current AND effective_date IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_attr_current_period
	ON attribute_versions(record_id, field, effective_date) WHERE is_current AND effective_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS source_links (
	record_id   TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	document_id TEXT NOT NULL REFERENCES documents(id),
	kind        TEXT NOT NULL DEFAULT 'source',
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (record_id, document_id)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// effective_date is stored as an ISO date string.
const dateLayout = "2006-01-02"

func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, ownerID string) (*model.Record, error) {
	if ownerID == "" {
		return nil, resilience.NewValidationError("owner id is required")
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, owner_id, current, created_at, updated_at) VALUES (?, ?, '{}', ?, ?)`,
		id, ownerID, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert record")
	}
	return &model.Record{
		ID:        id,
		OwnerID:   ownerID,
		Current:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*model.Record, error) {
	var r model.Record
	var currentJSON string
	if err := row.Scan(&r.ID, &r.OwnerID, &currentJSON, &r.IsArchived, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(currentJSON), &r.Current); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record view")
	}
	return &r, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (*model.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, recordID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, resilience.NewValidationError("record not found: %s", recordID)
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", recordID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	args := []any{}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if !filter.IncludeArchived {
		query += ` AND NOT is_archived`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) UpdateRecordCurrent(ctx context.Context, recordID string, current map[string]string) error {
	if current == nil {
		current = map[string]string{}
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record view")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET current = ?, updated_at = ? WHERE id = ?`,
		string(currentJSON), time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record view %s", recordID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resilience.NewValidationError("record not found: %s", recordID)
	}
	return nil
}

func (s *SQLiteStore) ArchiveRecord(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET is_archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: archive record %s", recordID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resilience.NewValidationError("record not found: %s", recordID)
	}
	return nil
}

func (s *SQLiteStore) FindRecordExact(ctx context.Context, ownerID, name, firm string) (*model.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE owner_id = ? AND NOT is_archived
		   AND lower(json_extract(current, '$.name')) = lower(?)
		   AND lower(json_extract(current, '$.firm')) = lower(?)
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		ownerID, name, firm,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find record exact")
	}
	return r, nil
}

func (s *SQLiteStore) FindRecordsByFirm(ctx context.Context, ownerID, firm string) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE owner_id = ? AND NOT is_archived
		   AND lower(json_extract(current, '$.firm')) = lower(?)
		 ORDER BY created_at ASC, id ASC`,
		ownerID, firm,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find records by firm")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: find records by firm iterate")
}

func (s *SQLiteStore) WriteAttributeVersion(ctx context.Context, v model.AttributeVersion) (*model.AttributeVersion, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin attribute write")
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE id = ?)`, v.RecordID,
	).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "sqlite: check record")
	}
	if !exists {
		return nil, resilience.NewValidationError("record not found: %s", v.RecordID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE attribute_versions SET is_current = 0
		 WHERE record_id = ? AND field = ? AND is_current AND effective_date IS ?`,
		v.RecordID, v.Field, dateArg(v.EffectiveDate),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: flip current versions")
	}

	stored := v
	stored.ID = uuid.New().String()
	stored.IsCurrent = true
	stored.CreatedAt = time.Now().UTC()
	if stored.Confidence == "" {
		stored.Confidence = model.ConfidenceMedium
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attribute_versions
		 (id, record_id, field, value, source_kind, source_id, source_name, is_current, confidence, effective_date, period_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		stored.ID, stored.RecordID, stored.Field, stored.Value,
		string(stored.Source.Kind), nullableArg(stored.Source.SourceID), nullableArg(stored.Source.DisplayName),
		string(stored.Confidence), dateArg(stored.EffectiveDate), nullableArg(stored.PeriodType), stored.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert attribute version")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit attribute write")
	}
	return &stored, nil
}

func scanSQLiteAttributeVersion(row rowScanner) (*model.AttributeVersion, error) {
	var v model.AttributeVersion
	var kind string
	var sourceID, sourceName, confidence, effectiveDate, periodType sql.NullString
	if err := row.Scan(&v.ID, &v.RecordID, &v.Field, &v.Value,
		&kind, &sourceID, &sourceName, &v.IsCurrent, &confidence,
		&effectiveDate, &periodType, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Source.Kind = model.SourceKind(kind)
	v.Source.SourceID = sourceID.String
	v.Source.DisplayName = sourceName.String
	if confidence.Valid {
		v.Confidence = model.Confidence(confidence.String)
	}
	if effectiveDate.Valid {
		if t, err := time.Parse(dateLayout, effectiveDate.String); err == nil {
			v.EffectiveDate = &t
		}
	}
	v.PeriodType = periodType.String
	return &v, nil
}

func (s *SQLiteStore) CurrentAttributeVersions(ctx context.Context, recordID string) ([]model.AttributeVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attrColumns+` FROM attribute_versions
		 WHERE record_id = ? AND is_current
		 ORDER BY field, effective_date`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: current attribute versions")
	}
	defer rows.Close()

	var versions []model.AttributeVersion
	for rows.Next() {
		v, err := scanSQLiteAttributeVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribute version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: current attribute versions iterate")
}

func (s *SQLiteStore) AttributeHistory(ctx context.Context, recordID, field string) ([]model.AttributeVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attrColumns+` FROM attribute_versions
		 WHERE record_id = ? AND field = ?
		 ORDER BY created_at DESC, id DESC`,
		recordID, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: attribute history")
	}
	defer rows.Close()

	var versions []model.AttributeVersion
	for rows.Next() {
		v, err := scanSQLiteAttributeVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribute version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: attribute history iterate")
}

func (s *SQLiteStore) LinkSource(ctx context.Context, recordID, documentID string, kind model.LinkKind) error {
	if kind == "" {
		kind = model.LinkKindSource
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_links (record_id, document_id, kind, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (record_id, document_id) DO NOTHING`,
		recordID, documentID, string(kind), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: link source")
}

func (s *SQLiteStore) ListSourceLinks(ctx context.Context, recordID string) ([]model.SourceLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, document_id, kind, created_at FROM source_links
		 WHERE record_id = ? ORDER BY created_at ASC`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list source links")
	}
	defer rows.Close()

	var links []model.SourceLink
	for rows.Next() {
		var l model.SourceLink
		var kind string
		if err := rows.Scan(&l.RecordID, &l.DocumentID, &kind, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source link")
		}
		l.Kind = model.LinkKind(kind)
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: list source links iterate")
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
	if doc.OwnerID == "" {
		return nil, resilience.NewValidationError("owner id is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = model.DocStatusPending
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents
		 (id, owner_id, filename, file_path, subject, sender, body_text, markdown, status, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Filename, nullableArg(doc.FilePath),
		nullableArg(doc.Subject), nullableArg(doc.Sender), nullableArg(doc.BodyText), nullableArg(doc.Markdown),
		string(doc.Status), nullableArg(doc.ErrorMessage), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert document")
	}
	return &doc, nil
}

func scanSQLiteDocument(row rowScanner) (*model.Document, error) {
	var d model.Document
	var filePath, subject, sender, bodyText, markdown, errMsg sql.NullString
	var status string
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &filePath,
		&subject, &sender, &bodyText, &markdown, &status, &errMsg,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = model.DocumentStatus(status)
	d.FilePath = filePath.String
	d.Subject = subject.String
	d.Sender = sender.String
	d.BodyText = bodyText.String
	d.Markdown = markdown.String
	d.ErrorMessage = errMsg.String
	return &d, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	d, err := scanSQLiteDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, documentID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, resilience.NewValidationError("document not found: %s", documentID)
		}
		return nil, eris.Wrapf(err, "sqlite: get document %s", documentID)
	}
	return d, nil
}

func (s *SQLiteStore) ListDocumentsByStatus(ctx context.Context, ownerID string, status model.DocumentStatus) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = ?`
	args := []any{string(status)}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) TransitionDocument(ctx context.Context, documentID string, status model.DocumentStatus, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullableArg(errorMessage), time.Now().UTC(), documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition document %s", documentID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resilience.NewValidationError("document not found: %s", documentID)
	}
	return nil
}

func (s *SQLiteStore) SetDocumentMarkdown(ctx context.Context, documentID, markdown string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET markdown = ?, updated_at = ? WHERE id = ?`,
		markdown, time.Now().UTC(), documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set document markdown %s", documentID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return resilience.NewValidationError("document not found: %s", documentID)
	}
	return nil
}

// WithOwnerLock serializes fn against other calls for the same owner using
// an in-process mutex. Sufficient for SQLite, which only ever has one
// process writing.
func (s *SQLiteStore) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error {
	s.ownerMuMu.Lock()
	mu, ok := s.ownerMu[ownerID]
	if !ok {
		mu = &sync.Mutex{}
		s.ownerMu[ownerID] = mu
	}
	s.ownerMuMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func nullableArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}
