package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/crestline-labs/dealflow/internal/db"
	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_record":          `SELECT id, owner_id, current, is_archived, created_at, updated_at FROM records WHERE id = $1`,
	"update_record_view":  `UPDATE records SET current = $1, updated_at = $2 WHERE id = $3`,
	"flip_attr_current":   `UPDATE attribute_versions SET is_current = FALSE WHERE record_id = $1 AND field = $2 AND is_current AND effective_date IS NOT DISTINCT FROM $3::date`,
	"current_attrs":       `SELECT id, record_id, field, value, source_kind, source_id, source_name, is_current, confidence, effective_date, period_type, created_at FROM attribute_versions WHERE record_id = $1 AND is_current ORDER BY field, effective_date NULLS FIRST`,
	"transition_document": `UPDATE documents SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	current     JSONB NOT NULL DEFAULT '{}'::jsonb,
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);
CREATE INDEX IF NOT EXISTS idx_records_owner_firm ON records(owner_id, lower(current->>'firm'));

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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
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
	is_current     BOOLEAN NOT NULL DEFAULT TRUE,
	confidence     TEXT NOT NULL DEFAULT 'medium',
	effective_date DATE,
	period_type    TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attr_record_field ON attribute_versions(record_id, field, created_at DESC);

-- Backstop for the at-most-one-current invariant: two writers racing on the
-- same key cannot both commit a current row.
CREATE UNIQUE INDEX IF NOT EXISTS uq_attr_current
	ON attribute_versions(record_id, field) WHERE is_current AND effective_date IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_attr_current_period
	ON attribute_versions(record_id, field, effective_date) WHERE is_current AND effective_date IS NOT NULL;

CREATE TABLE IF NOT EXISTS source_links (
	record_id   TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
	document_id TEXT NOT NULL REFERENCES documents(id),
	kind        TEXT NOT NULL DEFAULT 'source',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (record_id, document_id)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const recordColumns = `id, owner_id, current, is_archived, created_at, updated_at`

func scanRecord(row pgx.Row) (*model.Record, error) {
	var r model.Record
	var currentJSON []byte
	if err := row.Scan(&r.ID, &r.OwnerID, &currentJSON, &r.IsArchived, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(currentJSON, &r.Current); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record view")
	}
	return &r, nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, ownerID string) (*model.Record, error) {
	if ownerID == "" {
		return nil, resilience.NewValidationError("owner id is required")
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (id, owner_id, current, created_at, updated_at) VALUES ($1, $2, '{}'::jsonb, $3, $4)`,
		id, ownerID, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert record")
	}

	return &model.Record{
		ID:        id,
		OwnerID:   ownerID,
		Current:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*model.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, recordID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, resilience.NewValidationError("record not found: %s", recordID)
		}
		return nil, eris.Wrapf(err, "postgres: get record %s", recordID)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE true`
	args := []any{}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += ` AND owner_id = $1`
	}
	if !filter.IncludeArchived {
		query += ` AND NOT is_archived`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) UpdateRecordCurrent(ctx context.Context, recordID string, current map[string]string) error {
	if current == nil {
		current = map[string]string{}
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record view")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET current = $1, updated_at = $2 WHERE id = $3`,
		currentJSON, time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record view %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewValidationError("record not found: %s", recordID)
	}
	return nil
}

func (s *PostgresStore) ArchiveRecord(ctx context.Context, recordID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET is_archived = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), recordID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: archive record %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewValidationError("record not found: %s", recordID)
	}
	return nil
}

func (s *PostgresStore) FindRecordExact(ctx context.Context, ownerID, name, firm string) (*model.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE owner_id = $1 AND NOT is_archived
		   AND lower(current->>'name') = lower($2)
		   AND lower(current->>'firm') = lower($3)
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		ownerID, name, firm,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find record exact")
	}
	return r, nil
}

func (s *PostgresStore) FindRecordsByFirm(ctx context.Context, ownerID, firm string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE owner_id = $1 AND NOT is_archived
		   AND lower(current->>'firm') = lower($2)
		 ORDER BY created_at ASC, id ASC`,
		ownerID, firm,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find records by firm")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: find records by firm iterate")
}

func (s *PostgresStore) WriteAttributeVersion(ctx context.Context, v model.AttributeVersion) (*model.AttributeVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin attribute write")
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent writers on the same (record, field) key. The
	// partial unique indexes remain the backstop if two writers slip past.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		v.RecordID+"\x1f"+v.Field,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: attribute lock")
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE id = $1)`, v.RecordID,
	).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "postgres: check record")
	}
	if !exists {
		return nil, resilience.NewValidationError("record not found: %s", v.RecordID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE attribute_versions SET is_current = FALSE
		 WHERE record_id = $1 AND field = $2 AND is_current
		   AND effective_date IS NOT DISTINCT FROM $3::date`,
		v.RecordID, v.Field, v.EffectiveDate,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: flip current versions")
	}

	stored := v
	stored.ID = uuid.New().String()
	stored.IsCurrent = true
	stored.CreatedAt = time.Now().UTC()
	if stored.Confidence == "" {
		stored.Confidence = model.ConfidenceMedium
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO attribute_versions
		 (id, record_id, field, value, source_kind, source_id, source_name, is_current, confidence, effective_date, period_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10, $11)`,
		stored.ID, stored.RecordID, stored.Field, stored.Value,
		string(stored.Source.Kind), stored.Source.SourceID, stored.Source.DisplayName,
		string(stored.Confidence), stored.EffectiveDate, nullable(stored.PeriodType), stored.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert attribute version")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit attribute write")
	}
	return &stored, nil
}

const attrColumns = `id, record_id, field, value, source_kind, source_id, source_name, is_current, confidence, effective_date, period_type, created_at`

func scanAttributeVersion(row pgx.Row) (*model.AttributeVersion, error) {
	var v model.AttributeVersion
	var kind string
	var sourceID, sourceName, confidence, periodType *string
	if err := row.Scan(&v.ID, &v.RecordID, &v.Field, &v.Value,
		&kind, &sourceID, &sourceName, &v.IsCurrent, &confidence,
		&v.EffectiveDate, &periodType, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Source.Kind = model.SourceKind(kind)
	if sourceID != nil {
		v.Source.SourceID = *sourceID
	}
	if sourceName != nil {
		v.Source.DisplayName = *sourceName
	}
	if confidence != nil {
		v.Confidence = model.Confidence(*confidence)
	}
	if periodType != nil {
		v.PeriodType = *periodType
	}
	return &v, nil
}

func (s *PostgresStore) CurrentAttributeVersions(ctx context.Context, recordID string) ([]model.AttributeVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attrColumns+` FROM attribute_versions
		 WHERE record_id = $1 AND is_current
		 ORDER BY field, effective_date NULLS FIRST`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: current attribute versions")
	}
	defer rows.Close()

	var versions []model.AttributeVersion
	for rows.Next() {
		v, err := scanAttributeVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribute version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: current attribute versions iterate")
}

func (s *PostgresStore) AttributeHistory(ctx context.Context, recordID, field string) ([]model.AttributeVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attrColumns+` FROM attribute_versions
		 WHERE record_id = $1 AND field = $2
		 ORDER BY created_at DESC, id DESC`,
		recordID, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: attribute history")
	}
	defer rows.Close()

	var versions []model.AttributeVersion
	for rows.Next() {
		v, err := scanAttributeVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribute version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: attribute history iterate")
}

func (s *PostgresStore) LinkSource(ctx context.Context, recordID, documentID string, kind model.LinkKind) error {
	if kind == "" {
		kind = model.LinkKindSource
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_links (record_id, document_id, kind, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_id, document_id) DO NOTHING`,
		recordID, documentID, string(kind), time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: link source")
}

func (s *PostgresStore) ListSourceLinks(ctx context.Context, recordID string) ([]model.SourceLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id, document_id, kind, created_at FROM source_links
		 WHERE record_id = $1 ORDER BY created_at ASC`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list source links")
	}
	defer rows.Close()

	var links []model.SourceLink
	for rows.Next() {
		var l model.SourceLink
		var kind string
		if err := rows.Scan(&l.RecordID, &l.DocumentID, &kind, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source link")
		}
		l.Kind = model.LinkKind(kind)
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: list source links iterate")
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc model.Document) (*model.Document, error) {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents
		 (id, owner_id, filename, file_path, subject, sender, body_text, markdown, status, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		doc.ID, doc.OwnerID, doc.Filename, nullable(doc.FilePath),
		nullable(doc.Subject), nullable(doc.Sender), nullable(doc.BodyText), nullable(doc.Markdown),
		string(doc.Status), nullable(doc.ErrorMessage), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert document")
	}
	return &doc, nil
}

const documentColumns = `id, owner_id, filename, file_path, subject, sender, body_text, markdown, status, error_message, created_at, updated_at`

func scanDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	var filePath, subject, sender, bodyText, markdown, errMsg *string
	var status string
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &filePath,
		&subject, &sender, &bodyText, &markdown, &status, &errMsg,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = model.DocumentStatus(status)
	if filePath != nil {
		d.FilePath = *filePath
	}
	if subject != nil {
		d.Subject = *subject
	}
	if sender != nil {
		d.Sender = *sender
	}
	if bodyText != nil {
		d.BodyText = *bodyText
	}
	if markdown != nil {
		d.Markdown = *markdown
	}
	if errMsg != nil {
		d.ErrorMessage = *errMsg
	}
	return &d, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, resilience.NewValidationError("document not found: %s", documentID)
		}
		return nil, eris.Wrapf(err, "postgres: get document %s", documentID)
	}
	return d, nil
}

func (s *PostgresStore) ListDocumentsByStatus(ctx context.Context, ownerID string, status model.DocumentStatus) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = $1`
	args := []any{string(status)}
	if ownerID != "" {
		args = append(args, ownerID)
		query += ` AND owner_id = $2`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) TransitionDocument(ctx context.Context, documentID string, status model.DocumentStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullable(errorMessage), time.Now().UTC(), documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition document %s", documentID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewValidationError("document not found: %s", documentID)
	}
	return nil
}

func (s *PostgresStore) SetDocumentMarkdown(ctx context.Context, documentID, markdown string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET markdown = $1, updated_at = $2 WHERE id = $3`,
		markdown, time.Now().UTC(), documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set document markdown %s", documentID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewValidationError("document not found: %s", documentID)
	}
	return nil
}

// WithOwnerLock holds a transaction-scoped advisory lock for the owner while
// fn runs, serializing resolve-or-create matching for that tenant.
func (s *PostgresStore) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin owner lock")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "owner:"+ownerID,
	); err != nil {
		return eris.Wrap(err, "postgres: owner lock")
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: release owner lock")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
