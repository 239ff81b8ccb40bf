package quarantine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/connector"
	"github.com/David-Botos/quality-ingress/pkg/model"
)

// PostgresStore keeps the bookkeeping tables in the meta schema
type PostgresStore struct {
	db     *sqlx.DB
	schema string
	logger *zap.Logger
}

// NewPostgresStore creates a store over db. Call Init before first use.
func NewPostgresStore(db *sqlx.DB, schema string, logger *zap.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("database connection cannot be nil")
	}
	if schema == "" {
		return nil, errors.New("schema cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, schema: schema, logger: logger}, nil
}

func (s *PostgresStore) table(name string) string {
	return connector.QualifiedName(s.schema, name)
}

// Init creates the meta schema and bookkeeping tables if they don't exist
func (s *PostgresStore) Init(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			row_index INTEGER NOT NULL,
			rule_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			severity TEXT NOT NULL,
			original TEXT NOT NULL,
			review_status TEXT NOT NULL DEFAULT 'unreviewed',
			resolution TEXT,
			reviewer TEXT,
			reviewed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table("quarantine")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS quarantine_batch_idx ON %s (batch_id)`, s.table("quarantine")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS quarantine_status_idx ON %s (review_status)`, s.table("quarantine")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			total_rows INTEGER NOT NULL DEFAULT 0,
			accepted_rows INTEGER NOT NULL DEFAULT 0,
			rejected_rows INTEGER NOT NULL DEFAULT 0,
			rejection_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			target_schema TEXT NOT NULL DEFAULT '',
			input_checksum TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT ''
		)`, s.table("import_batches")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS import_batches_checksum_idx ON %s (input_checksum)`, s.table("import_batches")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			batch_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			entity TEXT NOT NULL,
			column_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			records_affected INTEGER NOT NULL,
			reason TEXT NOT NULL,
			samples TEXT NOT NULL,
			PRIMARY KEY (batch_id, sequence)
		)`, s.table("transformations")),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize bookkeeping tables: %w", err)
		}
	}
	s.logger.Info("Ensured bookkeeping tables exist", zap.String("schema", s.schema))
	return nil
}

type quarantineRow struct {
	ID           string         `db:"id"`
	BatchID      string         `db:"batch_id"`
	Entity       string         `db:"entity"`
	RowIndex     int            `db:"row_index"`
	RuleID       string         `db:"rule_id"`
	Reason       string         `db:"reason"`
	Severity     string         `db:"severity"`
	Original     string         `db:"original"`
	ReviewStatus string         `db:"review_status"`
	Resolution   sql.NullString `db:"resolution"`
	Reviewer     sql.NullString `db:"reviewer"`
	ReviewedAt   sql.NullTime   `db:"reviewed_at"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r quarantineRow) record() (model.QuarantinedRecord, error) {
	sev, err := model.ParseRejectionSeverity(r.Severity)
	if err != nil {
		return model.QuarantinedRecord{}, err
	}
	out := model.QuarantinedRecord{
		ID:           r.ID,
		BatchID:      r.BatchID,
		Entity:       model.EntityType(r.Entity),
		RowIndex:     r.RowIndex,
		RuleID:       r.RuleID,
		Reason:       r.Reason,
		Severity:     sev,
		Original:     r.Original,
		ReviewStatus: model.ReviewStatus(r.ReviewStatus),
		Resolution:   model.Resolution(r.Resolution.String),
		Reviewer:     r.Reviewer.String,
		CreatedAt:    r.CreatedAt,
	}
	if r.ReviewedAt.Valid {
		t := r.ReviewedAt.Time
		out.ReviewedAt = &t
	}
	return out, nil
}

const quarantineColumns = `id, batch_id, entity, row_index, rule_id, reason, severity, original,
	review_status, resolution, reviewer, reviewed_at, created_at`

func (s *PostgresStore) InsertQuarantined(ctx context.Context, records []model.QuarantinedRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	columns := []string{"id", "batch_id", "entity", "row_index", "rule_id", "reason", "severity", "original", "review_status", "created_at"}
	var rows [][]interface{}
	for _, r := range records {
		rows = append(rows, []interface{}{
			r.ID, r.BatchID, string(r.Entity), r.RowIndex, r.RuleID, r.Reason,
			r.Severity.String(), r.Original, string(r.ReviewStatus), r.CreatedAt,
		})
	}

	// ids are derived from the row, so a resumed batch leaves rows it already
	// quarantined, and their review state, as they are
	if _, err := connector.BatchInsertIgnore(ctx, tx, s.schema, "quarantine", columns, "id", rows, 500); err != nil {
		return fmt.Errorf("failed to insert quarantined records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantined records: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQuarantined(ctx context.Context, filter Filter) ([]model.QuarantinedRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.BatchID != "" {
		add("batch_id = $%d", filter.BatchID)
	}
	if filter.Entity != "" {
		add("entity = $%d", string(filter.Entity))
	}
	if filter.Severity != nil {
		add("severity = $%d", filter.Severity.String())
	}
	if filter.Status != "" {
		add("review_status = $%d", string(filter.Status))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", quarantineColumns, s.table("quarantine"))
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, batch_id, entity, row_index"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []quarantineRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list quarantined records: %w", err)
	}
	out := make([]model.QuarantinedRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) GetQuarantined(ctx context.Context, id string) (*model.QuarantinedRecord, error) {
	var row quarantineRow
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", quarantineColumns, s.table("quarantine"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get quarantined record: %w", err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) MarkReviewed(ctx context.Context, id string, resolution model.Resolution, reviewer string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s
		SET review_status = $2, resolution = $3, reviewer = $4, reviewed_at = $5
		WHERE id = $1 AND review_status = $6`, s.table("quarantine"))
	res, err := s.db.ExecContext(ctx, query, id, string(model.ReviewReviewed), string(resolution), reviewer, at, string(model.ReviewUnreviewed))
	if err != nil {
		return fmt.Errorf("failed to review record %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	if _, err := s.GetQuarantined(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyReviewed
}

func (s *PostgresStore) CountUnreviewed(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE review_status = $1", s.table("quarantine"))
	if err := s.db.GetContext(ctx, &n, query, string(model.ReviewUnreviewed)); err != nil {
		return 0, fmt.Errorf("failed to count unreviewed records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PurgeBatch(ctx context.Context, batchID string) (int, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE batch_id = $1", s.table("quarantine"))
	res, err := s.db.ExecContext(ctx, query, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge batch %s: %w", batchID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, b *model.ImportBatch) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, started_at, finished_at, total_rows, accepted_rows, rejected_rows,
			rejection_rate, quality_score, status, strategy, target_schema, input_checksum, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			total_rows = EXCLUDED.total_rows,
			accepted_rows = EXCLUDED.accepted_rows,
			rejected_rows = EXCLUDED.rejected_rows,
			rejection_rate = EXCLUDED.rejection_rate,
			quality_score = EXCLUDED.quality_score,
			status = EXCLUDED.status,
			strategy = EXCLUDED.strategy,
			target_schema = EXCLUDED.target_schema,
			input_checksum = EXCLUDED.input_checksum,
			failure_reason = EXCLUDED.failure_reason`, s.table("import_batches"))
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.StartedAt, b.FinishedAt, b.TotalRows, b.AcceptedRows, b.RejectedRows,
		b.RejectionRate, b.QualityScore, string(b.Status), string(b.Strategy), b.TargetSchema,
		b.InputChecksum, b.FailureReason)
	if err != nil {
		return fmt.Errorf("failed to save import batch %s: %w", b.ID, err)
	}
	return nil
}

const batchColumns = `id, started_at, finished_at, total_rows, accepted_rows, rejected_rows,
	rejection_rate, quality_score, status, strategy, target_schema, input_checksum, failure_reason`

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.ImportBatch, error) {
	var b model.ImportBatch
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", batchColumns, s.table("import_batches"))
	if err := s.db.GetContext(ctx, &b, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get import batch %s: %w", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, limit int) ([]model.ImportBatch, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY started_at DESC, id DESC", batchColumns, s.table("import_batches"))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var out []model.ImportBatch
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list import batches: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindCommittedBatch(ctx context.Context, checksum string) (*model.ImportBatch, error) {
	var b model.ImportBatch
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE input_checksum = $1 AND status IN ($2, $3)
		ORDER BY started_at DESC LIMIT 1`, batchColumns, s.table("import_batches"))
	err := s.db.GetContext(ctx, &b, query, checksum, string(model.BatchSuccess), string(model.BatchPartial))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up committed batch: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) SaveTransformations(ctx context.Context, records []model.TransformationRecord) error {
	if len(records) == 0 {
		return nil
	}
	columns := []string{"batch_id", "sequence", "recorded_at", "entity", "column_name", "operation", "records_affected", "reason", "samples"}
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		samples, err := json.Marshal(r.Samples)
		if err != nil {
			return fmt.Errorf("failed to encode samples: %w", err)
		}
		rows[i] = []interface{}{
			r.BatchID, r.Sequence, r.Timestamp, string(r.Entity), r.Column, r.Operation.String(),
			r.RecordsAffected, r.Reason, string(samples),
		}
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// records are append-only; a resumed batch that already saved them keeps the originals
	var existing int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE batch_id = $1", s.table("transformations"))
	if err := tx.GetContext(ctx, &existing, countQuery, records[0].BatchID); err != nil {
		return fmt.Errorf("failed to check transformation records: %w", err)
	}
	if existing > 0 {
		return nil
	}
	if _, err := connector.BatchUpsert(ctx, tx, s.schema, "transformations", columns, "", rows, 500); err != nil {
		return fmt.Errorf("failed to save transformation records: %w", err)
	}
	return tx.Commit()
}

type transformationRow struct {
	BatchID         string    `db:"batch_id"`
	Sequence        int       `db:"sequence"`
	RecordedAt      time.Time `db:"recorded_at"`
	Entity          string    `db:"entity"`
	Column          string    `db:"column_name"`
	Operation       string    `db:"operation"`
	RecordsAffected int       `db:"records_affected"`
	Reason          string    `db:"reason"`
	Samples         string    `db:"samples"`
}

func (s *PostgresStore) ListTransformations(ctx context.Context, batchID string) ([]model.TransformationRecord, error) {
	var rows []transformationRow
	query := fmt.Sprintf(`SELECT batch_id, sequence, recorded_at, entity, column_name, operation,
			records_affected, reason, samples
		FROM %s WHERE batch_id = $1 ORDER BY sequence`, s.table("transformations"))
	if err := s.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to list transformation records: %w", err)
	}

	out := make([]model.TransformationRecord, 0, len(rows))
	for _, r := range rows {
		op, err := model.ParseTransformationOp(r.Operation)
		if err != nil {
			return nil, err
		}
		rec := model.TransformationRecord{
			Sequence:        r.Sequence,
			BatchID:         r.BatchID,
			Timestamp:       r.RecordedAt,
			Entity:          model.EntityType(r.Entity),
			Column:          r.Column,
			Operation:       op,
			RecordsAffected: r.RecordsAffected,
			Reason:          r.Reason,
		}
		if err := json.Unmarshal([]byte(r.Samples), &rec.Samples); err != nil {
			return nil, fmt.Errorf("failed to decode samples: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
