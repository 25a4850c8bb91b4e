package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/joescharf/fixgate/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore implements Store on database/sql for SQLite (modernc.org/sqlite,
// pure Go) and PostgreSQL (lib/pq). Queries are written with ? placeholders
// and rebound for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open opens a store for the given driver. For sqlite, dsn is a file path.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DialectSQLite:
		return NewSQLiteStore(dsn)
	case DialectPostgres:
		return NewPostgresStore(dsn)
	}
	return nil, fmt.Errorf("unsupported db driver: %s", driver)
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection keeps
	// the dispatcher and HTTP handlers from hitting "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLStore{db: db, dialect: DialectSQLite}, nil
}

// NewPostgresStore connects to PostgreSQL.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &SQLStore{db: db, dialect: DialectPostgres}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.queryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.exec(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- Fix records ---

const fixRecordColumns = `id, review_id, error_signature, service, description, fix_type, severity, status, notes, created_at, updated_at`

func (s *SQLStore) SaveFixRecord(ctx context.Context, r *models.FixRecord) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.exec(ctx,
		`INSERT INTO fix_records (`+fixRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReviewID, r.ErrorSignature, r.Service, r.Description, r.FixType,
		string(r.Severity), string(r.Status), r.Notes, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save fix record: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateFixRecordStatusByReviewID(ctx context.Context, reviewID string, status models.FixRecordStatus, notes string) error {
	res, err := s.exec(ctx,
		`UPDATE fix_records SET status = ?, notes = ?, updated_at = ?
		WHERE review_id = ? AND status NOT IN (?, ?)`,
		string(status), notes, time.Now().UTC(), reviewID,
		string(models.FixRecordApproved), string(models.FixRecordRejected),
	)
	if err != nil {
		return fmt.Errorf("update fix record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update fix record: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetFixRecordByReviewID(ctx, reviewID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: fix record for %s is already %s", ErrConflict, reviewID, current.Status)
}

func (s *SQLStore) GetFixRecordByReviewID(ctx context.Context, reviewID string) (*models.FixRecord, error) {
	row := s.queryRow(ctx, `SELECT `+fixRecordColumns+` FROM fix_records WHERE review_id = ?`, reviewID)
	r, err := scanFixRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fix record not found for review: %s", reviewID)
	}
	if err != nil {
		return nil, fmt.Errorf("get fix record: %w", err)
	}
	return r, nil
}

func (s *SQLStore) ListFixRecords(ctx context.Context, filter FixRecordFilter) ([]*models.FixRecord, error) {
	query := `SELECT ` + fixRecordColumns + ` FROM fix_records`
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Service != "" {
		conditions = append(conditions, "service = ?")
		args = append(args, filter.Service)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fix records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.FixRecord
	for rows.Next() {
		r, err := scanFixRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFixRecord(sc scanner) (*models.FixRecord, error) {
	r := &models.FixRecord{}
	var severity, status string
	if err := sc.Scan(&r.ID, &r.ReviewID, &r.ErrorSignature, &r.Service, &r.Description, &r.FixType,
		&severity, &status, &r.Notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Severity = models.Severity(severity)
	r.Status = models.FixRecordStatus(status)
	return r, nil
}

// --- Audit events ---

func (s *SQLStore) SaveAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = newULID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return fmt.Errorf("marshal audit attributes: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO audit_events (id, name, category, severity, actor, review_id, attributes, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, string(ev.Category), ev.Severity, ev.Actor, ev.ReviewID, string(attrs), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save audit event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := `SELECT id, name, category, severity, actor, review_id, attributes, occurred_at FROM audit_events`
	var conditions []string
	var args []any

	if filter.ReviewID != "" {
		conditions = append(conditions, "review_id = ?")
		args = append(args, filter.ReviewID)
	}
	if filter.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, string(filter.Category))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AuditEvent
	for rows.Next() {
		ev := &models.AuditEvent{}
		var category, attrs string
		if err := rows.Scan(&ev.ID, &ev.Name, &category, &ev.Severity, &ev.Actor, &ev.ReviewID, &attrs, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Category = models.AuditCategory(category)
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("decode audit attributes %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Review snapshots ---

// SaveReview upserts a review snapshot. A stored snapshot is only replaced
// by one with a strictly greater version; anything else returns ErrConflict.
func (s *SQLStore) SaveReview(ctx context.Context, r *models.PendingReview) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	res, err := s.exec(ctx,
		`INSERT INTO reviews (id, status, severity, service, error_signature, submitted_by, submitted_at, requires_approval, version, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			body = excluded.body,
			updated_at = excluded.updated_at
		WHERE excluded.version > reviews.version`,
		r.ID, string(r.Status), string(r.Severity), r.ErrorEvent.Service, r.ErrorEvent.ErrorSignature,
		r.SubmittedBy, r.SubmittedAt.UTC(), boolToInt(r.RequiresApproval), r.Version, string(body), updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save review %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save review %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: review %s version %d is not newer than the stored snapshot", ErrConflict, r.ID, r.Version)
	}
	return nil
}

func (s *SQLStore) GetReview(ctx context.Context, id string) (*models.PendingReview, error) {
	var body string
	err := s.queryRow(ctx, `SELECT body FROM reviews WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return decodeReview(body)
}

func (s *SQLStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.PendingReview, error) {
	query := `SELECT body FROM reviews`
	var conditions []string
	var args []any

	if !filter.Since.IsZero() {
		conditions = append(conditions, "submitted_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.OpenOnly {
		conditions = append(conditions, "status IN (?, ?)")
		args = append(args, string(models.ReviewStatusPending), string(models.ReviewStatusModificationsRequested))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY submitted_at ASC, id ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PendingReview
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r, err := decodeReview(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeReview(body string) (*models.PendingReview, error) {
	r := &models.PendingReview{}
	if err := json.Unmarshal([]byte(body), r); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	return r, nil
}
