package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Store wraps a SQLite database holding cache namespaces, pending reports,
// their photos and the sync queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "obrasync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	// Reports must survive a power cut on the device, not just a process exit.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Cache namespaces ---

func upsertNamespace(ctx context.Context, tx *sql.Tx, ns CacheNamespace) error {
	state := ns.State
	if state == "" {
		state = NamespaceInstalled
	}
	createdAt := ns.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cache_namespaces (name, role, version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		ns.Name, ns.Role, ns.Version, state, formatTime(createdAt),
	)
	return err
}

// ListNamespaces returns every known cache namespace ordered by name.
func (s *Store) ListNamespaces(ctx context.Context) ([]CacheNamespace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, role, version, state, created_at FROM cache_namespaces ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CacheNamespace
	for rows.Next() {
		var ns CacheNamespace
		var createdAt string
		if err := rows.Scan(&ns.Name, &ns.Role, &ns.Version, &ns.State, &createdAt); err != nil {
			return nil, err
		}
		if ns.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for namespace %s: %w", ns.Name, err)
		}
		results = append(results, ns)
	}
	return results, rows.Err()
}

// InstallNamespace writes entries and the namespace record in one transaction,
// so a namespace is either fully populated or absent.
func (s *Store) InstallNamespace(ctx context.Context, ns CacheNamespace, entries []CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning install transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertNamespace(ctx, tx, ns); err != nil {
		return fmt.Errorf("recording namespace %s: %w", ns.Name, err)
	}
	for _, e := range entries {
		e.Namespace = ns.Name
		if err := putEntry(ctx, tx, e); err != nil {
			return fmt.Errorf("storing %s in %s: %w", e.URL, ns.Name, err)
		}
	}
	return tx.Commit()
}

// ActivateNamespaces marks keep as active (creating missing records) and
// deletes every namespace named in drop together with its entries.
func (s *Store) ActivateNamespaces(ctx context.Context, keep []CacheNamespace, drop []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning activate transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range drop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, name); err != nil {
			return fmt.Errorf("deleting entries of %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, name); err != nil {
			return fmt.Errorf("deleting namespace %s: %w", name, err)
		}
	}
	for _, ns := range keep {
		if err := upsertNamespace(ctx, tx, ns); err != nil {
			return fmt.Errorf("recording namespace %s: %w", ns.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cache_namespaces SET state = ? WHERE name = ?`, NamespaceActive, ns.Name); err != nil {
			return fmt.Errorf("activating namespace %s: %w", ns.Name, err)
		}
	}
	return tx.Commit()
}

// --- Cache entries ---

func putEntry(ctx context.Context, tx *sql.Tx, e CacheEntry) error {
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	headers := e.HeadersJSON
	if headers == "" {
		headers = "{}"
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, url, status, headers_json, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, url) DO UPDATE SET
			status = excluded.status,
			headers_json = excluded.headers_json,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		e.Namespace, e.URL, e.Status, headers, body, formatTime(storedAt),
	)
	return err
}

// PutCacheEntry stores or replaces a whole entry. The namespace record is
// created when missing.
func (s *Store) PutCacheEntry(ctx context.Context, ns CacheNamespace, e CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning put transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertNamespace(ctx, tx, ns); err != nil {
		return fmt.Errorf("recording namespace %s: %w", ns.Name, err)
	}
	e.Namespace = ns.Name
	if err := putEntry(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetCacheEntry(ctx context.Context, namespace, url string) (CacheEntry, error) {
	var e CacheEntry
	var storedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT namespace, url, status, headers_json, body, stored_at
		FROM cache_entries WHERE namespace = ? AND url = ?`, namespace, url,
	).Scan(&e.Namespace, &e.URL, &e.Status, &e.HeadersJSON, &e.Body, &storedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	if e.StoredAt, err = parseTime(storedAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing stored_at: %w", err)
	}
	return e, nil
}

func (s *Store) CountCacheEntries(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE namespace = ?`, namespace).Scan(&n)
	return n, err
}

// --- Pending reports ---

// SaveReport inserts r. It reports false when a report with the same ID
// already exists, leaving the stored copy untouched.
func (s *Store) SaveReport(ctx context.Context, r PendingReport) (bool, error) {
	checklist := r.ChecklistJSON
	if checklist == "" {
		checklist = "[]"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_reports (id, temp_offline_id, draft_key, form_action, fields_json, checklist_json, digest, created_at, synced)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.DraftKey, r.FormAction, r.FieldsJSON, checklist, r.Digest, formatTime(r.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const reportColumns = `id, draft_key, form_action, fields_json, checklist_json, digest, created_at, synced`

func scanReport(row interface{ Scan(...any) error }) (PendingReport, error) {
	var r PendingReport
	var createdAt string
	var synced int
	if err := row.Scan(&r.ID, &r.DraftKey, &r.FormAction, &r.FieldsJSON, &r.ChecklistJSON, &r.Digest, &createdAt, &synced); err != nil {
		return PendingReport{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return PendingReport{}, fmt.Errorf("parsing created_at for report %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	r.Synced = synced != 0
	return r, nil
}

func (s *Store) GetReport(ctx context.Context, id string) (PendingReport, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM pending_reports WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return PendingReport{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListReports(ctx context.Context) ([]PendingReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM pending_reports ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) MarkReportSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pending_reports SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceReport overwrites the content and photos of a report that has not
// been delivered yet. It returns ErrNotFound when no such report exists.
func (s *Store) ReplaceReport(ctx context.Context, r PendingReport, photos []PendingPhoto) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	checklist := r.ChecklistJSON
	if checklist == "" {
		checklist = "[]"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE pending_reports SET form_action = ?, fields_json = ?, checklist_json = ?, digest = ?
		WHERE id = ? AND synced = 0`,
		r.FormAction, r.FieldsJSON, checklist, r.Digest, r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating report %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_photos WHERE report_id = ?`, r.ID); err != nil {
		return fmt.Errorf("deleting photos of %s: %w", r.ID, err)
	}
	for _, p := range photos {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_photos (id, report_id, category, caption, filename, content_type, position, data, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, r.ID, p.Category, p.Caption, p.Filename, p.ContentType, p.Position, p.Data, formatTime(p.CreatedAt),
		); err != nil {
			return fmt.Errorf("saving photo %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func deleteReport(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_photos WHERE report_id = ?`, id); err != nil {
		return fmt.Errorf("deleting photos of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_reports WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting report %s: %w", id, err)
	}
	return nil
}

// DeleteReport removes a report and its photos. Deleting a missing report is
// not an error.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteReport(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Pending photos ---

func (s *Store) SavePhoto(ctx context.Context, p PendingPhoto) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_photos (id, report_id, category, caption, filename, content_type, position, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ReportID, p.Category, p.Caption, p.Filename, p.ContentType, p.Position, p.Data, formatTime(p.CreatedAt),
	)
	return err
}

func (s *Store) ListPhotos(ctx context.Context, reportID string) ([]PendingPhoto, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, category, caption, filename, content_type, position, data, created_at
		FROM pending_photos WHERE report_id = ? ORDER BY position ASC, created_at ASC`, reportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingPhoto
	for rows.Next() {
		var p PendingPhoto
		var createdAt string
		if err := rows.Scan(&p.ID, &p.ReportID, &p.Category, &p.Caption, &p.Filename, &p.ContentType, &p.Position, &p.Data, &createdAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for photo %s: %w", p.ID, err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// PendingBytes returns the total size of stored photo data.
func (s *Store) PendingBytes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(data)), 0) FROM pending_photos`).Scan(&n)
	return n, err
}

// --- Sync queue ---

// EnqueueItem inserts item unless an item with the same type and data ID is
// already queued; it reports whether a row was created.
func (s *Store) EnqueueItem(ctx context.Context, item QueueItem) (bool, error) {
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	nextAttempt := item.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = enqueuedAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, type, data_id, description, enqueued_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(type, data_id) DO NOTHING`,
		item.ID, item.Type, item.DataID, item.Description, formatTime(enqueuedAt), formatTime(nextAttempt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const queueColumns = `id, type, data_id, description, enqueued_at, attempts, failures, next_attempt_at, last_error`

func scanQueueItem(row interface{ Scan(...any) error }) (QueueItem, error) {
	var it QueueItem
	var enqueuedAt, nextAttempt string
	var lastError sql.NullString
	if err := row.Scan(&it.ID, &it.Type, &it.DataID, &it.Description, &enqueuedAt, &it.Attempts, &it.Failures, &nextAttempt, &lastError); err != nil {
		return QueueItem{}, err
	}
	var err error
	if it.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing enqueued_at for item %s: %w", it.ID, err)
	}
	if it.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return QueueItem{}, fmt.Errorf("parsing next_attempt_at for item %s: %w", it.ID, err)
	}
	it.LastError = lastError.String
	return it, nil
}

// ListQueue returns queued items in FIFO order.
func (s *Store) ListQueue(ctx context.Context) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

func (s *Store) GetQueueItemByData(ctx context.Context, typ, dataID string) (QueueItem, error) {
	it, err := scanQueueItem(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE type = ? AND data_id = ?`, typ, dataID))
	if err == sql.ErrNoRows {
		return QueueItem{}, ErrNotFound
	}
	return it, err
}

// RecordAttempt increments the attempt counter of an item and schedules its
// next attempt. When counted is set the failure also counts against the
// item's retry cap. It returns the new attempt and failure counts.
func (s *Store) RecordAttempt(ctx context.Context, id, errMsg string, nextAttempt time.Time, counted bool) (attempts, failures int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning attempt transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT attempts, failures FROM sync_queue WHERE id = ?`, id).Scan(&attempts, &failures)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	attempts++
	if counted {
		failures++
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET attempts = ?, failures = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, failures, errMsg, formatTime(nextAttempt), id); err != nil {
		return 0, 0, err
	}
	return attempts, failures, tx.Commit()
}

// RemoveQueueItem deletes a queue item. Removing a missing item is not an error.
func (s *Store) RemoveQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// CompleteSubmission removes an acknowledged queue item together with the
// report and photos it references.
func (s *Store) CompleteSubmission(ctx context.Context, itemID, reportID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteReport(ctx, tx, reportID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("deleting queue item %s: %w", itemID, err)
	}
	return tx.Commit()
}

// RejectItem moves a queue item into the rejections ledger. The referenced
// report is kept so the user can still see what was refused.
func (s *Store) RejectItem(ctx context.Context, itemID string, rej Rejection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reject transaction: %w", err)
	}
	defer tx.Rollback()

	rejectedAt := rej.RejectedAt
	if rejectedAt.IsZero() {
		rejectedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_rejections (id, type, data_id, description, reason, status_code, attempts, rejected_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rej.ID, rej.Type, rej.DataID, rej.Description, rej.Reason, rej.StatusCode, rej.Attempts, formatTime(rejectedAt),
	); err != nil {
		return fmt.Errorf("recording rejection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("deleting queue item %s: %w", itemID, err)
	}
	return tx.Commit()
}

// --- Rejections ---

const rejectionColumns = `id, type, data_id, description, reason, status_code, attempts, rejected_at, acknowledged`

func scanRejection(row interface{ Scan(...any) error }) (Rejection, error) {
	var r Rejection
	var rejectedAt string
	var ack int
	if err := row.Scan(&r.ID, &r.Type, &r.DataID, &r.Description, &r.Reason, &r.StatusCode, &r.Attempts, &rejectedAt, &ack); err != nil {
		return Rejection{}, err
	}
	t, err := parseTime(rejectedAt)
	if err != nil {
		return Rejection{}, fmt.Errorf("parsing rejected_at for %s: %w", r.ID, err)
	}
	r.RejectedAt = t
	r.Acknowledged = ack != 0
	return r, nil
}

func (s *Store) ListRejections(ctx context.Context, includeAcknowledged bool) ([]Rejection, error) {
	query := `SELECT ` + rejectionColumns + ` FROM sync_rejections`
	if !includeAcknowledged {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY rejected_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Rejection
	for rows.Next() {
		r, err := scanRejection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) GetRejection(ctx context.Context, id string) (Rejection, error) {
	r, err := scanRejection(s.db.QueryRowContext(ctx, `SELECT `+rejectionColumns+` FROM sync_rejections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Rejection{}, ErrNotFound
	}
	return r, err
}

// AcknowledgeRejection marks a rejection as seen and discards the refused
// report with its photos, unless the report is queued again.
func (s *Store) AcknowledgeRejection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning acknowledge transaction: %w", err)
	}
	defer tx.Rollback()

	var typ, dataID string
	err = tx.QueryRowContext(ctx, `SELECT type, data_id FROM sync_rejections WHERE id = ?`, id).Scan(&typ, &dataID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_rejections SET acknowledged = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	var queued int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE type = ? AND data_id = ?`, typ, dataID).Scan(&queued); err != nil {
		return err
	}
	if queued == 0 {
		if err := deleteReport(ctx, tx, dataID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OpenRejectionByData returns the unacknowledged rejection of a record, if any.
func (s *Store) OpenRejectionByData(ctx context.Context, typ, dataID string) (Rejection, error) {
	r, err := scanRejection(s.db.QueryRowContext(ctx, `SELECT `+rejectionColumns+` FROM sync_rejections
		WHERE type = ? AND data_id = ? AND acknowledged = 0 ORDER BY rejected_at DESC LIMIT 1`, typ, dataID))
	if err == sql.ErrNoRows {
		return Rejection{}, ErrNotFound
	}
	return r, err
}

// RequeueRejection deletes a rejection and puts its report back on the queue
// with a fresh attempt counter.
func (s *Store) RequeueRejection(ctx context.Context, id string, item QueueItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sync_rejections WHERE id = ? AND acknowledged = 0`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	now := formatTime(item.EnqueuedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, type, data_id, description, enqueued_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(type, data_id) DO NOTHING`,
		item.ID, item.Type, item.DataID, item.Description, now, now,
	); err != nil {
		return fmt.Errorf("requeueing %s: %w", item.DataID, err)
	}
	return tx.Commit()
}
