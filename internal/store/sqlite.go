package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// sqlQuerier is the surface shared by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	q    sqlQuerier
	inTx bool
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection since SQLite has a single writer.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_time_format=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

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
	return &SQLiteStore{db: db, q: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"), zap.String("dialect", "sqlite"))

	if _, err := s.q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	applied := make(map[string]bool)
	rows, err := s.q.QueryContext(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return eris.Wrap(err, "sqlite: query applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan migration row")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate migrations")
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		log.Info("applying migration", zap.String("file", m.name))
		if _, err := s.q.ExecContext(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", m.name)
		}
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)", m.name, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: record migration %s", m.name)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Catalog ---

func (s *SQLiteStore) CreateWork(ctx context.Context, w *model.Work, authors []string) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO works (id, title, description, cover_url, first_publish_year, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, w.Description, w.CoverURL, w.FirstPublishYear, now, now,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert work")
	}

	for i, name := range authors {
		var authorID string
		err := s.q.QueryRowContext(ctx,
			`INSERT INTO authors (id, name) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET name = excluded.name
			RETURNING id`,
			uuid.New().String(), name,
		).Scan(&authorID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert author %q", name)
		}
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO work_authors (work_id, author_id, position) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			w.ID, authorID, i,
		); err != nil {
			return eris.Wrap(err, "sqlite: link work author")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateEdition(ctx context.Context, e *model.Edition) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO editions (id, work_id, publisher, publish_date, isbn10, isbn13, language, format, cover_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkID, e.Publisher, e.PublishDate, e.ISBN10, e.ISBN13, e.Language, e.Format, e.CoverURL,
		e.CreatedAt.UTC(), e.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert edition")
}

func (s *SQLiteStore) CreateLibraryItem(ctx context.Context, item *model.LibraryItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO library_items (id, user_id, work_id, preferred_edition_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.WorkID, item.PreferredEditionID, item.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert library item")
}

func (s *SQLiteStore) GetItemSnapshot(ctx context.Context, userID, itemID string) (*model.ItemSnapshot, error) {
	var snap model.ItemSnapshot
	err := s.q.QueryRowContext(ctx,
		`SELECT i.id, i.user_id, i.work_id, i.preferred_edition_id, i.created_at,
			w.id, w.title, w.description, w.cover_url, w.first_publish_year, w.created_at, w.updated_at
		FROM library_items i JOIN works w ON w.id = i.work_id
		WHERE i.id = ? AND i.user_id = ?`,
		itemID, userID,
	).Scan(
		&snap.Item.ID, &snap.Item.UserID, &snap.Item.WorkID, &snap.Item.PreferredEditionID, &snap.Item.CreatedAt,
		&snap.Work.ID, &snap.Work.Title, &snap.Work.Description, &snap.Work.CoverURL, &snap.Work.FirstPublishYear,
		&snap.Work.CreatedAt, &snap.Work.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "library item %s", itemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get library item %s", itemID)
	}
	if err := s.fillSnapshot(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) ListItemSnapshots(ctx context.Context, userID string) ([]model.ItemSnapshot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id FROM library_items WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list library items")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan library item id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate library items")
	}

	out := make([]model.ItemSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.GetItemSnapshot(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (s *SQLiteStore) fillSnapshot(ctx context.Context, snap *model.ItemSnapshot) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT a.id, a.name FROM work_authors wa JOIN authors a ON a.id = wa.author_id
		WHERE wa.work_id = ? ORDER BY wa.position`, snap.Work.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: query authors")
	}
	for rows.Next() {
		var a model.Author
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan author")
		}
		snap.Authors = append(snap.Authors, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate authors")
	}

	rows, err = s.q.QueryContext(ctx,
		`SELECT id, work_id, publisher, publish_date, isbn10, isbn13, language, format, cover_url, created_at, updated_at
		FROM editions WHERE work_id = ? ORDER BY created_at DESC, id DESC`, snap.Work.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: query editions")
	}
	var editions []model.Edition
	for rows.Next() {
		var e model.Edition
		if err := rows.Scan(&e.ID, &e.WorkID, &e.Publisher, &e.PublishDate, &e.ISBN10, &e.ISBN13,
			&e.Language, &e.Format, &e.CoverURL, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return eris.Wrap(err, "sqlite: scan edition")
		}
		editions = append(editions, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate editions")
	}

	assembleSnapshot(snap, editions)
	return nil
}

func (s *SQLiteStore) UpdateWork(ctx context.Context, w *model.Work) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE works SET title = ?, description = ?, cover_url = ?, first_publish_year = ?, updated_at = ? WHERE id = ?`,
		w.Title, w.Description, w.CoverURL, w.FirstPublishYear, w.UpdatedAt, w.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update work %s", w.ID)
	}
	return checkRowsAffected(res, "work", w.ID)
}

func (s *SQLiteStore) UpdateEdition(ctx context.Context, e *model.Edition) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE editions SET publisher = ?, publish_date = ?, isbn10 = ?, isbn13 = ?, language = ?,
			format = ?, cover_url = ?, updated_at = ? WHERE id = ?`,
		e.Publisher, e.PublishDate, e.ISBN10, e.ISBN13, e.Language, e.Format, e.CoverURL, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update edition %s", e.ID)
	}
	return checkRowsAffected(res, "edition", e.ID)
}

func (s *SQLiteStore) SetPreferredEdition(ctx context.Context, itemID, editionID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE library_items SET preferred_edition_id = ? WHERE id = ?`, editionID, itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set preferred edition %s", itemID)
	}
	return checkRowsAffected(res, "library item", itemID)
}

func (s *SQLiteStore) GetExternalID(ctx context.Context, entityType, entityID, provider string) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx,
		`SELECT external_id FROM external_ids WHERE entity_type = ? AND entity_id = ? AND provider = ?`,
		entityType, entityID, provider,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: get external id")
	}
	return id, nil
}

func (s *SQLiteStore) AddExternalID(ctx context.Context, ext model.ExternalID) error {
	if ext.CreatedAt.IsZero() {
		ext.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO external_ids (entity_type, entity_id, provider, external_id, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (entity_type, entity_id, provider) DO NOTHING`,
		ext.EntityType, ext.EntityID, ext.Provider, ext.ExternalID, ext.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: add external id")
}

// --- Tasks ---

func (s *SQLiteStore) InsertTask(ctx context.Context, t *model.Task) (bool, error) {
	enc, err := encodeTask(t)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO enrichment_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		t.ID, t.UserID, t.LibraryItemID, t.WorkID, string(t.Status), string(t.Confidence), t.ConfidenceScore,
		string(t.TriggerSource), t.Priority, string(enc.missing), string(enc.attempted), string(enc.applied),
		t.AttemptCount, t.MaxAttempts, nullTime(t.NextAttemptAfter), t.IdempotencyKey, string(enc.details),
		t.LastError, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert task")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := scanTask(s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM enrichment_tasks WHERE id = ? AND user_id = ?`, taskID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", taskID)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE enrichment_tasks SET status = ?, confidence = ?, confidence_score = ?, priority = ?,
			missing_fields = ?, providers_attempted = ?, fields_applied = ?, attempt_count = ?,
			next_attempt_after = ?, match_details = ?, last_error = ?, updated_at = ?,
			started_at = ?, completed_at = ?
		WHERE id = ? AND user_id = ?`,
		string(t.Status), string(t.Confidence), t.ConfidenceScore, t.Priority,
		string(enc.missing), string(enc.attempted), string(enc.applied), t.AttemptCount,
		nullTime(t.NextAttemptAfter), string(enc.details), t.LastError, t.UpdatedAt.UTC(),
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID, t.UserID,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return eris.Wrapf(ErrConflict, "task %s", t.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", t.ID)
	}
	return checkRowsAffected(res, "task", t.ID)
}

// sqliteDueClause matches claimable tasks and binds the current time once.
// Failed tasks have used up their attempts and come back only through a
// retry, which resets them to pending.
const sqliteDueClause = `status = 'pending' AND (next_attempt_after IS NULL OR next_attempt_after <= ?)
	AND attempt_count < max_attempts`

func (s *SQLiteStore) ListDueTasks(ctx context.Context, userID string, now time.Time, limit int) ([]model.Task, error) {
	now = now.UTC()
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM enrichment_tasks
		WHERE user_id = ? AND `+sqliteDueClause+`
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`,
		userID, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list due tasks")
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, userID, taskID string, now time.Time) (*model.Task, error) {
	now = now.UTC()
	t, err := scanTask(s.q.QueryRowContext(ctx,
		`UPDATE enrichment_tasks
		SET status = 'in_progress', attempt_count = attempt_count + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND `+sqliteDueClause+`
		RETURNING `+taskColumns,
		now, now, taskID, userID, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim task %s", taskID)
	}
	return t, nil
}

func (s *SQLiteStore) ReclaimStaleTasks(ctx context.Context, cutoff, now time.Time) ([]ReclaimedTask, error) {
	now = now.UTC()
	rows, err := s.q.QueryContext(ctx,
		`UPDATE enrichment_tasks
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN attempt_count >= max_attempts THEN ? ELSE NULL END,
			next_attempt_after = NULL,
			last_error = ?,
			updated_at = ?
		WHERE status = 'in_progress' AND updated_at < ?
		RETURNING id, user_id, status`,
		now, StaleTaskError, now, cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reclaim stale tasks")
	}
	defer rows.Close()

	var out []ReclaimedTask
	for rows.Next() {
		var r ReclaimedTask
		var status string
		if err := rows.Scan(&r.ID, &r.UserID, &status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reclaimed task")
		}
		r.Status = model.TaskStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate reclaimed tasks")
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM enrichment_tasks WHERE user_id = ?`
	args := []any{filter.UserID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.AfterCreatedAt.IsZero() {
		after := filter.AfterCreatedAt.UTC()
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, after, after, filter.AfterID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) CountTasksByStatus(ctx context.Context, userID string) (map[model.TaskStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrichment_tasks WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count tasks")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate task counts")
}

// CountTasksUpdatedSince counts every user's tasks touched at or after since.
func (s *SQLiteStore) CountTasksUpdatedSince(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrichment_tasks WHERE updated_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count recent tasks")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recent task count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate recent task counts")
}

func (s *SQLiteStore) ListDueUsers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	now = now.UTC()
	rows, err := s.q.QueryContext(ctx,
		`SELECT user_id FROM enrichment_tasks
		WHERE `+sqliteDueClause+`
		GROUP BY user_id ORDER BY MIN(priority), MIN(created_at)
		LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list due users")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan due user")
		}
		users = append(users, u)
	}
	return users, eris.Wrap(rows.Err(), "sqlite: iterate due users")
}

func collectSQLiteTasks(rows *sql.Rows) ([]model.Task, error) {
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

// --- Audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit details")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO enrichment_audit_log (id, task_id, user_id, action, provider, confidence, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.UserID, string(e.Action), e.Provider, string(e.Confidence), string(details), e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert audit entry")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, userID, taskID string) ([]model.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, task_id, user_id, action, provider, confidence, details, created_at
		FROM enrichment_audit_log WHERE task_id = ? AND user_id = ? ORDER BY created_at, id`,
		taskID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit")
}

// --- No-match cache ---

func (s *SQLiteStore) IsNoMatchActive(ctx context.Context, userID, workID, provider string, now time.Time) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_no_match
		WHERE user_id = ? AND work_id = ? AND provider = ? AND expires_at > ?`,
		userID, workID, provider, now.UTC(),
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check no-match")
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpsertNoMatch(ctx context.Context, e model.NoMatchEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO enrichment_no_match (user_id, work_id, provider, reason, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, work_id, provider) DO UPDATE SET reason = excluded.reason, expires_at = excluded.expires_at`,
		e.UserID, e.WorkID, e.Provider, e.Reason, e.ExpiresAt.UTC(), e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert no-match")
}

func (s *SQLiteStore) ClearNoMatch(ctx context.Context, userID, workID string) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM enrichment_no_match WHERE user_id = ? AND work_id = ?`, userID, workID)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clear no-match")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DeleteExpiredNoMatch(ctx context.Context, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM enrichment_no_match WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired no-match")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Usage ---

func (s *SQLiteStore) GlobalUsage(ctx context.Context, usageDate, provider string) (int, error) {
	var total int
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(request_count), 0) FROM provider_daily_usage WHERE usage_date = ? AND provider = ?`,
		usageDate, provider,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: global usage")
	}
	return total, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, usageDate, provider, userID string, perUserLimit int) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO provider_daily_usage (usage_date, provider, user_id, request_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (usage_date, provider, user_id) DO UPDATE
			SET request_count = request_count + 1
			WHERE ? <= 0 OR request_count < ?
		RETURNING request_count`,
		usageDate, provider, userID, perUserLimit, perUserLimit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: increment usage")
	}
	return true, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
