package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/db"
	"github.com/sells-group/catalog-enricher/internal/model"
)

// migrationLockID serializes concurrent migration runs (e.g. overlapping deploys).
const migrationLockID = 7340021

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	inTx    bool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies pending migrations under an advisory lock, recording each
// file in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"), zap.String("dialect", "postgres"))

	if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration lock")
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("postgres: failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: query applied migrations")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate migrations")
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		log.Info("applying migration", zap.String("file", m.name))
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", m.name)
		}
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", m.name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", m.name)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: tx, inTx: true})
	})
}

// --- Catalog ---

func (s *PostgresStore) CreateWork(ctx context.Context, w *model.Work, authors []string) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO works (id, title, description, cover_url, first_publish_year, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.Title, w.Description, w.CoverURL, w.FirstPublishYear, now, now,
	); err != nil {
		return eris.Wrap(err, "postgres: insert work")
	}

	for i, name := range authors {
		var authorID string
		err := s.pool.QueryRow(ctx,
			`INSERT INTO authors (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`,
			uuid.New().String(), name,
		).Scan(&authorID)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert author %q", name)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO work_authors (work_id, author_id, position) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			w.ID, authorID, i,
		); err != nil {
			return eris.Wrap(err, "postgres: link work author")
		}
	}
	return nil
}

func (s *PostgresStore) CreateEdition(ctx context.Context, e *model.Edition) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO editions (id, work_id, publisher, publish_date, isbn10, isbn13, language, format, cover_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WorkID, e.Publisher, e.PublishDate, e.ISBN10, e.ISBN13, e.Language, e.Format, e.CoverURL, e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert edition")
}

func (s *PostgresStore) CreateLibraryItem(ctx context.Context, item *model.LibraryItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO library_items (id, user_id, work_id, preferred_edition_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		item.ID, item.UserID, item.WorkID, item.PreferredEditionID, item.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert library item")
}

func (s *PostgresStore) GetItemSnapshot(ctx context.Context, userID, itemID string) (*model.ItemSnapshot, error) {
	var snap model.ItemSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT i.id, i.user_id, i.work_id, i.preferred_edition_id, i.created_at,
			w.id, w.title, w.description, w.cover_url, w.first_publish_year, w.created_at, w.updated_at
		FROM library_items i JOIN works w ON w.id = i.work_id
		WHERE i.id = $1 AND i.user_id = $2`,
		itemID, userID,
	).Scan(
		&snap.Item.ID, &snap.Item.UserID, &snap.Item.WorkID, &snap.Item.PreferredEditionID, &snap.Item.CreatedAt,
		&snap.Work.ID, &snap.Work.Title, &snap.Work.Description, &snap.Work.CoverURL, &snap.Work.FirstPublishYear,
		&snap.Work.CreatedAt, &snap.Work.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "library item %s", itemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get library item %s", itemID)
	}
	if err := s.fillSnapshot(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) ListItemSnapshots(ctx context.Context, userID string) ([]model.ItemSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM library_items WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list library items")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan library item id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate library items")
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

// fillSnapshot loads authors, editions and ISBNs for snap.Work.
func (s *PostgresStore) fillSnapshot(ctx context.Context, snap *model.ItemSnapshot) error {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.name FROM work_authors wa JOIN authors a ON a.id = wa.author_id
		WHERE wa.work_id = $1 ORDER BY wa.position`, snap.Work.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: query authors")
	}
	for rows.Next() {
		var a model.Author
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan author")
		}
		snap.Authors = append(snap.Authors, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate authors")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, work_id, publisher, publish_date, isbn10, isbn13, language, format, cover_url, created_at, updated_at
		FROM editions WHERE work_id = $1 ORDER BY created_at DESC, id DESC`, snap.Work.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: query editions")
	}
	var editions []model.Edition
	for rows.Next() {
		var e model.Edition
		if err := rows.Scan(&e.ID, &e.WorkID, &e.Publisher, &e.PublishDate, &e.ISBN10, &e.ISBN13,
			&e.Language, &e.Format, &e.CoverURL, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan edition")
		}
		editions = append(editions, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate editions")
	}

	assembleSnapshot(snap, editions)
	return nil
}

func (s *PostgresStore) UpdateWork(ctx context.Context, w *model.Work) error {
	w.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE works SET title = $1, description = $2, cover_url = $3, first_publish_year = $4, updated_at = $5 WHERE id = $6`,
		w.Title, w.Description, w.CoverURL, w.FirstPublishYear, w.UpdatedAt, w.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update work %s", w.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "work %s", w.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateEdition(ctx context.Context, e *model.Edition) error {
	e.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE editions SET publisher = $1, publish_date = $2, isbn10 = $3, isbn13 = $4, language = $5,
			format = $6, cover_url = $7, updated_at = $8 WHERE id = $9`,
		e.Publisher, e.PublishDate, e.ISBN10, e.ISBN13, e.Language, e.Format, e.CoverURL, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update edition %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "edition %s", e.ID)
	}
	return nil
}

func (s *PostgresStore) SetPreferredEdition(ctx context.Context, itemID, editionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE library_items SET preferred_edition_id = $1 WHERE id = $2`, editionID, itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set preferred edition %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "library item %s", itemID)
	}
	return nil
}

func (s *PostgresStore) GetExternalID(ctx context.Context, entityType, entityID, provider string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT external_id FROM external_ids WHERE entity_type = $1 AND entity_id = $2 AND provider = $3`,
		entityType, entityID, provider,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: get external id")
	}
	return id, nil
}

var externalIDUpsert = mustUpsertSQL(db.UpsertConfig{
	Table:        "external_ids",
	Columns:      []string{"entity_type", "entity_id", "provider", "external_id", "created_at"},
	ConflictKeys: []string{"entity_type", "entity_id", "provider"},
	DoNothing:    true,
})

func (s *PostgresStore) AddExternalID(ctx context.Context, ext model.ExternalID) error {
	if ext.CreatedAt.IsZero() {
		ext.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, externalIDUpsert,
		ext.EntityType, ext.EntityID, ext.Provider, ext.ExternalID, ext.CreatedAt)
	return eris.Wrap(err, "postgres: add external id")
}

// --- Tasks ---

func (s *PostgresStore) InsertTask(ctx context.Context, t *model.Task) (bool, error) {
	enc, err := encodeTask(t)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT DO NOTHING`,
		t.ID, t.UserID, t.LibraryItemID, t.WorkID, string(t.Status), string(t.Confidence), t.ConfidenceScore,
		string(t.TriggerSource), t.Priority, enc.missing, enc.attempted, enc.applied,
		t.AttemptCount, t.MaxAttempts, t.NextAttemptAfter, t.IdempotencyKey, enc.details,
		t.LastError, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert task")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM enrichment_tasks WHERE id = $1 AND user_id = $2`, taskID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", taskID)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *model.Task) error {
	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_tasks SET status = $1, confidence = $2, confidence_score = $3, priority = $4,
			missing_fields = $5, providers_attempted = $6, fields_applied = $7, attempt_count = $8,
			next_attempt_after = $9, match_details = $10, last_error = $11, updated_at = $12,
			started_at = $13, completed_at = $14
		WHERE id = $15 AND user_id = $16`,
		string(t.Status), string(t.Confidence), t.ConfidenceScore, t.Priority,
		enc.missing, enc.attempted, enc.applied, t.AttemptCount,
		t.NextAttemptAfter, enc.details, t.LastError, t.UpdatedAt,
		t.StartedAt, t.CompletedAt,
		t.ID, t.UserID,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "task %s", t.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "task %s", t.ID)
	}
	return nil
}

// postgresDueClause matches claimable tasks; nowArg is the placeholder
// carrying the current time. Failed tasks return only through a retry.
func postgresDueClause(nowArg string) string {
	return `status = 'pending' AND (next_attempt_after IS NULL OR next_attempt_after <= ` + nowArg + `)
	AND attempt_count < max_attempts`
}

func (s *PostgresStore) ListDueTasks(ctx context.Context, userID string, now time.Time, limit int) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM enrichment_tasks
		WHERE user_id = $1 AND `+postgresDueClause("$2")+`
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $3`,
		userID, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list due tasks")
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ClaimTask(ctx context.Context, userID, taskID string, now time.Time) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`UPDATE enrichment_tasks
		SET status = 'in_progress', attempt_count = attempt_count + 1, started_at = $2, updated_at = $2
		WHERE id = $1 AND user_id = $3 AND `+postgresDueClause("$2")+`
		RETURNING `+taskColumns,
		taskID, now, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim task %s", taskID)
	}
	return t, nil
}

func (s *PostgresStore) ReclaimStaleTasks(ctx context.Context, cutoff, now time.Time) ([]ReclaimedTask, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE enrichment_tasks
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN attempt_count >= max_attempts THEN $2 ELSE NULL END,
			next_attempt_after = NULL,
			last_error = $3,
			updated_at = $2
		WHERE status = 'in_progress' AND updated_at < $1
		RETURNING id, user_id, status`,
		cutoff, now, StaleTaskError,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reclaim stale tasks")
	}
	defer rows.Close()

	var out []ReclaimedTask
	for rows.Next() {
		var r ReclaimedTask
		var status string
		if err := rows.Scan(&r.ID, &r.UserID, &status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reclaimed task")
		}
		r.Status = model.TaskStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate reclaimed tasks")
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM enrichment_tasks WHERE user_id = $1`
	args := []any{filter.UserID}
	argN := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if !filter.AfterCreatedAt.IsZero() {
		query += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id < $%d))", argN, argN, argN+1)
		args = append(args, filter.AfterCreatedAt, filter.AfterID)
		argN += 2
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	return collectTasks(rows)
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context, userID string) (map[model.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM enrichment_tasks WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count tasks")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate task counts")
}

// CountTasksUpdatedSince counts every user's tasks touched at or after since.
func (s *PostgresStore) CountTasksUpdatedSince(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM enrichment_tasks WHERE updated_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count recent tasks")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan recent task count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate recent task counts")
}

func (s *PostgresStore) ListDueUsers(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM enrichment_tasks
		WHERE `+postgresDueClause("$1")+`
		GROUP BY user_id ORDER BY MIN(priority), MIN(created_at)
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list due users")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan due user")
		}
		users = append(users, u)
	}
	return users, eris.Wrap(rows.Err(), "postgres: iterate due users")
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit details")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_audit_log (id, task_id, user_id, action, provider, confidence, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TaskID, e.UserID, string(e.Action), e.Provider, string(e.Confidence), details, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert audit entry")
}

func (s *PostgresStore) ListAudit(ctx context.Context, userID, taskID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, user_id, action, provider, confidence, details, created_at
		FROM enrichment_audit_log WHERE task_id = $1 AND user_id = $2 ORDER BY created_at, id`,
		taskID, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit")
}

// --- No-match cache ---

func (s *PostgresStore) IsNoMatchActive(ctx context.Context, userID, workID, provider string, now time.Time) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrichment_no_match
		WHERE user_id = $1 AND work_id = $2 AND provider = $3 AND expires_at > $4)`,
		userID, workID, provider, now,
	).Scan(&active)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check no-match")
	}
	return active, nil
}

var noMatchUpsert = mustUpsertSQL(db.UpsertConfig{
	Table:        "enrichment_no_match",
	Columns:      []string{"user_id", "work_id", "provider", "reason", "expires_at", "created_at"},
	ConflictKeys: []string{"user_id", "work_id", "provider"},
	UpdateCols:   []string{"reason", "expires_at"},
})

func (s *PostgresStore) UpsertNoMatch(ctx context.Context, e model.NoMatchEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, noMatchUpsert,
		e.UserID, e.WorkID, e.Provider, e.Reason, e.ExpiresAt, e.CreatedAt)
	return eris.Wrap(err, "postgres: upsert no-match")
}

func (s *PostgresStore) ClearNoMatch(ctx context.Context, userID, workID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrichment_no_match WHERE user_id = $1 AND work_id = $2`, userID, workID)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: clear no-match")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredNoMatch(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrichment_no_match WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired no-match")
	}
	return int(tag.RowsAffected()), nil
}

// --- Usage ---

func (s *PostgresStore) GlobalUsage(ctx context.Context, usageDate, provider string) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(request_count), 0)::int FROM provider_daily_usage WHERE usage_date = $1 AND provider = $2`,
		usageDate, provider,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: global usage")
	}
	return total, nil
}

// IncrementUsage bumps the user's counter only while it is below
// perUserLimit (0 = unlimited). It reports whether the increment happened.
func (s *PostgresStore) IncrementUsage(ctx context.Context, usageDate, provider, userID string, perUserLimit int) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO provider_daily_usage (usage_date, provider, user_id, request_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (usage_date, provider, user_id) DO UPDATE
			SET request_count = provider_daily_usage.request_count + 1
			WHERE $4 <= 0 OR provider_daily_usage.request_count < $4
		RETURNING request_count`,
		usageDate, provider, userID, perUserLimit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: increment usage")
	}
	return true, nil
}

func mustUpsertSQL(cfg db.UpsertConfig) string {
	sql, err := db.UpsertSQL(cfg)
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(sql)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
