package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"release_notifier/internal/model"
	"release_notifier/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases on a single handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// UpsertWork inserts a work or enriches the existing one with the same title and category.
func (s *SQLite) UpsertWork(ctx context.Context, w model.WorkInfo) (int64, error) {
	return upsertWork(ctx, s.db, w)
}

// UpsertRelease inserts a release unless one with the same key exists, in which case
// only its missing source fields are filled. created reports whether a row was inserted.
func (s *SQLite) UpsertRelease(ctx context.Context, workID int64, r model.ReleaseInfo) (int64, bool, error) {
	return upsertRelease(ctx, s.db, workID, r)
}

// IngestBatch stores a deduplicated batch in a single transaction.
func (s *SQLite) IngestBatch(ctx context.Context, batch []model.WorkBatch) (IngestResult, error) {
	var res IngestResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, wb := range batch {
		workID := wb.WorkID
		if workID == 0 {
			workID, err = upsertWork(ctx, tx, wb.Work)
		} else {
			err = enrichWork(ctx, tx, workID, wb.Work)
		}
		if err != nil {
			return IngestResult{}, err
		}
		res.Works++

		for _, r := range wb.Releases {
			_, created, err := upsertRelease(ctx, tx, workID, r)
			if err != nil {
				return IngestResult{}, err
			}
			if created {
				res.Created++
			} else {
				res.Duplicates++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func upsertWork(ctx context.Context, q queryer, w model.WorkInfo) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.ExecContext(ctx,
		`INSERT INTO works (title, title_english, title_native, category, homepage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (title, category) DO UPDATE SET
		   title_english = COALESCE(works.title_english, excluded.title_english),
		   title_native  = COALESCE(works.title_native, excluded.title_native),
		   homepage      = COALESCE(works.homepage, excluded.homepage)`,
		w.Title, nullString(w.TitleEnglish), nullString(w.TitleNative), string(w.Category), nullString(w.Homepage), now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert work: %w", err)
	}

	var id int64
	err = q.QueryRowContext(ctx,
		`SELECT id FROM works WHERE title = ? AND category = ?`, w.Title, string(w.Category),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select work id: %w", err)
	}
	return id, nil
}

func enrichWork(ctx context.Context, q queryer, id int64, w model.WorkInfo) error {
	res, err := q.ExecContext(ctx,
		`UPDATE works SET
		   title_english = COALESCE(title_english, ?),
		   title_native  = COALESCE(title_native, ?),
		   homepage      = COALESCE(homepage, ?)
		 WHERE id = ?`,
		nullString(w.TitleEnglish), nullString(w.TitleNative), nullString(w.Homepage), id,
	)
	if err != nil {
		return fmt.Errorf("enrich work: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("enrich work %d: %w", id, ErrNotFound)
	}
	return nil
}

func upsertRelease(ctx context.Context, q queryer, workID int64, r model.ReleaseInfo) (int64, bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	date := r.Date.Format(model.DateLayout)

	res, err := q.ExecContext(ctx,
		`INSERT INTO releases (work_id, unit_kind, unit_number, channel, release_date, source, source_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (work_id, unit_kind, unit_number, channel, release_date) DO NOTHING`,
		workID, string(r.Kind), r.Number, r.Channel, date, nullString(r.Source), nullString(r.SourceURL), now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("last insert id: %w", err)
		}
		return id, true, nil
	}

	var id int64
	err = q.QueryRowContext(ctx,
		`UPDATE releases SET
		   source     = COALESCE(source, ?),
		   source_url = COALESCE(source_url, ?)
		 WHERE work_id = ? AND unit_kind = ? AND unit_number = ? AND channel = ? AND release_date = ?
		 RETURNING id`,
		nullString(r.Source), nullString(r.SourceURL), workID, string(r.Kind), r.Number, r.Channel, date,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("merge release: %w", err)
	}
	return id, false, nil
}

// GetWork returns a single work by its ID.
func (s *SQLite) GetWork(ctx context.Context, id int64) (*model.Work, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, title_english, title_native, category, homepage, created_at
		 FROM works WHERE id = ?`, id,
	)
	w, err := scanWork(row)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// WorksByCategory returns all works of a category, oldest first.
func (s *SQLite) WorksByCategory(ctx context.Context, c model.Category) ([]model.Work, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, title_english, title_native, category, homepage, created_at
		 FROM works WHERE category = ? ORDER BY created_at, id`, string(c),
	)
	if err != nil {
		return nil, fmt.Errorf("query works: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var works []model.Work
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		works = append(works, w)
	}
	return works, rows.Err()
}

const releaseColumns = `r.id, r.work_id, w.title, r.unit_kind, r.unit_number, r.channel, r.release_date,
	r.source, r.source_url, r.notified, r.created_at`

// GetRelease returns a single release by its ID.
func (s *SQLite) GetRelease(ctx context.Context, id int64) (*model.Release, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+releaseColumns+`
		 FROM releases r JOIN works w ON w.id = r.work_id
		 WHERE r.id = ?`, id,
	)
	r, err := scanRelease(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CountReleases returns the number of stored releases.
func (s *SQLite) CountReleases(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM releases`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count releases: %w", err)
	}
	return n, nil
}

// DueUnnotified returns releases dated on or before asOf that have not been
// notified, ordered by date and then work title.
func (s *SQLite) DueUnnotified(ctx context.Context, asOf time.Time) ([]model.Release, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+releaseColumns+`
		 FROM releases r JOIN works w ON w.id = r.work_id
		 WHERE r.notified = 0 AND r.release_date <= ?
		 ORDER BY r.release_date, w.title, r.id`,
		asOf.Format(model.DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due releases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var releases []model.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, r)
	}
	return releases, rows.Err()
}

// MarkNotified flags a release as delivered. Marking an already notified
// release is a no-op.
func (s *SQLite) MarkNotified(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE releases SET notified = 1, notified_at = ? WHERE id = ? AND notified = 0`, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM releases WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check release: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("release %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordAttempt appends a notification attempt to the delivery log.
func (s *SQLite) RecordAttempt(ctx context.Context, a *model.NotificationAttempt) error {
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC().Truncate(time.Second)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_attempts (id, release_id, channel, attempt, outcome, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ReleaseID, a.Channel, a.Attempt, a.Outcome, a.Error, a.AttemptedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the delivery log of a release in insertion order.
func (s *SQLite) ListAttempts(ctx context.Context, releaseID int64) ([]model.NotificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, release_id, channel, attempt, outcome, error, attempted_at
		 FROM notification_attempts WHERE release_id = ? ORDER BY rowid`, releaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.NotificationAttempt
	for rows.Next() {
		var a model.NotificationAttempt
		var at string
		if err := rows.Scan(&a.ID, &a.ReleaseID, &a.Channel, &a.Attempt, &a.Outcome, &a.Error, &at); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.AttemptedAt, _ = time.Parse(timeLayout, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeliveredChannels returns the channels that have delivered a release.
func (s *SQLite) DeliveredChannels(ctx context.Context, releaseID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel FROM notification_attempts WHERE release_id = ? AND outcome = ?`,
		releaseID, model.OutcomeDelivered,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivered channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out[ch] = true
	}
	return out, rows.Err()
}

// GetFeedHealth returns the stored health of a feed.
func (s *SQLite) GetFeedHealth(ctx context.Context, url string) (*model.FeedHealth, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, name, consecutive_failures, checks, avg_latency_ms, last_success_at, last_failure_at, last_error
		 FROM feed_health WHERE url = ?`, url,
	)
	h, err := scanFeedHealth(row)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// SaveFeedHealth inserts or replaces the health record of a feed.
func (s *SQLite) SaveFeedHealth(ctx context.Context, h *model.FeedHealth) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_health (url, name, consecutive_failures, checks, avg_latency_ms, last_success_at, last_failure_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
		   name = excluded.name,
		   consecutive_failures = excluded.consecutive_failures,
		   checks = excluded.checks,
		   avg_latency_ms = excluded.avg_latency_ms,
		   last_success_at = excluded.last_success_at,
		   last_failure_at = excluded.last_failure_at,
		   last_error = excluded.last_error`,
		h.URL, h.Name, h.ConsecutiveFailures, h.Checks, h.AvgLatency.Milliseconds(),
		formatTimePtr(h.LastSuccessAt), formatTimePtr(h.LastFailureAt), h.LastError,
	)
	if err != nil {
		return fmt.Errorf("save feed health: %w", err)
	}
	return nil
}

// ListFeedHealth returns the health of every feed seen so far.
func (s *SQLite) ListFeedHealth(ctx context.Context) ([]model.FeedHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, name, consecutive_failures, checks, avg_latency_ms, last_success_at, last_failure_at, last_error
		 FROM feed_health ORDER BY name, url`,
	)
	if err != nil {
		return nil, fmt.Errorf("query feed health: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FeedHealth
	for rows.Next() {
		h, err := scanFeedHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ResetFeedHealth clears the failure counter of a feed so it is fetched again.
func (s *SQLite) ResetFeedHealth(ctx context.Context, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feed_health SET consecutive_failures = 0, last_error = '' WHERE url = ?`, url,
	)
	if err != nil {
		return fmt.Errorf("reset feed health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("feed %s: %w", url, ErrNotFound)
	}
	return nil
}

// ResetAllFeedHealth clears the failure counters of every failing feed.
func (s *SQLite) ResetAllFeedHealth(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feed_health SET consecutive_failures = 0, last_error = '' WHERE consecutive_failures > 0`,
	)
	if err != nil {
		return 0, fmt.Errorf("reset feed health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// SaveSourceHealth checkpoints source health records.
func (s *SQLite) SaveSourceHealth(ctx context.Context, records []model.SourceHealth) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, h := range records {
		updated := h.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_health (source, consecutive_failures, success_ratio, allowed_per_minute, circuit, avg_latency_ms, attempts, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source) DO UPDATE SET
			   consecutive_failures = excluded.consecutive_failures,
			   success_ratio = excluded.success_ratio,
			   allowed_per_minute = excluded.allowed_per_minute,
			   circuit = excluded.circuit,
			   avg_latency_ms = excluded.avg_latency_ms,
			   attempts = excluded.attempts,
			   updated_at = excluded.updated_at`,
			h.Source, h.ConsecutiveFailures, h.SuccessRatio, h.AllowedPerMinute, h.Circuit,
			h.AvgLatency.Milliseconds(), h.Attempts, updated.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("save source health %s: %w", h.Source, err)
		}
	}
	return tx.Commit()
}

// LoadSourceHealth returns the last checkpoint of every source.
func (s *SQLite) LoadSourceHealth(ctx context.Context) ([]model.SourceHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, consecutive_failures, success_ratio, allowed_per_minute, circuit, avg_latency_ms, attempts, updated_at
		 FROM source_health ORDER BY source`,
	)
	if err != nil {
		return nil, fmt.Errorf("query source health: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SourceHealth
	for rows.Next() {
		var h model.SourceHealth
		var latency int64
		var updated string
		if err := rows.Scan(&h.Source, &h.ConsecutiveFailures, &h.SuccessRatio, &h.AllowedPerMinute,
			&h.Circuit, &latency, &h.Attempts, &updated); err != nil {
			return nil, fmt.Errorf("scan source health: %w", err)
		}
		h.AvgLatency = time.Duration(latency) * time.Millisecond
		h.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

type scannable interface {
	Scan(dest ...any) error
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

func scanWork(row scannable) (model.Work, error) {
	var w model.Work
	var english, native, homepage sql.NullString
	var category, created string
	err := row.Scan(&w.ID, &w.Title, &english, &native, &category, &homepage, &created)
	if err != nil {
		return w, notFound(err, "work")
	}
	w.TitleEnglish = english.String
	w.TitleNative = native.String
	w.Homepage = homepage.String
	w.Category = model.Category(category)
	w.CreatedAt, _ = time.Parse(timeLayout, created)
	return w, nil
}

func scanRelease(row scannable) (model.Release, error) {
	var r model.Release
	var kind, date, created string
	var src, srcURL sql.NullString
	var notified int
	err := row.Scan(&r.ID, &r.WorkID, &r.WorkTitle, &kind, &r.Number, &r.Channel, &date,
		&src, &srcURL, &notified, &created)
	if err != nil {
		return r, notFound(err, "release")
	}
	r.Kind = model.UnitKind(kind)
	r.Date, _ = time.Parse(model.DateLayout, date)
	r.Source = src.String
	r.SourceURL = srcURL.String
	r.Notified = notified == 1
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return r, nil
}

func scanFeedHealth(row scannable) (model.FeedHealth, error) {
	var h model.FeedHealth
	var latency int64
	var success, failure sql.NullString
	err := row.Scan(&h.URL, &h.Name, &h.ConsecutiveFailures, &h.Checks, &latency, &success, &failure, &h.LastError)
	if err != nil {
		return h, notFound(err, "feed health")
	}
	h.AvgLatency = time.Duration(latency) * time.Millisecond
	h.LastSuccessAt = parseTimePtr(success)
	h.LastFailureAt = parseTimePtr(failure)
	return h, nil
}
