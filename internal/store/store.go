// Package store provides SQLite persistence for workflows, ranked post
// collections, seen-URL history, and scrape locks.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/nbarger/crest/internal/post"
	"github.com/nbarger/crest/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a requested workflow does not exist.
var ErrNotFound = errors.New("not found")

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so all pooled connections see the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		stage TEXT NOT NULL,
		searches TEXT,
		interval_hours INTEGER DEFAULT 0,
		last_run_at DATETIME,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		analysis TEXT,
		selected_ids TEXT,
		prompt TEXT,
		samples TEXT,
		chosen_id TEXT,
		final_output TEXT,
		is_scraping INTEGER DEFAULT 0,
		scrape_started_at DATETIME,
		last_scrape_error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_kind ON workflows(kind);
	CREATE INDEX IF NOT EXISTS idx_workflows_updated ON workflows(updated_at DESC);

	CREATE TABLE IF NOT EXISTS collection_posts (
		workflow_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		post_id TEXT NOT NULL,
		url TEXT,
		data TEXT NOT NULL,
		PRIMARY KEY (workflow_id, rank)
	);

	CREATE INDEX IF NOT EXISTS idx_collection_posts_post ON collection_posts(workflow_id, post_id);

	CREATE TABLE IF NOT EXISTS seen_urls (
		url TEXT PRIMARY KEY,
		first_seen DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scrape_locks (
		target_id TEXT PRIMARY KEY,
		acquired_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveWorkflow inserts or updates a workflow and atomically replaces its post
// collection. Posts are deleted and re-inserted in one transaction so a
// reader never observes a half-written collection.
func (s *Store) SaveWorkflow(w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	searches, err := json.Marshal(w.Searches)
	if err != nil {
		return fmt.Errorf("marshal searches: %w", err)
	}
	selectedIDs, err := json.Marshal(w.SelectedIDs)
	if err != nil {
		return fmt.Errorf("marshal selected ids: %w", err)
	}
	samples, err := json.Marshal(w.Samples)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO workflows (
			id, kind, name, stage, searches, interval_hours, last_run_at,
			input_tokens, output_tokens, analysis, selected_ids, prompt,
			samples, chosen_id, final_output, is_scraping, scrape_started_at,
			last_scrape_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			stage = excluded.stage,
			searches = excluded.searches,
			interval_hours = excluded.interval_hours,
			last_run_at = excluded.last_run_at,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			analysis = excluded.analysis,
			selected_ids = excluded.selected_ids,
			prompt = excluded.prompt,
			samples = excluded.samples,
			chosen_id = excluded.chosen_id,
			final_output = excluded.final_output,
			is_scraping = excluded.is_scraping,
			scrape_started_at = excluded.scrape_started_at,
			last_scrape_error = excluded.last_scrape_error,
			updated_at = excluded.updated_at
	`,
		w.ID, string(w.Kind), w.Name, string(w.Stage), string(searches),
		w.IntervalHours, w.LastRunAt, w.InputTokens, w.OutputTokens,
		w.Analysis, string(selectedIDs), w.Prompt, string(samples),
		w.ChosenID, w.FinalOutput, boolToInt(w.IsScrapingNow),
		w.ScrapeStartedAt, w.LastScrapeError, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM collection_posts WHERE workflow_id = ?", w.ID); err != nil {
		return fmt.Errorf("clear posts: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO collection_posts (workflow_id, rank, post_id, url, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, p := range w.Posts {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal post %s: %w", p.ID, err)
		}
		// Rank is stable storage order even when a post has no rank yet.
		if _, err := stmt.Exec(w.ID, i+1, p.ID, p.URL, string(data)); err != nil {
			return fmt.Errorf("save post %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// GetWorkflow loads a workflow with its full post collection.
func (s *Store) GetWorkflow(id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, kind, name, stage, searches, interval_hours, last_run_at,
			input_tokens, output_tokens, analysis, selected_ids, prompt,
			samples, chosen_id, final_output, is_scraping, scrape_started_at,
			last_scrape_error, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id)

	w, err := scanWorkflow(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT data FROM collection_posts WHERE workflow_id = ? ORDER BY rank
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p post.Post
		if err := json.UnmarshalFromString(data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal post: %w", err)
		}
		w.Posts = append(w.Posts, p)
	}
	return w, rows.Err()
}

// ListWorkflows returns all workflows of a kind, newest first, without their
// post collections. Pass an empty kind for all workflows.
func (s *Store) ListWorkflows(kind workflow.Kind) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, name, stage, searches, interval_hours, last_run_at,
			input_tokens, output_tokens, analysis, selected_ids, prompt,
			samples, chosen_id, final_output, is_scraping, scrape_started_at,
			last_scrape_error, created_at, updated_at
		FROM workflows
	`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow and everything attached to it.
func (s *Store) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// The seen-URL history is global and outlives any one workflow.
	for _, q := range []string{
		"DELETE FROM collection_posts WHERE workflow_id = ?",
		"DELETE FROM scrape_locks WHERE target_id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetScrapeState flips the in-progress flag. A non-empty reason records why
// the previous scrape ended.
func (s *Store) SetScrapeState(id string, inProgress bool, startedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE workflows
		SET is_scraping = ?, scrape_started_at = ?, last_scrape_error = ?, updated_at = ?
		WHERE id = ?
	`, boolToInt(inProgress), startedAt, reason, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeenURLs loads the global URL history. The seen-set spans every workflow:
// a URL emitted once is never re-emitted by any later session.
func (s *Store) SeenURLs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT url FROM seen_urls")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// AddSeenURLs records URLs in the global history. Already-recorded URLs are
// ignored.
func (s *Store) AddSeenURLs(urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(urls) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO seen_urls (url, first_seen) VALUES (?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, err := stmt.Exec(u, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Lock is a held scrape lock.
type Lock struct {
	TargetID   string
	AcquiredAt time.Time
}

// TryAcquireLock attempts to take the scrape lock for a target. It returns
// false without error when the lock is already held.
func (s *Store) TryAcquireLock(targetID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO scrape_locks (target_id, acquired_at) VALUES (?, ?)
	`, targetID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HoldsLock reports whether a scrape lock is currently held for a target.
func (s *Store) HoldsLock(targetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM scrape_locks WHERE target_id = ?", targetID).Scan(&n)
	return n > 0, err
}

// ReleaseLock drops the scrape lock for a target. Releasing an unheld lock
// is a no-op.
func (s *Store) ReleaseLock(targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM scrape_locks WHERE target_id = ?", targetID)
	return err
}

// StaleLocks returns locks acquired before the cutoff.
func (s *Store) StaleLocks(cutoff time.Time) ([]Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT target_id, acquired_at FROM scrape_locks WHERE acquired_at < ?", cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.TargetID, &l.AcquiredAt); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*workflow.Workflow, error) {
	var (
		w                              workflow.Workflow
		kind, stage                    string
		searches, selectedIDs, samples sql.NullString
		analysis, prompt               sql.NullString
		chosenID, finalOutput, lastErr sql.NullString
		lastRunAt, scrapeStartedAt     sql.NullTime
		isScraping                     int
	)
	err := row.Scan(
		&w.ID, &kind, &w.Name, &stage, &searches, &w.IntervalHours,
		&lastRunAt, &w.InputTokens, &w.OutputTokens, &analysis,
		&selectedIDs, &prompt, &samples, &chosenID, &finalOutput,
		&isScraping, &scrapeStartedAt, &lastErr, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w.Kind = workflow.Kind(kind)
	w.Stage = workflow.Stage(stage)
	w.Analysis = analysis.String
	w.Prompt = prompt.String
	w.ChosenID = chosenID.String
	w.FinalOutput = finalOutput.String
	w.LastScrapeError = lastErr.String
	w.IsScrapingNow = isScraping != 0
	w.LastRunAt = lastRunAt.Time
	w.ScrapeStartedAt = scrapeStartedAt.Time

	if searches.Valid && searches.String != "" {
		if err := json.UnmarshalFromString(searches.String, &w.Searches); err != nil {
			return nil, fmt.Errorf("unmarshal searches: %w", err)
		}
	}
	if selectedIDs.Valid && selectedIDs.String != "" {
		if err := json.UnmarshalFromString(selectedIDs.String, &w.SelectedIDs); err != nil {
			return nil, fmt.Errorf("unmarshal selected ids: %w", err)
		}
	}
	if samples.Valid && samples.String != "" {
		if err := json.UnmarshalFromString(samples.String, &w.Samples); err != nil {
			return nil, fmt.Errorf("unmarshal samples: %w", err)
		}
	}
	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
