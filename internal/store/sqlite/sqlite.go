// Package sqlite provides a SQLite-based store.Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"han/internal/cache"
	"han/internal/store"
)

const timeFormat = time.RFC3339Nano

// Store is a SQLite-based store.Store implementation.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) a SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- OrchestrationStore ---

func (s *Store) CreateOrchestration(ctx context.Context, o store.Orchestration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create orchestration: %w", err)
	}
	defer tx.Rollback()

	if o.SessionID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE orchestrations SET status = ?, updated_at = ?
			WHERE session_id = ? AND status = ?
		`, store.StatusCancelled, time.Now().UTC().Format(timeFormat), o.SessionID, store.StatusRunning); err != nil {
			return fmt.Errorf("cancel prior orchestrations: %w", err)
		}
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orchestrations (id, session_id, event_type, project_root, status, degraded, total_tasks, log_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SessionID, o.EventType, o.ProjectRoot, string(o.Status), boolToInt(o.Degraded), o.TotalTasks, o.LogPath, now, now)
	if err != nil {
		return fmt.Errorf("insert orchestration %q: %w", o.ID, err)
	}

	return tx.Commit()
}

func (s *Store) GetOrchestration(ctx context.Context, id string) (*store.Orchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, event_type, project_root, status, degraded, total_tasks, log_path, created_at, updated_at
		FROM orchestrations WHERE id = ?
	`, id)
	return scanOrchestration(row)
}

func (s *Store) UpdateOrchestrationStatus(ctx context.Context, id string, status store.OrchestrationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("update orchestration %q status: %w", id, err)
	}
	return nil
}

func (s *Store) SetOrchestrationDegraded(ctx context.Context, id string, degraded bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET degraded = ?, updated_at = ? WHERE id = ?
	`, boolToInt(degraded), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("set orchestration %q degraded: %w", id, err)
	}
	return nil
}

func (s *Store) ActiveOrchestrationForSession(ctx context.Context, sessionID string) (*store.Orchestration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, event_type, project_root, status, degraded, total_tasks, log_path, created_at, updated_at
		FROM orchestrations
		WHERE session_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, sessionID, string(store.StatusPending), string(store.StatusRunning))
	o, err := scanOrchestration(row)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrchestration(row *sql.Row) (*store.Orchestration, error) {
	var o store.Orchestration
	var status string
	var degraded int
	var createdAt, updatedAt string
	err := row.Scan(&o.ID, &o.SessionID, &o.EventType, &o.ProjectRoot, &status, &degraded, &o.TotalTasks, &o.LogPath, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan orchestration: %w", err)
	}
	o.Status = store.OrchestrationStatus(status)
	o.Degraded = degraded != 0
	o.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	o.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &o, nil
}

// --- PendingHookStore ---

func (s *Store) QueuePendingHooks(ctx context.Context, orchestrationID string, hooks []store.PendingHook) error {
	if len(hooks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue pending hooks: %w", err)
	}
	defer tx.Rollback()

	for _, h := range hooks {
		var ifChanged any
		if h.IfChanged != nil {
			b, err := json.Marshal(h.IfChanged)
			if err != nil {
				return fmt.Errorf("marshal if_changed for %s/%s: %w", h.Plugin, h.Hook, err)
			}
			ifChanged = string(b)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_hooks (orchestration_id, plugin, hook, directory, command, if_changed)
			VALUES (?, ?, ?, ?, ?, ?)
		`, orchestrationID, h.Plugin, h.Hook, h.Directory, h.Command, ifChanged)
		if err != nil {
			return fmt.Errorf("queue pending hook %s/%s: %w", h.Plugin, h.Hook, err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListPendingHooks(ctx context.Context, orchestrationID string) ([]store.PendingHook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, orchestration_id, plugin, hook, directory, command, if_changed
		FROM pending_hooks WHERE orchestration_id = ? ORDER BY id
	`, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("list pending hooks for %q: %w", orchestrationID, err)
	}
	defer rows.Close()

	var out []store.PendingHook
	for rows.Next() {
		var h store.PendingHook
		var ifChanged sql.NullString
		if err := rows.Scan(&h.ID, &h.OrchestrationID, &h.Plugin, &h.Hook, &h.Directory, &h.Command, &ifChanged); err != nil {
			return nil, fmt.Errorf("scan pending hook: %w", err)
		}
		if ifChanged.Valid {
			if err := json.Unmarshal([]byte(ifChanged.String), &h.IfChanged); err != nil {
				return nil, fmt.Errorf("unmarshal if_changed for pending hook %d: %w", h.ID, err)
			}
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending hooks: %w", err)
	}
	return out, nil
}

func (s *Store) ClearPendingHooks(ctx context.Context, orchestrationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_hooks WHERE orchestration_id = ?`, orchestrationID)
	if err != nil {
		return fmt.Errorf("clear pending hooks for %q: %w", orchestrationID, err)
	}
	return nil
}

// --- AttemptStore ---

func (s *Store) GetAttemptCounter(ctx context.Context, sessionID, plugin, hook, directory string) (*store.AttemptCounter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, plugin, hook, directory, consecutive_fail, max_attempts
		FROM hook_attempts WHERE session_id = ? AND plugin = ? AND hook = ? AND directory = ?
	`, sessionID, plugin, hook, directory)

	var c store.AttemptCounter
	err := row.Scan(&c.SessionID, &c.Plugin, &c.Hook, &c.Directory, &c.ConsecutiveFail, &c.MaxAttempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt counter: %w", err)
	}
	return &c, nil
}

func (s *Store) IncrementAttempt(ctx context.Context, sessionID, plugin, hook, directory string, maxAttempts int) (*store.AttemptCounter, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_attempts (session_id, plugin, hook, directory, consecutive_fail, max_attempts)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(session_id, plugin, hook, directory) DO UPDATE SET
			consecutive_fail = consecutive_fail + 1,
			max_attempts = excluded.max_attempts
	`, sessionID, plugin, hook, directory, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("increment attempt counter: %w", err)
	}
	return s.GetAttemptCounter(ctx, sessionID, plugin, hook, directory)
}

func (s *Store) ResetAttempt(ctx context.Context, sessionID, plugin, hook, directory string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM hook_attempts WHERE session_id = ? AND plugin = ? AND hook = ? AND directory = ?
	`, sessionID, plugin, hook, directory)
	if err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	return nil
}

// --- SessionStore ---

func (s *Store) RecordSessionFileChange(ctx context.Context, sessionID, absPath string) error {
	now := time.Now().UTC().Format(timeFormat)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record session file change: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_file_changes (session_id, abs_path, changed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, abs_path) DO UPDATE SET changed_at = excluded.changed_at
	`, sessionID, absPath, now); err != nil {
		return fmt.Errorf("record session file change: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO active_session (id, session_id, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`, sessionID, now); err != nil {
		return fmt.Errorf("update active session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ActiveSessionID(ctx context.Context) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM active_session WHERE id = 1`).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read active session: %w", err)
	}
	return sessionID, nil
}

// --- cache.SessionChanges ---

func (s *Store) SessionChangedFiles(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT abs_path FROM session_file_changes WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session file changes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan session file change: %w", err)
		}
		out[path] = true
	}
	return out, rows.Err()
}

// --- cache.Store ---

func (s *Store) GetCacheEntry(ctx context.Context, pluginName, hook, directory string) (*cache.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plugin, hook, directory, files, command_hash, session_id
		FROM hook_cache WHERE plugin = ? AND hook = ? AND directory = ?
	`, pluginName, hook, directory)

	var e cache.Entry
	var filesJSON string
	err := row.Scan(&e.Plugin, &e.Hook, &e.Directory, &filesJSON, &e.CommandHash, &e.SessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &e.Files); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry files: %w", err)
	}
	return &e, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, entry cache.Entry) error {
	filesJSON, err := json.Marshal(entry.Files)
	if err != nil {
		return fmt.Errorf("marshal cache entry files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hook_cache (plugin, hook, directory, files, command_hash, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin, hook, directory) DO UPDATE SET
			files = excluded.files,
			command_hash = excluded.command_hash,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at
	`, entry.Plugin, entry.Hook, entry.Directory, string(filesJSON), entry.CommandHash, entry.SessionID, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("put cache entry %s/%s in %s: %w", entry.Plugin, entry.Hook, entry.Directory, err)
	}
	return nil
}

// --- CheckDedupStore ---

func (s *Store) ShouldReport(ctx context.Context, key, outputHash string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT output_hash, logged_at FROM check_dedup WHERE key = ?`, key)

	var prevHash, loggedAtStr string
	err := row.Scan(&prevHash, &loggedAtStr)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read check dedup entry: %w", err)
	}

	now := time.Now().UTC()
	if err == nil {
		loggedAt, perr := time.Parse(timeFormat, loggedAtStr)
		if perr == nil && prevHash == outputHash && now.Sub(loggedAt) < store.DedupWindow {
			return false, nil
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO check_dedup (key, output_hash, logged_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET output_hash = excluded.output_hash, logged_at = excluded.logged_at
	`, key, outputHash, now.Format(timeFormat))
	if err != nil {
		return false, fmt.Errorf("record check dedup entry: %w", err)
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
