// Package store implements the context store: ephemeral per-session state
// with a TTL and durable per-user context with append-only history.
//
// Two implementations share the semantics: SQLiteStore for deployments and
// MemoryStore for tests and no-persistence setups. Session reads are
// lock-free for callers; write serialization per session is the
// orchestrator's job, not the store's.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chorus/internal/logging"
	"chorus/internal/types"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions and user context in one SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	dbPath  string
	ttl     time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewSQLiteStore opens (or creates) the database at path. ttl is the session
// idle window applied on every SaveSession.
func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("initializing sqlite store at %s (session ttl %v)", path, ttl)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: path,
		ttl:    ttl,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.StoreDebug("sqlite schema initialized")
	return s, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id  TEXT PRIMARY KEY,
			state_json  TEXT NOT NULL,
			turn_number INTEGER NOT NULL DEFAULT 0,
			expires_at  INTEGER NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id          TEXT PRIMARY KEY,
			profile_json     TEXT NOT NULL DEFAULT '{}',
			preferences_json TEXT NOT NULL DEFAULT '{}',
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_history (
			user_id     TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			summary     TEXT NOT NULL,
			at          INTEGER NOT NULL,
			PRIMARY KEY (user_id, session_id, turn_number)
		)`,
		`CREATE TABLE IF NOT EXISTS user_artifacts (
			user_id     TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, artifact_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// LoadSession returns the session state, or found=false when the session is
// missing or its TTL has lapsed. Expired rows are removed lazily here.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (types.SessionState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stateJSON string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json, expires_at FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&stateJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return types.SessionState{}, false, nil
	}
	if err != nil {
		return types.SessionState{}, false, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if time.Now().Unix() >= expiresAt {
		logging.StoreDebug("session %s expired, treating as new", sessionID)
		// Lazy purge; sweep handles the rest. Best-effort under RLock is
		// fine with MaxOpenConns(1).
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return types.SessionState{}, false, nil
	}

	var state types.SessionState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return types.SessionState{}, false, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return state, true, nil
}

// SaveSession upserts the state and resets the TTL to now + idle window.
func (s *SQLiteStore) SaveSession(ctx context.Context, state types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", state.SessionID, err)
	}
	expiresAt := time.Now().Add(s.ttl).Unix()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, state_json, turn_number, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(session_id) DO UPDATE SET
			state_json = excluded.state_json,
			turn_number = excluded.turn_number,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP`,
		state.SessionID, string(data), state.TurnNumber, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	logging.StoreDebug("saved session %s turn=%d", state.SessionID, state.TurnNumber)
	return nil
}

// LoadUserContext returns the durable context for a user, or an
// empty-but-valid context when the user has never been seen.
func (s *SQLiteStore) LoadUserContext(ctx context.Context, userID string) (types.UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user := types.NewUserContext(userID)

	var profileJSON, prefsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_json, preferences_json FROM user_profiles WHERE user_id = ?`,
		userID,
	).Scan(&profileJSON, &prefsJSON)
	if err != nil && err != sql.ErrNoRows {
		return user, fmt.Errorf("failed to load profile for %s: %w", userID, err)
	}
	if err == nil {
		if profileJSON != "" {
			_ = json.Unmarshal([]byte(profileJSON), &user.Profile)
		}
		if prefsJSON != "" {
			_ = json.Unmarshal([]byte(prefsJSON), &user.Preferences)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn_number, summary, at
		 FROM user_history WHERE user_id = ?
		 ORDER BY at ASC, session_id ASC, turn_number ASC`,
		userID,
	)
	if err != nil {
		return user, fmt.Errorf("failed to load history for %s: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry types.HistoryEntry
		var at int64
		if err := rows.Scan(&entry.SessionID, &entry.TurnNumber, &entry.Summary, &at); err != nil {
			continue
		}
		entry.At = time.Unix(at, 0)
		user.History = append(user.History, entry)
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id FROM user_artifacts WHERE user_id = ? ORDER BY created_at ASC, artifact_id ASC`,
		userID,
	)
	if err != nil {
		return user, fmt.Errorf("failed to load artifacts for %s: %w", userID, err)
	}
	defer arows.Close()
	for arows.Next() {
		var id string
		if err := arows.Scan(&id); err != nil {
			continue
		}
		user.Artifacts = append(user.Artifacts, id)
	}

	return user, nil
}

// SaveUserContext merges with append-only semantics. History rows use
// INSERT OR IGNORE keyed (user_id, session_id, turn_number) so a retried
// turn appends exactly once.
func (s *SQLiteStore) SaveUserContext(ctx context.Context, user types.UserContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx for %s: %w", user.UserID, err)
	}
	defer tx.Rollback()

	profileJSON, _ := json.Marshal(user.Profile)
	prefsJSON, _ := json.Marshal(user.Preferences)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, profile_json, preferences_json, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET
			profile_json = excluded.profile_json,
			preferences_json = excluded.preferences_json,
			updated_at = CURRENT_TIMESTAMP`,
		user.UserID, string(profileJSON), string(prefsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile for %s: %w", user.UserID, err)
	}

	for _, entry := range user.History {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_history (user_id, session_id, turn_number, summary, at)
			 VALUES (?, ?, ?, ?, ?)`,
			user.UserID, entry.SessionID, entry.TurnNumber, entry.Summary, entry.At.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to append history for %s: %w", user.UserID, err)
		}
	}

	for _, artifact := range user.Artifacts {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_artifacts (user_id, artifact_id) VALUES (?, ?)`,
			user.UserID, artifact,
		)
		if err != nil {
			return fmt.Errorf("failed to record artifact for %s: %w", user.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit context for %s: %w", user.UserID, err)
	}
	logging.StoreDebug("saved user context %s (history=%d artifacts=%d)",
		user.UserID, len(user.History), len(user.Artifacts))
	return nil
}

// StartSweeper launches the periodic purge of expired session rows.
func (s *SQLiteStore) StartSweeper(interval time.Duration) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *SQLiteStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("session sweep failed: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.StoreDebug("swept %d expired sessions", n)
	}
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}
