package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kanflow/fleet/internal/common/errors"
	"github.com/kanflow/fleet/internal/model"
)

// SQLiteStore is the durable session store. It fronts every write with an
// in-memory MemoryStore so readers hit a hot cache while every write still
// lands in SQLite within the same critical section — the cache is never
// the source of truth, matching the write-through design note.
type SQLiteStore struct {
	db    *sql.DB
	cache *MemoryStore
}

// NewSQLiteStore opens (and migrates) the SQLite file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite permits only one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, cache: NewMemoryStore()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.hydrateCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	session_name TEXT NOT NULL,
	status TEXT NOT NULL,
	executor_session_id TEXT NOT NULL DEFAULT '',
	executor_type TEXT NOT NULL DEFAULT '',
	hostname TEXT NOT NULL DEFAULT '',
	project_dir TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	parent_session_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	last_resumed_at DATETIME
);

CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(session_name);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	demands TEXT NOT NULL DEFAULT '[]',
	prompt TEXT NOT NULL DEFAULT '',
	project_dir TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	parent_session_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	claimed_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME,
	runner_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`
	_, err := s.db.Exec(schema)
	return err
}

// hydrateCache loads persisted sessions/events into the in-memory cache on
// startup so reads are served hot immediately; this is also what a
// Coordinator restart relies on before recover_stale_on_startup runs.
func (s *SQLiteStore) hydrateCache() error {
	rows, err := s.db.Query(`SELECT session_id, session_name, status, executor_session_id,
		executor_type, hostname, project_dir, agent_name, parent_session_name,
		created_at, last_resumed_at FROM sessions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sess model.Session
		var lastResumed sql.NullTime
		if err := rows.Scan(&sess.SessionID, &sess.SessionName, &sess.Status, &sess.ExecutorSessionID,
			&sess.ExecutorType, &sess.Hostname, &sess.ProjectDir, &sess.AgentName, &sess.ParentSessionName,
			&sess.CreatedAt, &lastResumed); err != nil {
			return err
		}
		if lastResumed.Valid {
			sess.LastResumedAt = lastResumed.Time
		}
		s.cache.sessions[sess.SessionID] = &sess
	}
	if err := rows.Err(); err != nil {
		return err
	}

	evRows, err := s.db.Query(`SELECT session_id, seq, event_type, timestamp, payload FROM events ORDER BY session_id, seq`)
	if err != nil {
		return err
	}
	defer evRows.Close()
	for evRows.Next() {
		var ev model.Event
		var rawPayload string
		if err := evRows.Scan(&ev.SessionID, &ev.Seq, &ev.Type, &ev.Timestamp, &rawPayload); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(rawPayload), &ev.Payload)
		s.cache.events[ev.SessionID] = append(s.cache.events[ev.SessionID], &ev)
	}
	return evRows.Err()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.cache.CreateSession(ctx, sess); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(session_id, session_name, status, executor_session_id, executor_type, hostname,
		 project_dir, agent_name, parent_session_name, created_at, last_resumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.SessionName, sess.Status, sess.ExecutorSessionID, sess.ExecutorType,
		sess.Hostname, sess.ProjectDir, sess.AgentName, sess.ParentSessionName, sess.CreatedAt, sess.LastResumedAt)
	if err != nil {
		return apperrors.InternalError("failed to persist session", err)
	}
	return nil
}

func (s *SQLiteStore) Bind(ctx context.Context, sessionID, executorSessionID, hostname, executorType, projectDir string) error {
	if err := s.cache.Bind(ctx, sessionID, executorSessionID, hostname, executorType, projectDir); err != nil {
		return err
	}
	cached, _ := s.cache.GetByID(ctx, sessionID)
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET executor_session_id = ?, hostname = ?, executor_type = ?, project_dir = ?, status = ? WHERE session_id = ?`,
		cached.ExecutorSessionID, cached.Hostname, cached.ExecutorType, cached.ProjectDir, cached.Status, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to persist bind", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	if err := s.cache.AppendEvent(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return apperrors.InternalError("failed to marshal event payload", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO events (session_id, seq, event_type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)`, ev.SessionID, ev.Seq, ev.Type, ev.Timestamp, string(payload)); err != nil {
		return apperrors.InternalError("failed to persist event", err)
	}
	if ev.Type.Terminal() {
		status, _ := s.cache.GetStatus(ctx, ev.SessionID)
		if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, status, ev.SessionID); err != nil {
			return apperrors.InternalError("failed to persist session status", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, sessionID string) (model.SessionStatus, error) {
	return s.cache.GetStatus(ctx, sessionID)
}

func (s *SQLiteStore) GetResult(ctx context.Context, sessionID string) (string, error) {
	return s.cache.GetResult(ctx, sessionID)
}

func (s *SQLiteStore) GetAffinity(ctx context.Context, sessionID string) (*Affinity, error) {
	return s.cache.GetAffinity(ctx, sessionID)
}

func (s *SQLiteStore) GetByID(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.cache.GetByID(ctx, sessionID)
}

func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*model.Session, error) {
	return s.cache.GetByName(ctx, name)
}

func (s *SQLiteStore) Events(ctx context.Context, sessionID string) ([]*model.Event, error) {
	return s.cache.Events(ctx, sessionID)
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*model.Session, error) {
	return s.cache.List(ctx, filter)
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, sessionID string, fields map[string]any) error {
	if err := s.cache.UpdateMetadata(ctx, sessionID, fields); err != nil {
		return err
	}
	cached, _ := s.cache.GetByID(ctx, sessionID)
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET agent_name = ?, parent_session_name = ? WHERE session_id = ?`,
		cached.AgentName, cached.ParentSessionName, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to persist metadata", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.InternalError("failed to delete session", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// SaveRun persists a newly created run. Demands are stored as a JSON array;
// the in-memory queue remains the hot read path, this row only needs to
// support recover_stale_on_startup after a process restart.
func (s *SQLiteStore) SaveRun(ctx context.Context, r *model.Run) error {
	demands, err := json.Marshal(model.TagSlice(r.Demands))
	if err != nil {
		return apperrors.InternalError("failed to marshal run demands", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO runs
		(run_id, session_id, type, status, demands, prompt, project_dir, agent_name,
		 parent_session_name, created_at, claimed_at, started_at, completed_at, runner_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.SessionID, r.Type, r.Status, string(demands), r.Prompt, r.ProjectDir, r.AgentName,
		r.ParentSessionName, r.CreatedAt, nullTime(r.ClaimedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt),
		r.RunnerID, r.Error)
	if err != nil {
		return apperrors.InternalError("failed to persist run", err)
	}
	return nil
}

// UpdateRun overwrites the mutable fields of a persisted run: status,
// claim/start/completion timestamps, assigned runner, and error.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, claimed_at = ?, started_at = ?,
		completed_at = ?, runner_id = ?, error = ? WHERE run_id = ?`,
		r.Status, nullTime(r.ClaimedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), r.RunnerID, r.Error, r.RunID)
	if err != nil {
		return apperrors.InternalError("failed to persist run update", err)
	}
	return nil
}

// ListRuns loads every persisted run, used to rehydrate the in-memory queue
// at startup before recover_stale_on_startup walks it.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, session_id, type, status, demands, prompt,
		project_dir, agent_name, parent_session_name, created_at, claimed_at, started_at,
		completed_at, runner_id, error FROM runs ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperrors.InternalError("failed to list runs", err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		var r model.Run
		var demandsRaw string
		var claimedAt, startedAt, completedAt sql.NullTime
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.Type, &r.Status, &demandsRaw, &r.Prompt,
			&r.ProjectDir, &r.AgentName, &r.ParentSessionName, &r.CreatedAt, &claimedAt, &startedAt,
			&completedAt, &r.RunnerID, &r.Error); err != nil {
			return nil, apperrors.InternalError("failed to scan run", err)
		}
		var tags []string
		_ = json.Unmarshal([]byte(demandsRaw), &tags)
		r.Demands = model.TagSet(tags)
		if claimedAt.Valid {
			r.ClaimedAt = claimedAt.Time
		}
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			r.CompletedAt = completedAt.Time
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
