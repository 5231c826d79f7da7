package game

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a local SQLite file. Timestamps are stored
// as UTC millisecond integers.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS story_sessions (
			id TEXT PRIMARY KEY,
			theme TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			closed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS story_players (
			session_id TEXT NOT NULL REFERENCES story_sessions(id) ON DELETE CASCADE,
			player_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, player_id)
		)`,
		`CREATE TABLE IF NOT EXISTS story_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES story_sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			player_id TEXT NOT NULL,
			player_name TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			narrative TEXT NOT NULL,
			options TEXT NOT NULL DEFAULT '[]',
			submitted_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			UNIQUE (session_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply session schema: %w", err)
		}
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var closedAt sql.NullInt64
	if session.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: toMillis(*session.ClosedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO story_sessions (id, theme, status, close_reason, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			theme = excluded.theme,
			status = excluded.status,
			close_reason = excluded.close_reason,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at
	`, session.ID, session.Theme, string(session.Status), string(session.CloseReason),
		toMillis(session.CreatedAt), toMillis(session.UpdatedAt), closedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM story_players WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear session players: %w", err)
	}
	for _, p := range session.Players {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO story_players (session_id, player_id, name, joined_at)
			VALUES (?, ?, ?, ?)
		`, session.ID, p.ID, p.Name, toMillis(p.JoinedAt))
		if err != nil {
			return fmt.Errorf("insert session player: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM story_turns WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear session turns: %w", err)
	}
	for _, t := range session.Turns {
		options, err := encodeOptions(t.Options)
		if err != nil {
			return fmt.Errorf("encode turn options: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO story_turns (id, session_id, seq, player_id, player_name, action, narrative, options, submitted_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, session.ID, t.Seq, t.PlayerID, t.PlayerName, t.Action, t.Narrative, options,
			toMillis(t.SubmittedAt), toMillis(t.CompletedAt))
		if err != nil {
			return fmt.Errorf("insert session turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save session tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, theme, status, close_reason, created_at, updated_at, closed_at
		FROM story_sessions
		WHERE id = ?
	`, sessionID)

	var (
		session     Session
		status      string
		closeReason string
		createdAt   int64
		updatedAt   int64
		closedAt    sql.NullInt64
	)
	err := row.Scan(&session.ID, &session.Theme, &status, &closeReason,
		&createdAt, &updatedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrStoreNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	session.Status = SessionStatus(status)
	session.CloseReason = CloseReason(closeReason)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	if closedAt.Valid {
		value := fromMillis(closedAt.Int64)
		session.ClosedAt = &value
	}

	players, err := s.queryPlayers(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	session.Players = players

	turns, err := s.queryTurns(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	session.Turns = turns
	return session, nil
}

func (s *SQLiteStore) queryPlayers(ctx context.Context, sessionID string) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_id, name, joined_at
		FROM story_players
		WHERE session_id = ?
		ORDER BY joined_at ASC, player_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var (
			p        Player
			joinedAt int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan session player: %w", err)
		}
		p.JoinedAt = fromMillis(joinedAt)
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session players: %w", err)
	}
	return players, nil
}

func (s *SQLiteStore) queryTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, player_id, player_name, action, narrative, options, submitted_at, completed_at
		FROM story_turns
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t           Turn
			options     string
			submittedAt int64
			completedAt int64
		)
		err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.PlayerID, &t.PlayerName,
			&t.Action, &t.Narrative, &options, &submittedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session turn: %w", err)
		}
		decoded, err := decodeOptions(options)
		if err != nil {
			return nil, fmt.Errorf("decode turn options: %w", err)
		}
		t.Options = decoded
		t.SubmittedAt = fromMillis(submittedAt)
		t.CompletedAt = fromMillis(completedAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session turns: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
