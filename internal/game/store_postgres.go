package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL. Each save rewrites the full
// snapshot: the session row is upserted and player/turn rows are replaced.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS story_sessions (
			id TEXT PRIMARY KEY,
			theme TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS story_players (
			session_id TEXT NOT NULL REFERENCES story_sessions(id) ON DELETE CASCADE,
			player_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			joined_at TIMESTAMPTZ NOT NULL,
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
			submitted_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply session schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save session tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO story_sessions (id, theme, status, close_reason, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			theme = EXCLUDED.theme,
			status = EXCLUDED.status,
			close_reason = EXCLUDED.close_reason,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at
	`, session.ID, session.Theme, string(session.Status), string(session.CloseReason),
		session.CreatedAt, session.UpdatedAt, session.ClosedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM story_players WHERE session_id = $1`, session.ID); err != nil {
		return fmt.Errorf("clear session players: %w", err)
	}
	for _, p := range session.Players {
		_, err := tx.Exec(ctx, `
			INSERT INTO story_players (session_id, player_id, name, joined_at)
			VALUES ($1, $2, $3, $4)
		`, session.ID, p.ID, p.Name, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("insert session player: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM story_turns WHERE session_id = $1`, session.ID); err != nil {
		return fmt.Errorf("clear session turns: %w", err)
	}
	for _, t := range session.Turns {
		options, err := encodeOptions(t.Options)
		if err != nil {
			return fmt.Errorf("encode turn options: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO story_turns (id, session_id, seq, player_id, player_name, action, narrative, options, submitted_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, t.ID, session.ID, t.Seq, t.PlayerID, t.PlayerName, t.Action, t.Narrative, options,
			t.SubmittedAt, t.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert session turn: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save session tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, theme, status, close_reason, created_at, updated_at, closed_at
		FROM story_sessions
		WHERE id = $1
	`, sessionID)

	var (
		session     Session
		status      string
		closeReason string
		closedAt    *time.Time
	)
	err := row.Scan(&session.ID, &session.Theme, &status, &closeReason,
		&session.CreatedAt, &session.UpdatedAt, &closedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrStoreNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	session.Status = SessionStatus(status)
	session.CloseReason = CloseReason(closeReason)
	session.ClosedAt = closedAt

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

func (s *PostgresStore) queryPlayers(ctx context.Context, sessionID string) ([]Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, name, joined_at
		FROM story_players
		WHERE session_id = $1
		ORDER BY joined_at ASC, player_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.ID, &p.Name, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan session player: %w", err)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session players: %w", err)
	}
	return players, nil
}

func (s *PostgresStore) queryTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, seq, player_id, player_name, action, narrative, options, submitted_at, completed_at
		FROM story_turns
		WHERE session_id = $1
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			options string
		)
		err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.PlayerID, &t.PlayerName,
			&t.Action, &t.Narrative, &options, &t.SubmittedAt, &t.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session turn: %w", err)
		}
		decoded, err := decodeOptions(options)
		if err != nil {
			return nil, fmt.Errorf("decode turn options: %w", err)
		}
		t.Options = decoded
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session turns: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
