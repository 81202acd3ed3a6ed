// Package matchlog keeps a history of played matches in Postgres
package matchlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

// Match is one row of the history
type Match struct {
	SessionID    uuid.UUID
	Role         string
	P1Name       string
	P2Name       string
	Settings     wire.GameSettings
	InitialDelay uint8
	StartedAt    time.Time

	EndedAt      *time.Time
	EndReason    string
	Error        string
	Rounds       int
	DelayHistory pqtype.NullRawMessage
}

// Finish is what is known once a match is over
type Finish struct {
	EndedAt      time.Time
	Reason       string
	Error        string
	Rounds       int
	DelayHistory pqtype.NullRawMessage
}

// DelayChange is one entry of the delay history
type DelayChange struct {
	Delay uint8  `json:"delay"`
	Frame uint64 `json:"frame"`
}

const schema = `
CREATE TABLE IF NOT EXISTS netplay_matches (
    session_id      UUID PRIMARY KEY,
    role            TEXT NOT NULL,
    p1_name         TEXT NOT NULL,
    p2_name         TEXT NOT NULL,
    settings_common BIGINT NOT NULL,
    settings_p1     BIGINT NOT NULL,
    settings_p2     BIGINT NOT NULL,
    initial_delay   SMALLINT NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ,
    end_reason      TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    rounds          INTEGER NOT NULL DEFAULT 0,
    delay_history   JSONB
);
CREATE INDEX IF NOT EXISTS netplay_matches_started_at_idx ON netplay_matches (started_at DESC);
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pool and checks that the database answers
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create match log schema: %w", err)
	}
	return nil
}

func (r *Repository) InsertMatch(ctx context.Context, m Match) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO netplay_matches (
          session_id, role, p1_name, p2_name,
          settings_common, settings_p1, settings_p2,
          initial_delay, started_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (session_id) DO NOTHING
    `,
		m.SessionID, m.Role, m.P1Name, m.P2Name,
		int64(m.Settings.Common), int64(m.Settings.P1), int64(m.Settings.P2),
		int16(m.InitialDelay), m.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match %s: %w", m.SessionID, err)
	}
	return nil
}

func (r *Repository) FinishMatch(ctx context.Context, sessionID uuid.UUID, f Finish) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE netplay_matches
           SET ended_at = $2, end_reason = $3, error = $4, rounds = $5, delay_history = $6
         WHERE session_id = $1
    `,
		sessionID, f.EndedAt, f.Reason, f.Error, f.Rounds, f.DelayHistory,
	)
	if err != nil {
		return fmt.Errorf("failed to finish match %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to finish match %s: no such match", sessionID)
	}
	return nil
}

// RecentMatches returns up to limit matches, newest first
func (r *Repository) RecentMatches(ctx context.Context, limit int) ([]Match, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT session_id, role, p1_name, p2_name,
               settings_common, settings_p1, settings_p2,
               initial_delay, started_at, ended_at, end_reason, error, rounds, delay_history
          FROM netplay_matches
         ORDER BY started_at DESC
         LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent matches: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m              Match
			common, p1, p2 int64
			delay          int16
			history        []byte
		)
		if err := rows.Scan(
			&m.SessionID, &m.Role, &m.P1Name, &m.P2Name,
			&common, &p1, &p2,
			&delay, &m.StartedAt, &m.EndedAt, &m.EndReason, &m.Error, &m.Rounds, &history,
		); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Settings = wire.GameSettings{Common: uint32(common), P1: uint32(p1), P2: uint32(p2)}
		m.InitialDelay = uint8(delay)
		m.DelayHistory = pqtype.NullRawMessage{RawMessage: history, Valid: history != nil}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recent matches: %w", err)
	}
	return matches, nil
}
