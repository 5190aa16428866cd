// Package ledger appends score changes to Postgres so a quiz night can be
// audited or its standings rebuilt after a host restart.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/quiz-buzzer/internal/coordinator"
)

var ErrDatabaseURLRequired = errors.New("DATABASE_URL is required")

const schema = `
CREATE TABLE IF NOT EXISTS score_events (
    id          BIGSERIAL PRIMARY KEY,
    game_id     TEXT        NOT NULL,
    team_id     TEXT        NOT NULL,
    team_name   TEXT        NOT NULL,
    question_id TEXT        NOT NULL DEFAULT '',
    reason      TEXT        NOT NULL,
    delta       INTEGER     NOT NULL,
    total       INTEGER     NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS score_events_game_idx ON score_events (game_id, recorded_at);
`

var _ coordinator.ScoreRecorder = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

// Open connects and pings with the same pool limits the other services use.
func Open(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, ErrDatabaseURLRequired
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	return &Repository{db: db}, nil
}

func New(db *sql.DB) *Repository { return &Repository{db: db} }

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// RecordScore appends one event. A nil repository drops it.
func (r *Repository) RecordScore(ctx context.Context, ev coordinator.ScoreEvent) error {
	if r == nil || r.db == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	const q = `INSERT INTO score_events (
        game_id, team_id, team_name, question_id, reason, delta, total, recorded_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.db.ExecContext(ctx, q,
		ev.GameID, ev.TeamID, ev.TeamName, ev.QuestionID, ev.Reason, ev.Delta, ev.Total, at.UTC(),
	); err != nil {
		return fmt.Errorf("insert score event: %w", err)
	}
	return nil
}

type Standing struct {
	TeamID   string
	TeamName string
	Total    int
	Events   int
}

// Standings sums deltas per team for gameID, best first.
func (r *Repository) Standings(ctx context.Context, gameID string) ([]Standing, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	const q = `
        SELECT team_id, MAX(team_name), COALESCE(SUM(delta), 0), COUNT(*)
        FROM score_events
        WHERE game_id = $1
        GROUP BY team_id
        ORDER BY 3 DESC, 1`
	rows, err := r.db.QueryContext(ctx, q, gameID)
	if err != nil {
		return nil, fmt.Errorf("query standings: %w", err)
	}
	defer rows.Close()

	var out []Standing
	for rows.Next() {
		var s Standing
		if err := rows.Scan(&s.TeamID, &s.TeamName, &s.Total, &s.Events); err != nil {
			return nil, fmt.Errorf("scan standing: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
