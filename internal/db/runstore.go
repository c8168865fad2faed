package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"session-sync/internal/reconcile"
)

// RunStore persists reconciliation run reports for operator dashboards.
// Expected schema (owned by the platform's migration tooling, not here):
//
//	CREATE TABLE reconcile_runs (
//	    id               BIGSERIAL PRIMARY KEY,
//	    started_at       TIMESTAMPTZ NOT NULL,
//	    duration_ms      BIGINT NOT NULL,
//	    guilds_processed INT NOT NULL,
//	    guilds_failed    INT NOT NULL,
//	    events_started   INT NOT NULL,
//	    events_completed INT NOT NULL,
//	    guild_outcomes   JSONB NOT NULL
//	);
type RunStore struct {
	db *DB
}

func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) InsertRun(ctx context.Context, report reconcile.RunReport) error {
	outcomes, err := json.Marshal(report.Guilds)
	if err != nil {
		return fmt.Errorf("encode guild outcomes: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO reconcile_runs
		     (started_at, duration_ms, guilds_processed, guilds_failed, events_started, events_completed, guild_outcomes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.StartedAt,
		report.Duration.Milliseconds(),
		report.GuildsProcessed,
		report.GuildsFailed,
		report.EventsStarted,
		report.EventsCompleted,
		outcomes,
	)
	if err != nil {
		return fmt.Errorf("insert run report: %w", err)
	}
	return nil
}

// RunSummary is the listing shape for the admin endpoint; guild outcomes
// stay as raw JSON so the API can pass them through untouched.
type RunSummary struct {
	ID              int64           `json:"id"`
	StartedAt       time.Time       `json:"started_at"`
	DurationMS      int64           `json:"duration_ms"`
	GuildsProcessed int             `json:"guilds_processed"`
	GuildsFailed    int             `json:"guilds_failed"`
	EventsStarted   int             `json:"events_started"`
	EventsCompleted int             `json:"events_completed"`
	GuildOutcomes   json.RawMessage `json:"guild_outcomes"`
}

func (s *RunStore) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, started_at, duration_ms, guilds_processed, guilds_failed,
		        events_started, events_completed, guild_outcomes
		 FROM reconcile_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMS, &r.GuildsProcessed,
			&r.GuildsFailed, &r.EventsStarted, &r.EventsCompleted, &r.GuildOutcomes); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
