package datasink

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lems-live/project/internal/contracts"
)

const createDivisionEventsSQL = `
CREATE TABLE IF NOT EXISTS division_events (
  event_id text PRIMARY KEY,
  division_id text NOT NULL,
  aggregate_kind text NOT NULL,
  aggregate_id text NOT NULL,
  version bigint NOT NULL,
  seq bigint NOT NULL,
  event_type text NOT NULL,
  data jsonb NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (division_id, aggregate_kind, aggregate_id, version)
)`

const createAggregateSnapshotsSQL = `
CREATE TABLE IF NOT EXISTS aggregate_snapshots (
  division_id text NOT NULL,
  aggregate_kind text NOT NULL,
  aggregate_id text NOT NULL,
  version bigint NOT NULL,
  status text NOT NULL DEFAULT '',
  data jsonb NOT NULL,
  updated_at timestamptz NOT NULL,
  PRIMARY KEY (division_id, aggregate_kind, aggregate_id)
)`

const createDivisionStreamOffsetsSQL = `
CREATE TABLE IF NOT EXISTS division_stream_offsets (
  division_id text PRIMARY KEY,
  last_seq bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const insertEventSQL = `
INSERT INTO division_events (
  event_id, division_id, aggregate_kind, aggregate_id,
  version, seq, event_type, data, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (event_id) DO NOTHING
`

// Snapshots only move forward: a replayed older event must never
// overwrite a newer state.
const upsertSnapshotSQL = `
INSERT INTO aggregate_snapshots (
  division_id, aggregate_kind, aggregate_id, version, status, data, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (division_id, aggregate_kind, aggregate_id) DO UPDATE
SET version = EXCLUDED.version,
    status = EXCLUDED.status,
    data = EXCLUDED.data,
    updated_at = EXCLUDED.updated_at
WHERE aggregate_snapshots.version < EXCLUDED.version
`

const upsertDivisionOffsetSQL = `
INSERT INTO division_stream_offsets (division_id, last_seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (division_id) DO UPDATE
SET last_seq = GREATEST(division_stream_offsets.last_seq, EXCLUDED.last_seq),
    updated_at = now()
`

type EventRepository struct {
	Pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{Pool: pool}
}

func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createDivisionEventsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createAggregateSnapshotsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createDivisionStreamOffsetsSQL); err != nil {
		return err
	}
	return nil
}

func (r *EventRepository) InsertEvent(ctx context.Context, event contracts.Event, status string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertEventSQL,
		event.EventID,
		event.DivisionID,
		string(event.AggregateKind),
		event.AggregateID,
		int64(event.Version),
		int64(event.Seq),
		event.Type,
		event.Data,
		event.OccurredAt,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, upsertSnapshotSQL,
		event.DivisionID,
		string(event.AggregateKind),
		event.AggregateID,
		int64(event.Version),
		status,
		event.Data,
		event.OccurredAt,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, upsertDivisionOffsetSQL, event.DivisionID, int64(event.Seq)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetDivisionOffset reports the highest persisted stream seq for the
// division; readiness probes compare it against the broker's head.
func (r *EventRepository) GetDivisionOffset(ctx context.Context, divisionID string) (uint64, error) {
	var last int64
	err := r.Pool.QueryRow(ctx,
		`SELECT last_seq FROM division_stream_offsets WHERE division_id = $1`,
		divisionID,
	).Scan(&last)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return uint64(last), nil
}
