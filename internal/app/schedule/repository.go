package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/contracts"
)

var ErrDivisionNotFound = errors.New("division not found")

// Division is the seeded tournament division row. TeamCount feeds the
// deliberation picklist cap.
type Division struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeamCount int    `json:"team_count"`
}

const createDivisionsSQL = `
CREATE TABLE IF NOT EXISTS divisions (
  id text PRIMARY KEY,
  name text NOT NULL,
  team_count int NOT NULL DEFAULT 0
)`

const createMatchesSQL = `
CREATE TABLE IF NOT EXISTS match_slots (
  id text PRIMARY KEY,
  division_id text NOT NULL REFERENCES divisions(id),
  table_id text NOT NULL,
  team_id text NOT NULL,
  stage text NOT NULL,
  scheduled_time timestamptz NOT NULL
)`

const createJudgingSessionsSQL = `
CREATE TABLE IF NOT EXISTS judging_slots (
  id text PRIMARY KEY,
  division_id text NOT NULL REFERENCES divisions(id),
  room_id text NOT NULL,
  team_id text NOT NULL,
  scheduled_time timestamptz NOT NULL
)`

const createScoresheetsSQL = `
CREATE TABLE IF NOT EXISTS scoresheet_slots (
  id text PRIMARY KEY,
  division_id text NOT NULL REFERENCES divisions(id),
  match_id text NOT NULL,
  team_id text NOT NULL,
  requires_gp boolean NOT NULL DEFAULT false
)`

const createDeliberationsSQL = `
CREATE TABLE IF NOT EXISTS deliberation_configs (
  id text PRIMARY KEY,
  division_id text NOT NULL REFERENCES divisions(id),
  kind text NOT NULL,
  stages jsonb NOT NULL
)`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createDivisionsSQL,
		createMatchesSQL,
		createJudgingSessionsSQL,
		createScoresheetsSQL,
		createDeliberationsSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) ListDivisions(ctx context.Context) ([]Division, error) {
	rows, err := r.Pool.Query(ctx, `SELECT id, name, team_count FROM divisions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Division
	for rows.Next() {
		var d Division
		if err := rows.Scan(&d.ID, &d.Name, &d.TeamCount); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// LoadDivisionSetup assembles the engine boot state for one division
// from the seeded schedule.
func (r *Repository) LoadDivisionSetup(ctx context.Context, divisionID string) (engine.DivisionSetup, error) {
	var division Division
	err := r.Pool.QueryRow(ctx,
		`SELECT id, name, team_count FROM divisions WHERE id = $1`, divisionID,
	).Scan(&division.ID, &division.Name, &division.TeamCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.DivisionSetup{}, ErrDivisionNotFound
		}
		return engine.DivisionSetup{}, err
	}

	setup := engine.DivisionSetup{DivisionID: divisionID}

	matches, err := r.listMatches(ctx, divisionID)
	if err != nil {
		return engine.DivisionSetup{}, err
	}
	setup.Matches = matches

	sessions, err := r.listJudgingSessions(ctx, divisionID)
	if err != nil {
		return engine.DivisionSetup{}, err
	}
	setup.Sessions = sessions

	scoresheets, err := r.listScoresheets(ctx, divisionID)
	if err != nil {
		return engine.DivisionSetup{}, err
	}
	setup.Scoresheets = scoresheets

	deliberations, err := r.listDeliberations(ctx, divisionID, division.TeamCount)
	if err != nil {
		return engine.DivisionSetup{}, err
	}
	setup.Deliberations = deliberations

	return setup, nil
}

func (r *Repository) listMatches(ctx context.Context, divisionID string) ([]contracts.Match, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, table_id, team_id, stage, scheduled_time
		 FROM match_slots
		 WHERE division_id = $1
		 ORDER BY scheduled_time, id`,
		divisionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []contracts.Match
	for rows.Next() {
		var m contracts.Match
		var stage string
		if err := rows.Scan(&m.ID, &m.TableID, &m.TeamID, &stage, &m.ScheduledTime); err != nil {
			return nil, err
		}
		m.DivisionID = divisionID
		m.Stage = contracts.MatchStage(stage)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *Repository) listJudgingSessions(ctx context.Context, divisionID string) ([]contracts.JudgingSession, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, room_id, team_id, scheduled_time
		 FROM judging_slots
		 WHERE division_id = $1
		 ORDER BY scheduled_time, id`,
		divisionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []contracts.JudgingSession
	for rows.Next() {
		var s contracts.JudgingSession
		if err := rows.Scan(&s.ID, &s.RoomID, &s.TeamID, &s.ScheduledTime); err != nil {
			return nil, err
		}
		s.DivisionID = divisionID
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *Repository) listScoresheets(ctx context.Context, divisionID string) ([]contracts.Scoresheet, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, match_id, team_id, requires_gp
		 FROM scoresheet_slots
		 WHERE division_id = $1
		 ORDER BY id`,
		divisionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []contracts.Scoresheet
	for rows.Next() {
		var s contracts.Scoresheet
		if err := rows.Scan(&s.ID, &s.MatchID, &s.TeamID, &s.RequiresGP); err != nil {
			return nil, err
		}
		s.DivisionID = divisionID
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *Repository) listDeliberations(ctx context.Context, divisionID string, teamCount int) ([]contracts.Deliberation, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, kind, stages
		 FROM deliberation_configs
		 WHERE division_id = $1
		 ORDER BY id`,
		divisionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []contracts.Deliberation
	for rows.Next() {
		var d contracts.Deliberation
		var stages []byte
		if err := rows.Scan(&d.ID, &d.Kind, &stages); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(stages, &d.Stages); err != nil {
			return nil, err
		}
		d.DivisionID = divisionID
		d.TeamCount = teamCount
		result = append(result, d)
	}
	return result, rows.Err()
}

// Seeding writes, used by cmd/seed. ON CONFLICT upserts keep the seeder
// re-runnable against an already populated database.

func (r *Repository) UpsertDivision(ctx context.Context, d Division) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO divisions (id, name, team_count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, team_count = EXCLUDED.team_count`,
		d.ID, d.Name, d.TeamCount,
	)
	return err
}

func (r *Repository) UpsertMatch(ctx context.Context, m contracts.Match) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO match_slots (id, division_id, table_id, team_id, stage, scheduled_time)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET table_id = EXCLUDED.table_id, team_id = EXCLUDED.team_id,
		     stage = EXCLUDED.stage, scheduled_time = EXCLUDED.scheduled_time`,
		m.ID, m.DivisionID, m.TableID, m.TeamID, string(m.Stage), m.ScheduledTime,
	)
	return err
}

func (r *Repository) UpsertJudgingSession(ctx context.Context, s contracts.JudgingSession) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO judging_slots (id, division_id, room_id, team_id, scheduled_time)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET room_id = EXCLUDED.room_id, team_id = EXCLUDED.team_id,
		     scheduled_time = EXCLUDED.scheduled_time`,
		s.ID, s.DivisionID, s.RoomID, s.TeamID, s.ScheduledTime,
	)
	return err
}

func (r *Repository) UpsertScoresheet(ctx context.Context, s contracts.Scoresheet) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO scoresheet_slots (id, division_id, match_id, team_id, requires_gp)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET match_id = EXCLUDED.match_id, team_id = EXCLUDED.team_id,
		     requires_gp = EXCLUDED.requires_gp`,
		s.ID, s.DivisionID, s.MatchID, s.TeamID, s.RequiresGP,
	)
	return err
}

func (r *Repository) UpsertDeliberation(ctx context.Context, d contracts.Deliberation) error {
	stages, err := json.Marshal(d.Stages)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx,
		`INSERT INTO deliberation_configs (id, division_id, kind, stages)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET kind = EXCLUDED.kind, stages = EXCLUDED.stages`,
		d.ID, d.DivisionID, d.Kind, stages,
	)
	return err
}

// WaitForSchema polls until the divisions table exists. Engines start
// alongside the seeder in compose, so they tolerate a short window
// before the schedule is present.
func (r *Repository) WaitForSchema(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	delay := 100 * time.Millisecond
	for {
		var marker int
		err := r.Pool.QueryRow(ctx, `SELECT 1 FROM divisions LIMIT 1`).Scan(&marker)
		if err == nil || errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}
