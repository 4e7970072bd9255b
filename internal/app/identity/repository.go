package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// Event-crew roles. The role names follow the badges people actually
// wear at a tournament; privilege checks live in service.go.
const (
	RoleTournamentManager = "tournament-manager"
	RoleScorekeeper       = "scorekeeper"
	RoleHeadReferee       = "head-referee"
	RoleReferee           = "referee"
	RoleHeadQueuer        = "head-queuer"
	RoleQueuer            = "queuer"
	RolePitAdmin          = "pit-admin"
	RoleJudgeAdvisor      = "judge-advisor"
	RoleLeadJudge         = "lead-judge"
	RoleJudge             = "judge"
	RoleAudienceDisplay   = "audience-display"
	RoleMC                = "mc"
	RoleReports           = "reports"
)

type Volunteer struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
}

type DivisionAssignment struct {
	DivisionID string `json:"division_id"`
	Role       string `json:"role"`
}

type RefreshToken struct {
	TokenID   string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateVolunteer(ctx context.Context, v Volunteer) error
	FindVolunteerByUsername(ctx context.Context, username string) (Volunteer, error)
	FindVolunteerByID(ctx context.Context, id string) (Volunteer, error)

	AssignDivision(ctx context.Context, volunteerID, divisionID string) error
	UnassignDivision(ctx context.Context, volunteerID, divisionID string) error
	ListDivisionsForVolunteer(ctx context.Context, volunteerID string) ([]string, error)
	IsAssignedToDivision(ctx context.Context, volunteerID, divisionID string) (bool, error)

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createVolunteersSQL = `
CREATE TABLE IF NOT EXISTS volunteers (
  id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  role text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createVolunteerDivisionsSQL = `
CREATE TABLE IF NOT EXISTS volunteer_divisions (
  volunteer_id text NOT NULL REFERENCES volunteers(id) ON DELETE CASCADE,
  division_id text NOT NULL,
  assigned_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (volunteer_id, division_id)
)`

const createRefreshTokensSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_id text PRIMARY KEY,
  volunteer_id text NOT NULL REFERENCES volunteers(id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createVolunteersSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createVolunteerDivisionsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createRefreshTokensSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) CreateVolunteer(ctx context.Context, v Volunteer) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO volunteers (id, username, password_hash, role) VALUES ($1, $2, $3, $4)`,
		v.ID, v.Username, v.PasswordHash, v.Role,
	)
	return err
}

func (r *PostgresRepository) FindVolunteerByUsername(ctx context.Context, username string) (Volunteer, error) {
	var v Volunteer
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role FROM volunteers WHERE username = $1`,
		username,
	).Scan(&v.ID, &v.Username, &v.PasswordHash, &v.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Volunteer{}, ErrNotFound
		}
		return Volunteer{}, err
	}
	return v, nil
}

func (r *PostgresRepository) FindVolunteerByID(ctx context.Context, id string) (Volunteer, error) {
	var v Volunteer
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role FROM volunteers WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.Username, &v.PasswordHash, &v.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Volunteer{}, ErrNotFound
		}
		return Volunteer{}, err
	}
	return v, nil
}

func (r *PostgresRepository) AssignDivision(ctx context.Context, volunteerID, divisionID string) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO volunteer_divisions (volunteer_id, division_id)
		 VALUES ($1, $2)
		 ON CONFLICT (volunteer_id, division_id) DO NOTHING`,
		volunteerID, divisionID,
	)
	return err
}

func (r *PostgresRepository) UnassignDivision(ctx context.Context, volunteerID, divisionID string) error {
	res, err := r.Pool.Exec(ctx,
		`DELETE FROM volunteer_divisions WHERE volunteer_id = $1 AND division_id = $2`,
		volunteerID, divisionID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListDivisionsForVolunteer(ctx context.Context, volunteerID string) ([]string, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT division_id FROM volunteer_divisions WHERE volunteer_id = $1 ORDER BY division_id`,
		volunteerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	divisions := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		divisions = append(divisions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return divisions, nil
}

func (r *PostgresRepository) IsAssignedToDivision(ctx context.Context, volunteerID, divisionID string) (bool, error) {
	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM volunteer_divisions WHERE volunteer_id = $1 AND division_id = $2)`,
		volunteerID, divisionID,
	).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token_id, volunteer_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.UserID, token.TokenHash, token.ExpiresAt,
	)
	return err
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var rt RefreshToken
	err := r.Pool.QueryRow(ctx,
		`SELECT token_id, volunteer_id, token_hash, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&rt.TokenID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	return rt, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_id = $1`,
		tokenID,
	)
	return err
}
