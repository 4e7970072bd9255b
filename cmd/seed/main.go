package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lems-live/project/internal/app/identity"
	"github.com/lems-live/project/internal/app/schedule"
	"github.com/lems-live/project/internal/contracts"
	"github.com/lems-live/project/internal/platform/dbpool"
	"github.com/lems-live/project/internal/platform/env"
)

// seed populates the schedule tables with a synthetic tournament day
// and bootstraps the first tournament-manager account. Re-running it
// against a populated database is safe: all writes are upserts.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	divisionCount := env.Int("SEED_DIVISIONS", 2)
	teamsPerDivision := env.Int("SEED_TEAMS_PER_DIVISION", 24)
	tablesPerDivision := env.Int("SEED_TABLES_PER_DIVISION", 4)
	roomsPerDivision := env.Int("SEED_ROOMS_PER_DIVISION", 6)
	adminUsername := env.String("SEED_ADMIN_USERNAME", "admin")
	adminPassword := env.String("SEED_ADMIN_PASSWORD", "")
	if adminPassword == "" {
		log.Fatal("SEED_ADMIN_PASSWORD is required")
	}

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	scheduleRepo := schedule.NewRepository(pool)
	if err := scheduleRepo.EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}
	identityRepo := identity.NewPostgresRepository(pool)
	if err := identityRepo.EnsureSchema(ctx); err != nil {
		log.Fatal(err)
	}

	divisionIDs := make([]string, 0, divisionCount)
	for d := 1; d <= divisionCount; d++ {
		divisionID := fmt.Sprintf("div-%d", d)
		if err := seedDivision(ctx, scheduleRepo, divisionID, d, teamsPerDivision, tablesPerDivision, roomsPerDivision); err != nil {
			log.Fatalf("seed %s: %v", divisionID, err)
		}
		divisionIDs = append(divisionIDs, divisionID)
	}

	adminID, err := seedAdmin(ctx, identityRepo, adminUsername, adminPassword)
	if err != nil {
		log.Fatalf("seed admin: %v", err)
	}
	for _, divisionID := range divisionIDs {
		if err := identityRepo.AssignDivision(ctx, adminID, divisionID); err != nil {
			log.Fatalf("assign admin to %s: %v", divisionID, err)
		}
	}

	log.Printf("seeded %d divisions (%d teams each) and admin account %q", divisionCount, teamsPerDivision, adminUsername)
}

func seedDivision(ctx context.Context, repo *schedule.Repository, divisionID string, index, teams, tables, rooms int) error {
	if err := repo.UpsertDivision(ctx, schedule.Division{
		ID:        divisionID,
		Name:      fmt.Sprintf("Division %d", index),
		TeamCount: teams,
	}); err != nil {
		return err
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Add(9 * time.Hour)

	// One practice round then three ranking rounds, cycling teams
	// across the fields in five minute slots.
	rounds := []contracts.MatchStage{
		contracts.StagePractice,
		contracts.StageRanking,
		contracts.StageRanking,
		contracts.StageRanking,
	}
	slot := 0
	rankingRound := 0
	for roundIdx, stage := range rounds {
		if stage == contracts.StageRanking {
			rankingRound++
		}
		for team := 1; team <= teams; team++ {
			teamID := fmt.Sprintf("%s-team-%d", divisionID, team)
			match := contracts.Match{
				ID:            fmt.Sprintf("%s-match-r%d-t%d", divisionID, roundIdx+1, team),
				DivisionID:    divisionID,
				TableID:       fmt.Sprintf("%s-table-%d", divisionID, 1+(slot%tables)),
				TeamID:        teamID,
				Stage:         stage,
				ScheduledTime: dayStart.Add(time.Duration(slot/tables) * 5 * time.Minute),
			}
			if err := repo.UpsertMatch(ctx, match); err != nil {
				return err
			}
			if stage == contracts.StageRanking {
				// Gracious professionalism is judged alongside the
				// first ranking match only.
				sheet := contracts.Scoresheet{
					ID:         fmt.Sprintf("%s-scoresheet-r%d-t%d", divisionID, rankingRound, team),
					DivisionID: divisionID,
					MatchID:    match.ID,
					TeamID:     teamID,
					RequiresGP: rankingRound == 1,
				}
				if err := repo.UpsertScoresheet(ctx, sheet); err != nil {
					return err
				}
			}
			slot++
		}
	}

	for team := 1; team <= teams; team++ {
		session := contracts.JudgingSession{
			ID:            fmt.Sprintf("%s-judging-t%d", divisionID, team),
			DivisionID:    divisionID,
			RoomID:        fmt.Sprintf("%s-room-%d", divisionID, 1+((team-1)%rooms)),
			TeamID:        fmt.Sprintf("%s-team-%d", divisionID, team),
			ScheduledTime: dayStart.Add(time.Duration((team-1)/rooms) * 30 * time.Minute),
		}
		if err := repo.UpsertJudgingSession(ctx, session); err != nil {
			return err
		}
	}

	return repo.UpsertDeliberation(ctx, contracts.Deliberation{
		ID:         divisionID + "-final-deliberation",
		DivisionID: divisionID,
		Kind:       "final",
		Stages:     []string{"review", "optional-awards", "core-awards", "champions"},
	})
}

func seedAdmin(ctx context.Context, repo *identity.PostgresRepository, username, password string) (string, error) {
	existing, err := repo.FindVolunteerByUsername(ctx, username)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	admin := identity.Volunteer{
		ID:           nuid.Next(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         identity.RoleTournamentManager,
	}
	if err := repo.CreateVolunteer(ctx, admin); err != nil {
		return "", err
	}
	return admin.ID, nil
}
