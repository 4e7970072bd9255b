package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lems-live/project/internal/platform/auth"
)

type fakeRepo struct {
	volunteers    map[string]Volunteer
	assignments   map[string]map[string]bool
	refreshByHash map[string]RefreshToken

	createErr error
	findErr   error
	assignErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		volunteers:    map[string]Volunteer{},
		assignments:   map[string]map[string]bool{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateVolunteer(ctx context.Context, v Volunteer) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.volunteers {
		if existing.Username == v.Username {
			return errors.New("duplicate")
		}
	}
	f.volunteers[v.ID] = v
	return nil
}

func (f *fakeRepo) FindVolunteerByUsername(ctx context.Context, username string) (Volunteer, error) {
	if f.findErr != nil {
		return Volunteer{}, f.findErr
	}
	for _, v := range f.volunteers {
		if v.Username == username {
			return v, nil
		}
	}
	return Volunteer{}, ErrNotFound
}

func (f *fakeRepo) FindVolunteerByID(ctx context.Context, id string) (Volunteer, error) {
	v, ok := f.volunteers[id]
	if !ok {
		return Volunteer{}, ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) AssignDivision(ctx context.Context, volunteerID, divisionID string) error {
	if f.assignErr != nil {
		return f.assignErr
	}
	if f.assignments[volunteerID] == nil {
		f.assignments[volunteerID] = map[string]bool{}
	}
	f.assignments[volunteerID][divisionID] = true
	return nil
}

func (f *fakeRepo) UnassignDivision(ctx context.Context, volunteerID, divisionID string) error {
	if !f.assignments[volunteerID][divisionID] {
		return ErrNotFound
	}
	delete(f.assignments[volunteerID], divisionID)
	return nil
}

func (f *fakeRepo) ListDivisionsForVolunteer(ctx context.Context, volunteerID string) ([]string, error) {
	out := []string{}
	for id := range f.assignments[volunteerID] {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeRepo) IsAssignedToDivision(ctx context.Context, volunteerID, divisionID string) (bool, error) {
	return f.assignments[volunteerID][divisionID], nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	if rt.RevokedAt != nil || rt.ExpiresAt.Before(time.Now().UTC()) {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func testTokenManager() auth.Manager {
	m := auth.NewManager("secret", time.Hour)
	m.Now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	return m
}

func newTestService(repo *fakeRepo) *Service {
	svc := NewService(repo, testTokenManager())
	next := 0
	svc.NewID = func() string {
		next++
		return fmt.Sprintf("id-%d", next)
	}
	return svc
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	reg, err := svc.Register(context.Background(), RoleTournamentManager, "Alice", "password123", RoleHeadReferee, []string{"div-1"})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.UserID == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}
	if reg.Role != RoleHeadReferee || len(reg.Divisions) != 1 || reg.Divisions[0] != "div-1" {
		t.Fatalf("unexpected role or divisions: %+v", reg)
	}

	login, err := svc.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	claims, err := svc.AuthToken.Parse(login.AccessToken)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Role != RoleHeadReferee || !claims.InDivision("div-1") {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatalf("unexpected refresh response: %+v", refreshed)
	}

	if err := svc.Logout(context.Background(), refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), refreshed.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}
}

func TestRegisterRequiresManager(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	if _, err := svc.Register(context.Background(), RoleScorekeeper, "bob", "password123", RoleReferee, nil); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
	if _, err := svc.Register(context.Background(), RoleTournamentManager, "bob", "password123", "janitor", nil); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := svc.Register(context.Background(), RoleTournamentManager, "bob", "short", RoleReferee, nil); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestEnsureDivision(t *testing.T) {
	repo := newFakeRepo()
	repo.volunteers["v1"] = Volunteer{ID: "v1", Username: "carol", Role: RoleQueuer}
	repo.assignments["v1"] = map[string]bool{"div-1": true}

	svc := newTestService(repo)

	role, err := svc.EnsureDivision(context.Background(), "v1", "div-1")
	if err != nil || role != RoleQueuer {
		t.Fatalf("EnsureDivision = %q, %v; want queuer", role, err)
	}
	if _, err := svc.EnsureDivision(context.Background(), "v1", "div-2"); !errors.Is(err, ErrForbiddenDivision) {
		t.Fatalf("expected ErrForbiddenDivision, got %v", err)
	}
	if _, err := svc.EnsureDivision(context.Background(), "v1", ""); !errors.Is(err, ErrInvalidDivisionID) {
		t.Fatalf("expected ErrInvalidDivisionID, got %v", err)
	}
}

func TestAssignDivisionPermissions(t *testing.T) {
	repo := newFakeRepo()
	repo.volunteers["v1"] = Volunteer{ID: "v1", Username: "carol", Role: RoleQueuer}

	svc := newTestService(repo)

	if err := svc.AssignDivision(context.Background(), RoleScorekeeper, "v1", "div-1"); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
	if err := svc.AssignDivision(context.Background(), RoleTournamentManager, "v1", "div-1"); err != nil {
		t.Fatalf("AssignDivision error: %v", err)
	}
	if ok, _ := repo.IsAssignedToDivision(context.Background(), "v1", "div-1"); !ok {
		t.Fatal("assignment not recorded")
	}
	if err := svc.UnassignDivision(context.Background(), RoleTournamentManager, "v1", "div-1"); err != nil {
		t.Fatalf("UnassignDivision error: %v", err)
	}
}

func TestPrivilegePredicates(t *testing.T) {
	if !CanResetScoresheets(RoleHeadReferee) || CanResetScoresheets(RoleReferee) {
		t.Fatal("scoresheet reset is head-referee only")
	}
	if !CanRunDeliberations(RoleJudgeAdvisor) || CanRunDeliberations(RoleJudge) {
		t.Fatal("deliberations are judge-advisor only")
	}
	if !CanControlField(RoleScorekeeper) || CanControlField(RoleJudge) {
		t.Fatal("field control is the scorekeeper's")
	}
	if !CanQueueJudging(RolePitAdmin) || CanQueueJudging(RoleReferee) {
		t.Fatal("queueing belongs to the pit crew")
	}
	for _, fn := range []func(string) bool{
		CanControlField, CanUpdateScoresheets, CanResetScoresheets,
		CanQueueJudging, CanRunJudgingSessions, CanRunDeliberations, CanControlDisplays,
	} {
		if !fn(RoleTournamentManager) {
			t.Fatal("the tournament manager can do everything")
		}
	}
}
