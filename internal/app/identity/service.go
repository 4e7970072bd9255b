package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lems-live/project/internal/platform/auth"
)

var (
	ErrInvalidUsername     = errors.New("username is required")
	ErrInvalidPassword     = errors.New("password must be at least 8 characters")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidDivisionID   = errors.New("division_id is required")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrForbiddenDivision   = errors.New("volunteer is not assigned to the division")
	ErrForbiddenRole       = errors.New("insufficient permissions for this action")
	ErrRefreshTokenMissing = errors.New("refresh_token is required")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type AuthResponse struct {
	Token        string   `json:"token"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	Role         string   `json:"role"`
	Divisions    []string `json:"divisions"`
}

type Service struct {
	Repo       Repository
	AuthToken  auth.Manager
	NewID      func() string
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:       repo,
		AuthToken:  tokenManager,
		NewID:      nuid.Next,
		RefreshTTL: 30 * 24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func IsValidRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleTournamentManager, RoleScorekeeper, RoleHeadReferee, RoleReferee,
		RoleHeadQueuer, RoleQueuer, RolePitAdmin,
		RoleJudgeAdvisor, RoleLeadJudge, RoleJudge,
		RoleAudienceDisplay, RoleMC, RoleReports:
		return true
	default:
		return false
	}
}

// Privilege predicates, grouped by the command surface they guard. The
// tournament manager can do everything.

func CanControlField(role string) bool {
	switch role {
	case RoleTournamentManager, RoleScorekeeper, RoleHeadReferee:
		return true
	}
	return false
}

func CanUpdateScoresheets(role string) bool {
	switch role {
	case RoleTournamentManager, RoleHeadReferee, RoleReferee:
		return true
	}
	return false
}

// Resetting a submitted scoresheet discards scores; only the head
// referee (or the manager) may do it.
func CanResetScoresheets(role string) bool {
	return role == RoleTournamentManager || role == RoleHeadReferee
}

func CanQueueJudging(role string) bool {
	switch role {
	case RoleTournamentManager, RoleHeadQueuer, RoleQueuer, RolePitAdmin, RoleJudgeAdvisor, RoleLeadJudge:
		return true
	}
	return false
}

func CanRunJudgingSessions(role string) bool {
	switch role {
	case RoleTournamentManager, RoleJudgeAdvisor, RoleLeadJudge, RoleJudge:
		return true
	}
	return false
}

func CanRunDeliberations(role string) bool {
	return role == RoleTournamentManager || role == RoleJudgeAdvisor
}

func CanControlDisplays(role string) bool {
	switch role {
	case RoleTournamentManager, RoleScorekeeper, RoleAudienceDisplay, RoleMC:
		return true
	}
	return false
}

func canManageVolunteers(role string) bool {
	return role == RoleTournamentManager
}

// Register creates a volunteer account. Only the tournament manager
// registers crew; the first account is bootstrapped out of band.
func (s *Service) Register(ctx context.Context, actorRole, username, password, role string, divisions []string) (AuthResponse, error) {
	if !canManageVolunteers(actorRole) {
		return AuthResponse{}, ErrForbiddenRole
	}
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	role = strings.TrimSpace(role)
	if !IsValidRole(role) {
		return AuthResponse{}, ErrInvalidRole
	}
	uname := normalizeUsername(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	v := Volunteer{
		ID:           s.NewID(),
		Username:     uname,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.Repo.CreateVolunteer(ctx, v); err != nil {
		return AuthResponse{}, err
	}
	for _, divisionID := range divisions {
		divisionID = strings.TrimSpace(divisionID)
		if divisionID == "" {
			return AuthResponse{}, ErrInvalidDivisionID
		}
		if err := s.Repo.AssignDivision(ctx, v.ID, divisionID); err != nil {
			return AuthResponse{}, err
		}
	}
	return s.issueSession(ctx, v)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	v, err := s.Repo.FindVolunteerByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(v.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, v)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if err := s.Repo.RevokeRefreshToken(ctx, session.TokenID); err != nil {
		return AuthResponse{}, err
	}

	v, err := s.Repo.FindVolunteerByID(ctx, session.UserID)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, v)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Repo.RevokeRefreshToken(ctx, session.TokenID)
}

func (s *Service) AssignDivision(ctx context.Context, actorRole, volunteerID, divisionID string) error {
	if !canManageVolunteers(actorRole) {
		return ErrForbiddenRole
	}
	divisionID = strings.TrimSpace(divisionID)
	if divisionID == "" {
		return ErrInvalidDivisionID
	}
	if _, err := s.Repo.FindVolunteerByID(ctx, volunteerID); err != nil {
		return err
	}
	return s.Repo.AssignDivision(ctx, volunteerID, divisionID)
}

func (s *Service) UnassignDivision(ctx context.Context, actorRole, volunteerID, divisionID string) error {
	if !canManageVolunteers(actorRole) {
		return ErrForbiddenRole
	}
	divisionID = strings.TrimSpace(divisionID)
	if divisionID == "" {
		return ErrInvalidDivisionID
	}
	return s.Repo.UnassignDivision(ctx, volunteerID, divisionID)
}

// EnsureDivision verifies the volunteer is assigned to the division and
// returns their role for the follow-up privilege check.
func (s *Service) EnsureDivision(ctx context.Context, volunteerID, divisionID string) (string, error) {
	if strings.TrimSpace(divisionID) == "" {
		return "", ErrInvalidDivisionID
	}
	assigned, err := s.Repo.IsAssignedToDivision(ctx, volunteerID, divisionID)
	if err != nil {
		return "", err
	}
	if !assigned {
		return "", ErrForbiddenDivision
	}
	v, err := s.Repo.FindVolunteerByID(ctx, volunteerID)
	if err != nil {
		return "", err
	}
	return v.Role, nil
}

func (s *Service) issueSession(ctx context.Context, v Volunteer) (AuthResponse, error) {
	divisions, err := s.Repo.ListDivisionsForVolunteer(ctx, v.ID)
	if err != nil {
		return AuthResponse{}, err
	}

	accessToken, err := s.AuthToken.Sign(v.ID, v.Username, v.Role, divisions)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + "." + s.NewID()
	session := RefreshToken{
		TokenID:   s.NewID(),
		UserID:    v.ID,
		TokenHash: hashRefreshToken(refreshToken),
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.CreateRefreshToken(ctx, session); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		Token:        accessToken,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       v.ID,
		Username:     v.Username,
		Role:         v.Role,
		Divisions:    divisions,
	}, nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NewTokenManager(secret string) auth.Manager {
	return auth.NewManager(secret, 15*time.Minute)
}
