package commandapi

import (
	"encoding/json"

	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/app/identity"
	"github.com/lems-live/project/internal/contracts"
)

// Service fronts the engine with role checks. The caller's division
// assignment is verified in the HTTP layer before any of these run;
// here only the role privilege for the specific command is enforced.
type Service struct {
	Engine *engine.Engine
}

func NewService(eng *engine.Engine) *Service {
	return &Service{Engine: eng}
}

func (s *Service) LoadMatch(role, divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	if !identity.CanControlField(role) {
		return contracts.Match{}, identity.ErrForbiddenRole
	}
	return s.Engine.LoadMatch(divisionID, matchID, ifVersion)
}

func (s *Service) ActivateMatch(role, divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	if !identity.CanControlField(role) {
		return contracts.Match{}, identity.ErrForbiddenRole
	}
	return s.Engine.ActivateMatch(divisionID, matchID, ifVersion)
}

func (s *Service) SetMatchCalled(role, divisionID, matchID string, called bool, ifVersion uint64) (contracts.Match, error) {
	if !identity.CanControlField(role) {
		return contracts.Match{}, identity.ErrForbiddenRole
	}
	return s.Engine.SetMatchCalled(divisionID, matchID, called, ifVersion)
}

func (s *Service) CompleteMatch(role, divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	if !identity.CanControlField(role) {
		return contracts.Match{}, identity.ErrForbiddenRole
	}
	return s.Engine.CompleteMatch(divisionID, matchID, ifVersion)
}

func (s *Service) AbortMatch(role, divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	if !identity.CanControlField(role) {
		return contracts.Match{}, identity.ErrForbiddenRole
	}
	return s.Engine.AbortMatch(divisionID, matchID, ifVersion)
}

func (s *Service) UpdateJudgingSession(role, divisionID, sessionID string, queued, called *bool, ifVersion uint64) (contracts.JudgingSession, error) {
	if !identity.CanQueueJudging(role) {
		return contracts.JudgingSession{}, identity.ErrForbiddenRole
	}
	return s.Engine.UpdateJudgingSession(divisionID, sessionID, queued, called, ifVersion)
}

func (s *Service) StartJudgingSession(role, divisionID, sessionID string, ifVersion uint64) (contracts.JudgingSession, error) {
	if !identity.CanRunJudgingSessions(role) {
		return contracts.JudgingSession{}, identity.ErrForbiddenRole
	}
	return s.Engine.StartJudgingSession(divisionID, sessionID, ifVersion)
}

func (s *Service) CompleteJudgingSession(role, divisionID, sessionID string, ifVersion uint64) (contracts.JudgingSession, error) {
	if !identity.CanRunJudgingSessions(role) {
		return contracts.JudgingSession{}, identity.ErrForbiddenRole
	}
	return s.Engine.CompleteJudgingSession(divisionID, sessionID, ifVersion)
}

func (s *Service) UpdateScoresheetStatus(role, divisionID, scoresheetID, target string, ifVersion uint64) (contracts.Scoresheet, error) {
	if !identity.CanUpdateScoresheets(role) {
		return contracts.Scoresheet{}, identity.ErrForbiddenRole
	}
	return s.Engine.UpdateScoresheetStatus(divisionID, scoresheetID, target, ifVersion)
}

func (s *Service) ResetScoresheet(role, divisionID, scoresheetID string, ifVersion uint64) (contracts.Scoresheet, error) {
	if !identity.CanResetScoresheets(role) {
		return contracts.Scoresheet{}, identity.ErrForbiddenRole
	}
	return s.Engine.ResetScoresheet(divisionID, scoresheetID, ifVersion)
}

func (s *Service) StartFinalDeliberation(role, divisionID, deliberationID string, ifVersion uint64) (contracts.Deliberation, error) {
	if !identity.CanRunDeliberations(role) {
		return contracts.Deliberation{}, identity.ErrForbiddenRole
	}
	return s.Engine.StartFinalDeliberation(divisionID, deliberationID, ifVersion)
}

func (s *Service) AdvanceFinalDeliberationStage(role, divisionID, deliberationID string, ifVersion uint64) (contracts.Deliberation, error) {
	if !identity.CanRunDeliberations(role) {
		return contracts.Deliberation{}, identity.ErrForbiddenRole
	}
	return s.Engine.AdvanceFinalDeliberationStage(divisionID, deliberationID, ifVersion)
}

func (s *Service) CompleteFinalDeliberation(role, divisionID, deliberationID string, ifVersion uint64) (contracts.Deliberation, error) {
	if !identity.CanRunDeliberations(role) {
		return contracts.Deliberation{}, identity.ErrForbiddenRole
	}
	return s.Engine.CompleteFinalDeliberation(divisionID, deliberationID, ifVersion)
}

func (s *Service) SetAudienceDisplay(role, divisionID, activeDisplay string, settings map[string]json.RawMessage, ifVersion uint64) (contracts.DisplayState, error) {
	if !identity.CanControlDisplays(role) {
		return contracts.DisplayState{}, identity.ErrForbiddenRole
	}
	return s.Engine.SetAudienceDisplay(divisionID, activeDisplay, settings, ifVersion)
}
