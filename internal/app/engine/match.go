package engine

import "github.com/lems-live/project/internal/contracts"

var matchLifecycle = lifecycle{
	{Event: contracts.EventMatchLoaded, From: []string{contracts.MatchStatusScheduled}, To: contracts.MatchStatusLoaded},
	{Event: contracts.EventMatchActivated, From: []string{contracts.MatchStatusLoaded}, To: contracts.MatchStatusActive},
	{Event: contracts.EventMatchCalled, From: []string{contracts.MatchStatusLoaded, contracts.MatchStatusActive}},
	{Event: contracts.EventMatchCompleted, From: []string{contracts.MatchStatusActive}, To: contracts.MatchStatusCompleted},
	{Event: contracts.EventMatchAborted, From: []string{contracts.MatchStatusLoaded, contracts.MatchStatusActive}, To: contracts.MatchStatusAborted},
}

// loadMatch stages a match onto the field's loaded slot. Swapping out the
// previously loaded match is a fold rule (applyMatch), not a second event.
func loadMatch(m contracts.Match, field contracts.FieldState) (contracts.Match, error) {
	if field.ActiveMatch == m.ID {
		return contracts.Match{}, ErrInvalidTransition
	}
	next, err := matchLifecycle.resolve(contracts.EventMatchLoaded, m.Status)
	if err != nil {
		return contracts.Match{}, err
	}
	m.Status = next
	m.Loaded = true
	return m, nil
}

func activateMatch(m contracts.Match, field contracts.FieldState) (contracts.Match, error) {
	if field.ActiveMatch != "" && field.ActiveMatch != m.ID {
		return contracts.Match{}, ErrFieldBusy
	}
	next, err := matchLifecycle.resolve(contracts.EventMatchActivated, m.Status)
	if err != nil {
		return contracts.Match{}, err
	}
	m.Status = next
	m.Active = true
	return m, nil
}

// setMatchCalled flips the orthogonal queuing flag; legal only while the
// match sits loaded or active on the field.
func setMatchCalled(m contracts.Match, called bool) (contracts.Match, error) {
	next, err := matchLifecycle.resolve(contracts.EventMatchCalled, m.Status)
	if err != nil {
		return contracts.Match{}, err
	}
	m.Status = next
	m.Called = called
	return m, nil
}

func completeMatch(m contracts.Match) (contracts.Match, error) {
	next, err := matchLifecycle.resolve(contracts.EventMatchCompleted, m.Status)
	if err != nil {
		return contracts.Match{}, err
	}
	m.Status = next
	m.Active = false
	m.Loaded = false
	return m, nil
}

// abortMatch is distinct from completeMatch: downstream scoring treats an
// aborted match as contributing no score, and any rescheduling is the
// schedule collaborator's call.
func abortMatch(m contracts.Match) (contracts.Match, error) {
	next, err := matchLifecycle.resolve(contracts.EventMatchAborted, m.Status)
	if err != nil {
		return contracts.Match{}, err
	}
	m.Status = next
	m.Aborted = true
	m.Active = false
	m.Loaded = false
	return m, nil
}
