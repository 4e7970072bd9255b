package engine

import (
	"math"
	"time"

	"github.com/lems-live/project/internal/contracts"
)

var deliberationLifecycle = lifecycle{
	{Event: contracts.EventDeliberationStarted, From: []string{contracts.DeliberationStatusNotStarted}, To: contracts.DeliberationStatusInProgress},
	{Event: contracts.EventDeliberationAdvanced, From: []string{contracts.DeliberationStatusInProgress}},
	{Event: contracts.EventDeliberationComplete, From: []string{contracts.DeliberationStatusInProgress}, To: contracts.DeliberationStatusCompleted},
}

func startDeliberation(del contracts.Deliberation, now time.Time) (contracts.Deliberation, error) {
	if len(del.Stages) == 0 {
		return contracts.Deliberation{}, ErrInvalidTransition
	}
	next, err := deliberationLifecycle.resolve(contracts.EventDeliberationStarted, del.Status)
	if err != nil {
		return contracts.Deliberation{}, err
	}
	del.Status = next
	del.StageIndex = 0
	del.Stage = del.Stages[0]
	del.StartTime = &now
	return del, nil
}

// advanceDeliberation moves to the next configured stage. At the last
// stage it returns ErrAlreadyFinal; the caller should complete instead.
func advanceDeliberation(del contracts.Deliberation) (contracts.Deliberation, error) {
	next, err := deliberationLifecycle.resolve(contracts.EventDeliberationAdvanced, del.Status)
	if err != nil {
		return contracts.Deliberation{}, err
	}
	if del.StageIndex >= len(del.Stages)-1 {
		return contracts.Deliberation{}, ErrAlreadyFinal
	}
	del.Status = next
	del.StageIndex++
	del.Stage = del.Stages[del.StageIndex]
	return del, nil
}

// completeDeliberation is terminal and only legal from the last stage.
func completeDeliberation(del contracts.Deliberation) (contracts.Deliberation, error) {
	next, err := deliberationLifecycle.resolve(contracts.EventDeliberationComplete, del.Status)
	if err != nil {
		return contracts.Deliberation{}, err
	}
	if del.StageIndex != len(del.Stages)-1 {
		return contracts.Deliberation{}, ErrInvalidTransition
	}
	del.Status = next
	return del, nil
}

// PicklistLimit is the per-stage picklist size the deliberation content
// collaborator enforces: min(12, ceil(teamCount * 0.35)).
func PicklistLimit(teamCount int) int {
	if teamCount <= 0 {
		return 0
	}
	limit := int(math.Ceil(float64(teamCount) * 0.35))
	if limit > 12 {
		return 12
	}
	return limit
}
