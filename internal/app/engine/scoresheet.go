package engine

import "github.com/lems-live/project/internal/contracts"

var scoresheetLifecycle = lifecycle{
	{Event: contracts.EventScoresheetReset, From: []string{
		contracts.ScoresheetStatusInProgress,
		contracts.ScoresheetStatusCompleted,
		contracts.ScoresheetStatusWaitingForGP,
		contracts.ScoresheetStatusReady,
	}, To: contracts.ScoresheetStatusEmpty},
}

// nextScoresheetStatus is the single legal forward step from the sheet's
// current status. Sheets whose category requires a separate GP score pass
// through waiting-for-gp; the rest go completed -> ready directly.
func nextScoresheetStatus(sheet contracts.Scoresheet) string {
	switch sheet.Status {
	case contracts.ScoresheetStatusEmpty:
		return contracts.ScoresheetStatusInProgress
	case contracts.ScoresheetStatusInProgress:
		return contracts.ScoresheetStatusCompleted
	case contracts.ScoresheetStatusCompleted:
		if sheet.RequiresGP {
			return contracts.ScoresheetStatusWaitingForGP
		}
		return contracts.ScoresheetStatusReady
	case contracts.ScoresheetStatusWaitingForGP:
		return contracts.ScoresheetStatusReady
	default:
		return ""
	}
}

func advanceScoresheet(sheet contracts.Scoresheet, target string) (contracts.Scoresheet, error) {
	if target == "" || target != nextScoresheetStatus(sheet) {
		return contracts.Scoresheet{}, ErrInvalidTransition
	}
	sheet.Status = target
	return sheet, nil
}

// resetScoresheet is the one non-monotonic transition in the core: a head
// referee discarding an erroneous submission. The content itself is
// discarded by the scoring collaborator; privilege is enforced before the
// machine runs.
func resetScoresheet(sheet contracts.Scoresheet) (contracts.Scoresheet, error) {
	next, err := scoresheetLifecycle.resolve(contracts.EventScoresheetReset, sheet.Status)
	if err != nil {
		return contracts.Scoresheet{}, err
	}
	sheet.Status = next
	return sheet, nil
}
