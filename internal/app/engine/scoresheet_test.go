package engine

import (
	"errors"
	"testing"

	"github.com/lems-live/project/internal/contracts"
)

// ss1 requires a separate GP score; its path detours through
// waiting-for-gp. ss2 goes straight from completed to ready.
func TestScoresheet_GPDetour(t *testing.T) {
	e := newTestEngine(t)

	steps := []string{
		contracts.ScoresheetStatusInProgress,
		contracts.ScoresheetStatusCompleted,
		contracts.ScoresheetStatusWaitingForGP,
		contracts.ScoresheetStatusReady,
	}
	for i, target := range steps {
		sheet, err := e.UpdateScoresheetStatus("div-1", "ss1", target, 0)
		if err != nil {
			t.Fatalf("step %s: %v", target, err)
		}
		if sheet.Status != target || sheet.Version != uint64(i+1) {
			t.Fatalf("unexpected state at step %s: %+v", target, sheet)
		}
	}
}

func TestScoresheet_DirectToReady(t *testing.T) {
	e := newTestEngine(t)

	for _, target := range []string{
		contracts.ScoresheetStatusInProgress,
		contracts.ScoresheetStatusCompleted,
	} {
		if _, err := e.UpdateScoresheetStatus("div-1", "ss2", target, 0); err != nil {
			t.Fatalf("step %s: %v", target, err)
		}
	}

	// No GP requirement, so waiting-for-gp is not on the path.
	if _, err := e.UpdateScoresheetStatus("div-1", "ss2", contracts.ScoresheetStatusWaitingForGP, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	sheet, err := e.UpdateScoresheetStatus("div-1", "ss2", contracts.ScoresheetStatusReady, 0)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if sheet.Status != contracts.ScoresheetStatusReady {
		t.Fatalf("unexpected state: %+v", sheet)
	}
}

func TestScoresheet_NoSkippingForward(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.UpdateScoresheetStatus("div-1", "ss1", contracts.ScoresheetStatusCompleted, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("empty -> completed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := e.UpdateScoresheetStatus("div-1", "ss1", "", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("empty target: expected ErrInvalidTransition, got %v", err)
	}
}

func TestScoresheet_Reset(t *testing.T) {
	e := newTestEngine(t)

	// Empty sheets have nothing to discard.
	if _, err := e.ResetScoresheet("div-1", "ss1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reset empty: expected ErrInvalidTransition, got %v", err)
	}

	for _, target := range []string{
		contracts.ScoresheetStatusInProgress,
		contracts.ScoresheetStatusCompleted,
		contracts.ScoresheetStatusWaitingForGP,
		contracts.ScoresheetStatusReady,
	} {
		if _, err := e.UpdateScoresheetStatus("div-1", "ss1", target, 0); err != nil {
			t.Fatalf("step %s: %v", target, err)
		}
	}

	sheet, err := e.ResetScoresheet("div-1", "ss1", 0)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sheet.Status != contracts.ScoresheetStatusEmpty || sheet.Version != 5 {
		t.Fatalf("unexpected state after reset: %+v", sheet)
	}

	// The version history never rewinds; the sheet walks forward again
	// from empty on top of it.
	sheet, err = e.UpdateScoresheetStatus("div-1", "ss1", contracts.ScoresheetStatusInProgress, 0)
	if err != nil {
		t.Fatalf("restart after reset: %v", err)
	}
	if sheet.Version != 6 {
		t.Fatalf("expected version 6 after reset and restart, got %d", sheet.Version)
	}
}
