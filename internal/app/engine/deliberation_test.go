package engine

import (
	"errors"
	"testing"

	"github.com/lems-live/project/internal/contracts"
)

// Judge-advisor walk through all three configured stages, then complete.
func TestDeliberation_StageWalk(t *testing.T) {
	e := newTestEngine(t)

	del, err := e.StartFinalDeliberation("div-1", "fd1", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if del.Status != contracts.DeliberationStatusInProgress || del.Stage != "intro" || del.StageIndex != 0 {
		t.Fatalf("unexpected state after start: %+v", del)
	}
	if del.StartTime == nil || !del.StartTime.Equal(e.Now()) {
		t.Fatalf("start time not stamped: %+v", del.StartTime)
	}

	del, err = e.AdvanceFinalDeliberationStage("div-1", "fd1", 0)
	if err != nil {
		t.Fatalf("advance to category-review: %v", err)
	}
	if del.Stage != "category-review" || del.StageIndex != 1 {
		t.Fatalf("unexpected stage: %+v", del)
	}

	del, err = e.AdvanceFinalDeliberationStage("div-1", "fd1", 0)
	if err != nil {
		t.Fatalf("advance to final-ranking: %v", err)
	}
	if del.Stage != "final-ranking" || del.StageIndex != 2 {
		t.Fatalf("unexpected stage: %+v", del)
	}

	// Past the last stage there is nowhere to advance to.
	if _, err := e.AdvanceFinalDeliberationStage("div-1", "fd1", 0); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("expected ErrAlreadyFinal, got %v", err)
	}

	del, err = e.CompleteFinalDeliberation("div-1", "fd1", 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if del.Status != contracts.DeliberationStatusCompleted || del.Version != 4 {
		t.Fatalf("unexpected state after complete: %+v", del)
	}
}

func TestDeliberation_CompletedIsTerminal(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.StartFinalDeliberation("div-1", "fd1", 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.AdvanceFinalDeliberationStage("div-1", "fd1", 0); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if _, err := e.CompleteFinalDeliberation("div-1", "fd1", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := e.AdvanceFinalDeliberationStage("div-1", "fd1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance after complete: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := e.CompleteFinalDeliberation("div-1", "fd1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("repeat complete: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := e.StartFinalDeliberation("div-1", "fd1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restart: expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeliberation_CompleteRequiresLastStage(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.CompleteFinalDeliberation("div-1", "fd1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete before start: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := e.StartFinalDeliberation("div-1", "fd1", 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.CompleteFinalDeliberation("div-1", "fd1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete from first stage: expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeliberation_StaleAdvanceConflicts(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.StartFinalDeliberation("div-1", "fd1", 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.AdvanceFinalDeliberationStage("div-1", "fd1", 1); err != nil {
		t.Fatalf("advance at version 1: %v", err)
	}
	// A second advisor still holding version 1 loses.
	if _, err := e.AdvanceFinalDeliberationStage("div-1", "fd1", 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPicklistLimit(t *testing.T) {
	cases := []struct {
		teams int
		want  int
	}{
		{0, 0},
		{-3, 0},
		{10, 4},
		{24, 9},
		{30, 11},
		{35, 12},
		{60, 12},
	}
	for _, tc := range cases {
		if got := PicklistLimit(tc.teams); got != tc.want {
			t.Errorf("PicklistLimit(%d) = %d, want %d", tc.teams, got, tc.want)
		}
	}
}
