package engine

import (
	"errors"
	"testing"

	"github.com/lems-live/project/internal/contracts"
)

// Scorekeeper happy path with a stale concurrent abort: load wins
// version 1, activate version 2, the abort issued against version 1
// loses the race, complete lands version 3.
func TestMatch_LifecycleWithStaleAbort(t *testing.T) {
	e := newTestEngine(t)

	m, err := e.LoadMatch("div-1", "m1", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Version != 1 || m.Status != contracts.MatchStatusLoaded || !m.Loaded {
		t.Fatalf("unexpected state after load: %+v", m)
	}

	m, err = e.ActivateMatch("div-1", "m1", 0)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if m.Version != 2 || m.Status != contracts.MatchStatusActive || !m.Active {
		t.Fatalf("unexpected state after activate: %+v", m)
	}

	if _, err := e.AbortMatch("div-1", "m1", 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale abort: expected ErrConflict, got %v", err)
	}

	m, err = e.CompleteMatch("div-1", "m1", 2)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Version != 3 || m.Status != contracts.MatchStatusCompleted || m.Active || m.Loaded {
		t.Fatalf("unexpected state after complete: %+v", m)
	}

	state, _ := e.DivisionState("div-1")
	if state.Field.ActiveMatch != "" || state.Field.LoadedMatch != "" {
		t.Fatalf("field not cleared after completion: %+v", state.Field)
	}
}

func TestMatch_FieldExclusivity(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load m1: %v", err)
	}
	if _, err := e.ActivateMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("activate m1: %v", err)
	}
	if _, err := e.LoadMatch("div-1", "m2", 0); err != nil {
		t.Fatalf("load m2: %v", err)
	}

	// m1 is still on the field; m2 must wait for it to finish.
	if _, err := e.ActivateMatch("div-1", "m2", 0); !errors.Is(err, ErrFieldBusy) {
		t.Fatalf("expected ErrFieldBusy, got %v", err)
	}

	matches, err := e.Matches("div-1")
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	var loaded, active int
	for _, m := range matches {
		if m.Loaded {
			loaded++
		}
		if m.Active {
			active++
		}
	}
	if loaded > 1 || active > 1 {
		t.Fatalf("field exclusivity violated: %d loaded, %d active", loaded, active)
	}

	if _, err := e.CompleteMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("complete m1: %v", err)
	}
	if _, err := e.ActivateMatch("div-1", "m2", 0); err != nil {
		t.Fatalf("activate m2 after field cleared: %v", err)
	}
}

func TestMatch_LoadRejectsActiveMatch(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load m1: %v", err)
	}
	if _, err := e.ActivateMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("activate m1: %v", err)
	}
	if _, err := e.LoadMatch("div-1", "m1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reloading the active match: expected ErrInvalidTransition, got %v", err)
	}
}

func TestMatch_ActivateRequiresLoaded(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.ActivateMatch("div-1", "m1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMatch_CalledFlag(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.SetMatchCalled("div-1", "m1", true, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("called on scheduled match: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := e.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	m, err := e.SetMatchCalled("div-1", "m1", true, 0)
	if err != nil {
		t.Fatalf("set called: %v", err)
	}
	if !m.Called || m.Status != contracts.MatchStatusLoaded {
		t.Fatalf("called flag should not change status: %+v", m)
	}

	m, err = e.SetMatchCalled("div-1", "m1", false, 0)
	if err != nil {
		t.Fatalf("clear called: %v", err)
	}
	if m.Called {
		t.Fatalf("called flag not cleared: %+v", m)
	}
}

func TestMatch_AbortFromLoaded(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	m, err := e.AbortMatch("div-1", "m1", 0)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if m.Status != contracts.MatchStatusAborted || !m.Aborted || m.Loaded {
		t.Fatalf("unexpected state after abort: %+v", m)
	}

	// Aborted is terminal for the field lifecycle.
	if _, err := e.CompleteMatch("div-1", "m1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete after abort: expected ErrInvalidTransition, got %v", err)
	}

	state, _ := e.DivisionState("div-1")
	if state.Field.LoadedMatch != "" {
		t.Fatalf("aborted match still holds the loaded slot: %+v", state.Field)
	}
}

func TestMatch_CompleteRequiresActive(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.LoadMatch("div-1", "m1", 0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := e.CompleteMatch("div-1", "m1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
