package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lems-live/project/internal/contracts"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	e := New(8)
	var n int
	e.NewID = func() string {
		n++
		return fmt.Sprintf("evt-%d", n)
	}
	e.Now = func() time.Time { return time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC) }

	err := e.RegisterDivision(DivisionSetup{
		DivisionID: "div-1",
		Matches: []contracts.Match{
			{ID: "m1", TableID: "table-1", TeamID: "team-1", Stage: contracts.StageRanking, ScheduledTime: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
			{ID: "m2", TableID: "table-2", TeamID: "team-2", Stage: contracts.StageRanking, ScheduledTime: time.Date(2026, 8, 30, 10, 10, 0, 0, time.UTC)},
		},
		Sessions: []contracts.JudgingSession{
			{ID: "js1", RoomID: "room-1", TeamID: "team-1", ScheduledTime: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)},
		},
		Scoresheets: []contracts.Scoresheet{
			{ID: "ss1", MatchID: "m1", TeamID: "team-1", RequiresGP: true},
			{ID: "ss2", MatchID: "m2", TeamID: "team-2"},
		},
		Deliberations: []contracts.Deliberation{
			{ID: "fd1", Stages: []string{"intro", "category-review", "final-ranking"}, TeamCount: 24},
		},
	})
	if err != nil {
		t.Fatalf("RegisterDivision: %v", err)
	}
	return e
}

func TestRegisterDivision_Duplicate(t *testing.T) {
	e := newTestEngine(t)
	err := e.RegisterDivision(DivisionSetup{DivisionID: "div-1"})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestCommands_UnknownDivision(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.LoadMatch("div-9", "m1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.DivisionState("div-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommands_UnknownAggregate(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.ActivateMatch("div-1", "m9", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.ResetScoresheet("div-1", "ss9", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetAudienceDisplay(t *testing.T) {
	e := newTestEngine(t)

	display, err := e.SetAudienceDisplay("div-1", "scoreboard", nil, 0)
	if err != nil {
		t.Fatalf("SetAudienceDisplay: %v", err)
	}
	if display.ActiveDisplay != "scoreboard" || display.Version != 1 {
		t.Fatalf("unexpected display state: %+v", display)
	}

	display, err = e.SetAudienceDisplay("div-1", "", map[string]json.RawMessage{
		"scoreboard": json.RawMessage(`{"show_rankings":true}`),
	}, 0)
	if err != nil {
		t.Fatalf("SetAudienceDisplay settings: %v", err)
	}
	if display.ActiveDisplay != "scoreboard" {
		t.Fatalf("settings-only update changed active display: %+v", display)
	}
	if string(display.Settings["scoreboard"]) != `{"show_rankings":true}` {
		t.Fatalf("settings not merged: %+v", display)
	}
	if display.Version != 2 {
		t.Fatalf("expected version 2, got %d", display.Version)
	}

	if _, err := e.SetAudienceDisplay("div-1", "", nil, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for empty update, got %v", err)
	}

	state, err := e.DivisionState("div-1")
	if err != nil {
		t.Fatalf("DivisionState: %v", err)
	}
	if state.AudienceDisplay.ActiveDisplay != "scoreboard" {
		t.Fatalf("projection missed display change: %+v", state.AudienceDisplay)
	}
}

func TestSetAudienceDisplay_StaleVersion(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.SetAudienceDisplay("div-1", "scoreboard", nil, 0); err != nil {
		t.Fatalf("SetAudienceDisplay: %v", err)
	}
	if _, err := e.SetAudienceDisplay("div-1", "match-preview", nil, 5); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
