package datasink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lems-live/project/internal/contracts"
)

type fakeRepository struct {
	gotEvent  contracts.Event
	gotStatus string
	err       error
}

func (f *fakeRepository) InsertEvent(_ context.Context, event contracts.Event, status string) error {
	f.gotEvent = event
	f.gotStatus = status
	return f.err
}

func TestHandle_ValidEvent(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	data, _ := json.Marshal(map[string]any{"id": "m1", "status": contracts.MatchStatusActive})
	event := contracts.Event{
		EventID:       "evt-1",
		DivisionID:    "div-1",
		AggregateKind: contracts.KindMatch,
		AggregateID:   "m1",
		Version:       2,
		Seq:           7,
		Type:          contracts.EventMatchActivated,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if repo.gotEvent.EventID != "evt-1" || repo.gotEvent.AggregateID != "m1" || repo.gotEvent.Seq != 7 {
		t.Fatalf("unexpected event in repository: %+v", repo.gotEvent)
	}
	if repo.gotStatus != contracts.MatchStatusActive {
		t.Fatalf("expected status %q, got %q", contracts.MatchStatusActive, repo.gotStatus)
	}
}

func TestHandle_DisplayEventStatus(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	data, _ := json.Marshal(map[string]any{"active_display": "scoreboard"})
	event := contracts.Event{
		EventID:       "evt-2",
		DivisionID:    "div-1",
		AggregateKind: contracts.KindDivisionDisplay,
		AggregateID:   "div-1",
		Version:       1,
		Seq:           8,
		Type:          contracts.EventDisplayChanged,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := svc.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if repo.gotStatus != "scoreboard" {
		t.Fatalf("expected display status %q, got %q", "scoreboard", repo.gotStatus)
	}
}

func TestHandle_InvalidPayload(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)
	err := svc.Handle(context.Background(), []byte("{invalid"))
	if !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

func TestHandle_MissingFields(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	payload, _ := json.Marshal(contracts.Event{EventID: "evt-3"})
	err := svc.Handle(context.Background(), payload)
	if !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload for incomplete event, got %v", err)
	}
	if repo.gotEvent.EventID != "" {
		t.Fatalf("repository should not have been called")
	}
}
