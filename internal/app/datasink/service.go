package datasink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lems-live/project/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

type Repository interface {
	InsertEvent(ctx context.Context, event contracts.Event, status string) error
}

type Service struct {
	Repository Repository
}

func NewService(repository Repository) *Service {
	return &Service{Repository: repository}
}

// Handle persists one relayed event. The broker may redeliver; the
// repository dedupes on event id, so Handle is safe to call repeatedly
// with the same payload.
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	var event contracts.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if event.EventID == "" || event.DivisionID == "" || event.AggregateID == "" || event.Version == 0 {
		return ErrInvalidEventPayload
	}
	return s.Repository.InsertEvent(ctx, event, snapshotStatus(event.Data))
}

// snapshotStatus pulls the denormalized status column out of the event
// snapshot. Display events carry active_display instead of a status.
func snapshotStatus(data json.RawMessage) string {
	var probe struct {
		Status        string `json:"status"`
		ActiveDisplay string `json:"active_display"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.Status != "" {
		return probe.Status
	}
	return probe.ActiveDisplay
}
