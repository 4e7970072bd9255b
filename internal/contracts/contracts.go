package contracts

import (
	"encoding/json"
	"time"
)

// Kind identifies the aggregate family an event belongs to.
type Kind string

const (
	KindMatch           Kind = "match"
	KindJudgingSession  Kind = "judgingSession"
	KindScoresheet      Kind = "scoresheet"
	KindDeliberation    Kind = "deliberation"
	KindDivisionField   Kind = "divisionField"
	KindDivisionDisplay Kind = "divisionDisplay"
)

// Event is the unit of change published by the engine and consumed by
// SSE clients, the relay and the data-sink. Version is monotonic per
// aggregate starting at 1; Seq is monotonic per division across all
// aggregates and is what broad (division-wide) subscribers replay by.
type Event struct {
	EventID       string          `json:"event_id"`
	DivisionID    string          `json:"division_id"`
	AggregateKind Kind            `json:"aggregate_kind"`
	AggregateID   string          `json:"aggregate_id"`
	Version       uint64          `json:"version"`
	Seq           uint64          `json:"seq"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Event types emitted by the lifecycle machines. Data always carries the
// post-transition aggregate snapshot so consumers can fold by overwrite.
const (
	EventMatchLoaded          = "match.loaded"
	EventMatchActivated       = "match.activated"
	EventMatchCalled          = "match.called"
	EventMatchCompleted       = "match.completed"
	EventMatchAborted         = "match.aborted"
	EventJudgingUpdated       = "judging.updated"
	EventJudgingStarted       = "judging.started"
	EventJudgingCompleted     = "judging.completed"
	EventScoresheetUpdated    = "scoresheet.updated"
	EventScoresheetReset      = "scoresheet.reset"
	EventDeliberationStarted  = "deliberation.started"
	EventDeliberationAdvanced = "deliberation.advanced"
	EventDeliberationComplete = "deliberation.completed"
	EventDisplayChanged       = "display.changed"
)

type MatchStage string

const (
	StagePractice MatchStage = "practice"
	StageRanking  MatchStage = "ranking"
)

const (
	MatchStatusScheduled = "scheduled"
	MatchStatusLoaded    = "loaded"
	MatchStatusActive    = "active"
	MatchStatusCompleted = "completed"
	MatchStatusAborted   = "aborted"
)

// Match is the robot-game field aggregate. Loaded/Active/Called/Aborted
// are the flags the scorekeeper and queuer boards key off.
type Match struct {
	ID            string     `json:"id"`
	DivisionID    string     `json:"division_id"`
	TableID       string     `json:"table_id"`
	TeamID        string     `json:"team_id"`
	Stage         MatchStage `json:"stage"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Status        string     `json:"status"`
	Loaded        bool       `json:"loaded"`
	Active        bool       `json:"active"`
	Called        bool       `json:"called"`
	Aborted       bool       `json:"aborted"`
	Version       uint64     `json:"version"`
}

const (
	JudgingStatusNotStarted = "not-started"
	JudgingStatusInProgress = "in-progress"
	JudgingStatusCompleted  = "completed"
)

type JudgingSession struct {
	ID            string    `json:"id"`
	DivisionID    string    `json:"division_id"`
	RoomID        string    `json:"room_id"`
	TeamID        string    `json:"team_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Queued        bool      `json:"queued"`
	Called        bool      `json:"called"`
	Status        string    `json:"status"`
	Version       uint64    `json:"version"`
}

const (
	ScoresheetStatusEmpty        = "empty"
	ScoresheetStatusInProgress   = "in-progress"
	ScoresheetStatusCompleted    = "completed"
	ScoresheetStatusWaitingForGP = "waiting-for-gp"
	ScoresheetStatusReady        = "ready"
)

// Scoresheet governs status only; the submitted content lives with the
// scoring collaborator. RequiresGP selects whether completed sheets pass
// through waiting-for-gp before ready.
type Scoresheet struct {
	ID         string `json:"id"`
	DivisionID string `json:"division_id"`
	MatchID    string `json:"match_id"`
	TeamID     string `json:"team_id"`
	Status     string `json:"status"`
	RequiresGP bool   `json:"requires_gp"`
	Version    uint64 `json:"version"`
}

const (
	DeliberationStatusNotStarted = "not-started"
	DeliberationStatusInProgress = "in-progress"
	DeliberationStatusCompleted  = "completed"
)

// Deliberation walks an externally configured ordered stage list. Stage
// mirrors Stages[StageIndex] for consumers that only render the name.
type Deliberation struct {
	ID         string     `json:"id"`
	DivisionID string     `json:"division_id"`
	Kind       string     `json:"kind"`
	Stages     []string   `json:"stages"`
	StageIndex int        `json:"stage_index"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	TeamCount  int        `json:"team_count"`
	Version    uint64     `json:"version"`
}

type DisplayState struct {
	DivisionID    string                     `json:"division_id"`
	ActiveDisplay string                     `json:"active_display"`
	Settings      map[string]json.RawMessage `json:"settings"`
	Version       uint64                     `json:"version"`
}

type FieldState struct {
	LoadedMatch  string     `json:"loaded_match"`
	ActiveMatch  string     `json:"active_match"`
	CurrentStage MatchStage `json:"current_stage"`
}

type AudienceDisplayState struct {
	ActiveDisplay string                     `json:"active_display"`
	Settings      map[string]json.RawMessage `json:"settings"`
}

// DivisionState is the read-only projection served to clients on initial
// page load, before they subscribe to the event stream.
type DivisionState struct {
	DivisionID      string               `json:"division_id"`
	Field           FieldState           `json:"field"`
	AudienceDisplay AudienceDisplayState `json:"audience_display"`
	LastSeq         uint64               `json:"last_seq"`
}
