package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lems-live/project/internal/contracts"
	"github.com/lems-live/project/internal/platform/metrics"
	"github.com/nats-io/nuid"
)

var ErrAlreadyRegistered = errors.New("division already registered")

// Engine is the division-state synchronization core: commands enter a
// lifecycle machine, the machine validates against the current
// projection, a successful transition appends exactly one event to the
// log, and the dispatcher pushes it to every live subscriber before the
// command returns.
//
// Commands for one division are serialized: field exclusivity and the
// division seq both depend on it. Divisions never block each other.
type Engine struct {
	log        *Log
	store      *Store
	dispatcher *Dispatcher

	mu       sync.RWMutex
	commands map[string]*sync.Mutex

	Now   func() time.Time
	NewID func() string
}

func New(queueSize int) *Engine {
	e := &Engine{
		log:      NewLog(),
		store:    NewStore(),
		commands: map[string]*sync.Mutex{},
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    nuid.Next,
	}
	e.dispatcher = NewDispatcher(e.log, queueSize)
	e.log.OnAppend(e.fanout)
	return e
}

func (e *Engine) fanout(ev contracts.Event) {
	if err := e.store.Apply(ev); err != nil {
		// The append path serializes per division, so a fold failure
		// here means the log and projection disagree. Nothing sane can
		// continue from that.
		panic(fmt.Sprintf("engine: projection fold failed: %v", err))
	}
	metrics.EventsAppended.WithLabelValues(string(ev.AggregateKind), ev.Type).Inc()
	e.dispatcher.Publish(ev)
}

// DivisionSetup is the read-only collaborator input: the schedule and
// roster identities the engine registers aggregates from. Every
// aggregate starts at version 0 with no events.
type DivisionSetup struct {
	DivisionID    string
	Matches       []contracts.Match
	Sessions      []contracts.JudgingSession
	Scoresheets   []contracts.Scoresheet
	Deliberations []contracts.Deliberation
}

func (e *Engine) RegisterDivision(setup DivisionSetup) error {
	if setup.DivisionID == "" {
		return errors.New("division id is required")
	}

	e.mu.Lock()
	if _, ok := e.commands[setup.DivisionID]; ok {
		e.mu.Unlock()
		return ErrAlreadyRegistered
	}
	e.commands[setup.DivisionID] = &sync.Mutex{}
	e.mu.Unlock()

	e.store.ensureDivision(setup.DivisionID)
	e.log.Register(setup.DivisionID, contracts.KindDivisionField, setup.DivisionID)
	e.log.Register(setup.DivisionID, contracts.KindDivisionDisplay, setup.DivisionID)

	for _, m := range setup.Matches {
		m.DivisionID = setup.DivisionID
		if m.Status == "" {
			m.Status = contracts.MatchStatusScheduled
		}
		m.Version = 0
		e.store.RegisterMatch(m)
		e.log.Register(setup.DivisionID, contracts.KindMatch, m.ID)
	}
	for _, sess := range setup.Sessions {
		sess.DivisionID = setup.DivisionID
		if sess.Status == "" {
			sess.Status = contracts.JudgingStatusNotStarted
		}
		sess.Version = 0
		e.store.RegisterSession(sess)
		e.log.Register(setup.DivisionID, contracts.KindJudgingSession, sess.ID)
	}
	for _, sheet := range setup.Scoresheets {
		sheet.DivisionID = setup.DivisionID
		if sheet.Status == "" {
			sheet.Status = contracts.ScoresheetStatusEmpty
		}
		sheet.Version = 0
		e.store.RegisterScoresheet(sheet)
		e.log.Register(setup.DivisionID, contracts.KindScoresheet, sheet.ID)
	}
	for _, del := range setup.Deliberations {
		del.DivisionID = setup.DivisionID
		if del.Kind == "" {
			del.Kind = "final"
		}
		if del.Status == "" {
			del.Status = contracts.DeliberationStatusNotStarted
		}
		del.Version = 0
		e.store.RegisterDeliberation(del)
		e.log.Register(setup.DivisionID, contracts.KindDeliberation, del.ID)
	}
	return nil
}

// Divisions lists the registered division ids.
func (e *Engine) Divisions() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.commands))
	for id := range e.commands {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) withDivision(divisionID string, fn func() error) error {
	e.mu.RLock()
	mu, ok := e.commands[divisionID]
	e.mu.RUnlock()
	if !ok {
		return countRejection(ErrNotFound)
	}

	mu.Lock()
	defer mu.Unlock()
	return countRejection(fn())
}

func countRejection(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		metrics.CommandsRejected.WithLabelValues("conflict").Inc()
	case errors.Is(err, ErrFieldBusy):
		metrics.CommandsRejected.WithLabelValues("field_busy").Inc()
	case errors.Is(err, ErrAlreadyFinal):
		metrics.CommandsRejected.WithLabelValues("already_final").Inc()
	case errors.Is(err, ErrInvalidTransition):
		metrics.CommandsRejected.WithLabelValues("invalid_transition").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.CommandsRejected.WithLabelValues("not_found").Inc()
	}
	return err
}

// checkVersion applies the client-supplied optimistic check: a command
// issued against a stale snapshot loses with ErrConflict and must
// re-evaluate against current state, never retry blindly. Zero means
// the client made no assertion; the wire format omits the field for
// that case. Fresh aggregates need no assertion because commands are
// serialized per division and every machine admits only its initial
// transitions from the registered state.
func checkVersion(ifVersion, current uint64) error {
	if ifVersion > 0 && ifVersion != current {
		return ErrConflict
	}
	return nil
}

func (e *Engine) append(kind contracts.Kind, id, divisionID, eventType string, version uint64, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = e.log.Append(contracts.Event{
		EventID:       e.NewID(),
		DivisionID:    divisionID,
		AggregateKind: kind,
		AggregateID:   id,
		Version:       version,
		Type:          eventType,
		Data:          data,
		OccurredAt:    e.Now(),
	})
	return err
}

// --- Match commands ---

func (e *Engine) LoadMatch(divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	var out contracts.Match
	err := e.withDivision(divisionID, func() error {
		m, err := e.store.Match(divisionID, matchID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, m.Version); err != nil {
			return err
		}
		state, err := e.store.DivisionState(divisionID)
		if err != nil {
			return err
		}
		next, err := loadMatch(m, state.Field)
		if err != nil {
			return err
		}
		next.Version = m.Version + 1
		if err := e.append(contracts.KindMatch, matchID, divisionID, contracts.EventMatchLoaded, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) ActivateMatch(divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	var out contracts.Match
	err := e.withDivision(divisionID, func() error {
		m, err := e.store.Match(divisionID, matchID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, m.Version); err != nil {
			return err
		}
		state, err := e.store.DivisionState(divisionID)
		if err != nil {
			return err
		}
		next, err := activateMatch(m, state.Field)
		if err != nil {
			return err
		}
		next.Version = m.Version + 1
		if err := e.append(contracts.KindMatch, matchID, divisionID, contracts.EventMatchActivated, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) SetMatchCalled(divisionID, matchID string, called bool, ifVersion uint64) (contracts.Match, error) {
	var out contracts.Match
	err := e.withDivision(divisionID, func() error {
		m, err := e.store.Match(divisionID, matchID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, m.Version); err != nil {
			return err
		}
		next, err := setMatchCalled(m, called)
		if err != nil {
			return err
		}
		next.Version = m.Version + 1
		if err := e.append(contracts.KindMatch, matchID, divisionID, contracts.EventMatchCalled, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) CompleteMatch(divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	var out contracts.Match
	err := e.withDivision(divisionID, func() error {
		m, err := e.store.Match(divisionID, matchID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, m.Version); err != nil {
			return err
		}
		next, err := completeMatch(m)
		if err != nil {
			return err
		}
		next.Version = m.Version + 1
		if err := e.append(contracts.KindMatch, matchID, divisionID, contracts.EventMatchCompleted, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) AbortMatch(divisionID, matchID string, ifVersion uint64) (contracts.Match, error) {
	var out contracts.Match
	err := e.withDivision(divisionID, func() error {
		m, err := e.store.Match(divisionID, matchID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, m.Version); err != nil {
			return err
		}
		next, err := abortMatch(m)
		if err != nil {
			return err
		}
		next.Version = m.Version + 1
		if err := e.append(contracts.KindMatch, matchID, divisionID, contracts.EventMatchAborted, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// --- Judging commands ---

func (e *Engine) UpdateJudgingSession(divisionID, sessionID string, queued, called *bool, ifVersion uint64) (contracts.JudgingSession, error) {
	var out contracts.JudgingSession
	err := e.withDivision(divisionID, func() error {
		sess, err := e.store.Session(divisionID, sessionID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, sess.Version); err != nil {
			return err
		}
		next, err := updateJudgingSession(sess, queued, called)
		if err != nil {
			return err
		}
		next.Version = sess.Version + 1
		if err := e.append(contracts.KindJudgingSession, sessionID, divisionID, contracts.EventJudgingUpdated, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) StartJudgingSession(divisionID, sessionID string, ifVersion uint64) (contracts.JudgingSession, error) {
	var out contracts.JudgingSession
	err := e.withDivision(divisionID, func() error {
		sess, err := e.store.Session(divisionID, sessionID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, sess.Version); err != nil {
			return err
		}
		next, err := startJudgingSession(sess)
		if err != nil {
			return err
		}
		next.Version = sess.Version + 1
		if err := e.append(contracts.KindJudgingSession, sessionID, divisionID, contracts.EventJudgingStarted, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// CompleteJudgingSession repeated on a completed session returns the
// current snapshot and appends nothing.
func (e *Engine) CompleteJudgingSession(divisionID, sessionID string, ifVersion uint64) (contracts.JudgingSession, error) {
	var out contracts.JudgingSession
	err := e.withDivision(divisionID, func() error {
		sess, err := e.store.Session(divisionID, sessionID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, sess.Version); err != nil {
			return err
		}
		next, changed, err := completeJudgingSession(sess)
		if err != nil {
			return err
		}
		if !changed {
			out = next
			return nil
		}
		next.Version = sess.Version + 1
		if err := e.append(contracts.KindJudgingSession, sessionID, divisionID, contracts.EventJudgingCompleted, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// --- Scoresheet commands ---

func (e *Engine) UpdateScoresheetStatus(divisionID, scoresheetID, target string, ifVersion uint64) (contracts.Scoresheet, error) {
	var out contracts.Scoresheet
	err := e.withDivision(divisionID, func() error {
		sheet, err := e.store.Scoresheet(divisionID, scoresheetID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, sheet.Version); err != nil {
			return err
		}
		next, err := advanceScoresheet(sheet, target)
		if err != nil {
			return err
		}
		next.Version = sheet.Version + 1
		if err := e.append(contracts.KindScoresheet, scoresheetID, divisionID, contracts.EventScoresheetUpdated, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) ResetScoresheet(divisionID, scoresheetID string, ifVersion uint64) (contracts.Scoresheet, error) {
	var out contracts.Scoresheet
	err := e.withDivision(divisionID, func() error {
		sheet, err := e.store.Scoresheet(divisionID, scoresheetID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, sheet.Version); err != nil {
			return err
		}
		next, err := resetScoresheet(sheet)
		if err != nil {
			return err
		}
		next.Version = sheet.Version + 1
		if err := e.append(contracts.KindScoresheet, scoresheetID, divisionID, contracts.EventScoresheetReset, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// --- Deliberation commands ---

func (e *Engine) StartFinalDeliberation(divisionID, deliberationID string, ifVersion uint64) (contracts.Deliberation, error) {
	var out contracts.Deliberation
	err := e.withDivision(divisionID, func() error {
		del, err := e.store.Deliberation(divisionID, deliberationID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, del.Version); err != nil {
			return err
		}
		next, err := startDeliberation(del, e.Now())
		if err != nil {
			return err
		}
		next.Version = del.Version + 1
		if err := e.append(contracts.KindDeliberation, deliberationID, divisionID, contracts.EventDeliberationStarted, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) AdvanceFinalDeliberationStage(divisionID, deliberationID string, ifVersion uint64) (contracts.Deliberation, error) {
	var out contracts.Deliberation
	err := e.withDivision(divisionID, func() error {
		del, err := e.store.Deliberation(divisionID, deliberationID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, del.Version); err != nil {
			return err
		}
		next, err := advanceDeliberation(del)
		if err != nil {
			return err
		}
		next.Version = del.Version + 1
		if err := e.append(contracts.KindDeliberation, deliberationID, divisionID, contracts.EventDeliberationAdvanced, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (e *Engine) CompleteFinalDeliberation(divisionID, deliberationID string, ifVersion uint64) (contracts.Deliberation, error) {
	var out contracts.Deliberation
	err := e.withDivision(divisionID, func() error {
		del, err := e.store.Deliberation(divisionID, deliberationID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, del.Version); err != nil {
			return err
		}
		next, err := completeDeliberation(del)
		if err != nil {
			return err
		}
		next.Version = del.Version + 1
		if err := e.append(contracts.KindDeliberation, deliberationID, divisionID, contracts.EventDeliberationComplete, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// --- Audience display ---

// SetAudienceDisplay switches the active screen and/or merges per-screen
// settings. At least one of the two must be supplied.
func (e *Engine) SetAudienceDisplay(divisionID, activeDisplay string, settings map[string]json.RawMessage, ifVersion uint64) (contracts.DisplayState, error) {
	var out contracts.DisplayState
	err := e.withDivision(divisionID, func() error {
		if activeDisplay == "" && len(settings) == 0 {
			return ErrInvalidTransition
		}
		display, err := e.store.Display(divisionID)
		if err != nil {
			return err
		}
		if err := checkVersion(ifVersion, display.Version); err != nil {
			return err
		}
		next := display
		next.Settings = make(map[string]json.RawMessage, len(display.Settings)+len(settings))
		for k, v := range display.Settings {
			next.Settings[k] = v
		}
		for k, v := range settings {
			next.Settings[k] = v
		}
		if activeDisplay != "" {
			next.ActiveDisplay = activeDisplay
		}
		next.Version = display.Version + 1
		if err := e.append(contracts.KindDivisionDisplay, divisionID, divisionID, contracts.EventDisplayChanged, next.Version, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// --- Read model ---

func (e *Engine) DivisionState(divisionID string) (contracts.DivisionState, error) {
	return e.store.DivisionState(divisionID)
}

func (e *Engine) Match(divisionID, matchID string) (contracts.Match, error) {
	return e.store.Match(divisionID, matchID)
}

func (e *Engine) Matches(divisionID string) ([]contracts.Match, error) {
	return e.store.Matches(divisionID)
}

func (e *Engine) Session(divisionID, sessionID string) (contracts.JudgingSession, error) {
	return e.store.Session(divisionID, sessionID)
}

func (e *Engine) Sessions(divisionID string) ([]contracts.JudgingSession, error) {
	return e.store.Sessions(divisionID)
}

func (e *Engine) Scoresheet(divisionID, scoresheetID string) (contracts.Scoresheet, error) {
	return e.store.Scoresheet(divisionID, scoresheetID)
}

func (e *Engine) Deliberation(divisionID, deliberationID string) (contracts.Deliberation, error) {
	return e.store.Deliberation(divisionID, deliberationID)
}

func (e *Engine) Display(divisionID string) (contracts.DisplayState, error) {
	return e.store.Display(divisionID)
}

// Replay exposes aggregate catch-up reads for non-streaming consumers.
func (e *Engine) Replay(kind contracts.Kind, id string, fromVersion uint64) ([]contracts.Event, error) {
	return e.log.Replay(kind, id, fromVersion)
}

// DivisionOf reports which division an aggregate is registered in.
func (e *Engine) DivisionOf(kind contracts.Kind, id string) (string, error) {
	return e.log.DivisionOf(kind, id)
}

// Subscribe opens a replay-then-live event sequence on a topic.
func (e *Engine) Subscribe(ctx context.Context, topic Topic, from uint64) (*Subscription, error) {
	return e.dispatcher.Subscribe(ctx, topic, from)
}
