package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/lems-live/project/internal/contracts"
)

// divisionProjection is the folded current-value view of one division.
type divisionProjection struct {
	mu            sync.RWMutex
	lastSeq       uint64
	field         contracts.FieldState
	display       contracts.DisplayState
	matches       map[string]contracts.Match
	sessions      map[string]contracts.JudgingSession
	scoresheets   map[string]contracts.Scoresheet
	deliberations map[string]contracts.Deliberation
}

// Store is the division-state projection: the mutable "what is happening
// now" view derived exclusively by folding the event log in order. Reads
// go straight to it; writes only ever arrive through Apply.
type Store struct {
	mu        sync.RWMutex
	divisions map[string]*divisionProjection
}

func NewStore() *Store {
	return &Store{divisions: map[string]*divisionProjection{}}
}

func (s *Store) division(divisionID string) (*divisionProjection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.divisions[divisionID]
	return d, ok
}

func (s *Store) ensureDivision(divisionID string) *divisionProjection {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.divisions[divisionID]
	if !ok {
		d = &divisionProjection{
			matches:       map[string]contracts.Match{},
			sessions:      map[string]contracts.JudgingSession{},
			scoresheets:   map[string]contracts.Scoresheet{},
			deliberations: map[string]contracts.Deliberation{},
		}
		d.display.DivisionID = divisionID
		s.divisions[divisionID] = d
	}
	return d
}

// Registration seeds the version-0 snapshots the schedule collaborator
// hands over. Registered aggregates have no events yet; folding starts
// from these values.

func (s *Store) RegisterMatch(m contracts.Match) {
	d := s.ensureDivision(m.DivisionID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matches[m.ID] = m
}

func (s *Store) RegisterSession(sess contracts.JudgingSession) {
	d := s.ensureDivision(sess.DivisionID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sess.ID] = sess
}

func (s *Store) RegisterScoresheet(sheet contracts.Scoresheet) {
	d := s.ensureDivision(sheet.DivisionID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scoresheets[sheet.ID] = sheet
}

func (s *Store) RegisterDeliberation(del contracts.Deliberation) {
	d := s.ensureDivision(del.DivisionID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliberations[del.ID] = copyDeliberation(del)
}

// Apply folds one event into the projection. Folding is order-sensitive:
// the event's seq must directly follow the division cursor and its
// version must directly follow the aggregate's, otherwise ErrOutOfOrder.
// The same rules run in every consumer rebuilding its own local view.
func (s *Store) Apply(ev contracts.Event) error {
	d, ok := s.division(ev.DivisionID)
	if !ok {
		return ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.Seq != d.lastSeq+1 {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, ev.Seq, d.lastSeq)
	}

	switch ev.AggregateKind {
	case contracts.KindMatch:
		if err := d.applyMatch(ev); err != nil {
			return err
		}
	case contracts.KindJudgingSession:
		if err := d.applySession(ev); err != nil {
			return err
		}
	case contracts.KindScoresheet:
		if err := d.applyScoresheet(ev); err != nil {
			return err
		}
	case contracts.KindDeliberation:
		if err := d.applyDeliberation(ev); err != nil {
			return err
		}
	case contracts.KindDivisionDisplay:
		if err := d.applyDisplay(ev); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported aggregate kind %q", ev.AggregateKind)
	}

	d.lastSeq = ev.Seq
	return nil
}

func (d *divisionProjection) applyMatch(ev contracts.Event) error {
	var m contracts.Match
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		return fmt.Errorf("decode match event %s: %w", ev.EventID, err)
	}
	current, ok := d.matches[m.ID]
	if !ok {
		return ErrNotFound
	}
	if ev.Version != current.Version+1 {
		return fmt.Errorf("%w: match %s version %d after %d", ErrOutOfOrder, m.ID, ev.Version, current.Version)
	}

	switch ev.Type {
	case contracts.EventMatchLoaded:
		// Field exclusivity: loading swaps out whichever match held the
		// loaded slot; a merely-loaded match returns to scheduled.
		if prev := d.field.LoadedMatch; prev != "" && prev != m.ID {
			pm, ok := d.matches[prev]
			if ok {
				pm.Loaded = false
				if pm.Status == contracts.MatchStatusLoaded {
					pm.Status = contracts.MatchStatusScheduled
				}
				d.matches[prev] = pm
			}
		}
		d.field.LoadedMatch = m.ID
		d.field.CurrentStage = m.Stage
	case contracts.EventMatchActivated:
		d.field.ActiveMatch = m.ID
	case contracts.EventMatchCompleted, contracts.EventMatchAborted:
		if d.field.ActiveMatch == m.ID {
			d.field.ActiveMatch = ""
		}
		if d.field.LoadedMatch == m.ID {
			d.field.LoadedMatch = ""
		}
	case contracts.EventMatchCalled:
	default:
		return fmt.Errorf("unsupported match event type %q", ev.Type)
	}

	d.matches[m.ID] = m
	return nil
}

func (d *divisionProjection) applySession(ev contracts.Event) error {
	var sess contracts.JudgingSession
	if err := json.Unmarshal(ev.Data, &sess); err != nil {
		return fmt.Errorf("decode judging event %s: %w", ev.EventID, err)
	}
	current, ok := d.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if ev.Version != current.Version+1 {
		return fmt.Errorf("%w: session %s version %d after %d", ErrOutOfOrder, sess.ID, ev.Version, current.Version)
	}
	d.sessions[sess.ID] = sess
	return nil
}

func (d *divisionProjection) applyScoresheet(ev contracts.Event) error {
	var sheet contracts.Scoresheet
	if err := json.Unmarshal(ev.Data, &sheet); err != nil {
		return fmt.Errorf("decode scoresheet event %s: %w", ev.EventID, err)
	}
	current, ok := d.scoresheets[sheet.ID]
	if !ok {
		return ErrNotFound
	}
	if ev.Version != current.Version+1 {
		return fmt.Errorf("%w: scoresheet %s version %d after %d", ErrOutOfOrder, sheet.ID, ev.Version, current.Version)
	}
	d.scoresheets[sheet.ID] = sheet
	return nil
}

func (d *divisionProjection) applyDeliberation(ev contracts.Event) error {
	var del contracts.Deliberation
	if err := json.Unmarshal(ev.Data, &del); err != nil {
		return fmt.Errorf("decode deliberation event %s: %w", ev.EventID, err)
	}
	current, ok := d.deliberations[del.ID]
	if !ok {
		return ErrNotFound
	}
	if ev.Version != current.Version+1 {
		return fmt.Errorf("%w: deliberation %s version %d after %d", ErrOutOfOrder, del.ID, ev.Version, current.Version)
	}
	d.deliberations[del.ID] = copyDeliberation(del)
	return nil
}

func (d *divisionProjection) applyDisplay(ev contracts.Event) error {
	var snap contracts.DisplayState
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		return fmt.Errorf("decode display event %s: %w", ev.EventID, err)
	}
	if ev.Version != d.display.Version+1 {
		return fmt.Errorf("%w: display version %d after %d", ErrOutOfOrder, ev.Version, d.display.Version)
	}
	d.display = copyDisplay(snap)
	return nil
}

// DivisionState returns the projection served on initial page load.
func (s *Store) DivisionState(divisionID string) (contracts.DivisionState, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return contracts.DivisionState{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	display := copyDisplay(d.display)
	return contracts.DivisionState{
		DivisionID: divisionID,
		Field:      d.field,
		AudienceDisplay: contracts.AudienceDisplayState{
			ActiveDisplay: display.ActiveDisplay,
			Settings:      display.Settings,
		},
		LastSeq: d.lastSeq,
	}, nil
}

func (s *Store) Match(divisionID, id string) (contracts.Match, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return contracts.Match{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.matches[id]
	if !ok {
		return contracts.Match{}, ErrNotFound
	}
	return m, nil
}

func (s *Store) Session(divisionID, id string) (contracts.JudgingSession, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return contracts.JudgingSession{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[id]
	if !ok {
		return contracts.JudgingSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *Store) Scoresheet(divisionID, id string) (contracts.Scoresheet, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return contracts.Scoresheet{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	sheet, ok := d.scoresheets[id]
	if !ok {
		return contracts.Scoresheet{}, ErrNotFound
	}
	return sheet, nil
}

func (s *Store) Deliberation(divisionID, id string) (contracts.Deliberation, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return contracts.Deliberation{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	del, ok := d.deliberations[id]
	if !ok {
		return contracts.Deliberation{}, ErrNotFound
	}
	return copyDeliberation(del), nil
}

func (s *Store) Display(divisionID string) (contracts.DisplayState, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return contracts.DisplayState{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyDisplay(d.display), nil
}

// Matches lists the division's matches in schedule order.
func (s *Store) Matches(divisionID string) ([]contracts.Match, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return nil, ErrNotFound
	}
	d.mu.RLock()
	out := make([]contracts.Match, 0, len(d.matches))
	for _, m := range d.matches {
		out = append(out, m)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out, nil
}

// Sessions lists the division's judging sessions in schedule order.
func (s *Store) Sessions(divisionID string) ([]contracts.JudgingSession, error) {
	d, ok := s.division(divisionID)
	if !ok {
		return nil, ErrNotFound
	}
	d.mu.RLock()
	out := make([]contracts.JudgingSession, 0, len(d.sessions))
	for _, sess := range d.sessions {
		out = append(out, sess)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out, nil
}

func copyDeliberation(del contracts.Deliberation) contracts.Deliberation {
	stages := make([]string, len(del.Stages))
	copy(stages, del.Stages)
	del.Stages = stages
	if del.StartTime != nil {
		start := *del.StartTime
		del.StartTime = &start
	}
	return del
}

func copyDisplay(snap contracts.DisplayState) contracts.DisplayState {
	settings := make(map[string]json.RawMessage, len(snap.Settings))
	for k, v := range snap.Settings {
		settings[k] = v
	}
	snap.Settings = settings
	return snap
}
