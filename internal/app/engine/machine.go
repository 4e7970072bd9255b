package engine

// transition names one edge of a lifecycle graph: the event type it
// emits, the statuses it may leave from and the status it lands on.
// An empty To keeps the current status (flag-only transitions such as
// match.called).
type transition struct {
	Event string
	From  []string
	To    string
}

// lifecycle is the transition table shared by all four state machines.
// Each accepted transition emits exactly one event; anything not in the
// table is ErrInvalidTransition.
type lifecycle []transition

// resolve returns the status an aggregate lands on when event fires from
// the current status.
func (l lifecycle) resolve(event, current string) (string, error) {
	for _, t := range l {
		if t.Event != event {
			continue
		}
		for _, from := range t.From {
			if from == current {
				if t.To == "" {
					return current, nil
				}
				return t.To, nil
			}
		}
	}
	return "", ErrInvalidTransition
}
