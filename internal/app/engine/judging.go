package engine

import "github.com/lems-live/project/internal/contracts"

var judgingLifecycle = lifecycle{
	{Event: contracts.EventJudgingUpdated, From: []string{contracts.JudgingStatusNotStarted}},
	{Event: contracts.EventJudgingStarted, From: []string{contracts.JudgingStatusNotStarted}, To: contracts.JudgingStatusInProgress},
	{Event: contracts.EventJudgingCompleted, From: []string{contracts.JudgingStatusInProgress}, To: contracts.JudgingStatusCompleted},
}

// updateJudgingSession sets the queued/called flags driving the physical
// queuing workflow. Only legal before the session starts.
func updateJudgingSession(sess contracts.JudgingSession, queued, called *bool) (contracts.JudgingSession, error) {
	next, err := judgingLifecycle.resolve(contracts.EventJudgingUpdated, sess.Status)
	if err != nil {
		return contracts.JudgingSession{}, err
	}
	sess.Status = next
	if queued != nil {
		sess.Queued = *queued
	}
	if called != nil {
		sess.Called = *called
	}
	return sess, nil
}

// startJudgingSession requires the team to have been called to the room.
func startJudgingSession(sess contracts.JudgingSession) (contracts.JudgingSession, error) {
	if !sess.Called {
		return contracts.JudgingSession{}, ErrInvalidTransition
	}
	next, err := judgingLifecycle.resolve(contracts.EventJudgingStarted, sess.Status)
	if err != nil {
		return contracts.JudgingSession{}, err
	}
	sess.Status = next
	sess.Queued = false
	return sess, nil
}

// completeJudgingSession is one-way and idempotent: multiple judges may
// report completion concurrently, so a repeat is a no-op rather than an
// error. The bool reports whether a transition actually happened.
func completeJudgingSession(sess contracts.JudgingSession) (contracts.JudgingSession, bool, error) {
	if sess.Status == contracts.JudgingStatusCompleted {
		return sess, false, nil
	}
	next, err := judgingLifecycle.resolve(contracts.EventJudgingCompleted, sess.Status)
	if err != nil {
		return contracts.JudgingSession{}, false, err
	}
	sess.Status = next
	return sess, true, nil
}
