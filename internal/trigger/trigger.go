// Package trigger decides when a cheap tick should escalate into the
// expensive path (capture + OCR + judge call).
package trigger

import (
	"time"
)

// Reason explains why a full evaluation cycle fires.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonWindowChange Reason = "window-change"
	ReasonInterval     Reason = "interval"
	ReasonScreenChange Reason = "screen-change"
)

// State is the session record carried across cycles. Single writer: the watch
// loop owns it for the process lifetime; the decision engine updates it via
// Commit after each completed cycle.
type State struct {
	LastTitle       string
	LastHash        uint64
	HasObservation  bool
	LastFullEvalAt  time.Time
	LastEscalatedAt time.Time
	CycleCount      int
}

// NewState returns the uninitialized session. LastFullEvalAt starts at the
// process start so an interval of zero fires on the first tick.
func NewState(now time.Time) *State {
	return &State{LastFullEvalAt: now}
}

// Scheduler holds the trigger configuration. Distance is the perceptual-hash
// comparator capability, resolved once at startup; nil disables the
// screen-change rule without failing the cycle.
type Scheduler struct {
	Interval            time.Duration
	HashThreshold       int
	ForceOnWindowChange bool
	Distance            func(a, b uint64) int
}

// Decide applies the firing rules in priority order, first match wins:
// window-change, elapsed interval, hash distance over threshold. The first
// tick ever can only fire by the interval rule.
func (s *Scheduler) Decide(now time.Time, st *State, title string, hash uint64, hashOK bool) (Reason, bool) {
	if s.ForceOnWindowChange && st.HasObservation && title != st.LastTitle {
		return ReasonWindowChange, true
	}
	if now.Sub(st.LastFullEvalAt) >= s.Interval {
		return ReasonInterval, true
	}
	if s.Distance != nil && hashOK && st.HasObservation {
		if s.Distance(hash, st.LastHash) > s.HashThreshold {
			return ReasonScreenChange, true
		}
	}
	return ReasonNone, false
}
