// Package decision turns a judged score plus corroborating signals into an
// escalate/suppress decision with debounce.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/judge"
	"github.com/driftwatch/driftwatch/internal/trigger"
)

// Reason tags why an escalation fired.
type Reason string

const (
	ReasonNone          Reason = "none"
	ReasonLowRelevance  Reason = "low-relevance"
	ReasonScheduleDrift Reason = "schedule-drift"
)

// Decision is derived per cycle and never persisted.
type Decision struct {
	ShouldEscalate bool
	Reason         Reason
	Message        string
}

// ScheduleSignal is the server variant's corroborating signal, recomputed on
// every check.
type ScheduleSignal struct {
	WithinSchedule         bool
	MinutesSinceLastActive int
}

// Engine applies the escalation policy. Cooldown is the explicit minimum gap
// between escalations; the trigger cadence alone does not bound how often a
// still-true condition can re-fire.
type Engine struct {
	RelevanceThreshold int
	InactivityMinutes  int
	Keywords           []string
	Cooldown           time.Duration
}

// DecideLocal escalates when the verdict scores below the threshold AND no
// configured keyword appears in the window title or captured text. The
// keyword check is a safety net for a wrong judge: an explicit keyword match
// always suppresses.
func (e *Engine) DecideLocal(now time.Time, st *trigger.State, verdict judge.Verdict, title, rawText string) Decision {
	if verdict.Score >= e.RelevanceThreshold {
		return Decision{Reason: ReasonNone}
	}
	if e.keywordMatch(title + " " + rawText) {
		return Decision{Reason: ReasonNone}
	}
	if e.inCooldown(now, st.LastEscalatedAt) {
		return Decision{Reason: ReasonNone}
	}

	msg := verdict.Hint
	if strings.TrimSpace(msg) == "" {
		msg = fmt.Sprintf("You seem off task (%s). Time to switch back?", verdict.Summary)
	}
	return Decision{ShouldEscalate: true, Reason: ReasonLowRelevance, Message: msg}
}

// DecideSchedule escalates when the user should be working per their stated
// schedule but has been inactive past the threshold.
func (e *Engine) DecideSchedule(now time.Time, lastEscalatedAt time.Time, sig ScheduleSignal) Decision {
	if !sig.WithinSchedule {
		return Decision{Reason: ReasonNone}
	}
	if sig.MinutesSinceLastActive < e.InactivityMinutes {
		return Decision{Reason: ReasonNone}
	}
	if e.inCooldown(now, lastEscalatedAt) {
		return Decision{Reason: ReasonNone}
	}

	msg := fmt.Sprintf(
		"Hey, checking in. It's been %d minutes since you were last active, but you'd intended to be productive right now. Are you still working?",
		sig.MinutesSinceLastActive)
	return Decision{ShouldEscalate: true, Reason: ReasonScheduleDrift, Message: msg}
}

// Commit records the completed cycle in the session state. Snapshotting the
// title and hash here is what debounces the trigger: the same condition
// cannot re-fire until a new qualifying trigger reason occurs.
func (e *Engine) Commit(now time.Time, st *trigger.State, title string, hash uint64, hashOK bool, escalated bool) {
	st.LastTitle = title
	if hashOK {
		st.LastHash = hash
	}
	st.HasObservation = true
	st.LastFullEvalAt = now
	st.CycleCount++
	if escalated {
		st.LastEscalatedAt = now
	}
}

func (e *Engine) keywordMatch(haystack string) bool {
	base := strings.ToLower(haystack)
	for _, k := range e.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(base, k) {
			return true
		}
	}
	return false
}

func (e *Engine) inCooldown(now, lastEscalatedAt time.Time) bool {
	if e.Cooldown <= 0 || lastEscalatedAt.IsZero() {
		return false
	}
	return now.Sub(lastEscalatedAt) < e.Cooldown
}
