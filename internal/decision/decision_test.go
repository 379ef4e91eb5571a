package decision

import (
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/judge"
	"github.com/driftwatch/driftwatch/internal/trigger"
)

func newEngine() *Engine {
	return &Engine{
		RelevanceThreshold: 30,
		InactivityMinutes:  30,
		Keywords:           []string{"report"},
		Cooldown:           5 * time.Minute,
	}
}

func TestDecideLocal_LowScoreNoKeyword(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := trigger.NewState(now.Add(-time.Hour))

	v := judge.Verdict{Score: 20, Summary: "social media", Hint: "switch back to your report"}
	d := e.DecideLocal(now, st, v, "Reddit", "funny cats")
	if !d.ShouldEscalate || d.Reason != ReasonLowRelevance {
		t.Fatalf("decision = %+v, want low-relevance escalation", d)
	}
	if d.Message != "switch back to your report" {
		t.Errorf("message = %q, want the judge hint", d.Message)
	}
}

func TestDecideLocal_KeywordSuppresses(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := trigger.NewState(now.Add(-time.Hour))
	v := judge.Verdict{Score: 20, Summary: "spreadsheet"}

	// Keyword in the title.
	if d := e.DecideLocal(now, st, v, "Q3 Report - Excel", "cells"); d.ShouldEscalate {
		t.Fatalf("escalated despite keyword in title: %+v", d)
	}
	// Keyword in the captured text, case-insensitive.
	if d := e.DecideLocal(now, st, v, "Excel", "ANNUAL REPORT draft"); d.ShouldEscalate {
		t.Fatalf("escalated despite keyword in text: %+v", d)
	}
}

func TestDecideLocal_HighScoreNeverEscalates(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := trigger.NewState(now.Add(-time.Hour))

	v := judge.Verdict{Score: 80, Summary: "spreadsheet"}
	if d := e.DecideLocal(now, st, v, "Reddit", "funny cats"); d.ShouldEscalate {
		t.Fatalf("escalated with score 80: %+v", d)
	}
}

func TestDecideLocal_NeutralVerdictDoesNotEscalate(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := trigger.NewState(now.Add(-time.Hour))

	// Neutral score 50 sits above the default threshold: a broken judge must
	// not wake the user.
	if d := e.DecideLocal(now, st, judge.NeutralVerdict("o4-mini"), "anything", "anything"); d.ShouldEscalate {
		t.Fatalf("neutral verdict escalated: %+v", d)
	}
}

func TestDecideLocal_CooldownSuppresses(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := trigger.NewState(now.Add(-time.Hour))
	st.LastEscalatedAt = now.Add(-time.Minute)

	v := judge.Verdict{Score: 5, Summary: "social media"}
	if d := e.DecideLocal(now, st, v, "Reddit", "cats"); d.ShouldEscalate {
		t.Fatalf("escalated inside cooldown: %+v", d)
	}

	st.LastEscalatedAt = now.Add(-10 * time.Minute)
	if d := e.DecideLocal(now, st, v, "Reddit", "cats"); !d.ShouldEscalate {
		t.Fatal("expected escalation after cooldown elapsed")
	}
}

func TestDecideLocal_DefaultMessageWithoutHint(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := trigger.NewState(now.Add(-time.Hour))

	d := e.DecideLocal(now, st, judge.Verdict{Score: 10, Summary: "videos"}, "YouTube", "cats")
	if !d.ShouldEscalate || d.Message == "" {
		t.Fatalf("expected escalation with a generated message, got %+v", d)
	}
}

func TestDecideSchedule(t *testing.T) {
	e := newEngine()
	now := time.Now()

	tests := []struct {
		name string
		sig  ScheduleSignal
		want bool
	}{
		{"within schedule and inactive", ScheduleSignal{WithinSchedule: true, MinutesSinceLastActive: 45}, true},
		{"outside schedule", ScheduleSignal{WithinSchedule: false, MinutesSinceLastActive: 45}, false},
		{"recently active", ScheduleSignal{WithinSchedule: true, MinutesSinceLastActive: 10}, false},
		{"exactly at threshold", ScheduleSignal{WithinSchedule: true, MinutesSinceLastActive: 30}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.DecideSchedule(now, time.Time{}, tt.sig)
			if d.ShouldEscalate != tt.want {
				t.Errorf("ShouldEscalate = %v, want %v", d.ShouldEscalate, tt.want)
			}
			if tt.want && d.Reason != ReasonScheduleDrift {
				t.Errorf("reason = %q, want schedule-drift", d.Reason)
			}
		})
	}
}

func TestDecideSchedule_Cooldown(t *testing.T) {
	e := newEngine()
	now := time.Now()
	sig := ScheduleSignal{WithinSchedule: true, MinutesSinceLastActive: 45}

	if d := e.DecideSchedule(now, now.Add(-time.Minute), sig); d.ShouldEscalate {
		t.Fatalf("escalated inside cooldown: %+v", d)
	}
	if d := e.DecideSchedule(now, now.Add(-time.Hour), sig); !d.ShouldEscalate {
		t.Fatal("expected escalation after cooldown")
	}
}

func TestCommit_UpdatesSessionState(t *testing.T) {
	e := newEngine()
	start := time.Now().Add(-time.Hour)
	now := time.Now()
	st := trigger.NewState(start)

	e.Commit(now, st, "editor", 0xAB, true, false)
	if st.LastTitle != "editor" || st.LastHash != 0xAB || !st.HasObservation {
		t.Fatalf("state not committed: %+v", st)
	}
	if !st.LastFullEvalAt.Equal(now) || st.CycleCount != 1 {
		t.Fatalf("eval timestamp/cycle not committed: %+v", st)
	}
	if !st.LastEscalatedAt.IsZero() {
		t.Fatal("LastEscalatedAt set without escalation")
	}

	e.Commit(now, st, "editor", 0, false, true)
	if st.LastHash != 0xAB {
		t.Fatal("hash overwritten without hashOK")
	}
	if st.LastEscalatedAt.IsZero() || st.CycleCount != 2 {
		t.Fatalf("escalation not committed: %+v", st)
	}
}
