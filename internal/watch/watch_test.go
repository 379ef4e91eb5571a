package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/capture"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
	"github.com/driftwatch/driftwatch/internal/judge"
)

type fakeSource struct {
	title      string
	text       string
	titleErr   error
	captureErr error
	captures   int
}

func (f *fakeSource) Title(context.Context) (string, error) {
	return f.title, f.titleErr
}

func (f *fakeSource) Capture(context.Context) (capture.Observation, error) {
	if f.captureErr != nil {
		return capture.Observation{}, f.captureErr
	}
	f.captures++
	return capture.Observation{Title: f.title, RawText: f.text, CapturedAt: time.Now()}, nil
}

type fakeJudge struct {
	verdict judge.Verdict
	calls   int
}

func (f *fakeJudge) Evaluate(context.Context, string, string, string, string) judge.Verdict {
	f.calls++
	return f.verdict
}

type fakeHasher struct {
	hash uint64
	err  error
}

func (f *fakeHasher) Hash() (uint64, error) { return f.hash, f.err }

func newTestLoop(t *testing.T, src *fakeSource, h Hasher, j Judge) (*Loop, *bus.Bus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Task.Description = "write quarterly report"
	cfg.Task.Keywords = []string{"report", "excel"}
	cfg.Trigger.IntervalSeconds = 60

	store, err := convo.Open(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New(8)
	return New(cfg, src, h, j, b, store), b
}

func receiveOne(t *testing.T, b *bus.Bus) bus.Escalation {
	t.Helper()
	var got bus.Escalation
	done := make(chan struct{})
	b.Subscribe("test", func(e bus.Escalation) {
		got = e
		close(done)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	select {
	case <-done:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation published")
		return got
	}
}

func TestTick_OffTaskScenarioEscalates(t *testing.T) {
	src := &fakeSource{title: "Firefox", text: "Reddit front page, funny cats"}
	j := &fakeJudge{verdict: judge.Verdict{Score: 5, Summary: "social media", Hint: "back to your report"}}
	l, b := newTestLoop(t, src, nil, j)

	// Interval of 60s elapsed since loop start.
	l.Tick(context.Background(), time.Now().Add(time.Hour))

	e := receiveOne(t, b)
	if e.Reason != "low-relevance" || e.Message != "back to your report" || e.Title != "Firefox" {
		t.Fatalf("escalation = %+v", e)
	}

	st := l.State()
	if !st.HasObservation || st.LastTitle != "Firefox" || st.CycleCount != 1 {
		t.Fatalf("state not committed: %+v", st)
	}
	if st.LastEscalatedAt.IsZero() {
		t.Fatal("escalation instant not recorded")
	}

	turns, _ := l.store.Recent(1)
	if len(turns) != 1 || turns[0].Message != "back to your report" {
		t.Fatalf("escalation not appended to convo: %+v", turns)
	}
}

func TestTick_OnTaskStaysQuiet(t *testing.T) {
	src := &fakeSource{title: "Excel", text: "quarterly figures Q3"}
	j := &fakeJudge{verdict: judge.Verdict{Score: 95, Summary: "spreadsheet work"}}
	l, b := newTestLoop(t, src, nil, j)

	l.Tick(context.Background(), time.Now().Add(time.Hour))

	fired := make(chan struct{}, 1)
	b.Subscribe("test", func(bus.Escalation) { fired <- struct{}{} })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	select {
	case <-fired:
		t.Fatal("escalated while on task")
	case <-time.After(200 * time.Millisecond):
	}
	if j.calls != 1 {
		t.Fatalf("judge calls = %d, want 1", j.calls)
	}
}

func TestTick_NoTriggerNoJudgeCall(t *testing.T) {
	src := &fakeSource{title: "Excel", text: "figures"}
	j := &fakeJudge{verdict: judge.Verdict{Score: 90}}
	l, _ := newTestLoop(t, src, nil, j)

	now := time.Now().Add(time.Hour)
	l.Tick(context.Background(), now)
	if j.calls != 1 {
		t.Fatalf("judge calls = %d after first cycle", j.calls)
	}

	// Same title, interval not elapsed, no hash capability: nothing fires.
	l.Tick(context.Background(), now.Add(time.Second))
	if j.calls != 1 {
		t.Fatalf("judge calls = %d, second tick should not fire", j.calls)
	}
}

func TestTick_WindowChangeFires(t *testing.T) {
	src := &fakeSource{title: "Excel", text: "figures"}
	j := &fakeJudge{verdict: judge.Verdict{Score: 90}}
	l, _ := newTestLoop(t, src, nil, j)

	now := time.Now().Add(time.Hour)
	l.Tick(context.Background(), now)

	src.title = "Firefox"
	l.Tick(context.Background(), now.Add(time.Second))
	if j.calls != 2 {
		t.Fatalf("judge calls = %d, window change should fire", j.calls)
	}
}

func TestTick_ScreenChangeFires(t *testing.T) {
	src := &fakeSource{title: "Excel", text: "figures"}
	j := &fakeJudge{verdict: judge.Verdict{Score: 90}}
	h := &fakeHasher{hash: 0}
	l, _ := newTestLoop(t, src, h, j)

	now := time.Now().Add(time.Hour)
	l.Tick(context.Background(), now)

	// Flip far more bits than the threshold allows.
	h.hash = 0xFFFFFFFFFFFFFFFF
	l.Tick(context.Background(), now.Add(time.Second))
	if j.calls != 2 {
		t.Fatalf("judge calls = %d, screen change should fire", j.calls)
	}
}

func TestTick_CaptureFailureSkipsWithoutStateChange(t *testing.T) {
	src := &fakeSource{title: "Excel", captureErr: fmt.Errorf("screenpipe down")}
	j := &fakeJudge{}
	l, _ := newTestLoop(t, src, nil, j)

	now := time.Now().Add(time.Hour)
	l.Tick(context.Background(), now)

	if j.calls != 0 {
		t.Fatal("judge called despite capture failure")
	}
	st := l.State()
	if st.HasObservation || st.CycleCount != 0 {
		t.Fatalf("state mutated on failed cycle: %+v", st)
	}

	// Once capture recovers the same trigger fires again.
	src.captureErr = nil
	l.Tick(context.Background(), now.Add(time.Second))
	if j.calls != 1 {
		t.Fatalf("judge calls = %d after recovery", j.calls)
	}
}

func TestTick_TitleProbeFailureSkips(t *testing.T) {
	src := &fakeSource{titleErr: fmt.Errorf("no frames yet")}
	j := &fakeJudge{}
	l, _ := newTestLoop(t, src, nil, j)

	l.Tick(context.Background(), time.Now().Add(time.Hour))
	if j.calls != 0 || src.captures != 0 {
		t.Fatal("cycle ran despite probe failure")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{title: "Excel", text: "figures"}
	l, _ := newTestLoop(t, src, nil, &fakeJudge{verdict: judge.Verdict{Score: 90}})
	l.cfg.Trigger.TickMs = 10

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}
