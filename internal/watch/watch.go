// Package watch runs the local variant: a sequential capture-judge-decide
// loop over the user's own screen.
package watch

import (
	"context"
	"log"
	"time"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/capture"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
	"github.com/driftwatch/driftwatch/internal/decision"
	"github.com/driftwatch/driftwatch/internal/judge"
	"github.com/driftwatch/driftwatch/internal/sanitize"
	"github.com/driftwatch/driftwatch/internal/trigger"
)

// Judge is the subset of the judge client the loop uses.
type Judge interface {
	Evaluate(ctx context.Context, task, windowText, customInstruction, modelCode string) judge.Verdict
}

// Hasher produces perceptual frame hashes. Nil on headless hosts.
type Hasher interface {
	Hash() (uint64, error)
}

// Loop drives one observation cycle per trigger. Cycles are strictly
// sequential; a slow judge call delays the next tick rather than overlapping
// it.
type Loop struct {
	cfg    *config.Config
	source capture.Source
	hasher Hasher
	judge  Judge
	bus    *bus.Bus
	store  *convo.Store

	sched  *trigger.Scheduler
	engine *decision.Engine
	state  *trigger.State
}

func New(cfg *config.Config, source capture.Source, hasher Hasher, j Judge, b *bus.Bus, store *convo.Store) *Loop {
	return &Loop{
		cfg:    cfg,
		source: source,
		hasher: hasher,
		judge:  j,
		bus:    b,
		store:  store,
		sched: &trigger.Scheduler{
			Interval:            time.Duration(cfg.Trigger.IntervalSeconds) * time.Second,
			HashThreshold:       cfg.Trigger.HashThreshold,
			ForceOnWindowChange: cfg.Trigger.ForceOnWindowChange,
			Distance:            capture.Distance,
		},
		engine: &decision.Engine{
			RelevanceThreshold: cfg.Decision.RelevanceThreshold,
			InactivityMinutes:  cfg.Decision.InactivityMinutes,
			Keywords:           cfg.Task.Keywords,
			Cooldown:           time.Duration(cfg.Decision.CooldownSeconds) * time.Second,
		},
		state: trigger.NewState(time.Now()),
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	tick := time.Duration(l.cfg.Trigger.TickMs) * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	log.Printf("[watch] started (tick=%s interval=%ds threshold=%d)",
		tick, l.cfg.Trigger.IntervalSeconds, l.cfg.Trigger.HashThreshold)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[watch] stopped after %d cycles", l.state.CycleCount)
			return nil
		case <-ticker.C:
			l.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one probe and, when a trigger fires, one full cycle.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	title, err := l.source.Title(ctx)
	if err != nil {
		if l.cfg.Debug {
			log.Printf("[watch] title probe failed: %v", err)
		}
		return
	}

	var hash uint64
	hashOK := false
	if l.hasher != nil {
		if h, err := l.hasher.Hash(); err == nil {
			hash, hashOK = h, true
		} else if l.cfg.Debug {
			log.Printf("[watch] frame hash failed: %v", err)
		}
	}

	reason, fire := l.sched.Decide(now, l.state, title, hash, hashOK)
	if !fire {
		return
	}

	obs, err := l.source.Capture(ctx)
	if err != nil {
		// Failed capture skips the cycle without touching session state, so
		// the same trigger can fire again next tick.
		log.Printf("[watch] capture failed, skipping cycle: %v", err)
		return
	}
	obs.Hash, obs.HashOK = hash, hashOK

	clean := sanitize.Sanitize(obs.RawText)
	verdict := l.judge.Evaluate(ctx, l.cfg.Task.Description, clean, l.cfg.Task.Instruction, l.cfg.Judge.Model)

	if l.cfg.Debug {
		log.Printf("[watch] trigger=%s title=%q relevance=%d cost=$%.6f (%s)",
			reason, obs.Title, verdict.Score, verdict.CostUSD, verdict.Summary)
	}

	d := l.engine.DecideLocal(now, l.state, verdict, obs.Title, clean)
	if d.ShouldEscalate {
		l.bus.Publish(bus.NewEscalation(string(d.Reason), obs.Title, d.Message))
		if err := l.store.Append("assistant", d.Message); err != nil {
			log.Printf("[watch] record escalation: %v", err)
		}
		log.Printf("[watch] escalated (%s): %s", d.Reason, d.Message)
	}

	l.engine.Commit(now, l.state, obs.Title, obs.Hash, obs.HashOK, d.ShouldEscalate)
}

// State exposes the session state for status reporting.
func (l *Loop) State() *trigger.State {
	return l.state
}
