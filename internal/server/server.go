// Package server runs the remote variant: activity pings arrive over HTTP and
// a periodic schedule check escalates by phone when the user goes quiet.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
	"github.com/driftwatch/driftwatch/internal/decision"
	"github.com/driftwatch/driftwatch/internal/judge"
	"github.com/driftwatch/driftwatch/internal/sanitize"
	"github.com/driftwatch/driftwatch/internal/trigger"
)

// Judge is the subset of the judge client the server uses.
type Judge interface {
	Evaluate(ctx context.Context, task, windowText, customInstruction, modelCode string) judge.Verdict
	WithinSchedule(ctx context.Context, schedule, nowText, modelCode string) bool
	DraftCheckinMessage(ctx context.Context, goals, recentText, modelCode string, turns []judge.Message) string
}

// MemoryService is the subset of the memory client the server uses.
type MemoryService interface {
	Search(ctx context.Context, query string, limit int) []Memory
	Add(ctx context.Context, content string, metadata map[string]string) error
	UserGoals(ctx context.Context) string
}

// Memory mirrors memstore.Memory so the server package does not import it.
type Memory struct {
	ID       string            `json:"id"`
	Text     string            `json:"memory"`
	Metadata map[string]string `json:"metadata"`
}

type Server struct {
	cfg    *config.Config
	judge  Judge
	memory MemoryService
	store  *convo.Store
	bus    *bus.Bus
	engine *decision.Engine

	lastSeenMs      atomic.Int64
	lastEscalatedMs atomic.Int64

	mu       sync.Mutex
	lastText string

	httpServer *http.Server
	cron       *rcron.Cron
}

func New(cfg *config.Config, j Judge, mem MemoryService, store *convo.Store, b *bus.Bus) *Server {
	s := &Server{
		cfg:    cfg,
		judge:  j,
		memory: mem,
		store:  store,
		bus:    b,
		engine: &decision.Engine{
			RelevanceThreshold: cfg.Decision.RelevanceThreshold,
			InactivityMinutes:  cfg.Decision.InactivityMinutes,
			Keywords:           cfg.Task.Keywords,
			Cooldown:           time.Duration(cfg.Decision.CooldownSeconds) * time.Second,
		},
	}
	s.lastSeenMs.Store(time.Now().UnixMilli())
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /handle_activity", s.handleActivity)
	mux.HandleFunc("POST /voice/events", s.handleVoiceEvents)
	mux.HandleFunc("POST /add_memory", s.handleAddMemory)
	mux.HandleFunc("POST /fetch_memories", s.handleFetchMemories)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Start serves HTTP and runs the schedule check until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.cron = rcron.New()
	spec := fmt.Sprintf("@every %ds", s.cfg.Server.CheckPeriodSeconds)
	if _, err := s.cron.AddFunc(spec, func() { s.checkSchedule(context.Background()) }); err != nil {
		return fmt.Errorf("register schedule check: %w", err)
	}
	s.cron.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

func (s *Server) Shutdown() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
	}
	log.Printf("[server] stopped")
	return nil
}

// LastSeen is the instant of the most recent activity ping or reply.
func (s *Server) LastSeen() time.Time {
	return time.UnixMilli(s.lastSeenMs.Load())
}

// MarkSeen records proof of life from any source.
func (s *Server) MarkSeen(now time.Time) {
	s.lastSeenMs.Store(now.UnixMilli())
}

// activityRequest carries either desktop OCR frames or raw phone text.
type activityRequest struct {
	Data []struct {
		Content struct {
			Text       string `json:"text"`
			WindowName string `json:"window_name"`
		} `json:"content"`
	} `json:"data"`
	PhoneData string `json:"phone_data"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	// Any ping is proof of life, even one with no usable text.
	now := time.Now()
	s.MarkSeen(now)

	var title, text string
	if len(req.Data) > 0 {
		title = req.Data[0].Content.WindowName
		text = req.Data[0].Content.Text
	} else if req.PhoneData != "" {
		text = req.PhoneData
	}
	if strings.TrimSpace(text) == "" {
		writeJSON(w, map[string]any{"status": "ok", "evaluated": false})
		return
	}

	clean := sanitize.Sanitize(text)
	s.mu.Lock()
	s.lastText = clean
	s.mu.Unlock()

	task := s.memory.UserGoals(r.Context())
	if task == "" {
		task = s.cfg.Task.Description
	}

	verdict := s.judge.Evaluate(r.Context(), task, clean, s.cfg.Task.Instruction, s.cfg.Judge.Model)

	st := s.sessionSnapshot()
	d := s.engine.DecideLocal(now, st, verdict, title, clean)
	if d.ShouldEscalate {
		s.escalate(d, title)
	}

	writeJSON(w, map[string]any{
		"status":    "ok",
		"evaluated": true,
		"relevance": verdict.Score,
		"escalated": d.ShouldEscalate,
	})
}

// voiceEvent is the provider's server message envelope. Only end-of-call
// reports matter; the transcript turns feed the conversation store.
type voiceEvent struct {
	Message struct {
		Type     string `json:"type"`
		Messages []struct {
			Role    string `json:"role"`
			Message string `json:"message"`
		} `json:"messages"`
	} `json:"message"`
}

func (s *Server) handleVoiceEvents(w http.ResponseWriter, r *http.Request) {
	var ev voiceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	if ev.Message.Type != "end-of-call-report" {
		writeJSON(w, map[string]any{"status": "ignored"})
		return
	}

	// Answering the phone counts as proof of life.
	s.MarkSeen(time.Now())

	saved := 0
	for _, m := range ev.Message.Messages {
		if m.Role == "" || m.Message == "" {
			continue
		}
		if err := s.store.Append(m.Role, m.Message); err != nil {
			log.Printf("[server] record call turn: %v", err)
			continue
		}
		saved++
	}
	writeJSON(w, map[string]any{"status": "ok", "saved": saved})
}

// toolCallRequest is the voice provider's tool-call webhook payload.
type toolCallRequest struct {
	Message struct {
		ToolCalls []struct {
			Function struct {
				Name      string `json:"name"`
				Arguments struct {
					Category string `json:"category"`
					Content  string `json:"content"`
				} `json:"arguments"`
			} `json:"function"`
		} `json:"toolCalls"`
	} `json:"message"`
}

func decodeToolCall(r *http.Request, wantFunc string) (category, content string, err error) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", fmt.Errorf("invalid json body")
	}
	if len(req.Message.ToolCalls) == 0 {
		return "", "", fmt.Errorf("no tool calls found in the request")
	}

	fn := req.Message.ToolCalls[0].Function
	if fn.Name != wantFunc {
		return "", "", fmt.Errorf("unexpected function name %q", fn.Name)
	}
	if fn.Arguments.Content == "" {
		return "", "", fmt.Errorf("invalid arguments structure")
	}
	return fn.Arguments.Category, fn.Arguments.Content, nil
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	category, content, err := decodeToolCall(r, "add_new_memory")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	meta := map[string]string{}
	if category != "" {
		meta["category"] = category
	}
	if err := s.memory.Add(r.Context(), content, meta); err != nil {
		log.Printf("[server] add memory: %v", err)
		http.Error(w, "memory service unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"status": "success", "message": "Memory added successfully"})
}

func (s *Server) handleFetchMemories(w http.ResponseWriter, r *http.Request) {
	_, content, err := decodeToolCall(r, "fetch_recent_memories")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	memories := s.memory.Search(r.Context(), content, 5)
	writeJSON(w, map[string]any{"status": "success", "memories": memories})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

// checkSchedule runs every check period: when the user should be working per
// their stated schedule but has gone quiet, it escalates by phone.
func (s *Server) checkSchedule(ctx context.Context) {
	if s.cfg.Server.Schedule == "" {
		return
	}

	now := time.Now()
	nowText := now.Format("Monday January 2 at 3PM")

	sig := decision.ScheduleSignal{
		WithinSchedule:         s.judge.WithinSchedule(ctx, s.cfg.Server.Schedule, nowText, s.cfg.Judge.Model),
		MinutesSinceLastActive: int(now.Sub(s.LastSeen()).Minutes()),
	}
	log.Printf("[server] schedule check: within=%v inactiveMin=%d", sig.WithinSchedule, sig.MinutesSinceLastActive)

	d := s.engine.DecideSchedule(now, time.UnixMilli(s.lastEscalatedMs.Load()), sig)
	if !d.ShouldEscalate {
		return
	}

	msg := s.draftCheckin(ctx)
	if msg == "" {
		msg = d.Message
	}
	s.escalate(decision.Decision{ShouldEscalate: true, Reason: d.Reason, Message: msg}, "")
}

func (s *Server) draftCheckin(ctx context.Context) string {
	goals := s.memory.UserGoals(ctx)
	if goals == "" {
		goals = s.cfg.Task.Description
	}

	s.mu.Lock()
	recentText := s.lastText
	s.mu.Unlock()

	turns, err := s.store.RecentForJudge(20)
	if err != nil {
		log.Printf("[server] load convo for draft: %v", err)
	}
	history := make([]judge.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, judge.Message{Role: t.Role, Content: t.Message})
	}

	return s.judge.DraftCheckinMessage(ctx, goals, recentText, s.cfg.Judge.Model, history)
}

func (s *Server) escalate(d decision.Decision, title string) {
	e := bus.NewEscalation(string(d.Reason), title, d.Message)
	s.bus.Publish(e)
	s.lastEscalatedMs.Store(e.OccurredAt.UnixMilli())
	if err := s.store.Append("assistant", d.Message); err != nil {
		log.Printf("[server] record escalation: %v", err)
	}
	log.Printf("[server] escalated (%s): %s", d.Reason, d.Message)
}

// sessionSnapshot adapts the atomic liveness scalars into the session state
// shape the decision engine expects. The server variant keeps no trigger
// history; only the escalation debounce matters here.
func (s *Server) sessionSnapshot() *trigger.State {
	st := trigger.NewState(s.LastSeen())
	st.LastEscalatedAt = time.UnixMilli(s.lastEscalatedMs.Load())
	return st
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}
