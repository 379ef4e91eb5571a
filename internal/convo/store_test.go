package convo

import (
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)

	turns := []Turn{
		{Role: "user", Message: "first"},
		{Role: "assistant", Message: "second"},
		{Role: "user", Message: "third"},
	}
	for _, turn := range turns {
		if err := s.Append(turn.Role, turn.Message); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d turns, want 3", len(got))
	}
	for i := range turns {
		if got[i].Role != turns[i].Role || got[i].Message != turns[i].Message {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], turns[i])
		}
	}
}

func TestRecent_LimitReturnsNewest(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Append("user", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Message != "msg-3" || got[1].Message != "msg-4" {
		t.Fatalf("recent(2) = %+v, want the two newest in order", got)
	}
}

func TestRecentForJudge_AliasesAndFilters(t *testing.T) {
	s := newTestStore(t)
	for _, turn := range []Turn{
		{Role: "user", Message: "hi"},
		{Role: "bot", Message: "legacy reply"},
		{Role: "function", Message: "tool output"},
		{Role: "assistant", Message: "reply"},
	} {
		if err := s.Append(turn.Role, turn.Message); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentForJudge(10)
	if err != nil {
		t.Fatalf("recent for judge: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d turns, want 3 (function role dropped)", len(got))
	}
	if got[1].Role != "assistant" || got[1].Message != "legacy reply" {
		t.Fatalf("bot turn not aliased to assistant: %+v", got[1])
	}
}

func TestRecentForJudge_FilteredRolesDoNotShrinkWindow(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Append("user", fmt.Sprintf("user-%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		if err := s.Append("tool", fmt.Sprintf("tool-%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentForJudge(10)
	if err != nil {
		t.Fatalf("recent for judge: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d turns, want the 5 user turns despite newer tool turns", len(got))
	}
	for i, turn := range got {
		if turn.Role != "user" || turn.Message != fmt.Sprintf("user-%d", i) {
			t.Errorf("turn %d = %+v, want user-%d", i, turn, i)
		}
	}
}

func TestRecentForVoice_KeepsToolRoles(t *testing.T) {
	s := newTestStore(t)
	for _, turn := range []Turn{
		{Role: "user", Message: "hi"},
		{Role: "function", Message: "tool output"},
		{Role: "tool", Message: "more output"},
	} {
		if err := s.Append(turn.Role, turn.Message); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentForVoice(10)
	if err != nil {
		t.Fatalf("recent for voice: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d turns, want all 3", len(got))
	}
}

func TestAppend_PrunesToCap(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < MaxStoredTurns+25; i++ {
		if err := s.Append("user", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != MaxStoredTurns {
		t.Fatalf("count = %d, want %d", n, MaxStoredTurns)
	}

	got, err := s.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if got[0].Message != fmt.Sprintf("msg-%d", MaxStoredTurns+24) {
		t.Fatalf("newest turn = %q, pruning removed the wrong end", got[0].Message)
	}
}

func TestOpenOrEmpty_FallsBackOnBadPath(t *testing.T) {
	// A directory path cannot be opened as a database file.
	s := OpenOrEmpty(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Append("user", "hello"); err != nil {
		t.Fatalf("append on fallback store: %v", err)
	}
	got, err := s.Recent(1)
	if err != nil {
		t.Fatalf("recent on fallback store: %v", err)
	}
	if len(got) != 1 || got[0].Message != "hello" {
		t.Fatalf("fallback store did not round-trip: %+v", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convo.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append("user", "survives restart"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Message != "survives restart" {
		t.Fatalf("history lost across reopen: %+v", got)
	}
}
