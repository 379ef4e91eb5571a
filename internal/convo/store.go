// Package convo is the append-only bounded conversation log shared by the
// judge prompts and the escalation channels.
package convo

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// MaxStoredTurns bounds on-disk history; older turns are pruned on append.
const MaxStoredTurns = 200

// Turn is one conversation entry. Role vocabulary is the union of what the
// judge and the voice provider emit; readers filter per consumer.
type Turn struct {
	ID      int64
	Role    string
	Message string
}

var judgeRoles = []string{"user", "assistant", "system", "bot"}

var voiceRoles = []string{"user", "assistant", "system", "bot", "function", "tool"}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenOrEmpty opens the store at dbPath, degrading to an in-memory store when
// the file cannot be opened. A corrupt or missing history must never prevent
// startup.
func OpenOrEmpty(dbPath string) *Store {
	s, err := Open(dbPath)
	if err == nil {
		return s
	}
	log.Printf("[convo] open %s failed, starting with empty history: %v", dbPath, err)

	mem, memErr := Open(":memory:")
	if memErr != nil {
		// sqlite :memory: failing means something is deeply wrong; still do
		// not take the process down over conversation history.
		log.Printf("[convo] in-memory fallback failed: %v", memErr)
		return &Store{}
	}
	return mem
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("init convo schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one turn and prunes history beyond MaxStoredTurns. A save
// failure is returned for logging but must not block the caller's cycle.
func (s *Store) Append(role, message string) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT INTO turns (role, message) VALUES (?, ?)`, role, message); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	_, err := s.db.Exec(
		`DELETE FROM turns WHERE id NOT IN (SELECT id FROM turns ORDER BY id DESC LIMIT ?)`,
		MaxStoredTurns)
	if err != nil {
		return fmt.Errorf("prune turns: %w", err)
	}
	return nil
}

// Recent returns the most recent n turns in chronological order.
func (s *Store) Recent(n int) ([]Turn, error) {
	return s.recent(n, nil)
}

// RecentForJudge returns the most recent n turns with roles the judge
// understands, aliasing the legacy "bot" role to "assistant".
func (s *Store) RecentForJudge(n int) ([]Turn, error) {
	return s.recent(n, judgeRoles)
}

// RecentForVoice is RecentForJudge with the voice provider's wider role
// vocabulary (function/tool results survive).
func (s *Store) RecentForVoice(n int) ([]Turn, error) {
	return s.recent(n, voiceRoles)
}

// recent selects the newest n turns among the given roles, so filtered reads
// still yield n matches even when other roles dominate the recent window.
func (s *Store) recent(n int, roles []string) ([]Turn, error) {
	if s == nil || s.db == nil || n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, role, message FROM turns`
	args := make([]any, 0, len(roles)+1)
	if len(roles) > 0 {
		query += ` WHERE role IN (?` + strings.Repeat(",?", len(roles)-1) + `)`
		for _, r := range roles {
			args = append(args, r)
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var newest []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.Role, &t.Message); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if t.Role == "bot" {
			t.Role = "assistant"
		}
		newest = append(newest, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}

// Count reports the number of stored turns; used by status reporting.
func (s *Store) Count() (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}
