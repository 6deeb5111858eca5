// Package session tracks multi-turn conversations so later goals can refer
// back to earlier answers.
package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"atlas/internal/logging"
	"atlas/internal/store"
)

// Session is one conversation with the assistant.
type Session struct {
	ID        string
	turnCount int
	mu        sync.Mutex

	store *store.Store
}

// Manager creates and resumes sessions.
type Manager struct {
	store *store.Store
}

// NewManager creates a session manager backed by the given store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Start creates a new session.
func (m *Manager) Start() (*Session, error) {
	id := uuid.NewString()
	if err := m.store.CreateSession(id); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	logging.Session("started session %s", id)
	return &Session{ID: id, store: m.store}, nil
}

// Resume reattaches to an existing session. Turn numbering continues from
// the stored history.
func (m *Manager) Resume(id string) (*Session, error) {
	turns, err := m.store.RecentTurns(id, 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session %s: %w", id, err)
	}
	if err := m.store.TouchSession(id); err != nil {
		return nil, err
	}
	count := 0
	for _, t := range turns {
		if t.TurnNumber > count {
			count = t.TurnNumber
		}
	}
	logging.Session("resumed session %s at turn %d", id, count)
	return &Session{ID: id, turnCount: count, store: m.store}, nil
}

// RecordTurn stores one completed goal/answer exchange.
func (s *Session) RecordTurn(goal, planID, answer string, confidence float64) error {
	s.mu.Lock()
	s.turnCount++
	n := s.turnCount
	s.mu.Unlock()

	return s.store.AppendTurn(store.Turn{
		SessionID:  s.ID,
		TurnNumber: n,
		Goal:       goal,
		PlanID:     planID,
		Answer:     answer,
		Confidence: confidence,
	})
}

// TurnCount returns the number of recorded turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// ContextPrompt renders the last n turns as prompt context for the planner.
// Returns "" when the session has no history yet.
func (s *Session) ContextPrompt(n int) (string, error) {
	turns, err := s.store.RecentTurns(s.ID, n)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Previous turns in this conversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[turn %d] goal: %s\n", t.TurnNumber, t.Goal)
		if t.Answer != "" {
			fmt.Fprintf(&b, "[turn %d] answer: %s\n", t.TurnNumber, truncate(t.Answer, 400))
		}
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
