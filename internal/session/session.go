// Package session owns one client connection's lifecycle: handshake
// admission, the receive/retrieve/generate/emit loop, and bounded
// conversation history. Each session is exclusively owned by the
// goroutine running its orchestrator; nothing here is shared across
// sessions.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/medcoach/gateway/internal/domain"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateActive
	StateStreaming
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// maxRecentMaterials bounds the set of material ids remembered for the
// retrieval recency bonus.
const maxRecentMaterials = 20

// Session is one live connection. Identity and origin are validated at
// handshake and immutable afterwards.
type Session struct {
	ID        string
	Identity  string
	Origin    string
	StartedAt time.Time

	historyCap      int
	history         []domain.Turn
	recentMaterials []string
	seq             uint64
	state           State
}

// New creates a session in the Handshaking state.
func New(identity, origin string, historyCap int) *Session {
	return &Session{
		ID:         uuid.New().String(),
		Identity:   identity,
		Origin:     origin,
		StartedAt:  time.Now(),
		historyCap: historyCap,
		state:      StateHandshaking,
	}
}

// AppendTurn adds a turn to history, evicting the oldest once the
// capacity is reached. Turns are immutable once appended.
func (s *Session) AppendTurn(role, content string) {
	s.history = append(s.history, domain.Turn{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if len(s.history) > s.historyCap {
		over := len(s.history) - s.historyCap
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// History returns a defensive copy of the conversation history.
func (s *Session) History() []domain.Turn {
	out := make([]domain.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// RecentTurns returns up to n most recent turns, oldest first.
func (s *Session) RecentTurns(n int) []domain.Turn {
	if n <= 0 || len(s.history) == 0 {
		return nil
	}
	start := len(s.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Turn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// NoteMaterials records material ids whose passages were shown to the
// client, for the retrieval recency bonus on later turns.
func (s *Session) NoteMaterials(ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		s.recentMaterials = append(s.recentMaterials, id)
	}
	if len(s.recentMaterials) > maxRecentMaterials {
		over := len(s.recentMaterials) - maxRecentMaterials
		s.recentMaterials = append(s.recentMaterials[:0:0], s.recentMaterials[over:]...)
	}
}

// RecentMaterials returns the remembered material ids.
func (s *Session) RecentMaterials() []string {
	out := make([]string, len(s.recentMaterials))
	copy(out, s.recentMaterials)
	return out
}

// NextSeq returns the next outgoing event sequence number.
func (s *Session) NextSeq() uint64 {
	s.seq++
	return s.seq
}

// Reject marks a handshake denial. Terminal; the session never carries
// traffic afterwards.
func (s *Session) Reject() { s.state = StateRejected }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

func (s *Session) setState(st State) { s.state = st }

// Expired reports whether the session passed its maximum total duration.
func (s *Session) Expired(maxDuration time.Duration, now time.Time) bool {
	return now.After(s.StartedAt.Add(maxDuration))
}
