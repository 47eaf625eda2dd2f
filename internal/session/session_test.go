package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medcoach/gateway/internal/domain"
)

func TestNewSessionStartsHandshaking(t *testing.T) {
	t.Parallel()

	s := New("student-1", "https://app.example.com", 10)
	assert.Equal(t, StateHandshaking, s.State())
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "student-1", s.Identity)
}

func TestRejectFromHandshakingIsTerminal(t *testing.T) {
	t.Parallel()

	s := New("student-1", "https://app.example.com", 10)
	s.Reject()
	assert.Equal(t, StateRejected, s.State())
}

func TestHistoryNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	s := New("student-1", "", 4)
	for i := 0; i < 50; i++ {
		s.AppendTurn(domain.RoleUser, fmt.Sprintf("q%d", i))
		assert.LessOrEqual(t, len(s.History()), 4)
	}

	h := s.History()
	require.Len(t, h, 4)
	// Oldest turns were evicted.
	assert.Equal(t, "q46", h[0].Content)
	assert.Equal(t, "q49", h[3].Content)
}

func TestHistoryIsDefensiveCopy(t *testing.T) {
	t.Parallel()

	s := New("student-1", "", 4)
	s.AppendTurn(domain.RoleUser, "original")

	h := s.History()
	h[0].Content = "mutated"
	assert.Equal(t, "original", s.History()[0].Content)
}

func TestRecentTurns(t *testing.T) {
	t.Parallel()

	s := New("student-1", "", 10)
	for i := 0; i < 5; i++ {
		s.AppendTurn(domain.RoleUser, fmt.Sprintf("q%d", i))
	}

	recent := s.RecentTurns(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "q3", recent[0].Content)
	assert.Equal(t, "q4", recent[1].Content)

	assert.Len(t, s.RecentTurns(100), 5)
	assert.Nil(t, s.RecentTurns(0))
}

func TestNoteMaterialsBounded(t *testing.T) {
	t.Parallel()

	s := New("student-1", "", 10)
	for i := 0; i < 30; i++ {
		s.NoteMaterials([]string{fmt.Sprintf("m%d", i)})
	}
	got := s.RecentMaterials()
	assert.Len(t, got, maxRecentMaterials)
	assert.Equal(t, "m29", got[len(got)-1])
}

func TestNoteMaterialsSkipsEmpty(t *testing.T) {
	t.Parallel()

	s := New("student-1", "", 10)
	s.NoteMaterials([]string{"", "m1", ""})
	assert.Equal(t, []string{"m1"}, s.RecentMaterials())
}

func TestNextSeqMonotonic(t *testing.T) {
	t.Parallel()

	s := New("student-1", "", 10)
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		seq := s.NextSeq()
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(99).String())
}
