package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerMarkAndRead(t *testing.T) {
	l := NewLedger()

	assert.False(t, l.IsRateLimited("a@example.com", "claude-sonnet-4-5"))

	reset := time.Now().Add(time.Hour)
	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", &reset)

	assert.True(t, l.IsRateLimited("a@example.com", "claude-sonnet-4-5"))
	assert.False(t, l.IsRateLimited("a@example.com", "gemini-3-flash"))
	assert.False(t, l.IsRateLimited("b@example.com", "claude-sonnet-4-5"))
}

func TestLedgerLazyClearOnRead(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	l.now = func() time.Time { return now }

	reset := now.Add(10 * time.Minute)
	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", &reset)
	assert.True(t, l.IsRateLimited("a@example.com", "claude-sonnet-4-5"))

	// Once now reaches the reset time, the entry reads as clear.
	l.now = func() time.Time { return reset }
	assert.False(t, l.IsRateLimited("a@example.com", "claude-sonnet-4-5"))

	// And the clear persists.
	assert.Empty(t, l.Entries("a@example.com"))
}

func TestLedgerUnknownResetStaysLimited(t *testing.T) {
	l := NewLedger()
	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", nil)

	assert.True(t, l.IsRateLimited("a@example.com", "claude-sonnet-4-5"))
}

func TestLedgerAvailableModels(t *testing.T) {
	l := NewLedger()
	reset := time.Now().Add(time.Hour)
	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", &reset)

	candidates := []string{"claude-sonnet-4-5", "claude-opus-4-6-thinking", "gemini-3-flash"}
	available := l.AvailableModels("a@example.com", candidates)

	assert.Equal(t, []string{"claude-opus-4-6-thinking", "gemini-3-flash"}, available)
}

func TestLedgerClearGroup(t *testing.T) {
	l := NewLedger()
	reset := time.Now().Add(time.Hour)
	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", &reset)
	l.MarkRateLimited("a@example.com", "claude-opus-4-6-thinking", &reset)
	l.MarkRateLimited("a@example.com", "gemini-3-flash", &reset)

	cleared := l.ClearGroup("a@example.com", "claude")
	assert.Equal(t, 2, cleared)
	assert.False(t, l.IsRateLimited("a@example.com", "claude-sonnet-4-5"))
	assert.True(t, l.IsRateLimited("a@example.com", "gemini-3-flash"))
}

func TestLedgerClearAllIdempotent(t *testing.T) {
	l := NewLedger()
	reset := time.Now().Add(time.Hour)
	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", &reset)
	l.MarkRateLimited("a@example.com", "gemini-3-pro-high", &reset)

	assert.Equal(t, 2, l.ClearGroup("a@example.com", GroupAll))
	assert.Equal(t, 0, l.ClearGroup("a@example.com", GroupAll))
}

func TestLedgerEarliestReset(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	soon := now.Add(30 * time.Minute)
	later := now.Add(2 * time.Hour)

	l.MarkRateLimited("a@example.com", "claude-sonnet-4-5", &later)
	l.MarkRateLimited("a@example.com", "claude-opus-4-6-thinking", &soon)
	l.MarkRateLimited("a@example.com", "gemini-3-flash", nil)

	got := l.EarliestReset("a@example.com", []string{
		"claude-sonnet-4-5", "claude-opus-4-6-thinking", "gemini-3-flash",
	})
	require.NotNil(t, got)
	assert.Equal(t, soon, *got)

	assert.Nil(t, l.EarliestReset("b@example.com", []string{"claude-sonnet-4-5"}))
}
