package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestions_Commands(t *testing.T) {
	s := NewSuggestions()

	s.Update("/as")
	require.True(t, s.IsVisible())
	require.NotNil(t, s.Selected())
	assert.Equal(t, "assign", s.Selected().Text)
	assert.Equal(t, "/assign ", s.Complete())

	s.Update("assign")
	assert.False(t, s.IsVisible(), "commands only complete after a leading slash")
}

func TestSuggestions_Agents(t *testing.T) {
	s := NewSuggestions()
	s.SetAgents([]string{"alice", "bob", "alina"})

	s.Update("stop @al")
	require.True(t, s.IsVisible())
	assert.Equal(t, "alice", s.Selected().Text)

	s.Next()
	assert.Equal(t, "alina", s.Selected().Text)
	assert.Equal(t, "stop @alina ", s.Complete())

	s.Prev()
	s.Prev()
	assert.Equal(t, "alina", s.Selected().Text, "prev wraps around")

	s.Update("stop @zed")
	assert.False(t, s.IsVisible())
}

func TestSuggestions_AgentsRefreshWhileOpen(t *testing.T) {
	s := NewSuggestions()
	s.Update("@")
	assert.False(t, s.IsVisible(), "no agents known yet")

	s.SetAgents([]string{"erin"})
	require.True(t, s.IsVisible())
	assert.Equal(t, "erin", s.Selected().Text)
}

func TestSuggestions_Render(t *testing.T) {
	s := NewSuggestions()
	assert.Empty(t, s.Render(80))

	s.Update("/")
	out := s.Render(80)
	assert.Contains(t, out, "Commands")
	assert.Contains(t, out, "more")
}
