package pty

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// cat echoes every line back through the terminal, which makes it a
// convenient stand-in for a prompt-driven debugger.
func spawnCat(t *testing.T) *Handle {
	t.Helper()
	h, err := Spawn(Options{Argv: []string{"cat"}, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(true) })
	return h
}

func TestSpawnSendExpect(t *testing.T) {
	h := spawnCat(t)

	require.NoError(t, h.SendLine("hello-prompt"))
	out, err := h.ExpectPrompt(regexp.MustCompile(`hello-prompt`), 5*time.Second)
	require.NoError(t, err)
	// cat sees the terminal echo first; capture before the match is noise or empty.
	assert.NotContains(t, out, "hello-prompt")
}

func TestExpectPromptTimeout(t *testing.T) {
	h := spawnCat(t)

	_, err := h.ExpectPrompt(regexp.MustCompile(`never-matches`), 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

func TestAliveAndClose(t *testing.T) {
	h := spawnCat(t)
	assert.True(t, h.Alive())

	require.NoError(t, h.Close(true))
	assert.False(t, h.Alive())
	assert.Error(t, h.SendLine("after close"))
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(Options{Argv: []string{"definitely-not-a-real-debugger-binary"}})
	assert.Error(t, err)
}
