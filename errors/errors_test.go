package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelClassification(t *testing.T) {
	wrapped := Wrap(ErrTimeout, "gdb: waiting for prompt")
	assert.True(t, Is(wrapped, ErrTimeout))
	assert.False(t, Is(wrapped, ErrEOF))

	deep := Wrapf(Wrap(ErrEOF, "read"), "backend %s", "lldb")
	assert.True(t, Is(deep, ErrEOF))
}

func TestWrapPreservesMessage(t *testing.T) {
	err := Wrap(New("inner"), "outer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outer")
	assert.Contains(t, err.Error(), "inner")
}
