package completion

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccumulator(t *testing.T) TokenAccumulator {
	t.Helper()
	t.Setenv(insecureMemoryEnv, "true")
	acc, err := NewTokenAccumulator()
	require.NoError(t, err)
	return acc
}

func TestAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world!"))

	answer, hashStr, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", answer)

	sum := sha256.Sum256([]byte("Hello world!"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hashStr)
}

func TestAccumulator_SingleUse(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Write("once"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("again"))
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Write("doomed"))
	acc.Destroy()
	acc.Destroy()
	assert.Error(t, acc.Write("after destroy"))
}

func TestAccumulator_Overflow(t *testing.T) {
	acc := newTestAccumulator(t)
	big := strings.Repeat("a", AccumulatorBufferSize)
	require.NoError(t, acc.Write(big))
	assert.Error(t, acc.Write("one more byte"))
	_, _, err := acc.Finalize()
	assert.Error(t, err)
}

func TestAccumulator_HasID(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()
	assert.NotEmpty(t, acc.ID())
	assert.False(t, acc.CreatedAt().IsZero())
}
