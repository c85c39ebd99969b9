package requestid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Run("empty client ID falls back to UUID", func(t *testing.T) {
		id := Generate("")
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	})

	t.Run("client ID is prefixed and kept", func(t *testing.T) {
		id := Generate("player-42")
		parts := strings.SplitN(id, "-", 2)
		require.Len(t, parts, 2)
		assert.Len(t, parts[0], PrefixLength)
		assert.Equal(t, "player-42", parts[1])
	})

	t.Run("invalid characters are stripped", func(t *testing.T) {
		id := Generate("a b!c@d")
		assert.True(t, strings.HasSuffix(id, "-a-bcd"), id)
	})

	t.Run("all-invalid client ID falls back to UUID", func(t *testing.T) {
		id := Generate("!!!@@@###")
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	})

	t.Run("long client ID is capped at UUID length", func(t *testing.T) {
		id := Generate(strings.Repeat("x", 100))
		assert.Len(t, id, MaxRequestIDLength)
	})

	t.Run("same client ID yields distinct request IDs", func(t *testing.T) {
		assert.NotEqual(t, Generate("abc"), Generate("abc"))
	})
}
