package devicetrust

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_AppendAndEvict(t *testing.T) {
	h := NewHistory(3)
	now := time.Now().UTC()

	h.Append("a", now)
	h.Append("b", now)
	h.Append("c", now)
	assert.Equal(t, 3, h.Len())

	// Fourth entry evicts the oldest
	h.Append("d", now)
	assert.Equal(t, 3, h.Len())

	entries := h.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].Value)
	assert.Equal(t, "c", entries[1].Value)
	assert.Equal(t, "d", entries[2].Value)
}

func TestHistory_CapacityHeldExactly(t *testing.T) {
	h := NewHistory(100)
	now := time.Now().UTC()

	for i := 0; i < 250; i++ {
		h.Append(fmt.Sprintf("198.51.100.%d", i%200), now)
	}

	assert.Equal(t, 100, h.Len())
	entries := h.Entries()
	assert.Equal(t, "198.51.100.150", entries[0].Value)
	assert.Equal(t, "198.51.100.49", entries[99].Value)
}

func TestHistory_AppendDedup(t *testing.T) {
	h := NewHistory(5)
	now := time.Now().UTC()

	h.AppendDedup("198.51.100.1", now)
	h.AppendDedup("198.51.100.1", now.Add(time.Minute))
	assert.Equal(t, 1, h.Len())

	// A different value appends, and the same value again after that appends too
	h.AppendDedup("198.51.100.2", now.Add(2*time.Minute))
	h.AppendDedup("198.51.100.1", now.Add(3*time.Minute))
	assert.Equal(t, 3, h.Len())
}

func TestHistory_Last(t *testing.T) {
	h := NewHistory(2)
	_, ok := h.Last()
	assert.False(t, ok)

	now := time.Now().UTC()
	h.Append("a", now)
	h.Append("b", now)
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, "b", last.Value)
}

func TestHistory_JSONRoundTrip(t *testing.T) {
	h := NewHistory(3)
	now := time.Now().UTC().Truncate(time.Second)
	h.Append("a", now)
	h.Append("b", now.Add(time.Minute))
	h.Append("c", now.Add(2*time.Minute))
	h.Append("d", now.Add(3*time.Minute)) // wraps

	data, err := json.Marshal(h)
	require.NoError(t, err)

	var restored History
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, h.Capacity(), restored.Capacity())
	assert.Equal(t, h.Entries(), restored.Entries())
}
