package devicetrust

import (
	"encoding/json"
	"time"
)

// HistoryEntry is a single observation in a device history, carrying its own timestamp
type HistoryEntry struct {
	Value      string    `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// History is a fixed-capacity ring buffer of timestamped entries. Once the
// buffer is full, appending evicts the oldest entry. The zero value is not
// usable; construct with NewHistory.
type History struct {
	capacity int
	buf      []HistoryEntry
	start    int
	count    int
}

// NewHistory creates an empty history with the given capacity
func NewHistory(capacity int) History {
	if capacity < 1 {
		capacity = 1
	}
	return History{
		capacity: capacity,
		buf:      make([]HistoryEntry, capacity),
	}
}

// Append adds an entry, evicting the oldest when the buffer is full
func (h *History) Append(value string, at time.Time) {
	idx := (h.start + h.count) % h.capacity
	h.buf[idx] = HistoryEntry{Value: value, RecordedAt: at}
	if h.count < h.capacity {
		h.count++
	} else {
		h.start = (h.start + 1) % h.capacity
	}
}

// AppendDedup adds an entry unless it has the same value as the most recent one
func (h *History) AppendDedup(value string, at time.Time) {
	if last, ok := h.Last(); ok && last.Value == value {
		return
	}
	h.Append(value, at)
}

// Entries returns the history contents, oldest first
func (h History) Entries() []HistoryEntry {
	entries := make([]HistoryEntry, 0, h.count)
	for i := 0; i < h.count; i++ {
		entries = append(entries, h.buf[(h.start+i)%h.capacity])
	}
	return entries
}

// Last returns the most recent entry, if any
func (h History) Last() (HistoryEntry, bool) {
	if h.count == 0 {
		return HistoryEntry{}, false
	}
	return h.buf[(h.start+h.count-1)%h.capacity], true
}

// Clone returns a deep copy that shares no storage with the receiver
func (h History) Clone() History {
	out := h
	out.buf = make([]HistoryEntry, len(h.buf))
	copy(out.buf, h.buf)
	return out
}

// Len returns the number of entries currently held
func (h History) Len() int {
	return h.count
}

// Capacity returns the maximum number of entries the history holds
func (h History) Capacity() int {
	return h.capacity
}

type historyJSON struct {
	Capacity int            `json:"capacity"`
	Entries  []HistoryEntry `json:"entries"`
}

// MarshalJSON serializes the history with its entries unrolled oldest-first
func (h History) MarshalJSON() ([]byte, error) {
	return json.Marshal(historyJSON{
		Capacity: h.capacity,
		Entries:  h.Entries(),
	})
}

// UnmarshalJSON restores a history from its serialized form
func (h *History) UnmarshalJSON(data []byte) error {
	var raw historyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	restored := NewHistory(raw.Capacity)
	for _, e := range raw.Entries {
		restored.Append(e.Value, e.RecordedAt)
	}
	*h = restored
	return nil
}
