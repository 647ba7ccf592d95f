package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/message"
)

// Window is a batch of records of one key. Once taken from the
// WindowManager it is owned by whoever holds it and is not modified.
type Window struct {
	ID       string
	Key      string
	Records  []message.Record
	OpenedAt time.Time
}

// Positions returns the broker positions of the window's records in order
func (w *Window) Positions() []message.Position {
	positions := make([]message.Position, len(w.Records))
	for i := range w.Records {
		positions[i] = w.Records[i].Position
	}
	return positions
}

// Len is the number of records in the window
func (w *Window) Len() int {
	return len(w.Records)
}

type keyWindow struct {
	mu       sync.Mutex
	records  []message.Record
	openedAt time.Time
}

// WindowManager accumulates records into one open window per key. The set of
// keys is fixed at construction; each key has its own lock so appends to
// different keys never contend.
type WindowManager struct {
	maxSize int
	maxAge  time.Duration
	keys    []string
	windows map[string]*keyWindow
	now     func() time.Time
}

// NewWindowManager creates windows for keys that trigger at maxSize records
// or maxAge after their first record.
func NewWindowManager(keys []string, maxSize int, maxAge time.Duration) *WindowManager {
	m := &WindowManager{
		maxSize: maxSize,
		maxAge:  maxAge,
		windows: make(map[string]*keyWindow, len(keys)),
		now:     time.Now,
	}
	for _, key := range keys {
		if _, dup := m.windows[key]; dup {
			continue
		}
		m.windows[key] = &keyWindow{records: make([]message.Record, 0, maxSize)}
		m.keys = append(m.keys, key)
	}
	sort.Strings(m.keys)
	return m
}

// Append adds rec to key's open window
func (m *WindowManager) Append(key string, rec message.Record) error {
	w, ok := m.windows[key]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownKey, key),
			"WindowManager", "Append", "route record")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.records) == 0 {
		w.openedAt = m.now()
	}
	w.records = append(w.records, rec)
	return nil
}

// ShouldTrigger reports whether key's window is full, or non-empty and at
// least maxAge old at now.
func (m *WindowManager) ShouldTrigger(key string, now time.Time) bool {
	w, ok := m.windows[key]
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.records) == 0 {
		return false
	}
	return len(w.records) >= m.maxSize || now.Sub(w.openedAt) >= m.maxAge
}

// TakeAndReset hands out key's window and replaces it with an empty one.
// Returns nil when the window is empty or the key is unknown.
func (m *WindowManager) TakeAndReset(key string) *Window {
	w, ok := m.windows[key]
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.records) == 0 {
		return nil
	}

	taken := &Window{
		ID:       uuid.NewString(),
		Key:      key,
		Records:  w.records,
		OpenedAt: w.openedAt,
	}
	w.records = make([]message.Record, 0, m.maxSize)
	w.openedAt = time.Time{}
	return taken
}

// Keys returns the configured keys in sorted order
func (m *WindowManager) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Pending is the number of records in key's open window
func (m *WindowManager) Pending(key string) int {
	w, ok := m.windows[key]
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// TotalPending is the number of records in all open windows
func (m *WindowManager) TotalPending() int {
	total := 0
	for _, key := range m.keys {
		total += m.Pending(key)
	}
	return total
}
