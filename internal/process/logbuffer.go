package process

import (
	"sync"

	"github.com/appforge/appforge/pkg/models"
)

// DefaultLogRingSize is how many events a preview or build keeps for replay.
const DefaultLogRingSize = 1000

// LogBuffer is a bounded FIFO of events used to replay recent output to a
// client that connects after the process started.
type LogBuffer struct {
	mu         sync.RWMutex
	entries    []models.Event
	maxEntries int
}

// NewLogBuffer creates a log buffer that retains up to maxEntries events.
func NewLogBuffer(maxEntries int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = DefaultLogRingSize
	}
	return &LogBuffer{
		entries:    make([]models.Event, 0, min(maxEntries, 64)),
		maxEntries: maxEntries,
	}
}

// Write appends an event, evicting the oldest when full.
func (lb *LogBuffer) Write(ev models.Event) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.entries) >= lb.maxEntries {
		copy(lb.entries, lb.entries[1:])
		lb.entries = lb.entries[:len(lb.entries)-1]
	}
	lb.entries = append(lb.entries, ev)
}

// Recent returns the last n events, oldest first. n <= 0 means all.
func (lb *LogBuffer) Recent(n int) []models.Event {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]models.Event, n)
	copy(result, lb.entries[total-n:])
	return result
}

// Lines returns the text of the last n log lines (lifecycle events skipped).
func (lb *LogBuffer) Lines(n int) []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var out []string
	for i := len(lb.entries) - 1; i >= 0 && len(out) < n; i-- {
		if e := lb.entries[i]; e.Event == "" {
			out = append(out, e.Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of buffered events.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.entries)
}
