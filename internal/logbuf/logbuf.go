// Package logbuf keeps a bounded ring of recent log lines so the cloud can
// pull diagnostics from a running bridge without shell access.
package logbuf

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Ring is a fixed-capacity circular buffer of formatted log lines. When full,
// the oldest line is overwritten; the most recent lines always survive.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{lines: make([]string, capacity)}
}

// Append stores one line, evicting the oldest when the ring is full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
}

// Recent returns up to n of the most recent lines in chronological order.
func (r *Ring) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	if n == 0 {
		return nil
	}

	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// Len returns the number of lines currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Hook is a logrus hook feeding the ring. Lines are formatted flat so they
// survive transport as plain strings.
type Hook struct {
	ring *Ring
}

func NewHook(ring *Ring) *Hook {
	return &Hook{ring: ring}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	line := fmt.Sprintf("%s [%s] %s", entry.Time.UTC().Format(time.RFC3339), entry.Level, entry.Message)
	if prefix, ok := entry.Data["prefix"]; ok {
		line = fmt.Sprintf("%s [%s] %v: %s", entry.Time.UTC().Format(time.RFC3339), entry.Level, prefix, entry.Message)
	}
	h.ring.Append(line)
	return nil
}
