// SPDX-License-Identifier: MIT

package logfeed

import (
	"sync"

	"github.com/sylvester1001/zat/internal/protocol"
)

// Ring keeps the last N backend log lines.
type Ring struct {
	mu    sync.RWMutex
	lines []protocol.LogMessage
	head  int
	count int
}

// NewRing creates a Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{lines: make([]protocol.LogMessage, capacity)}
}

// Add appends a line, overwriting the oldest when full.
func (r *Ring) Add(line protocol.LogMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Len returns the number of stored lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// LastN returns up to n lines, oldest first. n <= 0 returns everything.
func (r *Ring) LastN(n int) []protocol.LogMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]protocol.LogMessage, 0, n)
	start := (r.head - n + len(r.lines)) % len(r.lines)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
