// Package buffer keeps the most recent terminal output of a session.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// Scrollback is a thread-safe bounded buffer holding the tail of a session's
// output. When full, the oldest bytes are discarded. The retained content
// never starts in the middle of a UTF-8 sequence, so it can be written to a
// fresh terminal widget as-is.
type Scrollback struct {
	data     []byte
	capacity int
	mu       sync.RWMutex
}

// NewScrollback creates a Scrollback holding at most capacity bytes.
// A capacity of zero or less disables retention.
func NewScrollback(capacity int) *Scrollback {
	if capacity < 0 {
		capacity = 0
	}
	return &Scrollback{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends p, discarding the oldest data beyond capacity.
// It implements io.Writer and never fails.
func (s *Scrollback) Write(p []byte) (int, error) {
	if len(p) == 0 || s.capacity == 0 {
		return len(p), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) >= s.capacity {
		s.data = append(s.data[:0], p[len(p)-s.capacity:]...)
	} else if len(s.data)+len(p) <= s.capacity {
		s.data = append(s.data, p...)
	} else {
		discard := len(s.data) + len(p) - s.capacity
		n := copy(s.data, s.data[discard:])
		s.data = append(s.data[:n], p...)
	}

	s.data = trimPartialRune(s.data)
	return len(p), nil
}

// WriteString appends text.
func (s *Scrollback) WriteString(text string) (int, error) {
	return s.Write([]byte(text))
}

// Bytes returns a copy of the retained output.
func (s *Scrollback) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data) == 0 {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// String returns the retained output as text.
func (s *Scrollback) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.data)
}

// Reset discards all retained output.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = s.data[:0]
}

// Len returns the number of retained bytes.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Cap returns the capacity.
func (s *Scrollback) Cap() int {
	return s.capacity
}

// trimPartialRune drops leading continuation bytes left behind when the
// head of a multi-byte sequence was discarded.
func trimPartialRune(b []byte) []byte {
	i := 0
	for i < len(b) && i < utf8.UTFMax && !utf8.RuneStart(b[i]) {
		i++
	}
	if i == 0 {
		return b
	}
	n := copy(b, b[i:])
	return b[:n]
}
