package model

import (
	"fmt"
	"time"
)

// Phase represents the lifecycle state of a terminal session.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
	PhaseFailed     Phase = "failed"
)

// IsTerminal reports whether no further transition can leave p.
func (p Phase) IsTerminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseConnecting, PhaseOpen, PhaseClosed, PhaseFailed:
		return true
	}
	return false
}

// Dimensions is the size of the remote terminal in character cells.
type Dimensions struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// DefaultDimensions is used until the first resize request.
var DefaultDimensions = Dimensions{Rows: 24, Cols: 80}

// Valid reports whether both rows and cols are positive.
func (d Dimensions) Valid() bool {
	return d.Rows > 0 && d.Cols > 0
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Cols, d.Rows)
}

// SessionRecord is the journal entry kept for every session that was opened.
type SessionRecord struct {
	ID            string     `json:"id"`
	Page          string     `json:"page"`
	Endpoint      string     `json:"endpoint"`
	Phase         Phase      `json:"phase"`
	Rows          int        `json:"rows"`
	Cols          int        `json:"cols"`
	Error         string     `json:"error,omitempty"`
	RecordingPath string     `json:"recordingPath,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// Duration returns how long the session lasted, or has lasted so far.
func (r *SessionRecord) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
