// Package recorder writes and replays terminal sessions in the asciinema v2
// cast format.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jumpserver/webterm/internal/model"
	"github.com/jumpserver/webterm/internal/session"
)

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// maxLine bounds a single cast line when reading.
const maxLine = 4 << 20

// Header is the first line of an asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one cast line: [time_offset, event_type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes e as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// UnmarshalJSON decodes a three-element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Time); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Dimensions parses the "COLSxROWS" payload of a resize event.
func (e Event) Dimensions() (model.Dimensions, error) {
	cols, rows, ok := strings.Cut(e.Data, "x")
	if !ok {
		return model.Dimensions{}, fmt.Errorf("invalid resize payload %q", e.Data)
	}
	c, err := strconv.Atoi(cols)
	if err != nil {
		return model.Dimensions{}, fmt.Errorf("invalid resize payload %q", e.Data)
	}
	r, err := strconv.Atoi(rows)
	if err != nil {
		return model.Dimensions{}, fmt.Errorf("invalid resize payload %q", e.Data)
	}
	return model.Dimensions{Rows: r, Cols: c}, nil
}

// Recorder is a session.Terminal that records everything written to it
// before passing it on to the wrapped terminal.
type Recorder struct {
	next   session.Terminal
	writer io.Writer
	file   *os.File // only set if we own the file
	path   string
	start  time.Time

	mu     sync.Mutex
	err    error
	closed bool
}

// Create records into a new file at path, creating parent directories.
func Create(path string, next session.Terminal, d model.Dimensions, title string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r, err := New(file, next, d, title)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	r.path = path
	return r, nil
}

// New records into w. It writes the cast header immediately.
func New(w io.Writer, next session.Terminal, d model.Dimensions, title string) (*Recorder, error) {
	if !d.Valid() {
		d = model.DefaultDimensions
	}
	r := &Recorder{
		next:   next,
		writer: w,
		start:  time.Now(),
	}

	header := Header{
		Version:   2,
		Width:     d.Cols,
		Height:    d.Rows,
		Timestamp: r.start.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return r, nil
}

// Write records an output event and forwards text.
func (r *Recorder) Write(text string) {
	r.record(EventOutput, text)
	if r.next != nil {
		r.next.Write(text)
	}
}

// Resize records a resize event and forwards d.
func (r *Recorder) Resize(d model.Dimensions) {
	r.record(EventResize, d.String())
	if r.next != nil {
		r.next.Resize(d)
	}
}

// RecordInput records an input event.
func (r *Recorder) RecordInput(text string) {
	r.record(EventInput, text)
	if rec, ok := r.next.(session.InputRecorder); ok {
		rec.RecordInput(text)
	}
}

// Path returns the file being recorded into, if any.
func (r *Recorder) Path() string {
	return r.path
}

// Err returns the first write error. Recording stops after it.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

func (r *Recorder) record(eventType, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.closed {
		return
	}

	event := Event{
		Time: time.Since(r.start).Seconds(),
		Type: eventType,
		Data: data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		r.err = fmt.Errorf("failed to marshal event: %w", err)
		return
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		r.err = fmt.Errorf("failed to write event: %w", err)
	}
}

// Decoder reads a cast one event at a time.
type Decoder struct {
	scanner *bufio.Scanner
	header  Header
	line    int
}

// NewDecoder reads and validates the cast header from r.
func NewDecoder(r io.Reader) (*Decoder, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return nil, errors.New("read header: empty cast")
	}

	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if header.Version != 2 {
		return nil, fmt.Errorf("unsupported cast version %d", header.Version)
	}
	return &Decoder{scanner: scanner, header: header, line: 1}, nil
}

// Header returns the cast header.
func (d *Decoder) Header() Header {
	return d.header
}

// Next returns the next event, or io.EOF at the end of the cast.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		raw := d.scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Event{}, fmt.Errorf("line %d: %w", d.line, err)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
