// Package protocol implements the control envelope exchanged with a remote
// terminal endpoint.
//
// Every structured frame is a JSON object with exactly one recognized key:
//
//	{"data": "<keystrokes or screen output>"}
//	{"resize": {"rows": 24, "cols": 80}}
//	{"error": "<message>"}
//
// Text that is not a JSON object is literal screen output.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/jumpserver/webterm/internal/model"
)

// Kind identifies the variant of a decoded Frame.
type Kind int

const (
	// KindEmpty is a well-formed envelope carrying nothing actionable.
	KindEmpty Kind = iota
	// KindData carries keystrokes (outbound) or screen output (inbound).
	KindData
	// KindResize carries terminal dimensions.
	KindResize
	// KindError carries a peer-supplied error message.
	KindError
	// KindText is literal output that was not envelope-wrapped.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindData:
		return "data"
	case KindResize:
		return "resize"
	case KindError:
		return "error"
	case KindText:
		return "text"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is one decoded wire message.
type Frame struct {
	Kind Kind
	// Data is set for KindData and KindText.
	Data string
	// Dimensions is set for KindResize.
	Dimensions model.Dimensions
	// Message is set for KindError.
	Message string
}

// Output returns the text a terminal should display for f, and whether f
// carries output at all.
func (f Frame) Output() (string, bool) {
	switch f.Kind {
	case KindData, KindText:
		return f.Data, true
	}
	return "", false
}

type dataEnvelope struct {
	Data string `json:"data"`
}

type resizeEnvelope struct {
	Resize resizeBody `json:"resize"`
}

type resizeBody struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// EncodeData encodes text as a data frame.
func EncodeData(text string) ([]byte, error) {
	return json.Marshal(dataEnvelope{Data: text})
}

// EncodeResize encodes a resize frame. The canonical form carries no data wrapper.
func EncodeResize(d model.Dimensions) ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("encode resize %s: %w", d, model.ErrInvalidDimensions)
	}
	return json.Marshal(resizeEnvelope{Resize: resizeBody{Rows: d.Rows, Cols: d.Cols}})
}

// EncodeError encodes an error frame.
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(errorEnvelope{Error: message})
}

// Encode encodes f in its canonical wire form. KindText is sent verbatim.
func Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindData:
		return EncodeData(f.Data)
	case KindResize:
		return EncodeResize(f.Dimensions)
	case KindError:
		return EncodeError(f.Message)
	case KindText:
		return []byte(f.Data), nil
	}
	return nil, fmt.Errorf("encode %s frame: nothing to send", f.Kind)
}

var (
	jsonNull = []byte("null")
	utf8BOM  = []byte("\uFEFF")
)

// Decode interprets a text payload. Structured decode is attempted first;
// payloads that are not JSON objects fall back to literal text. A payload
// that is an object with a recognized key of the wrong type, or that is not
// valid UTF-8, fails with model.ErrProtocolDecode. A leading byte order mark
// is ignored when looking for an object.
//
// When several keys are present, error wins over data, and data over resize.
func Decode(raw []byte) (Frame, error) {
	if !utf8.Valid(raw) {
		return Frame{}, fmt.Errorf("%w: payload is not valid UTF-8", model.ErrProtocolDecode)
	}
	if len(raw) == 0 {
		return Frame{Kind: KindEmpty}, nil
	}
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(raw, utf8BOM))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{Kind: KindText, Data: string(raw)}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Frame{Kind: KindText, Data: string(raw)}, nil
	}

	if msg, ok := fields["error"]; ok && !bytes.Equal(msg, jsonNull) {
		var text string
		if err := json.Unmarshal(msg, &text); err != nil {
			return Frame{}, fmt.Errorf("%w: error field is not a string", model.ErrProtocolDecode)
		}
		return Frame{Kind: KindError, Message: text}, nil
	}

	if data, ok := fields["data"]; ok && !bytes.Equal(data, jsonNull) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return Frame{}, fmt.Errorf("%w: data field is not a string", model.ErrProtocolDecode)
		}
		if text == "" {
			return Frame{Kind: KindEmpty}, nil
		}
		return Frame{Kind: KindData, Data: text}, nil
	}

	if resize, ok := fields["resize"]; ok && !bytes.Equal(resize, jsonNull) {
		var body resizeBody
		if err := json.Unmarshal(resize, &body); err != nil {
			return Frame{}, fmt.Errorf("%w: resize field is malformed", model.ErrProtocolDecode)
		}
		d := model.Dimensions{Rows: body.Rows, Cols: body.Cols}
		if !d.Valid() {
			return Frame{}, fmt.Errorf("%w: resize %s", model.ErrProtocolDecode, d)
		}
		return Frame{Kind: KindResize, Dimensions: d}, nil
	}

	return Frame{Kind: KindEmpty}, nil
}

// DecodeBinary interprets a binary payload. Binary frames are never
// envelope-wrapped and always carry literal output.
func DecodeBinary(raw []byte) Frame {
	if len(raw) == 0 {
		return Frame{Kind: KindEmpty}
	}
	return Frame{Kind: KindText, Data: string(raw)}
}
