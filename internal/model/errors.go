package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedTransport is returned when the page context cannot be mapped
	// to a WebSocket endpoint. It is reported before any connection attempt.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrConnectFailure is returned when the underlying connect failed or was refused.
	ErrConnectFailure = errors.New("connect failed")

	// ErrConnectTimeout is returned when a connect attempt exceeds the configured timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrProtocolDecode is returned when an inbound frame is neither a valid
	// control envelope nor acceptable literal text.
	ErrProtocolDecode = errors.New("protocol decode failure")

	// ErrPeerError matches any PeerError via errors.Is.
	ErrPeerError = errors.New("peer error")

	// ErrPeerClosed is returned by a transport when the peer closed the connection gracefully.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrTransportClosed is returned when sending on a connection that has been closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotOpen is returned when input is sent before the session is open.
	ErrNotOpen = errors.New("session not open")

	// ErrSessionClosed is returned when input is sent to a closed or failed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidDimensions is returned for a resize request with non-positive rows or cols.
	ErrInvalidDimensions = errors.New("invalid terminal dimensions")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConcurrencyLimit is returned when the maximum number of live sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")

	// ErrManagerClosed is returned when opening a session on a manager that has been closed.
	ErrManagerClosed = errors.New("session manager closed")
)

// PeerError is an error frame sent explicitly by the remote end.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error: %s", e.Message)
}

// Is reports whether target is ErrPeerError.
func (e *PeerError) Is(target error) bool {
	return target == ErrPeerError
}

// UserMessage returns the text that should be shown on the error surface
// for err. Peer errors surface the peer-supplied message verbatim.
func UserMessage(err error) string {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
