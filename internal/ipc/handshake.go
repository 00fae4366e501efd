package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// HandshakeTimeout bounds how long either side waits for the peer's
// handshake frame before giving up on the connection.
const HandshakeTimeout = 5 * time.Second

// ErrProtocolMismatch is returned when a peer's handshake names an
// incompatible protocol version.
type ErrProtocolMismatch struct {
	Ours, Theirs int
}

func (e *ErrProtocolMismatch) Error() string {
	return fmt.Sprintf("ipc: protocol version mismatch: have %d, peer has %d", e.Ours, e.Theirs)
}

// ErrAppNameMismatch is returned when a peer's handshake names a different
// application than this implementation.
type ErrAppNameMismatch struct {
	Ours, Theirs string
}

func (e *ErrAppNameMismatch) Error() string {
	return fmt.Sprintf("ipc: app name mismatch: have %q, peer has %q", e.Ours, e.Theirs)
}

// ErrHandshakeRejected is returned when the peer's acknowledgement reports a
// non-OK status for our own handshake (e.g. it rejected our app_name).
type ErrHandshakeRejected struct {
	Status  HandshakeStatus
	Message string
}

func (e *ErrHandshakeRejected) Error() string {
	return fmt.Sprintf("ipc: peer rejected handshake: %d %s", e.Status, e.Message)
}

// performHandshake exchanges Handshake frames, judges the peer's app_name
// and protocol_version, and exchanges a coded HandshakeAck so the rejection
// is explicit on the wire rather than a silent close. app_name is checked
// first (403) and takes precedence over a protocol version mismatch (400).
// It returns the peer's handshake on success.
func performHandshake(conn net.Conn, br *bufio.Reader, ours Handshake) (Handshake, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return Handshake{}, fmt.Errorf("ipc: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if err := writeFrame(conn, ours); err != nil {
		return Handshake{}, fmt.Errorf("ipc: send handshake: %w", err)
	}

	var theirs Handshake
	if err := readFrame(br, &theirs); err != nil {
		return Handshake{}, fmt.Errorf("ipc: receive handshake: %w", err)
	}

	ack := HandshakeAck{Status: HandshakeOK}
	var verdictErr error
	switch {
	case theirs.AppName != ours.AppName:
		ack.Status = HandshakeBadAppName
		verdictErr = &ErrAppNameMismatch{Ours: ours.AppName, Theirs: theirs.AppName}
	case theirs.ProtocolVersion != ProtocolVersion:
		ack.Status = HandshakeBadProtocol
		verdictErr = &ErrProtocolMismatch{Ours: ProtocolVersion, Theirs: theirs.ProtocolVersion}
	}
	if verdictErr != nil {
		ack.Message = verdictErr.Error()
	}

	if err := writeFrame(conn, ack); err != nil {
		return theirs, fmt.Errorf("ipc: send handshake ack: %w", err)
	}
	if verdictErr != nil {
		return theirs, verdictErr
	}

	var peerAck HandshakeAck
	if err := readFrame(br, &peerAck); err != nil {
		return theirs, fmt.Errorf("ipc: receive handshake ack: %w", err)
	}
	if peerAck.Status != HandshakeOK {
		return theirs, &ErrHandshakeRejected{Status: peerAck.Status, Message: peerAck.Message}
	}

	return theirs, nil
}
