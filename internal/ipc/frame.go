// Package ipc implements the length-prefixed JSON-over-Unix-socket protocol
// shared by the master and worker daemons: message framing, the capability
// handshake, and a generic request/response/notification dispatcher that
// masterrpc and workerrpc build their exposed command sets on top of.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxBodySize bounds a single frame's body. A length prefix requesting more
// than this is a protocol violation, not merely a large message.
const MaxBodySize = 64 << 20 // 64 MiB

// ErrBodyTooLarge is returned by readFrame when a peer announces a body
// length exceeding MaxBodySize.
var ErrBodyTooLarge = fmt.Errorf("ipc: frame body exceeds %d bytes", MaxBodySize)

// ErrEmptyBody is returned by readFrame on a zero-length frame; the protocol
// has no use for a message with no body.
var ErrEmptyBody = fmt.Errorf("ipc: frame body is empty")

// writeFrame writes v as a 4-byte big-endian length prefix followed by its
// JSON encoding.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}
	if len(body) == 0 {
		return ErrEmptyBody
	}
	if uint(len(body)) > MaxBodySize {
		return ErrBodyTooLarge
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and unmarshals it into v.
func readFrame(r *bufio.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return ErrEmptyBody
	}
	if n > MaxBodySize {
		return ErrBodyTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return nil
}
