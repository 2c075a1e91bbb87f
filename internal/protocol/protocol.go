// Package protocol implements the wire framing and message schema shared by
// every client connection: a 4-byte big-endian length prefix followed by a
// JSON payload tagged with an outer "type"/"data" envelope.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("protocol")

// MaxFrameSize is the hard cap on an inbound frame's declared length.
// A peer that sends a larger length is in protocol violation and the
// session is torn down before any payload bytes are read.
const MaxFrameSize = 10 * 1024 * 1024 // 10 MiB

// ErrOversizeFrame is returned by ReadFrame when the declared length
// exceeds MaxFrameSize. It is a framing error — fatal to the session.
var ErrOversizeFrame = errors.New("protocol: frame exceeds maximum size")

// Envelope is the outer wire shape: a type discriminant plus its data.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn wraps a net.Conn with length-prefixed framing. It is symmetric:
// the same type encodes and decodes on both the client and server side.
// Writes are serialized; reads are not (only one reader goroutine per
// session is expected, per spec).
type Conn struct {
	raw net.Conn
	mu  sync.Mutex
}

// NewConn wraps an already-handshaked connection (typically *tls.Conn).
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetReadDeadline proxies to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// SetWriteDeadline proxies to the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Send marshals msgType/payload into an Envelope and writes it as
// [4-byte BE length][JSON]. A marshal failure is fatal to this message
// only — the connection is left open.
func (c *Conn) Send(msgType string, payload any) error {
	frame, err := EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// NewEnvelope marshals payload into an Envelope tagged msgType, for
// callers (the event handler, producers) that build a message destined
// for a connection's outbound queue rather than the wire directly.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

// EncodeFrame marshals msgType/payload into the same [4-byte BE
// length][JSON envelope] wire shape Conn.Send writes, for callers that
// need the bytes directly rather than through a stream (the UDP discovery
// responder has no net.Conn to hang a Conn off of).
func EncodeFrame(msgType string, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return frameEnvelope(env)
}

// SendEnvelope writes an already-built Envelope (e.g. one drained from a
// connection's outbound queue) as a single length-prefixed frame.
func (c *Conn) SendEnvelope(env Envelope) error {
	frame, err := frameEnvelope(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

func frameEnvelope(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("protocol: outbound message too large: %d > %d", len(body), MaxFrameSize)
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadFrame reads one length-prefixed frame and parses its envelope.
//
// Two classes of error are distinguished by the caller's recovery policy
// (spec §4.1, §7): a framing error (oversize length, truncated read, I/O
// failure) is returned wrapping ErrOversizeFrame or the underlying I/O
// error and is fatal — the caller must close the session. A malformed
// envelope body (invalid JSON) is reported via the ok=false return with a
// nil error: the frame was read cleanly off the wire, so the connection
// stays open and the caller simply drops this one message.
func (c *Conn) ReadFrame() (env *Envelope, ok bool, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.raw, header); err != nil {
		return nil, false, fmt.Errorf("protocol: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrOversizeFrame, length, MaxFrameSize)
	}
	if length == 0 {
		// An empty frame decodes to nothing useful; treat as a
		// malformed single message rather than a framing violation.
		return nil, false, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.raw, body); err != nil {
		return nil, false, fmt.Errorf("protocol: read payload: %w", err)
	}

	var out Envelope
	if err := json.Unmarshal(body, &out); err != nil {
		log.Warn("dropping malformed frame", "error", err)
		return nil, false, nil
	}
	return &out, true, nil
}

// Decode unmarshals an envelope's data into dst. A decode failure here is
// the same "unknown tag / type mismatch" case spec §4.1 calls out as
// recoverable: the caller logs and drops the message.
func Decode(env *Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, dst)
}
