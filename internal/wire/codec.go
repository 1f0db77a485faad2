// Copyright 2025 The Sepiida authors
// Licensed under the GPLv3, see LICENCE file for details.

// Package wire implements the length-prefixed JSON framing shared by the
// relay protocol and the agent protocol: each message is a 4-byte
// big-endian payload length followed by a UTF-8 JSON payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/juju/errors"
)

// MaxPayload is the largest payload accepted or produced by a Codec.
const MaxPayload = 10000000

// ErrPayloadTooLarge is returned when an inbound frame announces, or an
// outbound message marshals to, a payload larger than MaxPayload. On the
// read side this is a fatal protocol violation: the codec closes the
// underlying connection before returning.
const ErrPayloadTooLarge = errors.ConstError("frame payload exceeds maximum size")

// ErrBadPayload is returned when a complete frame was read but its
// payload is not valid JSON for the requested type. The frame has been
// consumed; the stream remains aligned and further messages can be read.
const ErrBadPayload = errors.ConstError("malformed frame payload")

// Codec reads and writes framed JSON messages over a single connection.
// WriteMessage may be called concurrently from multiple goroutines;
// ReadMessage must be called from a single reader.
type Codec struct {
	conn io.ReadWriteCloser

	// writeMu guards the write side so frames are never interleaved.
	writeMu sync.Mutex
}

// NewCodec returns a Codec framing messages over conn.
func NewCodec(conn io.ReadWriteCloser) *Codec {
	return &Codec{conn: conn}
}

// ReadMessage reads the next frame and unmarshals its payload into v.
// Transport errors are returned as-is so callers can recognise io.EOF.
func (c *Codec) ReadMessage(v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxPayload {
		c.conn.Close()
		return ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Annotatef(ErrBadPayload, "decoding frame: %v", err)
	}
	return nil
}

// WriteMessage marshals v and writes it as one frame.
func (c *Codec) WriteMessage(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "encoding frame")
	}
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return errors.Annotate(err, "writing frame")
	}
	return nil
}

// Close closes the underlying connection, unblocking any concurrent
// ReadMessage.
func (c *Codec) Close() error {
	return c.conn.Close()
}
