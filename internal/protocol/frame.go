// Package protocol implements the wire framing and message alphabet for the
// chat server: a 4-byte big-endian length prefix followed by a UTF-8 JSON
// payload, and the closed set of client/server message types carried inside
// it.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the width of the length prefix, in bytes.
	HeaderSize = 4
	// MaxFrameSize is the largest payload this codec will accept, in bytes.
	MaxFrameSize = 1_048_576
)

// ErrFrameTooLarge is returned by Decoder.Next when the declared payload
// length exceeds MaxFrameSize. It is fatal for the connection.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")

// ErrPartialFrame is returned when the stream ends mid-frame.
var ErrPartialFrame = errors.New("protocol: stream closed mid-frame")

// Encode serializes v to wire format: a 4-byte big-endian length prefix
// followed by its JSON encoding. Returns ErrFrameTooLarge if the encoded
// payload exceeds MaxFrameSize.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// WriteFrame encodes v and writes it to w in a single call, matching the
// "write atomically" requirement for the encoder.
func WriteFrame(w io.Writer, v any) error {
	buf, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decoder is a streaming frame reader. It tolerates arbitrary fragmentation:
// a single frame may arrive across many reads, and many frames may arrive in
// one read.
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next complete frame's raw JSON payload. It returns
// io.EOF when the stream closes cleanly between frames, or ErrPartialFrame
// if the stream closes mid-frame. It returns ErrFrameTooLarge before
// attempting to buffer an oversized payload.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		msg, ok, err := d.tryExtract()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		chunk := make([]byte, 4096)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(d.buf) == 0 {
					return nil, io.EOF
				}
				return nil, ErrPartialFrame
			}
			return nil, err
		}
	}
}

func (d *Decoder) tryExtract() (json.RawMessage, bool, error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	payloadLen := binary.BigEndian.Uint32(d.buf[:HeaderSize])
	if payloadLen > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, payloadLen)
	}
	total := HeaderSize + int(payloadLen)
	if len(d.buf) < total {
		return nil, false, nil
	}
	payload := append(json.RawMessage(nil), d.buf[HeaderSize:total]...)
	d.buf = d.buf[total:]
	return payload, true, nil
}

// DecodeTyped decodes raw into a Type-discriminated envelope and returns only
// the discriminator, so callers can switch on Type before unmarshaling raw
// into the concrete struct.
func DecodeTyped(raw json.RawMessage) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return env.Type, nil
}
