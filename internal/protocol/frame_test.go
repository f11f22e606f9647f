package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := MessageIn{Type: TypeMessage, Channel: "general", Content: "hello"}
	buf, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewDecoder(bytes.NewReader(buf))
	raw, err := dec.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var out MessageIn
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestDecoderHandlesFragmentation(t *testing.T) {
	var want []MessageIn
	var all []byte
	for i := 0; i < 5; i++ {
		m := MessageIn{Type: TypeMessage, Content: "msg"}
		want = append(want, m)
		buf, err := Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		all = append(all, buf...)
	}

	// Feed the decoder one byte at a time to exercise worst-case
	// fragmentation across reads.
	r := &byteAtATimeReader{data: all}
	dec := NewDecoder(r)

	for i := range want {
		raw, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var got MessageIn
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("frame %d unmarshal: %v", i, err)
		}
		if got != want[i] {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got, want[i])
		}
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after all frames consumed, got %v", err)
	}
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF} // huge declared length
	dec := NewDecoder(bytes.NewReader(header))
	_, err := dec.Next()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecoderReportsPartialFrame(t *testing.T) {
	buf, err := Encode(MessageIn{Type: TypeMessage, Content: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := buf[:len(buf)-1]

	dec := NewDecoder(bytes.NewReader(truncated))
	_, err = dec.Next()
	if !errors.Is(err, ErrPartialFrame) {
		t.Fatalf("expected ErrPartialFrame, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	_, err := Encode(MessageIn{Type: TypeMessage, Content: string(huge)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

type byteAtATimeReader struct {
	data []byte
	pos  int
}

func (r *byteAtATimeReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}
