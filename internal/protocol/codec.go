package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message. Workflow payloads travel inline
// with job assignments, so the cap is generous.
const MaxFrameSize = 16 << 20

// WriteFrame writes one length-prefixed message: a 4-byte big-endian
// length followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message. Oversized frames fail
// without consuming the payload, leaving the stream unusable by design:
// a peer that exceeds the cap is misbehaving.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
