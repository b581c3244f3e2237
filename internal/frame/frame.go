// Package frame implements the length-prefixed framing used on the wire.
//
// Each frame is a 4-byte little-endian signed length N followed by exactly N
// payload bytes. Framing failures are fatal to a connection: once a length
// prefix cannot be trusted there is no way to find the next frame boundary.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

// DefaultMaxPayloadBytes bounds a single frame when no limit is configured.
// GLTF payloads embed whole asset files, so the ceiling is generous.
const DefaultMaxPayloadBytes = 64 << 20

var (
	// ErrFraming is the parent of every fatal framing error.
	ErrFraming = errors.New("frame: framing error")
	// ErrNegativeLength indicates a length prefix below zero.
	ErrNegativeLength = fmt.Errorf("%w: negative length", ErrFraming)
	// ErrFrameTooLarge indicates a length prefix above the configured ceiling.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrFraming)
	// ErrTruncated indicates the stream ended inside a frame.
	ErrTruncated = fmt.Errorf("%w: stream ended mid-frame", ErrFraming)
)

// Limits constrains frame encode/decode memory use.
type Limits struct {
	MaxPayloadBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayloadBytes}
}

func (l Limits) max() int {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > math.MaxInt32 {
		return math.MaxInt32
	}
	return l.MaxPayloadBytes
}

// Encode returns payload prefixed with its length.
func Encode(payload []byte, limits Limits) ([]byte, error) {
	if len(payload) > limits.max() {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(payload), limits.max())
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderLen], uint32(int32(len(payload))))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// WriteFrame writes payload as a single frame using one Write call so that
// concurrent writers serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Encode(payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one complete frame is available and returns its
// payload. A stream that ends cleanly on a frame boundary yields io.EOF; a
// stream that ends anywhere else yields ErrTruncated.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	n := int32(binary.LittleEndian.Uint32(hdr[:]))
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, n)
	}
	if int(n) > limits.max() {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, n, limits.max())
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return payload, nil
}
