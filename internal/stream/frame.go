// Package stream implements the Stdio Stream Multiplexer (C3): one
// persistent hijacked byte-stream per running stdio MCP container, framed
// per the runtime's multiplexed attach protocol, with JSON-RPC request/
// response correlation over that stream.
package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// StreamKind identifies which of the container's three standard streams a
// frame's payload belongs to.
type StreamKind byte

const (
	StreamStdin  StreamKind = 0
	StreamStdout StreamKind = 1
	StreamStderr StreamKind = 2
)

const frameHeaderSize = 8

// Frame is one demultiplexed chunk of container output.
type Frame struct {
	Kind    StreamKind
	Payload []byte
}

// FrameReader parses the runtime's multiplexed attach stream: an 8-byte
// header (stream kind in byte 0, payload length as a big-endian uint32 in
// bytes 4-7) followed by that many payload bytes (spec.md §4.3 "Wire
// framing"). It buffers raw bytes until a full header is available, then
// until the full payload is available, exactly as the spec requires.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

// ReadFrame blocks until one full frame (header + payload) is available.
// A zero-length payload is valid and returned with an empty, non-nil slice.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	kind := StreamKind(header[0])
	length := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload (%d bytes): %w", length, err)
		}
	}

	return Frame{Kind: kind, Payload: payload}, nil
}

// EncodeFrame serializes a single frame, the inverse of ReadFrame. Used by
// tests to exercise the injective round-trip law from spec.md §8.
func EncodeFrame(kind StreamKind, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}
