package stream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}` + "\n")
	encoded := EncodeFrame(StreamStdout, payload)

	fr := NewFrameReader(bytes.NewReader(encoded))
	frame, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, StreamStdout, frame.Kind)
	require.Equal(t, payload, frame.Payload)
}

func TestReadFrameZeroLengthPayload(t *testing.T) {
	encoded := EncodeFrame(StreamStdin, nil)
	fr := NewFrameReader(bytes.NewReader(encoded))
	frame, err := fr.ReadFrame()
	require.NoError(t, err)
	require.Len(t, frame.Payload, 0)
}

// TestFrameParserInjectiveAcrossChunking exercises the injective round-trip
// law (spec.md §8): a concatenation of frames, split at arbitrary byte
// boundaries, yields the same emitted payload sequence regardless of
// chunking.
func TestFrameParserInjectiveAcrossChunking(t *testing.T) {
	frames := [][]byte{
		EncodeFrame(StreamStdout, []byte("hello")),
		EncodeFrame(StreamStderr, []byte("warn: x")),
		EncodeFrame(StreamStdout, []byte("")),
		EncodeFrame(StreamStdout, []byte("world!!")),
	}
	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}

	for chunkSize := 1; chunkSize <= len(all); chunkSize++ {
		pr, pw := newChunkedPipe(all, chunkSize)
		fr := NewFrameReader(pr)

		var got [][]byte
		for i := 0; i < len(frames); i++ {
			frame, err := fr.ReadFrame()
			require.NoErrorf(t, err, "chunkSize=%d frame=%d", chunkSize, i)
			got = append(got, frame.Payload)
		}
		pw()

		require.Equal(t, [][]byte{[]byte("hello"), []byte("warn: x"), {}, []byte("world!!")}, normalizeEmpty(got))
	}
}

// newChunkedPipe feeds data through an io.Reader in fixed-size chunks, and
// returns a no-op closer for symmetry with real stream lifecycles.
func newChunkedPipe(data []byte, chunkSize int) (*chunkedReader, func()) {
	return &chunkedReader{data: data, chunkSize: chunkSize}, func() {}
}

type chunkedReader struct {
	data      []byte
	chunkSize int
	pos       int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	n := c.chunkSize
	if n > len(p) {
		n = len(p)
	}
	remaining := len(c.data) - c.pos
	if n > remaining {
		n = remaining
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func normalizeEmpty(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, b := range in {
		if len(b) == 0 {
			out[i] = []byte{}
		} else {
			out[i] = b
		}
	}
	return out
}
