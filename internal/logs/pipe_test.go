package logs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/stream"
)

// fakeLogsDocker satisfies dockerapi.DockerAPI; only ContainerLogs is
// exercised by this package.
type fakeLogsDocker struct {
	dockerapi.DockerAPI
	body io.ReadCloser
}

func (f *fakeLogsDocker) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return f.body, nil
}

type readCloser struct{ io.Reader }

func (readCloser) Close() error { return nil }

func framedLines(lines ...string) io.ReadCloser {
	var buf []byte
	for _, l := range lines {
		buf = append(buf, stream.EncodeFrame(stream.StreamStdout, []byte(l))...)
	}
	return readCloser{bytesReader(buf)}
}

func bytesReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func TestStartStreamingWritesFramedPayloadToLogFile(t *testing.T) {
	dir := t.TempDir()
	docker := &fakeLogsDocker{body: framedLines("hello\n", "world\n")}
	p := New(docker, dir, "mcp-a", 1024, 2)

	require.NoError(t, p.StartStreaming(context.Background()))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(p.logFilePath(1))
		return err == nil && len(data) > 0
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(p.logFilePath(1))
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "world")
	require.Contains(t, string(data), "log stream opened")
}

func TestStartStreamingIsIdempotentWhileAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	docker := &fakeLogsDocker{body: readCloser{neverEnding{}}}
	p := New(docker, dir, "mcp-a", 1024, 2)

	require.NoError(t, p.StartStreaming(context.Background()))
	require.NoError(t, p.StartStreaming(context.Background()))

	p.mu.Lock()
	streaming := p.streaming
	p.mu.Unlock()
	require.True(t, streaming)

	p.Stop()
}

func TestStopWritesClosedBanner(t *testing.T) {
	dir := t.TempDir()
	docker := &fakeLogsDocker{body: readCloser{neverEnding{}}}
	p := New(docker, dir, "mcp-a", 1024, 2)

	require.NoError(t, p.StartStreaming(context.Background()))
	p.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "mcp-a-1.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "log stream opened")
	require.Contains(t, string(data), "log stream closed")
}

type neverEnding struct{}

func (neverEnding) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, nil
}

func TestRotationShiftsFilesAndTrimsPastMaxFiles(t *testing.T) {
	dir := t.TempDir()
	docker := &fakeLogsDocker{}
	p := New(docker, dir, "mcp-a", 10, 2) // tiny max size forces rotation quickly

	require.NoError(t, p.openCurrentForAppend())
	for i := 0; i < 5; i++ {
		p.writeLine([]byte("0123456789"))
	}

	require.FileExists(t, filepath.Join(dir, "mcp-a-1.log"))
	require.FileExists(t, filepath.Join(dir, "mcp-a-2.log"))
	require.NoFileExists(t, filepath.Join(dir, "mcp-a-3.log"))
	require.FileExists(t, filepath.Join(dir, "mcp-a-log-history.txt"))
}

func TestGetRecentReturnsLastNLinesAcrossRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	docker := &fakeLogsDocker{}
	p := New(docker, dir, "mcp-a", 1024, 3)

	require.NoError(t, os.WriteFile(p.logFilePath(1), []byte("newest-1\nnewest-2\n"), 0o644))
	require.NoError(t, os.WriteFile(p.logFilePath(2), []byte("older-1\nolder-2\n"), 0o644))

	// get_recent reads rotation files newest-index-first, concatenates them
	// in that order, then takes the trailing n_lines of the concatenation
	// (spec.md §4.4) — with both files present and n_lines=2, the tail
	// falls inside the older file.
	recent, err := p.GetRecent(2)
	require.NoError(t, err)
	require.Equal(t, "older-1\nolder-2", recent)

	all, err := p.GetRecent(4)
	require.NoError(t, err)
	require.Equal(t, "newest-1\nnewest-2\nolder-1\nolder-2", all)
}

func TestCleanupRemovesRotationFilesAndHistory(t *testing.T) {
	dir := t.TempDir()
	docker := &fakeLogsDocker{}
	p := New(docker, dir, "mcp-a", 1024, 2)

	require.NoError(t, os.WriteFile(p.logFilePath(1), []byte("a\n"), 0o644))
	require.NoError(t, os.WriteFile(p.logFilePath(2), []byte("b\n"), 0o644))
	require.NoError(t, os.WriteFile(p.historyFilePath(), []byte("rotated\n"), 0o644))

	require.NoError(t, p.Cleanup())

	require.NoFileExists(t, p.logFilePath(1))
	require.NoFileExists(t, p.logFilePath(2))
	require.NoFileExists(t, p.historyFilePath())
}
