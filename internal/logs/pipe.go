// Package logs implements the Log Pipe (C4): follows a container's log
// stream, writes it to a rotating per-container file set, and serves
// bounded tail reads (spec.md §4.4).
package logs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/stream"
)

const (
	defaultMaxSize  = 5 * 1024 * 1024
	defaultMaxFiles = 2
)

// Pipe owns the log-follow stream and rotating file set for one container.
// Exactly one Pipe is ever running per container (spec.md §5 "Resource
// policy": "exactly one log-follow stream per container").
type Pipe struct {
	docker        dockerapi.DockerAPI
	logger        logging.Logger
	dir           string
	containerName string
	maxSize       int64
	maxFiles      int

	mu          sync.Mutex
	current     *os.File
	currentSize int64
	cancel      context.CancelFunc
	logsReader  io.ReadCloser
	streaming   bool
}

// New constructs a Pipe. maxSize <= 0 and maxFiles <= 0 fall back to the
// spec's defaults (5 MiB, 2 retained rotations).
func New(docker dockerapi.DockerAPI, dir, containerName string, maxSize int64, maxFiles int) *Pipe {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	return &Pipe{
		docker:        docker,
		dir:           dir,
		containerName: containerName,
		maxSize:       maxSize,
		maxFiles:      maxFiles,
		logger:        logging.NewComponentLogger("log-pipe").With("container_name", containerName),
	}
}

func (p *Pipe) logFilePath(index int) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%d.log", p.containerName, index))
}

func (p *Pipe) historyFilePath() string {
	return filepath.Join(p.dir, p.containerName+"-log-history.txt")
}

// StartStreaming opens a streaming follow of the container's combined
// stdout/stderr log and writes it to the current rotation file. It is a
// no-op if a stream is already running for this Pipe (P6: "a fresh log
// stream is not reopened if one already exists").
func (p *Pipe) StartStreaming(ctx context.Context) error {
	p.mu.Lock()
	if p.streaming {
		p.mu.Unlock()
		return nil
	}
	p.streaming = true
	streamCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
		return fmt.Errorf("create log dir: %w", err)
	}

	if err := p.openCurrentForAppend(); err != nil {
		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
		return fmt.Errorf("open log file: %w", err)
	}
	p.writeBanner()

	logsReader, err := p.docker.ContainerLogs(streamCtx, p.containerName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
		return fmt.Errorf("follow logs for %s: %w", p.containerName, err)
	}

	p.mu.Lock()
	p.logsReader = logsReader
	p.mu.Unlock()

	go p.consume(logsReader)
	return nil
}

func (p *Pipe) consume(r io.ReadCloser) {
	defer r.Close()
	fr := stream.NewFrameReader(r)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			p.logger.Warn("log stream closed: %v", err)
			p.mu.Lock()
			p.streaming = false
			if p.current != nil {
				p.current.Close()
				p.current = nil
			}
			p.mu.Unlock()
			return
		}
		p.writeLine(frame.Payload)
	}
}

func (p *Pipe) writeBanner() {
	p.writeLine([]byte(fmt.Sprintf("=== log stream opened %s ===", bannerTimestamp())))
}

// bannerTimestamp is isolated so tests can stub it if ever needed; the spec
// only requires "a dated banner", not a specific format.
func bannerTimestamp() string {
	return timeNowFunc().Format(time.RFC3339)
}

var timeNowFunc = time.Now

func (p *Pipe) writeLine(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLineLocked(payload)
}

// writeLineLocked is writeLine's body with the locking stripped out, for
// callers that already hold p.mu (Stop's close banner, written just before
// the file it targets is closed).
func (p *Pipe) writeLineLocked(payload []byte) {
	if p.current == nil {
		return
	}

	text := payload
	if len(text) == 0 || text[len(text)-1] != '\n' {
		text = append(append([]byte{}, text...), '\n')
	}

	n, err := p.current.Write(text)
	if err != nil {
		p.logger.Warn("write log line: %v", err)
		return
	}
	p.currentSize += int64(n)

	if p.currentSize >= p.maxSize {
		p.rotateLocked()
	}
}

func (p *Pipe) openCurrentForAppend() error {
	f, err := os.OpenFile(p.logFilePath(1), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	p.mu.Lock()
	p.current = f
	p.currentSize = info.Size()
	p.mu.Unlock()
	return nil
}

// rotateLocked shifts <name>-1.log .. <name>-(maxFiles-1).log up by one
// index, dropping whatever falls past maxFiles, then opens a fresh
// <name>-1.log. Caller must hold p.mu.
func (p *Pipe) rotateLocked() {
	if p.current != nil {
		p.current.Close()
		p.current = nil
	}

	for i := p.maxFiles; i >= 1; i-- {
		src := p.logFilePath(i)
		dst := p.logFilePath(i + 1)
		if i+1 > p.maxFiles {
			os.Remove(src)
			continue
		}
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}

	f, err := os.OpenFile(p.logFilePath(1), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		p.logger.Warn("rotate: open fresh log file: %v", err)
		return
	}
	p.current = f
	p.currentSize = 0
	p.appendHistory()
}

func (p *Pipe) appendHistory() {
	f, err := os.OpenFile(p.historyFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.logger.Warn("append rotation history: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "rotated at %s\n", timeNowFunc().Format(time.RFC3339))
}

// GetRecent reads the rotation file set newest-index-first, concatenates,
// and returns the last nLines non-empty lines (spec.md §4.4 get_recent).
func (p *Pipe) GetRecent(nLines int) (string, error) {
	indexes, err := p.existingIndexes()
	if err != nil {
		return "", err
	}

	var lines []string
	for _, idx := range indexes {
		f, err := os.Open(p.logFilePath(idx))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("open %s: %w", p.logFilePath(idx), err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var fileLines []string
		for scanner.Scan() {
			if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
				fileLines = append(fileLines, line)
			}
		}
		f.Close()
		lines = append(lines, fileLines...)
	}

	if nLines > 0 && len(lines) > nLines {
		lines = lines[len(lines)-nLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// existingIndexes returns the rotation indexes present on disk, sorted
// newest (1) to oldest.
func (p *Pipe) existingIndexes() ([]int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	prefix := p.containerName + "-"
	var indexes []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")
		idx, err := strconv.Atoi(mid)
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes, nil
}

// Cleanup deletes all rotation files and the history bookkeeping file for
// this container (spec.md §4.4 cleanup()).
func (p *Pipe) Cleanup() error {
	p.Stop()

	indexes, err := p.existingIndexes()
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := os.Remove(p.logFilePath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p.logFilePath(idx), err)
		}
	}
	if err := os.Remove(p.historyFilePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

// Stop halts the follow stream without deleting any files, used on
// container stop (spec.md §4.2 stop(): "flush log stream", and §4.4
// stop_streaming(): write a dated close banner before the stream closes).
func (p *Pipe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.logsReader != nil {
		p.logsReader.Close()
		p.logsReader = nil
	}
	if p.current != nil {
		p.writeLineLocked([]byte(fmt.Sprintf("=== log stream closed %s ===", bannerTimestamp())))
		p.current.Close()
		p.current = nil
	}
	p.streaming = false
}
