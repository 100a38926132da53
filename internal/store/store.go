// Package store implements the Persistence Adapter (C10): the narrow
// interface the core depends on for installed-MCP configuration, tool
// analysis rows, request audit logs, and OAuth tokens (spec.md §4.10).
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// RequestLogRecord is one audit-log entry for a proxied JSON-RPC call
// (spec.md §4.8: "request id, session id, method, status, duration,
// response body").
type RequestLogRecord struct {
	RequestID    string        `yaml:"requestId"`
	MCPID        string        `yaml:"mcpServerId"`
	SessionID    string        `yaml:"sessionId,omitempty"`
	MCPSessionID string        `yaml:"mcpSessionId,omitempty"`
	Method       string        `yaml:"method"`
	Status       string        `yaml:"status"`
	Duration     time.Duration `yaml:"duration"`
	ResponseBody string        `yaml:"responseBody,omitempty"`
	At           time.Time     `yaml:"at"`
}

// MCPPatch carries the mutable subset of InstalledMCP that update_mcp may
// change; nil fields are left untouched.
type MCPPatch struct {
	DisplayName *string
	UserConfig  map[string]any
}

// Store is the interface the core depends on (spec.md §4.10). Production
// code is expected to back it with a real database; this package also
// ships an in-memory/YAML-fixture reference implementation sufficient for
// the desktop deployment described in the spec.
type Store interface {
	ListInstalledMCPs(ctx context.Context) ([]model.InstalledMCP, error)
	GetMCP(ctx context.Context, id string) (model.InstalledMCP, error)
	UpdateMCP(ctx context.Context, id string, patch MCPPatch) error
	GetToolAnalysis(ctx context.Context, mcpID string) ([]model.ToolAnalysisRow, error)
	SaveToolAnalysisJob(ctx context.Context, mcpID string, toolNames []string) error
	SaveMCPRequestLog(ctx context.Context, record RequestLogRecord) error
	SaveOAuthTokens(ctx context.Context, mcpID string, tokens model.OAuthTokens) error
}

// ErrMCPNotFound is returned by GetMCP/UpdateMCP/SaveOAuthTokens for an
// unknown id.
var ErrMCPNotFound = fmt.Errorf("mcp not found")

// MemoryStore is an in-memory reference implementation of Store, seeded
// from a YAML fixture (see LoadFixture) and otherwise mutated in place.
// Grounded on the teacher's `infra/mcp.ConfigLoader` scoped load pattern,
// generalized from a read-only config file to a read/write store guarded
// by a single mutex (acceptable per spec.md §5: the persistence adapter is
// not on the hot JSON-RPC path).
type MemoryStore struct {
	mu       sync.RWMutex
	mcps     map[string]model.InstalledMCP
	analysis map[string][]model.ToolAnalysisRow // keyed by mcpID
	requests []RequestLogRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mcps:     make(map[string]model.InstalledMCP),
		analysis: make(map[string][]model.ToolAnalysisRow),
	}
}

// Seed installs mcps into the store, overwriting any existing entries with
// the same ID. Used by fixture loading and tests.
func (s *MemoryStore) Seed(mcps ...model.InstalledMCP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mcps {
		s.mcps[m.ID] = m
	}
}

func (s *MemoryStore) ListInstalledMCPs(ctx context.Context) ([]model.InstalledMCP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.InstalledMCP, 0, len(s.mcps))
	for _, m := range s.mcps {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) GetMCP(ctx context.Context, id string) (model.InstalledMCP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mcps[id]
	if !ok {
		return model.InstalledMCP{}, fmt.Errorf("get mcp %s: %w", id, ErrMCPNotFound)
	}
	return m, nil
}

func (s *MemoryStore) UpdateMCP(ctx context.Context, id string, patch MCPPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mcps[id]
	if !ok {
		return fmt.Errorf("update mcp %s: %w", id, ErrMCPNotFound)
	}
	if patch.DisplayName != nil {
		m.DisplayName = *patch.DisplayName
	}
	if patch.UserConfig != nil {
		m.UserConfig = patch.UserConfig
	}
	s.mcps[id] = m
	return nil
}

func (s *MemoryStore) GetToolAnalysis(ctx context.Context, mcpID string) ([]model.ToolAnalysisRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.analysis[mcpID]
	out := make([]model.ToolAnalysisRow, len(rows))
	copy(out, rows)
	return out, nil
}

// SaveToolAnalysisJob is a reference no-op enqueue: it records the tool
// names as "awaiting" rows if no row exists yet, simulating an
// asynchronous analyzer that will later call setAnalysisResult. Real
// deployments back this with an actual job queue; the core only requires
// that the call does not block (spec.md §4.10).
func (s *MemoryStore) SaveToolAnalysisJob(ctx context.Context, mcpID string, toolNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]bool, len(s.analysis[mcpID]))
	for _, row := range s.analysis[mcpID] {
		existing[row.ToolName] = true
	}
	for _, name := range toolNames {
		if !existing[name] {
			s.analysis[mcpID] = append(s.analysis[mcpID], model.ToolAnalysisRow{MCPID: mcpID, ToolName: name})
		}
	}
	return nil
}

// SetAnalysisResult is a test/reference hook an analyzer collaborator
// would call to complete a previously enqueued job; not part of the core
// Store interface.
func (s *MemoryStore) SetAnalysisResult(mcpID, toolName string, isRead, isWrite *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	rows := s.analysis[mcpID]
	for i, row := range rows {
		if row.ToolName == toolName {
			rows[i].IsRead = isRead
			rows[i].IsWrite = isWrite
			rows[i].AnalyzedAt = &now
			return
		}
	}
	s.analysis[mcpID] = append(rows, model.ToolAnalysisRow{
		MCPID: mcpID, ToolName: toolName, IsRead: isRead, IsWrite: isWrite, AnalyzedAt: &now,
	})
}

func (s *MemoryStore) SaveMCPRequestLog(ctx context.Context, record RequestLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, record)
	return nil
}

// RequestLogs returns a copy of the accumulated audit log, newest last.
func (s *MemoryStore) RequestLogs() []RequestLogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RequestLogRecord, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *MemoryStore) SaveOAuthTokens(ctx context.Context, mcpID string, tokens model.OAuthTokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mcps[mcpID]
	if !ok {
		return fmt.Errorf("save oauth tokens %s: %w", mcpID, ErrMCPNotFound)
	}
	m.OAuthTokens = &tokens
	s.mcps[mcpID] = m
	return nil
}
