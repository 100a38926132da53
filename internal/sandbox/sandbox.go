// Package sandbox implements the Sandbox Manager (C7): the process-wide
// singleton that brings the container runtime online, fans cold start out
// across every installed MCP, and exposes tool aggregation, proxy routing
// and restart/reset operations (spec.md §4.7).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/events"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/runtime"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/store"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/stream"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/wrapper"
)

// restartRuntimeSettleDelay is restart()'s "wait ~2s" pause between
// stopping and re-starting the runtime (spec.md §4.7).
var restartRuntimeSettleDelay = 2 * time.Second

// ErrMCPNotFound is returned by StopMCP/RemoveMCP for an id with no
// registered wrapper. C8 does not use it: its routes answer 404 from a
// failed GetWrapper lookup.
var ErrMCPNotFound = errors.New("sandbox: mcp not registered")

// Manager is the C7 singleton. Exactly one should exist per process.
type Manager struct {
	runtime     *runtime.Driver
	store       store.Store
	bus         *events.Bus
	streamMgr   *stream.Manager
	wrapperOpts wrapper.Options
	logger      logging.Logger

	mu       sync.RWMutex
	wrappers map[string]*wrapper.Wrapper
}

// New constructs a Manager. opts carries the per-deployment wrapper
// configuration (product name, default image, mount root, log directory);
// its Docker/Store/Bus/StreamManager fields are overwritten from the
// explicit constructor arguments so callers don't have to duplicate them.
func New(docker dockerapi.DockerAPI, st store.Store, bus *events.Bus, opts wrapper.Options) *Manager {
	streamMgr := stream.NewManager(docker)
	opts.Docker = docker
	opts.Store = st
	opts.Bus = bus
	opts.StreamManager = streamMgr

	return &Manager{
		runtime:     runtime.New(docker, bus, opts.DefaultImage),
		store:       st,
		bus:         bus,
		streamMgr:   streamMgr,
		wrapperOpts: opts,
		logger:      logging.NewComponentLogger("sandbox"),
		wrappers:    make(map[string]*wrapper.Wrapper),
	}
}

// Start is the cold-start control flow (spec.md §4.7): bring the runtime
// online, pull the base image, then fan out one Start per installed MCP in
// parallel. Runtime failures are terminal and returned; per-MCP failures
// are isolated — Start always returns nil once the fan-out completes, with
// failed MCPs left registered in an error state, matching the spec's
// "always invokes on_startup_success even with partial failures".
func (m *Manager) Start(ctx context.Context) error {
	if err := m.runtime.EnsureRunning(ctx); err != nil {
		return fmt.Errorf("sandbox: ensure runtime running: %w", err)
	}
	if _, err := m.runtime.ResolveSocketPath(); err != nil {
		m.logger.Warn("resolve runtime socket path: %v", err)
	}
	if err := m.runtime.PullBaseImage(ctx); err != nil {
		return fmt.Errorf("sandbox: pull base image: %w", err)
	}

	mcps, err := m.store.ListInstalledMCPs(ctx)
	if err != nil {
		return fmt.Errorf("sandbox: list installed mcps: %w", err)
	}

	var (
		g                 errgroup.Group
		mu                sync.Mutex
		succeeded, failed int
	)
	for _, mcp := range mcps {
		mcp := mcp
		g.Go(func() error {
			startErr := m.StartMCP(ctx, mcp)
			mu.Lock()
			defer mu.Unlock()
			if startErr != nil {
				failed++
				m.logger.Warn("start mcp %s: %v", mcp.ID, startErr)
			} else {
				succeeded++
			}
			// Never propagate: an individual MCP's failure must not cancel
			// its siblings' in-flight starts (spec.md §4.7 failure policy).
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("cold start complete: %d succeeded, %d failed (of %d installed)", succeeded, failed, len(mcps))
	return nil
}

// StartMCP constructs a Wrapper for mcp and starts it. The wrapper is
// inserted into the registry *before* Start is called (spec.md §4.7
// "Important registration ordering": the proxy endpoint performs an early
// map lookup that must already resolve, e.g. for in-flight health checks
// routed through the proxy path). A failed Start leaves the wrapper
// registered — its Status() reflects the error state — rather than
// removing it, per the isolation policy.
func (m *Manager) StartMCP(ctx context.Context, mcp model.InstalledMCP) error {
	w := wrapper.New(mcp, m.wrapperOpts)
	m.Register(w)
	return w.Start(ctx)
}

// Register inserts w into the registry under its own ID, overwriting any
// existing entry. StartMCP uses this to satisfy the registration-before-start
// ordering above; it is also the primitive C8 would use to wire up a newly
// installed MCP without a full cold restart.
func (m *Manager) Register(w *wrapper.Wrapper) {
	m.mu.Lock()
	m.wrappers[w.ID()] = w
	m.mu.Unlock()
}

// StopMCP stops (but does not unregister) the named MCP.
func (m *Manager) StopMCP(ctx context.Context, id string) error {
	w, ok := m.GetWrapper(id)
	if !ok {
		return fmt.Errorf("mcp %s: %w", id, ErrMCPNotFound)
	}
	w.Stop(ctx)
	return nil
}

// RemoveMCP stops and unregisters the named MCP.
func (m *Manager) RemoveMCP(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.wrappers[id]
	if ok {
		delete(m.wrappers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcp %s: %w", id, ErrMCPNotFound)
	}
	w.Stop(ctx)
	return nil
}

// GetWrapper returns the registered wrapper for id, if any. The proxy
// endpoint (C8) uses this to route per-request traffic to the right C3
// connection.
func (m *Manager) GetWrapper(id string) (*wrapper.Wrapper, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wrappers[id]
	return w, ok
}

func (m *Manager) snapshotWrappers() []*wrapper.Wrapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*wrapper.Wrapper, 0, len(m.wrappers))
	for _, w := range m.wrappers {
		out = append(out, w)
	}
	return out
}

// stopAllWrappers stops every registered wrapper in parallel, tolerating
// per-wrapper errors (they're only logged, by Wrapper.Stop itself).
func (m *Manager) stopAllWrappers(ctx context.Context) {
	ws := m.snapshotWrappers()
	var wg sync.WaitGroup
	for _, w := range ws {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop(ctx)
		}()
	}
	wg.Wait()
}

func (m *Manager) clearRegistry() {
	m.mu.Lock()
	m.wrappers = make(map[string]*wrapper.Wrapper)
	m.mu.Unlock()
}

// StopAll stops every registered wrapper (which stops its poller, and its
// container for a local MCP), then marks the runtime stopped; StopRuntime
// itself stops no containers (spec.md §4.7 "stop_all").
func (m *Manager) StopAll(ctx context.Context) {
	m.stopAllWrappers(ctx)
	if err := m.runtime.StopRuntime(ctx); err != nil {
		m.logger.Warn("stop runtime: %v", err)
	}
}

// Restart stops every MCP (tolerating errors), stops the runtime, waits
// ~2s, then runs Start again (spec.md §4.7).
func (m *Manager) Restart(ctx context.Context) error {
	m.stopAllWrappers(ctx)
	m.clearRegistry()

	if err := m.runtime.StopRuntime(ctx); err != nil {
		m.logger.Warn("stop runtime during restart: %v", err)
	}

	select {
	case <-time.After(restartRuntimeSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return m.Start(ctx)
}

// Reset stops every wrapper, clears the registry and returns the runtime
// state to not_installed (rather than stopped); it stops or removes no
// runtime process. It then runs Start again against the same
// persisted MCP configuration (spec.md §4.7 "reset"). It does not uninstall
// the persisted MCPs themselves — C10's Store interface has no delete
// operation, see DESIGN.md's Open Question decisions.
func (m *Manager) Reset(ctx context.Context) error {
	m.stopAllWrappers(ctx)
	m.clearRegistry()

	if err := m.runtime.RemoveRuntime(ctx, true); err != nil {
		m.logger.Warn("remove runtime during reset: %v", err)
	}

	return m.Start(ctx)
}

// GetAllTools returns every currently-known tool, keyed by composite ID.
func (m *Manager) GetAllTools() map[string]model.ToolDescriptor {
	out := make(map[string]model.ToolDescriptor)
	for _, w := range m.snapshotWrappers() {
		for _, t := range w.AvailableTools() {
			out[t.CompositeID] = t
		}
	}
	return out
}

// GetToolsByID filters GetAllTools down to the requested composite IDs,
// silently dropping any id that doesn't resolve to a known tool.
func (m *Manager) GetToolsByID(ids []string) map[string]model.ToolDescriptor {
	all := m.GetAllTools()
	out := make(map[string]model.ToolDescriptor, len(ids))
	for _, id := range ids {
		if t, ok := all[id]; ok {
			out[id] = t
		}
	}
	return out
}

// AvailableToolsList returns every currently-known tool as a flat,
// JSON-serializable list.
func (m *Manager) AvailableToolsList() []model.ToolDescriptor {
	all := m.GetAllTools()
	out := make([]model.ToolDescriptor, 0, len(all))
	for _, t := range all {
		out = append(out, t)
	}
	return out
}

// StatusSummary assembles the full StatusSummary: the runtime's own state
// plus every registered MCP's status fragment (spec.md §3).
func (m *Manager) StatusSummary() model.StatusSummary {
	wrappers := m.snapshotWrappers()
	servers := make([]model.MCPStatusFragment, 0, len(wrappers))
	for _, w := range wrappers {
		servers = append(servers, w.Status())
	}
	return model.StatusSummary{
		Runtime: m.runtime.State(),
		Servers: servers,
	}
}
