// Package events implements the Event Bus Adapter (C9): an in-process
// pub/sub of status diffs, mirrored to any number of websocket observers.
// Delivery is best-effort and at-most-once per subscriber; the supervisor
// never blocks on publish (spec.md §4.9).
package events

import (
	"sync"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// Kind names the three event kinds the core publishes.
type Kind string

const (
	KindSandboxStatusUpdate      Kind = "sandbox-status-update"
	KindToolsUpdated             Kind = "tools-updated"
	KindOllamaModelDownloadEvent Kind = "ollama-model-download-progress"
)

// Event is the envelope delivered to subscribers. Payload is one of
// model.StatusSummary (KindSandboxStatusUpdate), ToolsUpdatedPayload
// (KindToolsUpdated), or an opaque passthrough map (KindOllamaModelDownloadEvent).
type Event struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// ToolsUpdatedPayload is the body of a tools-updated event.
type ToolsUpdatedPayload struct {
	MCPServerID string `json:"mcpServerId"`
	Message     string `json:"message"`
}

// Subscriber is a best-effort delivery channel. Bus.Publish drops the event
// for a subscriber whose channel is full rather than blocking.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus fans events out to all current subscribers. It keeps no state besides
// the subscriber set: PublishRuntimeState publishes a runtime-only summary
// without storing it, and the authoritative StatusSummary assembly lives in
// the Sandbox Manager (C7).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new observer with a bounded event buffer.
func (b *Bus) Subscribe(bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	sub := &Subscriber{ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the observer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish fans out ev to every current subscriber, never blocking: a
// subscriber whose buffer is full simply misses this event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// PublishStatusSummary publishes a full StatusSummary snapshot.
func (b *Bus) PublishStatusSummary(s model.StatusSummary) {
	b.Publish(Event{Kind: KindSandboxStatusUpdate, Payload: s})
}

// PublishRuntimeState publishes a RuntimeState-only partial update, used by
// C1 while bringing the runtime up (before a full StatusSummary exists).
func (b *Bus) PublishRuntimeState(s model.RuntimeState) {
	b.Publish(Event{Kind: KindSandboxStatusUpdate, Payload: model.StatusSummary{Runtime: s}})
}

// PublishToolsUpdated publishes a tools-updated event for one MCP.
func (b *Bus) PublishToolsUpdated(mcpID, message string) {
	b.Publish(Event{Kind: KindToolsUpdated, Payload: ToolsUpdatedPayload{MCPServerID: mcpID, Message: message}})
}

// PublishModelDownloadProgress passes through an opaque progress payload
// from the external model-download collaborator (spec.md §4.9).
func (b *Bus) PublishModelDownloadProgress(payload any) {
	b.Publish(Event{Kind: KindOllamaModelDownloadEvent, Payload: payload})
}
