package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
)

// writeWait bounds how long a single websocket frame write may block before
// the mirror gives up on a slow UI client.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebsocket upgrades the request to a websocket and mirrors every bus
// event to the connection until it closes or the bus subscription is torn
// down, supplementing the in-process bus for UI clients that prefer a
// persistent socket over polling status_summary() (SPEC_FULL.md §6).
func ServeWebsocket(bus *Bus, w http.ResponseWriter, r *http.Request) {
	logger := logging.NewComponentLogger("events-ws")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	// Drain client reads so gorilla's internal ping/pong and close handling
	// run; the UI never sends application data on this socket.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("marshal event for websocket: %v", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
