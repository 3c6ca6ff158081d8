// Package status pushes engine state changes and traffic counters to a local
// WebSocket endpoint. The overlay UI consuming it is out of scope; this is
// the delivery side of the state-change notification interface.
package status

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nxlan/lanlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Update is the JSON document pushed on every state change and on each
// stats tick.
type Update struct {
	Kind  string         `json:"kind"` // "state" or "stats"
	State string         `json:"state,omitempty"`
	Event string         `json:"event,omitempty"`
	Stats *util.Snapshot `json:"stats,omitempty"`
}

// Feed is the WebSocket publisher. Subscribers connect to /status; slow or
// dead subscribers are dropped rather than allowed to block publishers.
type Feed struct {
	listener net.Listener

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	last  *Update // replayed to new subscribers
}

// NewFeed creates a feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{conns: make(map[*websocket.Conn]struct{})}
}

// Start begins listening on addr (e.g. "127.0.0.1:0") and returns the bound
// port.
func (f *Feed) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	f.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/status", f.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("status subscriber upgrade failed: %v", err)
		return
	}

	f.mu.Lock()
	f.conns[conn] = struct{}{}
	last := f.last
	f.mu.Unlock()

	if last != nil {
		if err := conn.WriteJSON(last); err != nil {
			f.drop(conn)
		}
	}
}

// Publish pushes an update to every subscriber and remembers it for
// replay to the next one.
func (f *Feed) Publish(u Update) {
	f.mu.Lock()
	f.last = &u
	targets := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		targets = append(targets, c)
	}
	f.mu.Unlock()

	for _, c := range targets {
		if err := c.WriteJSON(u); err != nil {
			f.drop(c)
		}
	}
}

// PublishState pushes a lifecycle transition.
func (f *Feed) PublishState(state, event string) {
	f.Publish(Update{Kind: "state", State: state, Event: event})
}

// PublishStats pushes a counter snapshot.
func (f *Feed) PublishStats(s util.Snapshot) {
	f.Publish(Update{Kind: "stats", Stats: &s})
}

func (f *Feed) drop(c *websocket.Conn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
	c.Close()
}

// Close shuts the listener and every subscriber connection down.
func (f *Feed) Close() {
	if f.listener != nil {
		f.listener.Close()
	}
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.conns = make(map[*websocket.Conn]struct{})
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
