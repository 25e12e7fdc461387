// SPDX-License-Identifier: MIT
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	applog "loopviz/internal/log"
	"loopviz/internal/visualizer"
)

var wsLog = applog.Scope("websocket")

const writeWait = time.Second

// WebSocket broadcasts every new snapshot as JSON to clients connected on /ws.
//
// Thread Safety:
//   - Draw and Close are called from the render loop
//   - a single broadcaster goroutine writes to clients
//   - the client map is guarded by clientsMu
type WebSocket struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex

	server    *http.Server
	listener  net.Listener
	broadcast chan Message
	tracker   changeTracker

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocket listens on addr ("host:port", port 0 picks a free one) and
// starts serving.
func NewWebSocket(addr string) (*WebSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen on '%s': %w", addr, err)
	}

	ws := &WebSocket{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		listener:  ln,
		broadcast: make(chan Message, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.handleWebSocket)
	ws.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ws.wg.Add(2)
	go func() {
		defer ws.wg.Done()
		wsLog.Infof("listening on %s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wsLog.Errorf("server error: %v", err)
		}
	}()
	go func() {
		defer ws.wg.Done()
		ws.handleBroadcasts()
	}()
	return ws, nil
}

// Addr returns the address the server is listening on.
func (ws *WebSocket) Addr() string { return ws.listener.Addr().String() }

// Clients returns the number of connected clients.
func (ws *WebSocket) Clients() int {
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	return len(ws.clients)
}

func (ws *WebSocket) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLog.Warnf("upgrade error: %v", err)
		return
	}

	ws.clientsMu.Lock()
	ws.clients[conn] = true
	total := len(ws.clients)
	ws.clientsMu.Unlock()
	wsLog.Infof("client %s connected, total: %d", conn.RemoteAddr(), total)

	// Clients only listen; reading detects the disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ws.drop(conn)
				return
			}
		}
	}()
}

func (ws *WebSocket) drop(conn *websocket.Conn) {
	ws.clientsMu.Lock()
	_, ok := ws.clients[conn]
	delete(ws.clients, conn)
	total := len(ws.clients)
	ws.clientsMu.Unlock()
	conn.Close()
	if ok {
		wsLog.Infof("client %s disconnected, total: %d", conn.RemoteAddr(), total)
	}
}

func (ws *WebSocket) handleBroadcasts() {
	for msg := range ws.broadcast {
		data, err := json.Marshal(msg)
		if err != nil {
			wsLog.Errorf("encode frame %d: %v", msg.Seq, err)
			continue
		}

		ws.clientsMu.Lock()
		var failed []*websocket.Conn
		for client := range ws.clients {
			_ = client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
				wsLog.Debugf("send to %s: %v", client.RemoteAddr(), err)
				failed = append(failed, client)
			}
		}
		ws.clientsMu.Unlock()

		for _, client := range failed {
			ws.drop(client)
		}
	}
}

// Draw queues the snapshot for broadcast if it holds a new frame or state.
// A slow broadcaster drops frames rather than stalling the render loop.
func (ws *WebSocket) Draw(s *visualizer.Snapshot) error {
	if ws.closed.Load() {
		return errors.New("websocket: closed")
	}
	if !ws.tracker.changed(s) {
		return nil
	}
	select {
	case ws.broadcast <- NewMessage(s):
	default:
		wsLog.Debugf("broadcast queue full, frame %d dropped", s.Seq)
	}
	return nil
}

// Close disconnects all clients and shuts the server down. Idempotent.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.closed.Store(true)
		wsLog.Infof("closing server")
		close(ws.broadcast)

		ws.clientsMu.Lock()
		for client := range ws.clients {
			client.Close()
			delete(ws.clients, client)
		}
		ws.clientsMu.Unlock()

		err = ws.server.Close()
		ws.wg.Wait()
	})
	return err
}
