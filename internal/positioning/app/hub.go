//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package positioningapp

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/gorilla/websocket"

	"edgexfoundry/app-ble-positioning/internal/positioning"
	"edgexfoundry/app-ble-positioning/internal/publish"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientSendSz   = 64
)

// Hub pushes zone events to every connected websocket client.
// A client which can't keep up is disconnected rather than slowing
// down the others.
type Hub struct {
	lc       logger.LoggingClient
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(lc logger.LoggingClient) *Hub {
	return &Hub{
		lc:      lc,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader has already replied to the client
		h.lc.Warn("Websocket upgrade failed.", "error", err.Error())
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSz)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.lc.Debug("Websocket client connected.", "remote", req.RemoteAddr, "clients", n)

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast sends each event as its own JSON envelope.
func (h *Hub) Broadcast(events []positioning.Event) {
	msgs := make([][]byte, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(publish.NewEnvelope(e))
		if err != nil {
			h.lc.Error("Failed to marshal zone event.", "error", err.Error())
			continue
		}
		msgs = append(msgs, data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		for _, m := range msgs {
			select {
			case c.send <- m:
			default:
				h.lc.Warn("Dropping slow websocket client.", "remote", c.conn.RemoteAddr().String())
				h.removeLocked(c)
			}
			if _, ok := h.clients[c]; !ok {
				break
			}
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// removeLocked must be called with mu held.
// Closing send makes the writePump close the connection.
func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// readPump discards client messages; it exists to process control frames
// and to notice when the client goes away.
func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.lc.Debug("Websocket client closed unexpectedly.", "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
