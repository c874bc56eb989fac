// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchd/fetchd"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// hub maintains the set of active connections and broadcasts task
// state to them.
type hub struct {
	broadcast  chan []byte
	register   chan *connection
	unregister chan *connection

	mu    sync.Mutex
	conns map[*connection]bool
}

func newHub() *hub {
	return &hub{
		broadcast:  make(chan []byte, 16),
		register:   make(chan *connection),
		unregister: make(chan *connection),
		conns:      make(map[*connection]bool),
	}
}

func (h *hub) hasClients() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns) > 0
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.conns {
				select {
				case c.send <- message:
				default:
					delete(h.conns, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// connection is a middleman between the websocket connection and the hub.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	srv  *Server
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump() {
	defer func() {
		c.srv.hub.unregister <- c
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				log.Printf("%v", err)
			}
			break
		}
		switch msg.Type {
		case "TASK_LOOKUP":
			var rsp struct {
				Type    string       `json:"type"`
				Message string       `json:"message,omitempty"`
				Task    *fetchd.Task `json:"task,omitempty"`
			}
			rsp.Type = "TASK_LOOKUP"
			t, err := c.srv.st.Lookup(msg.ID)
			if err != nil {
				if err == fetchd.ErrNotFound {
					rsp.Message = "Task already removed"
				} else {
					rsp.Message = "Task cannot be found"
				}
			} else {
				rsp.Task = t
			}
			payload, _ := json.Marshal(rsp)
			c.srv.hub.broadcast <- payload
		}
	}
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	srv *Server
}

// ServeHTTP handles websocket requests from the peer.
func (ws wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("%v", err)
		return
	}
	c := &connection{send: make(chan []byte, 256), ws: conn, srv: ws.srv}
	ws.srv.hub.register <- c
	go c.writePump()
	c.readPump()
}
