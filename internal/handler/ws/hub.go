package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// client is one WebSocket connection of a chat member. gorilla allows a
// single concurrent writer, so writes go through mu.
type client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Hub tracks live connections per chat.
type Hub struct {
	mu    sync.RWMutex
	chats map[int64]map[*client]struct{}
}

// NewHub 创建连接管理器
func NewHub() *Hub {
	return &Hub{chats: make(map[int64]map[*client]struct{})}
}

func (h *Hub) add(chatID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chats[chatID] == nil {
		h.chats[chatID] = make(map[*client]struct{})
	}
	h.chats[chatID][c] = struct{}{}
}

func (h *Hub) remove(chatID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.chats[chatID]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.chats, chatID)
	}
}

// Count returns the number of live connections in a chat.
func (h *Hub) Count(chatID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats[chatID])
}

// Broadcast sends payload to every connection of the chat and drops the
// ones that fail.
func (h *Hub) Broadcast(chatID int64, payload any) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.chats[chatID]))
	for c := range h.chats[chatID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		log.Printf("[websocket] no active connections for chat %d", chatID)
		return
	}

	for _, c := range targets {
		if err := c.writeJSON(payload); err != nil {
			log.Printf("[websocket] broadcast to conn=%s chat=%d failed: %v", c.id, chatID, err)
			h.remove(chatID, c)
			c.conn.Close()
		}
	}
}
