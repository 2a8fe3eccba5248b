package ws

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	chathandler "github.com/zhouzirui/z-chat/internal/handler/chat"
	"github.com/zhouzirui/z-chat/internal/model/chat"
	"github.com/zhouzirui/z-chat/internal/model/user"
	chatservice "github.com/zhouzirui/z-chat/internal/service/chat"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Authenticator resolves the token passed in the query string.
type Authenticator interface {
	UserFromToken(ctx context.Context, raw string) (user.Public, error)
}

// Handler WebSocket聊天处理器
type Handler struct {
	chatSvc  *chatservice.Service
	auth     Authenticator
	hub      *Hub
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service, auth Authenticator, hub *Hub) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		auth:    auth,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{chatID}", h.handleWebSocket)
}

type typingEvent struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleWebSocket rejects the handshake with 403 unless the token is valid
// and the user is a member of the chat.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		http.Error(w, "Token required", http.StatusForbidden)
		return
	}

	current, err := h.auth.UserFromToken(r.Context(), raw)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}

	if _, err := h.chatSvc.GetChat(r.Context(), chatID, current.ID); err != nil {
		http.Error(w, "Chat not found or access denied", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := &client{id: uuid.NewString(), userID: current.ID, conn: conn}
	h.hub.add(chatID, c)
	defer h.hub.remove(chatID, c)

	log.Printf("[websocket] conn=%s user=%d joined chat=%d", c.id, current.ID, chatID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(ctx, c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error conn=%s: %v", c.id, err)
			}
			log.Printf("[websocket] conn=%s left chat=%d", c.id, chatID)
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := chat.DecodeFrame(data)
		if err != nil {
			h.sendError(c, "invalid frame")
			continue
		}

		h.handleFrame(ctx, c, chatID, current, frame)
	}
}

func (h *Handler) handleFrame(ctx context.Context, c *client, chatID int64, sender user.Public, frame chat.Frame) {
	switch frame.Type {
	case chat.FrameMessage:
		msg, err := h.chatSvc.SaveMessage(ctx, chatID, sender.ID, frame.Content)
		if err != nil {
			h.sendError(c, err.Error())
			return
		}
		h.hub.Broadcast(chatID, chathandler.NewMessageEvent(msg))
	case chat.FrameTyping:
		h.hub.Broadcast(chatID, typingEvent{
			Type:     chat.FrameTyping,
			UserID:   sender.ID,
			UserName: sender.DisplayName(),
		})
	default:
		h.sendError(c, "unsupported message type: "+frame.Type)
	}
}

func (h *Handler) sendError(c *client, message string) {
	if err := c.writeJSON(errorEvent{Type: chat.FrameError, Message: message}); err != nil {
		log.Printf("[websocket] write error failed: %v", err)
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
