package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/internal/handler/auth"
	"github.com/zhouzirui/z-chat/internal/model/chat"
	chatService "github.com/zhouzirui/z-chat/internal/service/chat"
	"github.com/zhouzirui/z-chat/pkg/utils"
)

// Broadcaster 把事件推送给某个聊天的所有 WebSocket 连接
type Broadcaster interface {
	Broadcast(chatID int64, payload any)
}

// Handler 聊天服务的HTTP处理器，路由需挂在 auth.RequireUser 之后
type Handler struct {
	chatSvc *chatService.Service
	hub     Broadcaster
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, hub Broadcaster) *Handler {
	return &Handler{chatSvc: chatSvc, hub: hub}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Post("/chats/private/{userID}", h.handleCreatePrivateChat)
	r.Get("/chats/{chatID}/messages", h.handleTranscript)
	r.Post("/messages/{chatID}", h.handleCreateMessage)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	current, _ := auth.UserFromContext(r.Context())
	chats := h.chatSvc.ListChats(r.Context(), current.ID)
	utils.RespondJSON(w, http.StatusOK, map[string]any{"data": chats, "count": len(chats)})
}

// handleCreatePrivateChat 创建（或复用）与指定用户的私聊
func (h *Handler) handleCreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	current, _ := auth.UserFromContext(r.Context())

	peerID, ok := int64Param(w, r, "userID")
	if !ok {
		return
	}

	created, err := h.chatSvc.CreatePrivateChat(r.Context(), current.ID, peerID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, chatService.ErrUserNotFound):
			status = http.StatusNotFound
		case errors.Is(err, chatService.ErrSelfChat):
			status = http.StatusBadRequest
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, created)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	current, _ := auth.UserFromContext(r.Context())

	chatID, ok := int64Param(w, r, "chatID")
	if !ok {
		return
	}
	if _, err := h.chatSvc.GetChat(r.Context(), chatID, current.ID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "Chat not found")
		return
	}

	messages, err := h.chatSvc.LoadTranscript(r.Context(), chatID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "Chat not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"data": messages, "count": len(messages)})
}

// handleCreateMessage 通过 REST 发送消息，并广播给在线连接
func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	current, _ := auth.UserFromContext(r.Context())

	chatID, ok := int64Param(w, r, "chatID")
	if !ok {
		return
	}

	var payload struct {
		Content string `json:"content"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	msg, err := h.chatSvc.SaveMessage(r.Context(), chatID, current.ID, payload.Content)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, chatService.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(chatID, NewMessageEvent(msg))
	}
	utils.RespondJSON(w, http.StatusOK, msg)
}

// MessageEvent is the new_message frame pushed to chat members.
type MessageEvent struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// NewMessageEvent wraps a stored message for broadcasting.
func NewMessageEvent(msg chat.Message) MessageEvent {
	return MessageEvent{Type: chat.FrameNewMessage, Message: msg}
}

func int64Param(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return v, true
}
