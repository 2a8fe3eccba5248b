package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/internal/model/user"
	chatService "github.com/zhouzirui/z-chat/internal/service/chat"
	"github.com/zhouzirui/z-chat/internal/service/token"
	"github.com/zhouzirui/z-chat/pkg/utils"
)

type contextKey struct{}

// Handler 认证相关的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	issuer  *token.Issuer
}

// New 创建认证处理器
func New(chatSvc *chatService.Service, issuer *token.Issuer) *Handler {
	return &Handler{chatSvc: chatSvc, issuer: issuer}
}

// RegisterRoutes 注册认证相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/login/access-token", h.handleLogin)
	r.Post("/users/signup", h.handleSignup)
	r.With(h.RequireUser).Get("/users/me", h.handleMe)
}

// UserFromToken resolves a raw access token to its user.
func (h *Handler) UserFromToken(ctx context.Context, raw string) (user.Public, error) {
	userID, err := h.issuer.Parse(raw)
	if err != nil {
		return user.Public{}, err
	}
	return h.chatSvc.GetUser(ctx, userID)
}

// RequireUser 校验 Bearer 令牌并把当前用户放入上下文
func (h *Handler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			utils.RespondError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		current, err := h.UserFromToken(r.Context(), raw)
		if err != nil {
			utils.RespondError(w, http.StatusForbidden, "Could not validate credentials")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, current)))
	})
}

// UserFromContext returns the user stored by RequireUser.
func UserFromContext(ctx context.Context) (user.Public, bool) {
	u, ok := ctx.Value(contextKey{}).(user.Public)
	return u, ok
}

// handleLogin 以表单方式登录并签发令牌
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	u, err := h.chatSvc.Authenticate(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Incorrect email or password")
		return
	}

	signed, err := h.issuer.Issue(u.ID)
	if err != nil {
		log.Printf("[auth] issue token failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	utils.RespondJSON(w, http.StatusOK, user.Token{AccessToken: signed, TokenType: "bearer"})
}

// handleSignup 注册新用户
func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var payload user.Register
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	created, err := h.chatSvc.CreateUser(r.Context(), payload)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatService.ErrEmailTaken) || errors.Is(err, chatService.ErrEmailRequired) {
			status = http.StatusBadRequest
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, created)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	current, _ := UserFromContext(r.Context())
	utils.RespondJSON(w, http.StatusOK, current)
}
