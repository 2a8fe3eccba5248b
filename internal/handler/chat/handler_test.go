package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/internal/handler/auth"
	"github.com/zhouzirui/z-chat/internal/model/chat"
	"github.com/zhouzirui/z-chat/internal/model/user"
	chatservice "github.com/zhouzirui/z-chat/internal/service/chat"
	"github.com/zhouzirui/z-chat/internal/service/token"
)

type recordingHub struct {
	mu     sync.Mutex
	events []any
}

func (h *recordingHub) Broadcast(_ int64, payload any) {
	h.mu.Lock()
	h.events = append(h.events, payload)
	h.mu.Unlock()
}

type fixture struct {
	router *chi.Mux
	hub    *recordingHub
	ann    user.Public
	bob    user.Public
	tokens map[int64]string
}

func setupRouter(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	chatSvc := chatservice.NewService().WithPasswordCost(bcrypt.MinCost)
	issuer := token.NewIssuer("secret", time.Hour)
	hub := &recordingHub{}

	ann, _ := chatSvc.CreateUser(ctx, user.Register{Email: "ann@example.com", Password: "x"})
	bob, _ := chatSvc.CreateUser(ctx, user.Register{Email: "bob@example.com", Password: "x"})

	tokens := make(map[int64]string)
	for _, u := range []user.Public{ann, bob} {
		signed, err := issuer.Issue(u.ID)
		if err != nil {
			t.Fatalf("Issue err: %v", err)
		}
		tokens[u.ID] = signed
	}

	authHandler := auth.New(chatSvc, issuer)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(authHandler.RequireUser)
		New(chatSvc, hub).RegisterRoutes(r)
	})

	return fixture{router: r, hub: hub, ann: ann, bob: bob, tokens: tokens}
}

func (f fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func TestCreatePrivateChatAndSendMessage(t *testing.T) {
	f := setupRouter(t)

	resp := f.do(http.MethodPost, "/chats/private/"+strconv.FormatInt(f.bob.ID, 10), f.tokens[f.ann.ID], nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var created chat.Chat
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if created.ChatType != "private" {
		t.Fatalf("unexpected chat %+v", created)
	}

	chatPath := strconv.FormatInt(created.ID, 10)
	resp = f.do(http.MethodPost, "/messages/"+chatPath, f.tokens[f.bob.ID], map[string]string{"content": "hey"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	if len(f.hub.events) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(f.hub.events))
	}
	event, ok := f.hub.events[0].(MessageEvent)
	if !ok || event.Type != chat.FrameNewMessage || event.Message.Content != "hey" {
		t.Fatalf("unexpected broadcast %+v", f.hub.events[0])
	}

	resp = f.do(http.MethodGet, "/chats/"+chatPath+"/messages", f.tokens[f.ann.ID], nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestCreatePrivateChatUnknownPeer(t *testing.T) {
	f := setupRouter(t)

	resp := f.do(http.MethodPost, "/chats/private/999", f.tokens[f.ann.ID], nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestChatRoutesRequireToken(t *testing.T) {
	f := setupRouter(t)

	resp := f.do(http.MethodGet, "/chats", "bogus", nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}
