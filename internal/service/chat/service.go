package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/internal/model/chat"
	"github.com/zhouzirui/z-chat/internal/model/user"
)

var (
	ErrEmailRequired      = errors.New("email and password are required")
	ErrEmailTaken         = errors.New("the user with this email already exists in the system")
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrChatNotFound       = errors.New("chat not found or access denied")
	ErrSelfChat           = errors.New("cannot create a private chat with yourself")
	ErrEmptyContent       = errors.New("message content is empty")
)

type storedUser struct {
	profile      user.Public
	passwordHash []byte
}

// Service keeps users, chats and messages in memory for the development backend.
type Service struct {
	mu sync.RWMutex

	passwordCost int
	lastUserID   int64
	lastChatID   int64
	lastMsgID    int64

	users    map[int64]storedUser
	byEmail  map[string]int64
	chats    map[int64]chat.Chat
	messages map[int64][]chat.Message
}

// NewService bootstraps an empty store.
func NewService() *Service {
	return &Service{
		passwordCost: bcrypt.DefaultCost,
		users:        make(map[int64]storedUser),
		byEmail:      make(map[string]int64),
		chats:        make(map[int64]chat.Chat),
		messages:     make(map[int64][]chat.Message),
	}
}

// WithPasswordCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithPasswordCost(cost int) *Service {
	s.passwordCost = cost
	return s
}

// CreateUser registers an account.
func (s *Service) CreateUser(_ context.Context, in user.Register) (user.Public, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return user.Public{}, ErrEmailRequired
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.passwordCost)
	if err != nil {
		return user.Public{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return user.Public{}, ErrEmailTaken
	}

	s.lastUserID++
	profile := user.Public{
		ID:       s.lastUserID,
		Email:    email,
		FullName: strings.TrimSpace(in.FullName),
		IsActive: true,
	}
	s.users[profile.ID] = storedUser{profile: profile, passwordHash: hash}
	s.byEmail[email] = profile.ID
	return profile, nil
}

// Authenticate checks an email/password pair.
func (s *Service) Authenticate(_ context.Context, email, password string) (user.Public, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	stored := s.users[id]
	s.mu.RUnlock()

	if !ok {
		return user.Public{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(stored.passwordHash, []byte(password)); err != nil {
		return user.Public{}, ErrInvalidCredentials
	}
	return stored.profile, nil
}

// GetUser retrieves a user by identifier.
func (s *Service) GetUser(_ context.Context, id int64) (user.Public, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.users[id]
	if !ok {
		return user.Public{}, ErrUserNotFound
	}
	return stored.profile, nil
}

// CreatePrivateChat returns the private chat between two users, creating it on first use.
func (s *Service) CreatePrivateChat(_ context.Context, ownerID, peerID int64) (chat.Chat, error) {
	if ownerID == peerID {
		return chat.Chat{}, ErrSelfChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[peerID]; !ok {
		return chat.Chat{}, ErrUserNotFound
	}

	for _, c := range s.chats {
		if c.ChatType == "private" && hasMember(c, ownerID) && hasMember(c, peerID) {
			return c, nil
		}
	}

	s.lastChatID++
	c := chat.Chat{
		ID:        s.lastChatID,
		ChatType:  "private",
		MemberIDs: []int64{ownerID, peerID},
		CreatedAt: time.Now().UTC(),
	}
	s.chats[c.ID] = c
	s.messages[c.ID] = make([]chat.Message, 0, 16)
	return c, nil
}

// ListChats returns the chats userID is a member of, oldest first.
func (s *Service) ListChats(_ context.Context, userID int64) []chat.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Chat, 0)
	for _, c := range s.chats {
		if hasMember(c, userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetChat returns the chat if userID is a member of it.
func (s *Service) GetChat(_ context.Context, chatID, userID int64) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok || !hasMember(c, userID) {
		return chat.Chat{}, ErrChatNotFound
	}
	return c, nil
}

// SaveMessage appends a message to the chat history.
func (s *Service) SaveMessage(_ context.Context, chatID, senderID int64, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok || !hasMember(c, senderID) {
		return chat.Message{}, ErrChatNotFound
	}

	s.lastMsgID++
	msg := chat.Message{
		ID:        s.lastMsgID,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if sender, ok := s.users[senderID]; ok {
		profile := sender.profile
		msg.Sender = &profile
	}

	s.messages[chatID] = append(s.messages[chatID], msg)
	return msg, nil
}

// LoadTranscript returns stored messages for the provided chat.
func (s *Service) LoadTranscript(_ context.Context, chatID int64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func hasMember(c chat.Chat, userID int64) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
