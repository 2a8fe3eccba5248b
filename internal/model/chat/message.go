package chat

import (
	"time"

	"github.com/zhouzirui/z-chat/internal/model/user"
)

// Message is a persisted chat message as broadcast in new_message frames.
type Message struct {
	ID        int64        `json:"id"`
	ChatID    int64        `json:"chat_id"`
	SenderID  int64        `json:"sender_id"`
	Sender    *user.Public `json:"sender,omitempty"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
}

// Chat is a conversation between members.
type Chat struct {
	ID        int64     `json:"id"`
	ChatType  string    `json:"chat_type"`
	MemberIDs []int64   `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}
