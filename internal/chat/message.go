package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/duocall/internal/proto"
)

// Message is one chat line of the current call.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	Text       string `json:"text"`
	FromUserID string `json:"fromUserId,omitempty"`
	FromName   string `json:"fromName"`
	TS         int64  `json:"ts"` // unix milliseconds
	Mine       bool   `json:"mine"`
}

func newMessage(roomID, text string, self Sender, now time.Time) *Message {
	return &Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Text:       text,
		FromUserID: self.UserID,
		FromName:   self.Name,
		TS:         now.UnixMilli(),
		Mine:       true,
	}
}

func fromPayload(p proto.ChatPayload) *Message {
	return &Message{
		ID:         p.ID,
		RoomID:     p.RoomID,
		Text:       p.Text,
		FromUserID: p.FromUserID,
		FromName:   p.FromName,
		TS:         p.TS,
	}
}

func (m *Message) payload() proto.ChatPayload {
	return proto.ChatPayload{
		ID:         m.ID,
		RoomID:     m.RoomID,
		Text:       m.Text,
		FromUserID: m.FromUserID,
		FromName:   m.FromName,
		TS:         m.TS,
	}
}

// key identifies a message for deduplication. Messages without an id fall
// back to author, timestamp and text.
func (m *Message) key() string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%s|%d|%s", m.FromName, m.TS, m.Text)
}
