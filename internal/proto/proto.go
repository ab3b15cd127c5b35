// Package proto defines the signaling wire format: event names, payloads and
// the decoding of inbound frames into typed events.
package proto

import (
	"encoding/json"
	"time"
)

// Room signaling events.
const (
	EventJoin             = "join"
	EventLeave            = "leave"
	EventName             = "name"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventCandidate        = "candidate"
	EventRoomFull         = "roomFull"
	EventRoomClosed       = "roomClosed"
	EventPeerDisconnected = "peerDisconnected"
)

// Chat, presence and directory events.
const (
	EventChatMessage    = "chat:message"
	EventPresence       = "presence"
	EventPresenceUpdate = "presence:update"
	EventContactUpdate  = "contact:update"
)

// Invitation events. Outbound names are imperative, inbound names report
// what the other side did.
const (
	EventCallInvite = "call:invite"
	EventCallAccept = "call:accept"
	EventCallReject = "call:reject"
	EventCallCancel = "call:cancel"
	EventCallEnd    = "call:end"

	EventCallIncoming    = "call:incoming"
	EventCallAccepted    = "call:accepted"
	EventCallRejected    = "call:rejected"
	EventCallCanceled    = "call:canceled"
	EventCallUnavailable = "call:unavailable"
)

// Status is the presence state of a user.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// Valid reports whether s is one of the known presence states.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Frame is one message on the signaling connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload under the given event name. A nil payload
// produces a frame without data.
func EncodeFrame(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = b
	}
	return json.Marshal(f)
}

// PresencePayload is carried by presence and presence:update.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// ChatPayload is the chat:message body in both directions.
type ChatPayload struct {
	ID         string `json:"id,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	Text       string `json:"text"`
	FromUserID string `json:"fromUserId,omitempty"`
	FromName   string `json:"fromName"`
	TS         int64  `json:"ts,omitempty"`
}

// InvitePayload is shared by every call:* event. Each event fills the
// fields it needs.
type InvitePayload struct {
	FromUserID string `json:"fromUserId,omitempty"`
	FromName   string `json:"fromName,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
}

// EndPayload is the call:end body.
type EndPayload struct {
	UserIDs []string `json:"userIds"`
}

// ContactUpdatePayload is the contact:update body.
type ContactUpdatePayload struct {
	ID         string     `json:"id"`
	LastCallAt *time.Time `json:"lastCallAt,omitempty"`
}
