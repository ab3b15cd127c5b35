package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrUnknownEvent is returned by Decode for event names outside the protocol.
var ErrUnknownEvent = errors.New("unknown event")

// Event is one decoded inbound frame. The set of implementations is closed:
// every inbound event name maps to exactly one type below.
type Event interface {
	Name() string
	event()
}

// Join reports that the other participant entered the room.
type Join struct{ RoomID string }

// PeerName carries the other participant's display name.
type PeerName struct{ DisplayName string }

// Offer carries a remote session description of type offer.
type Offer struct{ SDP webrtc.SessionDescription }

// Answer carries a remote session description of type answer.
type Answer struct{ SDP webrtc.SessionDescription }

// Candidate carries one remote ICE candidate.
type Candidate struct{ Init webrtc.ICECandidateInit }

// RoomFull means the room already has two participants.
type RoomFull struct{ RoomID string }

// RoomClosed means the server closed the room.
type RoomClosed struct{ RoomID string }

// PeerDisconnected means the other participant dropped.
type PeerDisconnected struct{ Message string }

// ChatMessage is an inbound chat line.
type ChatMessage struct{ ChatPayload }

// Presence is a status change of one user.
type Presence struct{ PresencePayload }

// ContactUpdate patches one directory entry.
type ContactUpdate struct{ ContactUpdatePayload }

// CallIncoming is an invitation addressed to this user.
type CallIncoming struct{ InvitePayload }

// CallAccepted means the callee accepted our invitation.
type CallAccepted struct{ InvitePayload }

// CallRejected means the callee declined our invitation.
type CallRejected struct{ InvitePayload }

// CallCanceled means the caller withdrew an invitation to us.
type CallCanceled struct{ InvitePayload }

// CallUnavailable means the invited user cannot be reached.
type CallUnavailable struct{ InvitePayload }

func (Join) Name() string             { return EventJoin }
func (PeerName) Name() string         { return EventName }
func (Offer) Name() string            { return EventOffer }
func (Answer) Name() string           { return EventAnswer }
func (Candidate) Name() string        { return EventCandidate }
func (RoomFull) Name() string         { return EventRoomFull }
func (RoomClosed) Name() string       { return EventRoomClosed }
func (PeerDisconnected) Name() string { return EventPeerDisconnected }
func (ChatMessage) Name() string      { return EventChatMessage }
func (Presence) Name() string         { return EventPresence }
func (ContactUpdate) Name() string    { return EventContactUpdate }
func (CallIncoming) Name() string     { return EventCallIncoming }
func (CallAccepted) Name() string     { return EventCallAccepted }
func (CallRejected) Name() string     { return EventCallRejected }
func (CallCanceled) Name() string     { return EventCallCanceled }
func (CallUnavailable) Name() string  { return EventCallUnavailable }

func (Join) event()             {}
func (PeerName) event()         {}
func (Offer) event()            {}
func (Answer) event()           {}
func (Candidate) event()        {}
func (RoomFull) event()         {}
func (RoomClosed) event()       {}
func (PeerDisconnected) event() {}
func (ChatMessage) event()      {}
func (Presence) event()         {}
func (ContactUpdate) event()    {}
func (CallIncoming) event()     {}
func (CallAccepted) event()     {}
func (CallRejected) event()     {}
func (CallCanceled) event()     {}
func (CallUnavailable) event()  {}

// Decode parses raw frame bytes into a typed event.
func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return DecodeFrame(f)
}

// DecodeFrame converts a frame into its typed event, validating the fields
// each event requires.
func DecodeFrame(f Frame) (Event, error) {
	switch f.Event {
	case EventJoin:
		// The room id is optional on the inbound side.
		var room string
		_ = optionalString(f.Data, &room)
		return Join{RoomID: room}, nil

	case EventName:
		var name string
		if err := optionalString(f.Data, &name); err != nil {
			return nil, wrap(f.Event, err)
		}
		return PeerName{DisplayName: name}, nil

	case EventOffer, EventAnswer:
		var sd webrtc.SessionDescription
		if err := unmarshal(f.Data, &sd); err != nil {
			return nil, wrap(f.Event, err)
		}
		if sd.SDP == "" {
			return nil, wrap(f.Event, errors.New("missing sdp"))
		}
		if f.Event == EventOffer {
			if sd.Type != webrtc.SDPTypeOffer {
				return nil, wrap(f.Event, fmt.Errorf("unexpected type %s", sd.Type))
			}
			return Offer{SDP: sd}, nil
		}
		if sd.Type != webrtc.SDPTypeAnswer {
			return nil, wrap(f.Event, fmt.Errorf("unexpected type %s", sd.Type))
		}
		return Answer{SDP: sd}, nil

	case EventCandidate:
		var c webrtc.ICECandidateInit
		if err := unmarshal(f.Data, &c); err != nil {
			return nil, wrap(f.Event, err)
		}
		return Candidate{Init: c}, nil

	case EventRoomFull:
		var room string
		_ = optionalString(f.Data, &room)
		return RoomFull{RoomID: room}, nil

	case EventRoomClosed:
		var room string
		_ = optionalString(f.Data, &room)
		return RoomClosed{RoomID: room}, nil

	case EventPeerDisconnected:
		var msg string
		_ = optionalString(f.Data, &msg)
		return PeerDisconnected{Message: msg}, nil

	case EventChatMessage:
		var p ChatPayload
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, wrap(f.Event, err)
		}
		if p.Text == "" {
			return nil, wrap(f.Event, errors.New("missing text"))
		}
		return ChatMessage{p}, nil

	case EventPresence:
		var p PresencePayload
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, wrap(f.Event, err)
		}
		if p.UserID == "" {
			return nil, wrap(f.Event, errors.New("missing userId"))
		}
		if !p.Status.Valid() {
			return nil, wrap(f.Event, fmt.Errorf("invalid status %q", p.Status))
		}
		return Presence{p}, nil

	case EventContactUpdate:
		var p ContactUpdatePayload
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, wrap(f.Event, err)
		}
		if p.ID == "" {
			return nil, wrap(f.Event, errors.New("missing id"))
		}
		return ContactUpdate{p}, nil

	case EventCallIncoming:
		p, err := invite(f)
		if err != nil {
			return nil, err
		}
		if p.RoomID == "" || p.FromUserID == "" {
			return nil, wrap(f.Event, errors.New("missing roomId or fromUserId"))
		}
		return CallIncoming{p}, nil

	case EventCallAccepted:
		p, err := invite(f)
		if err != nil {
			return nil, err
		}
		if p.RoomID == "" {
			return nil, wrap(f.Event, errors.New("missing roomId"))
		}
		return CallAccepted{p}, nil

	case EventCallRejected:
		p, err := invite(f)
		if err != nil {
			return nil, err
		}
		return CallRejected{p}, nil

	case EventCallCanceled:
		p, err := invite(f)
		if err != nil {
			return nil, err
		}
		return CallCanceled{p}, nil

	case EventCallUnavailable:
		p, err := invite(f)
		if err != nil {
			return nil, err
		}
		return CallUnavailable{p}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownEvent, f.Event)
}

func invite(f Frame) (InvitePayload, error) {
	var p InvitePayload
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, wrap(f.Event, err)
	}
	return p, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, v)
}

// optionalString accepts a bare JSON string or an absent payload.
func optionalString(data json.RawMessage, dst *string) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func wrap(event string, err error) error {
	return fmt.Errorf("%s: %w", event, err)
}
