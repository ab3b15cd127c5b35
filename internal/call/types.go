package call

import "github.com/petervdpas/duocall/internal/proto"

// Signaler is the only surface the call package needs from the signaling
// transport. *signal.Client satisfies it.
type Signaler interface {
	Send(event string, payload any) error
	Subscribe(events ...string) (<-chan proto.Event, func())
}

// RemoteStatus is what this side knows about the other participant.
type RemoteStatus string

const (
	RemoteIdle       RemoteStatus = "idle"
	RemoteConnecting RemoteStatus = "connecting"
	RemoteConnected  RemoteStatus = "connected"
	RemoteLeft       RemoteStatus = "left"
)

// EndReason tells the OnEnded hook why a session went away.
type EndReason string

const (
	EndLeft       EndReason = "left"
	EndRoomClosed EndReason = "room_closed"
)

// Status is a point-in-time view of a session.
type Status struct {
	RoomID            string       `json:"roomId"`
	RemoteStatus      RemoteStatus `json:"remoteStatus"`
	MicOn             bool         `json:"micOn"`
	CamOn             bool         `json:"camOn"`
	CameraUnavailable bool         `json:"cameraUnavailable"`
	PeerName          string       `json:"peerName,omitempty"`
	LiveTracks        int          `json:"liveTracks"`
	LocalBound        bool         `json:"localBound"`
	RemoteBound       bool         `json:"remoteBound"`
	Ended             bool         `json:"ended"`
}
