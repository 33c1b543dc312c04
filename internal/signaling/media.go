package signaling

import "context"

// The engine negotiates sessions but does not capture media or push packets.
// Both facilities are capability interfaces supplied by the embedding
// application (a WebRTC binding, a test double).

type MediaConstraints struct {
	Audio bool
	Video bool
}

type Track interface {
	// Kind is "audio" or "video".
	Kind() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type MediaStream interface {
	AudioTracks() []Track
	VideoTracks() []Track
}

// MediaDevices acquires local capture. Acquisition fails when the device is
// denied or unavailable; the engine aborts the call attempt on failure.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (MediaStream, error)
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// PeerConnection is one peer-to-peer transport session. Callbacks must be
// registered before negotiation starts; implementations may invoke them from
// any goroutine.
type PeerConnection interface {
	AddTrack(track Track) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(ctx context.Context, candidate ICECandidate) error

	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(MediaStream))
	OnConnectionStateChange(fn func(ConnectionState))

	Close() error
}

type TransportFactory interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}
