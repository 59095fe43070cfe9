package domain

import (
	"context"

	pion "github.com/pion/webrtc/v4"
)

// CredentialFetcher retrieves room join credentials from the REST API.
type CredentialFetcher interface {
	FetchCredentials(ctx context.Context, token, consultationID string) (*Credentials, error)
}

// Sender is the outbound half of the signaling transport.
// Send never fails from the caller's point of view; undeliverable
// messages are queued by the transport.
type Sender interface {
	Send(msg any)
}

// Peer manages one WebRTC peer connection.
type Peer interface {
	AddRecvTransceivers() error
	AddLocalMedia(media LocalMedia) error
	CreateOffer(iceRestart bool) (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	// SetOnICECandidate registers the local candidate callback. A nil
	// candidate marks the end of gathering.
	SetOnICECandidate(fn func(candidate *ICECandidatePayload))
	SetOnICEStateChange(fn func(state pion.ICEConnectionState))
	Close() error
}

// PeerFactory creates peers for the room orchestrator.
type PeerFactory interface {
	NewPeer(role Role, feed FeedID) (Peer, error)
	SetICEServers(servers []ICEServer)
}

// MediaSource acquires local capture for publishing.
type MediaSource interface {
	Acquire(ctx context.Context, video, audio bool) (LocalMedia, error)
}

// LocalMedia is a running local capture.
type LocalMedia interface {
	Tracks() []pion.TrackLocal
	Stop()
}
