package domain

import "strconv"

// FeedID is the server-assigned identifier of one published media stream.
type FeedID int64

func (id FeedID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Feed is one remote participant as known to the room.
type Feed struct {
	ID          FeedID `json:"id"`
	DisplayName string `json:"display"`
	IsPublisher bool   `json:"publisher"`
	IsTalking   bool   `json:"talking"`
}

// Role distinguishes the outbound link from the inbound ones.
type Role string

const (
	RolePublish   Role = "publish"
	RoleSubscribe Role = "subscribe"
)

// ConnectionState is the lifecycle state of the signaling transport.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
