package signal

import (
	"time"

	"telehealth/rtc/internal/domain"

	"github.com/google/uuid"
)

// Outbound message types.
const (
	TypeJoin         = "join"
	TypePublish      = "publish"
	TypeSubscribe    = "subscribe"
	TypeStart        = "start"
	TypeTrickle      = "trickle"
	TypeParticipants = "participants"
	TypePing         = "ping"
	TypeJoinGroup    = "join_group"
	TypeLeaveGroup   = "leave_group"
)

// JoinMessage announces the local participant to the room.
type JoinMessage struct {
	Type        string `json:"type"`
	Transaction string `json:"transaction"`
	DisplayName string `json:"display_name"`
}

// PublishMessage carries the publisher offer, including ICE restarts.
type PublishMessage struct {
	Type        string            `json:"type"`
	Transaction string            `json:"transaction"`
	JSEP        domain.SDPPayload `json:"jsep"`
}

// SubscribeMessage asks the server for an offer for one feed.
type SubscribeMessage struct {
	Type        string        `json:"type"`
	Transaction string        `json:"transaction"`
	FeedID      domain.FeedID `json:"feed_id"`
}

// StartMessage carries the subscriber answer for one feed.
type StartMessage struct {
	Type        string            `json:"type"`
	Transaction string            `json:"transaction"`
	FeedID      domain.FeedID     `json:"feed_id"`
	JSEP        domain.SDPPayload `json:"jsep"`
}

// TrickleMessage carries one local candidate. A nil Candidate is encoded
// as null and marks the end of gathering. FeedID is absent for the
// publish link.
type TrickleMessage struct {
	Type      string                      `json:"type"`
	Candidate *domain.ICECandidatePayload `json:"candidate"`
	FeedID    *domain.FeedID              `json:"feed_id,omitempty"`
}

// ParticipantsMessage requests a membership snapshot.
type ParticipantsMessage struct {
	Type string `json:"type"`
}

// PingMessage is the application level keepalive.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// GroupMessage joins or leaves a notification group.
type GroupMessage struct {
	Type      string `json:"type"`
	GroupName string `json:"group_name"`
}

// NewJoin announces the local participant under displayName.
func NewJoin(displayName string) JoinMessage {
	return JoinMessage{Type: TypeJoin, Transaction: uuid.NewString(), DisplayName: displayName}
}

// NewPublish offers local media on the publish link.
func NewPublish(jsep domain.SDPPayload) PublishMessage {
	return PublishMessage{Type: TypePublish, Transaction: uuid.NewString(), JSEP: jsep}
}

// NewSubscribe requests a subscribe link for feed.
func NewSubscribe(feed domain.FeedID) SubscribeMessage {
	return SubscribeMessage{Type: TypeSubscribe, Transaction: uuid.NewString(), FeedID: feed}
}

// NewStart answers the server offer for feed.
func NewStart(feed domain.FeedID, jsep domain.SDPPayload) StartMessage {
	return StartMessage{Type: TypeStart, Transaction: uuid.NewString(), FeedID: feed, JSEP: jsep}
}

// NewTrickle builds a trickle message. feed is nil for the publish link.
func NewTrickle(candidate *domain.ICECandidatePayload, feed *domain.FeedID) TrickleMessage {
	return TrickleMessage{Type: TypeTrickle, Candidate: candidate, FeedID: feed}
}

// NewParticipantsRequest asks for a membership snapshot.
func NewParticipantsRequest() ParticipantsMessage {
	return ParticipantsMessage{Type: TypeParticipants}
}

// NewPing builds a keepalive stamped with now in milliseconds.
func NewPing(now time.Time) PingMessage {
	return PingMessage{Type: TypePing, Timestamp: now.UnixMilli()}
}

// NewJoinGroup subscribes the session to the notification group name.
func NewJoinGroup(name string) GroupMessage {
	return GroupMessage{Type: TypeJoinGroup, GroupName: name}
}

// NewLeaveGroup unsubscribes the session from the notification group name.
func NewLeaveGroup(name string) GroupMessage {
	return GroupMessage{Type: TypeLeaveGroup, GroupName: name}
}
