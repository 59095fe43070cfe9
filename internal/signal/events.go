package signal

import (
	"bytes"
	"encoding/json"
	"strconv"

	"telehealth/rtc/internal/domain"
)

// Kind discriminates routed events.
type Kind string

const (
	KindICEConfig       Kind = "ice_config"
	KindRoomCreated     Kind = "room_created"
	KindJoined          Kind = "joined"
	KindPublisherAdded  Kind = "publisher_added"
	KindUnpublished     Kind = "unpublished"
	KindLeft            Kind = "left"
	KindTalking         Kind = "talking"
	KindPublisherAnswer Kind = "publisher_answer"
	KindSubscriberOffer Kind = "subscriber_offer"
	KindRemoteCandidate Kind = "remote_candidate"
	KindParticipants    Kind = "participants"
	KindHangup          Kind = "hangup"
	KindServerError     Kind = "error"
	KindPong            Kind = "pong"
	KindUnknown         Kind = "unknown"
)

// Event is the closed set of inbound signaling events.
type Event interface {
	Kind() Kind
	event()
}

// ICEConfig delivers the ICE servers to use for new peer connections.
type ICEConfig struct {
	Servers []domain.ICEServer
}

// RoomCreated reports the room the server allocated.
type RoomCreated struct {
	RoomID string
}

// Joined confirms the local join and carries the current publishers.
type Joined struct {
	PublisherID domain.FeedID
	Publishers  []domain.Feed
}

// PublisherAdded announces a new or updated remote publisher.
type PublisherAdded struct {
	Feed domain.Feed
}

// Unpublished reports that a feed stopped publishing.
type Unpublished struct {
	FeedID domain.FeedID
}

// Left reports that a participant left the room.
type Left struct {
	FeedID domain.FeedID
}

// Talking carries the advisory voice activity of a feed.
type Talking struct {
	FeedID  domain.FeedID
	Talking bool
}

// PublisherAnswer is the answer to the local publish offer.
type PublisherAnswer struct {
	JSEP domain.SDPPayload
}

// SubscriberOffer is the server offer for one subscribed feed.
type SubscriberOffer struct {
	FeedID domain.FeedID
	JSEP   domain.SDPPayload
}

// RemoteCandidate is a trickled remote candidate. FeedID is nil for the
// publish link; a nil Candidate marks the end of remote gathering.
type RemoteCandidate struct {
	FeedID    *domain.FeedID
	Candidate *domain.ICECandidatePayload
}

// Participants is the canonical membership snapshot.
type Participants struct {
	Feeds []domain.Feed
}

// Hangup reports that the server tore down a link.
type Hangup struct {
	FeedID *domain.FeedID
	Reason string
}

// ServerError is an error reported by the signaling server.
type ServerError struct {
	FeedID  *domain.FeedID
	Message string
}

// Pong answers a keepalive.
type Pong struct {
	Timestamp int64
}

// Unknown preserves a frame of a type this client does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ICEConfig) Kind() Kind       { return KindICEConfig }
func (RoomCreated) Kind() Kind     { return KindRoomCreated }
func (Joined) Kind() Kind          { return KindJoined }
func (PublisherAdded) Kind() Kind  { return KindPublisherAdded }
func (Unpublished) Kind() Kind     { return KindUnpublished }
func (Left) Kind() Kind            { return KindLeft }
func (Talking) Kind() Kind         { return KindTalking }
func (PublisherAnswer) Kind() Kind { return KindPublisherAnswer }
func (SubscriberOffer) Kind() Kind { return KindSubscriberOffer }
func (RemoteCandidate) Kind() Kind { return KindRemoteCandidate }
func (Participants) Kind() Kind    { return KindParticipants }
func (Hangup) Kind() Kind          { return KindHangup }
func (ServerError) Kind() Kind     { return KindServerError }
func (Pong) Kind() Kind            { return KindPong }
func (Unknown) Kind() Kind         { return KindUnknown }

func (ICEConfig) event()       {}
func (RoomCreated) event()     {}
func (Joined) event()          {}
func (PublisherAdded) event()  {}
func (Unpublished) event()     {}
func (Left) event()            {}
func (Talking) event()         {}
func (PublisherAnswer) event() {}
func (SubscriberOffer) event() {}
func (RemoteCandidate) event() {}
func (Participants) event()    {}
func (Hangup) event()          {}
func (ServerError) event()     {}
func (Pong) event()            {}
func (Unknown) event()         {}

// wireFeed is a participant or publisher entry as sent by the server.
type wireFeed struct {
	ID        domain.FeedID `json:"id"`
	Display   string        `json:"display"`
	Publisher *bool         `json:"publisher"`
	Talking   bool          `json:"talking"`
}

func (w wireFeed) toFeed(defaultPublisher bool) domain.Feed {
	publisher := defaultPublisher
	if w.Publisher != nil {
		publisher = *w.Publisher
	}
	return domain.Feed{ID: w.ID, DisplayName: w.Display, IsPublisher: publisher, IsTalking: w.Talking}
}

func toFeeds(in []wireFeed, defaultPublisher bool) []domain.Feed {
	out := make([]domain.Feed, 0, len(in))
	for _, w := range in {
		out = append(out, w.toFeed(defaultPublisher))
	}
	return out
}

// looseID accepts an identifier sent either as a JSON string or number.
type looseID string

func (id *looseID) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = looseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = looseID(n.String())
	return nil
}

// optionalFeedID reads a feed id that may be absent, null or a
// non-numeric marker such as "ok".
func optionalFeedID(raw json.RawMessage) *domain.FeedID {
	if len(raw) == 0 {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return nil
	}
	id := domain.FeedID(v)
	return &id
}
