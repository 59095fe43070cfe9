package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/stream"
)

// Source supplies inbound frames; *Transport implements it.
type Source interface {
	Subscribe() *stream.Subscription[Frame]
}

// Router is a stateless typed filter over a Source. Each subscription
// decodes frames independently, so a subscriber sees only what arrives
// after it subscribed.
type Router struct {
	src Source
	log *slog.Logger
}

// NewRouter creates a router over src.
func NewRouter(src Source, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{src: src, log: log.With("component", "router")}
}

// On subscribes to events of the given kinds, in arrival order across
// kinds. With no kinds every event is delivered.
func (r *Router) On(kinds ...Kind) *stream.Subscription[Event] {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	return stream.Transform(r.src.Subscribe(), func(f Frame) []Event {
		events, err := Decode(f)
		if err != nil {
			r.log.Warn("dropping undecodable frame", "type", f.Type, "error", err)
		}
		if len(want) == 0 {
			return events
		}
		out := events[:0]
		for _, ev := range events {
			if want[ev.Kind()] {
				out = append(out, ev)
			}
		}
		return out
	})
}

// Typed subscribes to the single event type T.
func Typed[T Event](r *Router) *stream.Subscription[T] {
	var zero T
	return stream.Transform(r.On(zero.Kind()), func(ev Event) []T {
		if v, ok := ev.(T); ok {
			return []T{v}
		}
		return nil
	})
}

// Decode turns one frame into events. Frames of unknown type become
// Unknown; a frame whose payload does not match its type yields an error
// together with whatever could be decoded.
func Decode(f Frame) ([]Event, error) {
	switch f.Type {
	case "ice_config":
		var m struct {
			ICEServers []domain.ICEServer `json:"ice_servers"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{ICEConfig{Servers: m.ICEServers}}, nil

	case "room_created":
		var m struct {
			RoomID looseID `json:"room_id"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{RoomCreated{RoomID: string(m.RoomID)}}, nil

	case "joined":
		var m struct {
			PublisherID domain.FeedID `json:"publisher_id"`
			Publishers  []wireFeed    `json:"publishers"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{Joined{PublisherID: m.PublisherID, Publishers: toFeeds(m.Publishers, true)}}, nil

	case TypeRelay:
		return decodeRelay(f.Data)

	case "participants":
		var m struct {
			Data []wireFeed `json:"data"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{Participants{Feeds: toFeeds(m.Data, false)}}, nil

	case "trickle":
		var m struct {
			Candidate *domain.ICECandidatePayload `json:"candidate"`
			FeedID    json.RawMessage             `json:"feed_id"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{RemoteCandidate{FeedID: optionalFeedID(m.FeedID), Candidate: m.Candidate}}, nil

	case "hangup":
		var m struct {
			FeedID json.RawMessage `json:"feed_id"`
			Reason string          `json:"reason"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{Hangup{FeedID: optionalFeedID(m.FeedID), Reason: m.Reason}}, nil

	case "error":
		var m struct {
			FeedID json.RawMessage `json:"feed_id"`
			Error  string          `json:"error"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{ServerError{FeedID: optionalFeedID(m.FeedID), Message: m.Error}}, nil

	case "pong":
		var m struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []Event{Pong{Timestamp: m.Timestamp}}, nil

	default:
		return []Event{Unknown{Type: f.Type, Raw: json.RawMessage(f.Data)}}, nil
	}
}
