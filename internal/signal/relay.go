package signal

import (
	"encoding/json"
	"fmt"

	"telehealth/rtc/internal/domain"
)

// TypeRelay is the server's generic relay frame. Its nested payload is a
// server-versioned contract; everything that depends on its shape lives
// in this file.
const TypeRelay = "janus_event"

type relayFrame struct {
	Data relayData `json:"data"`
}

type relayData struct {
	Publishers     []wireFeed         `json:"publishers"`
	Unpublished    json.RawMessage    `json:"unpublished"`
	Leaving        json.RawMessage    `json:"leaving"`
	Talking        json.RawMessage    `json:"talking"`
	StoppedTalking json.RawMessage    `json:"stopped_talking"`
	FeedID         json.RawMessage    `json:"feed_id"`
	JSEP           *domain.SDPPayload `json:"jsep"`
	Error          string             `json:"error"`
	Hangup         string             `json:"hangup"`
}

// decodeRelay expands one relay frame into zero or more events.
func decodeRelay(data []byte) ([]Event, error) {
	var frame relayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode relay: %w", err)
	}
	d := frame.Data
	feed := optionalFeedID(d.FeedID)

	var events []Event
	for _, p := range d.Publishers {
		events = append(events, PublisherAdded{Feed: p.toFeed(true)})
	}
	if id := optionalFeedID(d.Unpublished); id != nil {
		events = append(events, Unpublished{FeedID: *id})
	}
	if id := optionalFeedID(d.Leaving); id != nil {
		events = append(events, Left{FeedID: *id})
	}
	if id := optionalFeedID(d.Talking); id != nil {
		events = append(events, Talking{FeedID: *id, Talking: true})
	}
	if id := optionalFeedID(d.StoppedTalking); id != nil {
		events = append(events, Talking{FeedID: *id, Talking: false})
	}

	if d.JSEP != nil {
		switch {
		case d.JSEP.Type == domain.SDPTypeAnswer && feed == nil:
			events = append(events, PublisherAnswer{JSEP: *d.JSEP})
		case d.JSEP.Type == domain.SDPTypeOffer && feed != nil:
			events = append(events, SubscriberOffer{FeedID: *feed, JSEP: *d.JSEP})
		default:
			return events, fmt.Errorf("decode relay: unexpected jsep %q (feed %v)", d.JSEP.Type, feed)
		}
	}

	if d.Error != "" {
		events = append(events, ServerError{FeedID: feed, Message: d.Error})
	}
	if d.Hangup != "" {
		events = append(events, Hangup{FeedID: feed, Reason: d.Hangup})
	}
	return events, nil
}
