package room

import (
	"errors"
	"fmt"
	"slices"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/signal"
)

func (o *Orchestrator) handle(ev signal.Event) {
	switch e := ev.(type) {
	case signal.ICEConfig:
		o.log.Debug("ice config", "servers", len(e.Servers))
		o.peers.SetICEServers(e.Servers)

	case signal.RoomCreated:
		o.log.Info("room created", "room", e.RoomID)

	case signal.Joined:
		o.onJoined(e)

	case signal.PublisherAdded:
		if o.isSelf(e.Feed.ID) {
			return
		}
		feed := e.Feed
		feed.IsPublisher = true
		o.reg.Upsert(feed)
		_ = o.subscribe(feed.ID)

	case signal.Unpublished:
		if o.isSelf(e.FeedID) {
			return
		}
		o.log.Info("feed unpublished", "feed", e.FeedID)
		o.dropFeed(e.FeedID)

	case signal.Left:
		if o.isSelf(e.FeedID) {
			return
		}
		o.log.Info("participant left", "feed", e.FeedID)
		o.dropFeed(e.FeedID)

	case signal.Talking:
		o.reg.SetTalking(e.FeedID, e.Talking)

	case signal.PublisherAnswer:
		o.onPublisherAnswer(e)

	case signal.SubscriberOffer:
		o.onSubscriberOffer(e)

	case signal.RemoteCandidate:
		o.onRemoteCandidate(e)

	case signal.Participants:
		o.reconcile(e.Feeds)

	case signal.Hangup:
		o.onHangup(e)

	case signal.ServerError:
		o.onServerError(e)

	default:
		o.log.Debug("ignoring event", "kind", ev.Kind())
	}
}

func (o *Orchestrator) isSelf(feed domain.FeedID) bool {
	return o.selfID != 0 && feed == o.selfID
}

func (o *Orchestrator) onJoined(e signal.Joined) {
	o.log.Info("joined room", "publisher_id", e.PublisherID, "publishers", len(e.Publishers))
	o.selfID = e.PublisherID
	o.reg.SetSelf(e.PublisherID)
	o.closeSubscription(e.PublisherID)

	for _, feed := range e.Publishers {
		if o.isSelf(feed.ID) {
			continue
		}
		o.reg.Upsert(feed)
		_ = o.subscribe(feed.ID)
	}
}

// reconcile makes the subscribe links match the publishers in feeds.
// Applying the same snapshot twice changes nothing.
func (o *Orchestrator) reconcile(feeds []domain.Feed) {
	want := make(map[domain.FeedID]bool, len(feeds))
	for _, f := range feeds {
		if f.IsPublisher && !o.isSelf(f.ID) {
			want[f.ID] = true
		}
	}

	o.reg.ApplySnapshot(feeds)

	for feed := range o.subs {
		if !want[feed] {
			o.log.Info("feed no longer published", "feed", feed)
			o.dropFeed(feed)
		}
	}
	for feed := range o.resubTimers {
		if !want[feed] {
			o.dropFeed(feed)
		}
	}

	ids := make([]domain.FeedID, 0, len(want))
	for feed := range want {
		ids = append(ids, feed)
	}
	slices.Sort(ids)
	for _, feed := range ids {
		_ = o.subscribe(feed)
	}
}

func (o *Orchestrator) onPublisherAnswer(e signal.PublisherAnswer) {
	l := o.publish
	if l == nil {
		o.log.Warn("answer without publish link")
		return
	}
	if !l.awaitingAnswer {
		o.log.Warn("ignoring duplicate publisher answer")
		return
	}
	l.awaitingAnswer = false

	if err := l.peer.SetRemoteDescription(e.JSEP); err != nil {
		o.closePublish()
		o.report(FaultNegotiation, nil, err)
		return
	}
	// a restart is settled once its answer is applied
	l.pendingRestart = false
	o.log.Info("publisher answer applied")
}

func (o *Orchestrator) onSubscriberOffer(e signal.SubscriberOffer) {
	feed := e.FeedID
	l, ok := o.subs[feed]
	if !ok {
		o.log.Warn("offer for unknown subscription", "feed", feed)
		return
	}

	if err := l.peer.SetRemoteDescription(e.JSEP); err != nil {
		o.dropFeed(feed)
		o.report(FaultNegotiation, &feed, err)
		return
	}
	answer, err := l.peer.CreateAnswer()
	if err != nil {
		o.dropFeed(feed)
		o.report(FaultNegotiation, &feed, err)
		return
	}
	o.sender.Send(signal.NewStart(feed, answer))
	o.log.Info("subscriber answer sent", "feed", feed)
}

func (o *Orchestrator) onRemoteCandidate(e signal.RemoteCandidate) {
	var l *link
	if e.FeedID == nil {
		l = o.publish
	} else {
		l = o.subs[*e.FeedID]
	}
	if l == nil {
		o.log.Debug("candidate for unknown link", "feed", e.FeedID)
		return
	}

	var c domain.ICECandidatePayload
	if e.Candidate != nil {
		c = *e.Candidate
	}
	if err := l.peer.AddRemoteICECandidate(c); err != nil {
		if l.role == domain.RolePublish {
			o.closePublish()
			o.report(FaultNegotiation, nil, err)
			return
		}
		feed := l.feed
		o.dropFeed(feed)
		o.report(FaultNegotiation, &feed, err)
	}
}

func (o *Orchestrator) onHangup(e signal.Hangup) {
	if e.FeedID == nil || o.isSelf(*e.FeedID) {
		if o.publish == nil {
			return
		}
		o.log.Info("publish link hung up", "reason", e.Reason)
		o.closePublish()
		return
	}
	o.log.Info("subscription hung up", "feed", *e.FeedID, "reason", e.Reason)
	o.dropFeed(*e.FeedID)
}

func (o *Orchestrator) onServerError(e signal.ServerError) {
	err := errors.New(e.Message)
	if e.FeedID == nil {
		o.report(FaultProtocol, nil, err)
		return
	}
	feed := *e.FeedID
	o.dropFeed(feed)
	o.report(FaultProtocol, &feed, fmt.Errorf("server: %w", err))
}
