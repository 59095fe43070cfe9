// Package room drives the video room: one publish peer connection, one
// subscribe peer connection per remote feed, and their recovery.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/metrics"
	"telehealth/rtc/internal/participants"
	"telehealth/rtc/internal/signal"
	"telehealth/rtc/internal/stream"

	pion "github.com/pion/webrtc/v4"
)

// Config tunes ICE recovery.
type Config struct {
	// ICEDisconnectTimeout is how long a link may stay disconnected before
	// it is treated as failed.
	ICEDisconnectTimeout time.Duration
	// ResubscribeDelay separates closing a failed subscribe link from
	// subscribing again.
	ResubscribeDelay time.Duration
	// MaxRecoveryAttempts bounds consecutive recoveries per link. Zero or
	// less means unbounded.
	MaxRecoveryAttempts int
}

// DefaultConfig returns the recovery settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		ICEDisconnectTimeout: 5 * time.Second,
		ResubscribeDelay:     time.Second,
		MaxRecoveryAttempts:  5,
	}
}

// Events is the routed inbound event source; *signal.Router implements it.
type Events interface {
	On(kinds ...signal.Kind) *stream.Subscription[signal.Event]
}

// StateSource exposes signaling connection states; *signal.Transport
// implements it.
type StateSource interface {
	States() *stream.Subscription[domain.ConnectionState]
}

// Snapshot describes the live links.
type Snapshot struct {
	SelfID     domain.FeedID
	Publishing bool
	Subscribed []domain.FeedID
}

// link is one peer connection and its recovery state.
type link struct {
	role domain.Role
	feed domain.FeedID
	peer domain.Peer

	iceState        pion.ICEConnectionState
	pendingRestart  bool
	awaitingAnswer  bool
	disconnectTimer *time.Timer
}

// Orchestrator owns every peer connection of the room session. All state
// is confined to the goroutine running Run; operations, routed events,
// peer callbacks and timers are posted to its mailbox.
type Orchestrator struct {
	sender domain.Sender
	events Events
	states StateSource
	peers  domain.PeerFactory
	media  domain.MediaSource
	reg    *participants.Registry
	cfg    Config
	log    *slog.Logger

	mailbox *stream.Queue[func()]
	errs    *stream.Hub[error]
	done    chan struct{}

	// loop state
	joined          bool
	selfID          domain.FeedID
	publish         *link
	publishStarting bool
	sessionGen      uint64 // bumped by teardown; cancels in-flight publishes
	localMedia      domain.LocalMedia
	subs            map[domain.FeedID]*link
	resubTimers     map[domain.FeedID]*time.Timer
	publishRecovery int
	subRecovery     map[domain.FeedID]int
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the recovery configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithStateSource enables re-requesting the participant list after the
// signaling connection recovers.
func WithStateSource(s StateSource) Option {
	return func(o *Orchestrator) { o.states = s }
}

// New creates an orchestrator. Run must be started before any operation
// completes.
func New(sender domain.Sender, events Events, peers domain.PeerFactory, media domain.MediaSource, reg *participants.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sender:      sender,
		events:      events,
		peers:       peers,
		media:       media,
		reg:         reg,
		cfg:         DefaultConfig(),
		log:         slog.Default(),
		mailbox:     stream.NewQueue[func()](),
		errs:        stream.NewHub[error](),
		done:        make(chan struct{}),
		subs:        make(map[domain.FeedID]*link),
		resubTimers: make(map[domain.FeedID]*time.Timer),
		subRecovery: make(map[domain.FeedID]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "room")
	return o
}

// Run processes the mailbox until ctx is done, then tears down every link
// and ends the error stream.
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.events.On(
		signal.KindICEConfig,
		signal.KindRoomCreated,
		signal.KindJoined,
		signal.KindPublisherAdded,
		signal.KindUnpublished,
		signal.KindLeft,
		signal.KindTalking,
		signal.KindPublisherAnswer,
		signal.KindSubscriberOffer,
		signal.KindRemoteCandidate,
		signal.KindParticipants,
		signal.KindHangup,
		signal.KindServerError,
	)
	defer events.Close()
	go func() {
		for ev := range events.C() {
			o.post(func() { o.handle(ev) })
		}
	}()

	if o.states != nil {
		states := o.states.States()
		defer states.Close()
		go o.watchStates(states)
	}

	for {
		fn, ok := o.mailbox.Pop(ctx)
		if !ok {
			break
		}
		fn()
	}

	o.teardown()
	o.mailbox.Close()
	close(o.done)
	o.errs.Close()
	return ctx.Err()
}

func (o *Orchestrator) watchStates(states *stream.Subscription[domain.ConnectionState]) {
	// recovering survives the Connecting and Failed states between a
	// Reconnecting and the next Connected.
	recovering := false
	for s := range states.C() {
		switch s {
		case domain.Reconnecting:
			recovering = true
		case domain.Disconnected:
			recovering = false
		case domain.Connected:
			if !recovering {
				continue
			}
			recovering = false
			o.post(func() {
				if o.joined {
					o.log.Info("signaling recovered, refreshing participants")
					o.sender.Send(signal.NewParticipantsRequest())
				}
			})
		}
	}
}

func (o *Orchestrator) post(fn func()) {
	o.mailbox.Push(fn)
}

// call runs fn on the loop and waits for its result.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !o.mailbox.Push(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrClosed
	}
}

// Errors subscribes to faults. Every value is a *Fault.
func (o *Orchestrator) Errors() *stream.Subscription[error] {
	return o.errs.Subscribe()
}

// Registry returns the participant projection kept by the orchestrator.
func (o *Orchestrator) Registry() *participants.Registry {
	return o.reg
}

// JoinRoom announces the local participant. No peer connection is created.
func (o *Orchestrator) JoinRoom(displayName string) error {
	return o.call(context.Background(), func() error {
		o.joined = true
		o.sender.Send(signal.NewJoin(displayName))
		return nil
	})
}

// JoinGroup subscribes the session to a notification group.
func (o *Orchestrator) JoinGroup(name string) error {
	return o.call(context.Background(), func() error {
		o.sender.Send(signal.NewJoinGroup(name))
		return nil
	})
}

// LeaveGroup unsubscribes the session from a notification group.
func (o *Orchestrator) LeaveGroup(name string) error {
	return o.call(context.Background(), func() error {
		o.sender.Send(signal.NewLeaveGroup(name))
		return nil
	})
}

// RequestParticipants asks the server for a membership snapshot.
func (o *Orchestrator) RequestParticipants() error {
	return o.call(context.Background(), func() error {
		o.sender.Send(signal.NewParticipantsRequest())
		return nil
	})
}

// StartPublishing acquires local media and offers it on the publish link.
// Media acquisition runs outside the loop so inbound events keep flowing.
func (o *Orchestrator) StartPublishing(ctx context.Context, video, audio bool) error {
	var gen uint64
	err := o.call(ctx, func() error {
		if o.publish != nil || o.publishStarting {
			return ErrAlreadyPublishing
		}
		o.publishStarting = true
		gen = o.sessionGen
		return nil
	})
	if err != nil {
		return err
	}

	media, err := o.media.Acquire(ctx, video, audio)
	if err != nil {
		err = fmt.Errorf("acquire media: %w", err)
		_ = o.call(context.Background(), func() error {
			if gen == o.sessionGen {
				o.publishStarting = false
				o.report(FaultCapability, nil, err)
			}
			return nil
		})
		return err
	}

	err = o.call(context.Background(), func() error {
		if gen != o.sessionGen {
			return ErrClosed
		}
		o.publishStarting = false
		return o.startPublish(media)
	})
	if errors.Is(err, ErrClosed) {
		media.Stop()
	}
	return err
}

func (o *Orchestrator) startPublish(media domain.LocalMedia) error {
	l, err := o.newLink(domain.RolePublish, 0)
	if err != nil {
		media.Stop()
		o.report(FaultNegotiation, nil, err)
		return err
	}
	if err := l.peer.AddLocalMedia(media); err != nil {
		_ = l.peer.Close()
		media.Stop()
		err = fmt.Errorf("attach media: %w", err)
		o.report(FaultNegotiation, nil, err)
		return err
	}

	o.publish = l
	o.localMedia = media
	metrics.ActivePeerLinks.WithLabelValues(string(domain.RolePublish)).Inc()

	offer, err := l.peer.CreateOffer(false)
	if err != nil {
		o.closePublish()
		o.report(FaultNegotiation, nil, err)
		return err
	}
	l.awaitingAnswer = true
	o.sender.Send(signal.NewPublish(offer))
	o.log.Info("publishing", "tracks", len(media.Tracks()))
	return nil
}

// StopPublishing stops local media and closes the publish link.
func (o *Orchestrator) StopPublishing() error {
	return o.call(context.Background(), func() error {
		if o.publish == nil {
			return ErrNotPublishing
		}
		o.closePublish()
		return nil
	})
}

// SubscribeToFeed opens a subscribe link for feed. Subscribing to a feed
// that already has a link is a no-op.
func (o *Orchestrator) SubscribeToFeed(feed domain.FeedID) error {
	return o.call(context.Background(), func() error {
		return o.subscribe(feed)
	})
}

func (o *Orchestrator) subscribe(feed domain.FeedID) error {
	if o.selfID != 0 && feed == o.selfID {
		return nil
	}
	if _, ok := o.subs[feed]; ok {
		return nil
	}
	o.cancelResubscribe(feed)

	l, err := o.newLink(domain.RoleSubscribe, feed)
	if err != nil {
		o.dropFeed(feed)
		o.report(FaultNegotiation, &feed, err)
		return err
	}
	if err := l.peer.AddRecvTransceivers(); err != nil {
		_ = l.peer.Close()
		o.dropFeed(feed)
		err = fmt.Errorf("add transceivers: %w", err)
		o.report(FaultNegotiation, &feed, err)
		return err
	}

	o.subs[feed] = l
	o.reg.EnsurePublisher(feed)
	metrics.ActivePeerLinks.WithLabelValues(string(domain.RoleSubscribe)).Inc()
	o.sender.Send(signal.NewSubscribe(feed))
	o.log.Info("subscribing", "feed", feed)
	return nil
}

// Leave closes every link, stops local media and forgets the room.
func (o *Orchestrator) Leave() error {
	return o.call(context.Background(), func() error {
		o.teardown()
		return nil
	})
}

// Snapshot returns the live links.
func (o *Orchestrator) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := o.call(context.Background(), func() error {
		s.SelfID = o.selfID
		s.Publishing = o.publish != nil
		for feed := range o.subs {
			s.Subscribed = append(s.Subscribed, feed)
		}
		slices.Sort(s.Subscribed)
		return nil
	})
	return s, err
}

func (o *Orchestrator) newLink(role domain.Role, feed domain.FeedID) (*link, error) {
	peer, err := o.peers.NewPeer(role, feed)
	if err != nil {
		return nil, fmt.Errorf("create %s peer: %w", role, err)
	}
	l := &link{role: role, feed: feed, peer: peer, iceState: pion.ICEConnectionStateNew}
	peer.SetOnICECandidate(func(c *domain.ICECandidatePayload) {
		o.post(func() { o.onLocalCandidate(l, c) })
	})
	peer.SetOnICEStateChange(func(state pion.ICEConnectionState) {
		o.post(func() { o.onICEState(l, state) })
	})
	return l, nil
}

// current reports whether l is still the live link for its role and feed.
func (o *Orchestrator) current(l *link) bool {
	if l.role == domain.RolePublish {
		return o.publish == l
	}
	return o.subs[l.feed] == l
}

func (o *Orchestrator) onLocalCandidate(l *link, c *domain.ICECandidatePayload) {
	if !o.current(l) {
		return
	}
	var feed *domain.FeedID
	if l.role == domain.RoleSubscribe {
		id := l.feed
		feed = &id
	}
	o.sender.Send(signal.NewTrickle(c, feed))
}

func (o *Orchestrator) closeLink(l *link) {
	if l.disconnectTimer != nil {
		l.disconnectTimer.Stop()
		l.disconnectTimer = nil
	}
	if err := l.peer.Close(); err != nil {
		o.log.Debug("close peer", "role", l.role, "feed", l.feed, "error", err)
	}
	metrics.ActivePeerLinks.WithLabelValues(string(l.role)).Dec()
}

func (o *Orchestrator) closePublish() {
	if o.publish != nil {
		l := o.publish
		o.publish = nil
		o.closeLink(l)
	}
	if o.localMedia != nil {
		o.localMedia.Stop()
		o.localMedia = nil
	}
	o.publishRecovery = 0
}

// closeSubscription closes the subscribe link of feed, if any.
func (o *Orchestrator) closeSubscription(feed domain.FeedID) {
	l, ok := o.subs[feed]
	if !ok {
		return
	}
	delete(o.subs, feed)
	o.closeLink(l)
}

// dropFeed closes everything held for feed and removes it from the
// registry.
func (o *Orchestrator) dropFeed(feed domain.FeedID) {
	o.closeSubscription(feed)
	o.cancelResubscribe(feed)
	delete(o.subRecovery, feed)
	o.reg.Remove(feed)
}

func (o *Orchestrator) cancelResubscribe(feed domain.FeedID) {
	if t, ok := o.resubTimers[feed]; ok {
		t.Stop()
		delete(o.resubTimers, feed)
	}
}

func (o *Orchestrator) teardown() {
	o.closePublish()
	for feed := range o.subs {
		o.closeSubscription(feed)
	}
	for feed := range o.resubTimers {
		o.cancelResubscribe(feed)
	}
	clear(o.subRecovery)
	o.publishStarting = false
	o.sessionGen++
	o.reg.Clear()
	o.joined = false
	o.selfID = 0
}

func (o *Orchestrator) report(kind FaultKind, feed *domain.FeedID, err error) {
	metrics.FaultsTotal.WithLabelValues(string(kind)).Inc()
	o.log.Warn("fault", "kind", kind, "feed", feed, "error", err)
	o.errs.Publish(&Fault{Kind: kind, FeedID: feed, Err: err})
}
