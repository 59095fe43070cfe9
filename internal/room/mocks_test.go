package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/participants"
	"telehealth/rtc/internal/signal"
	"telehealth/rtc/internal/stream"

	pion "github.com/pion/webrtc/v4"
)

// sentMessage is an outbound message decoded back from JSON.
type sentMessage struct {
	Type      string                      `json:"type"`
	FeedID    *domain.FeedID              `json:"feed_id"`
	JSEP      *domain.SDPPayload          `json:"jsep"`
	Candidate *domain.ICECandidatePayload `json:"candidate"`
	Display   string                      `json:"display_name"`
}

// mockSender records outbound messages.
type mockSender struct {
	mu   sync.Mutex
	msgs []sentMessage
}

func (m *mockSender) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	var s sentMessage
	if err := json.Unmarshal(data, &s); err != nil {
		panic(err)
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, s)
	m.mu.Unlock()
}

func (m *mockSender) ofType(kind string) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.msgs {
		if s.Type == kind {
			out = append(out, s)
		}
	}
	return out
}

// mockEvents delivers injected events to every subscriber.
type mockEvents struct {
	hub *stream.Hub[signal.Event]
}

func newMockEvents() *mockEvents {
	return &mockEvents{hub: stream.NewHub[signal.Event]()}
}

func (m *mockEvents) On(kinds ...signal.Kind) *stream.Subscription[signal.Event] {
	return m.hub.Subscribe()
}

func (m *mockEvents) emit(ev signal.Event) {
	m.hub.Publish(ev)
}

// mockStates delivers injected connection states.
type mockStates struct {
	hub *stream.Hub[domain.ConnectionState]
}

func (m *mockStates) States() *stream.Subscription[domain.ConnectionState] {
	return m.hub.Subscribe()
}

// mockPeer records negotiation calls and lets tests fire callbacks.
type mockPeer struct {
	role domain.Role
	feed domain.FeedID

	mu           sync.Mutex
	recvAdded    bool
	media        domain.LocalMedia
	offers       []bool
	answers      int
	remoteDescs  []domain.SDPPayload
	candidates   []domain.ICECandidatePayload
	closed       bool
	setRemoteErr error
	onCandidate  func(*domain.ICECandidatePayload)
	onState      func(pion.ICEConnectionState)
}

func (m *mockPeer) AddRecvTransceivers() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvAdded = true
	return nil
}

func (m *mockPeer) AddLocalMedia(media domain.LocalMedia) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = media
	return nil
}

func (m *mockPeer) CreateOffer(iceRestart bool) (domain.SDPPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, iceRestart)
	return domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: "v=0\r\noffer"}, nil
}

func (m *mockPeer) CreateAnswer() (domain.SDPPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	return domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: "v=0\r\nanswer"}, nil
}

func (m *mockPeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setRemoteErr != nil {
		return m.setRemoteErr
	}
	m.remoteDescs = append(m.remoteDescs, sdp)
	return nil
}

func (m *mockPeer) AddRemoteICECandidate(c domain.ICECandidatePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *mockPeer) SetOnICECandidate(fn func(*domain.ICECandidatePayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

func (m *mockPeer) SetOnICEStateChange(fn func(pion.ICEConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPeer) fireState(s pion.ICEConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	fn(s)
}

func (m *mockPeer) fireCandidate(c *domain.ICECandidatePayload) {
	m.mu.Lock()
	fn := m.onCandidate
	m.mu.Unlock()
	fn(c)
}

func (m *mockPeer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockPeer) offerFlags() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.offers...)
}

func (m *mockPeer) remoteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remoteDescs)
}

func (m *mockPeer) candidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

// mockFactory creates mock peers and remembers them in order.
type mockFactory struct {
	mu           sync.Mutex
	peers        []*mockPeer
	servers      []domain.ICEServer
	setRemoteErr error
	failFeeds    map[domain.FeedID]error
}

func (f *mockFactory) NewPeer(role domain.Role, feed domain.FeedID) (domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFeeds[feed]; ok && role == domain.RoleSubscribe {
		return nil, err
	}
	p := &mockPeer{role: role, feed: feed, setRemoteErr: f.setRemoteErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *mockFactory) SetICEServers(servers []domain.ICEServer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = servers
}

// latest returns the most recent peer created for role and feed.
func (f *mockFactory) latest(role domain.Role, feed domain.FeedID) *mockPeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.peers) - 1; i >= 0; i-- {
		p := f.peers[i]
		if p.role == role && (role == domain.RolePublish || p.feed == feed) {
			return p
		}
	}
	return nil
}

func (f *mockFactory) count(role domain.Role, feed domain.FeedID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.peers {
		if p.role == role && (role == domain.RolePublish || p.feed == feed) {
			n++
		}
	}
	return n
}

// mockMedia hands out mockLocalMedia or a fixed error. When gate is set,
// Acquire signals entered and blocks until gate is closed.
type mockMedia struct {
	err     error
	gate    chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	issued []*mockLocalMedia
}

func (m *mockMedia) Acquire(ctx context.Context, video, audio bool) (domain.LocalMedia, error) {
	if m.gate != nil {
		close(m.entered)
		<-m.gate
	}
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lm := &mockLocalMedia{}
	m.issued = append(m.issued, lm)
	return lm, nil
}

type mockLocalMedia struct {
	mu      sync.Mutex
	stopped bool
}

func (m *mockLocalMedia) Tracks() []pion.TrackLocal { return nil }

func (m *mockLocalMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockLocalMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// harness wires an orchestrator to mocks and runs its loop.
type harness struct {
	o       *Orchestrator
	sender  *mockSender
	events  *mockEvents
	states  *mockStates
	factory *mockFactory
	media   *mockMedia
	reg     *participants.Registry
}

func testConfig() Config {
	return Config{
		ICEDisconnectTimeout: 50 * time.Millisecond,
		ResubscribeDelay:     10 * time.Millisecond,
		MaxRecoveryAttempts:  5,
	}
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sender:  &mockSender{},
		events:  newMockEvents(),
		states:  &mockStates{hub: stream.NewHub[domain.ConnectionState]()},
		factory: &mockFactory{},
		media:   &mockMedia{},
		reg:     participants.New(),
	}
	h.o = New(h.sender, h.events, h.factory, h.media, h.reg,
		WithConfig(cfg), WithStateSource(h.states))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// A completed call means Run has subscribed to events and states.
	if _, err := h.o.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return h
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.o.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func ptr[T any](v T) *T { return &v }

func (f *mockFactory) iceServers() []domain.ICEServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers
}

// failPeers makes NewPeer fail for subscribe links of feed.
func (f *mockFactory) failPeers(feed domain.FeedID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFeeds == nil {
		f.failFeeds = make(map[domain.FeedID]error)
	}
	f.failFeeds[feed] = err
}

func (f *mockFactory) failRemoteDescriptions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRemoteErr = err
}

// barrier waits until every event emitted before it has been handled.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	marker := fmt.Sprintf("stun:barrier-%d", time.Now().UnixNano())
	h.events.emit(signal.ICEConfig{Servers: []domain.ICEServer{{URLs: []string{marker}}}})
	eventually(t, "barrier", func() bool {
		s := h.factory.iceServers()
		return len(s) == 1 && len(s[0].URLs) == 1 && s[0].URLs[0] == marker
	})
}

// nextFault waits for one fault on sub.
func nextFault(t *testing.T, sub *stream.Subscription[error]) *Fault {
	t.Helper()
	select {
	case err := <-sub.C():
		var f *Fault
		if !errors.As(err, &f) {
			t.Fatalf("expected *Fault, got %T", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fault")
	}
	return nil
}
