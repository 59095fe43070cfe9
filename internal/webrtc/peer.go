package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/metrics"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

// TrackSink consumes remote tracks of subscribed feeds.
type TrackSink interface {
	HandleTrack(feed domain.FeedID, track *pion.TrackRemote)
}

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api  *pion.API
	sink TrackSink
	log  *slog.Logger

	mu         sync.Mutex
	iceServers []pion.ICEServer
}

// FactoryOption customises a Factory.
type FactoryOption func(*Factory)

// WithTrackSink routes remote tracks of subscribe peers to sink.
func WithTrackSink(sink TrackSink) FactoryOption {
	return func(f *Factory) { f.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.log = l }
}

// NewFactory registers the default codecs and interceptors plus a periodic
// PLI sender for received video.
func NewFactory(servers []domain.ICEServer, opts ...FactoryOption) (*Factory, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	f := &Factory{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
		),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "webrtc")
	f.SetICEServers(servers)
	return f, nil
}

// SetICEServers replaces the servers used for peers created afterwards.
func (f *Factory) SetICEServers(servers []domain.ICEServer) {
	converted := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		converted = append(converted, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	f.mu.Lock()
	f.iceServers = converted
	f.mu.Unlock()
}

// NewPeer creates a peer connection for role. feed is ignored for the
// publish role.
func (f *Factory) NewPeer(role domain.Role, feed domain.FeedID) (domain.Peer, error) {
	f.mu.Lock()
	servers := f.iceServers
	f.mu.Unlock()

	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:   pc,
		role: role,
		feed: feed,
		log:  f.log.With("role", role, "feed", feed),
	}
	if role == domain.RoleSubscribe {
		pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
			p.handleTrack(track, f.sink)
		})
	}
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
	})
	return p, nil
}

// Peer wraps a pion PeerConnection. Remote candidates that arrive before
// the remote description are held and applied once it is set.
type Peer struct {
	pc   *pion.PeerConnection
	role domain.Role
	feed domain.FeedID
	log  *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []pion.ICECandidateInit
}

// AddRecvTransceivers adds receive-only audio and video transceivers.
func (p *Peer) AddRecvTransceivers() error {
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		_, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// AddLocalMedia attaches every local track and drains their RTCP.
func (p *Peer) AddLocalMedia(media domain.LocalMedia) error {
	for _, track := range media.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// CreateOffer creates an offer and sets it as the local description. An
// ICE restart also resets candidate buffering until the new answer.
func (p *Peer) CreateOffer(iceRestart bool) (domain.SDPPayload, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
		p.mu.Lock()
		p.remoteSet = false
		p.mu.Unlock()
	}

	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.log.Debug("local offer set", "ice_restart", iceRestart)
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer answers the remote offer and sets it as the local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.log.Debug("local answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies sdp and flushes buffered candidates.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{
		Type: pion.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	p.log.Debug("remote description set", "type", sdp.Type, "buffered_candidates", len(pending))

	var errs []error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("add buffered ice candidate: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AddRemoteICECandidate applies candidate, or buffers it while no remote
// description is set. An empty candidate signals end of candidates.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// SetOnICECandidate registers the callback for locally gathered candidates.
func (p *Peer) SetOnICECandidate(fn func(candidate *domain.ICECandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			fn(nil)
			return
		}

		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			p.log.Debug("filtering loopback ICE candidate")
			return
		}
		metrics.ICECandidatesGatheredTotal.WithLabelValues(string(p.role)).Inc()
		fn(&domain.ICECandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

// SetOnICEStateChange registers the ICE connection state observer.
func (p *Peer) SetOnICEStateChange(fn func(state pion.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug("ICE connection state", "state", state.String())
		fn(state)
	})
}

// Close shuts down the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) pendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) handleTrack(track *pion.TrackRemote, sink TrackSink) {
	codec := track.Codec()
	p.log.Info("got track", "kind", track.Kind().String(), "codec", codec.MimeType, "pt", codec.PayloadType)
	metrics.RemoteTracksTotal.WithLabelValues(track.Kind().String()).Inc()

	if track.Kind() == pion.RTPCodecTypeVideo {
		err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			p.log.Warn("initial PLI failed", "error", err)
		}
	}

	if sink != nil {
		sink.HandleTrack(p.feed, track)
		return
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
