package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportState is the current signaling connection state
	// (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed).
	TransportState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telertc_signaling_state",
		Help: "Current signaling connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
	})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telertc_signaling_reconnect_attempts_total",
		Help: "Total number of signaling reconnection attempts",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telertc_signaling_messages_total",
		Help: "Total signaling messages",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	DroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telertc_signaling_dropped_frames_total",
		Help: "Inbound frames dropped as malformed",
	})

	OutboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telertc_signaling_queue_depth",
		Help: "Messages waiting for the signaling connection",
	})

	ActivePeerLinks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telertc_active_peer_links",
		Help: "Number of live peer connections",
	}, []string{"role"}) // "publish" | "subscribe"

	ICEStateChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telertc_ice_state_changes_total",
		Help: "ICE connection state changes",
	}, []string{"role", "state"})

	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telertc_ice_restarts_total",
		Help: "ICE restarts issued on the publish link",
	})

	ResubscriptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telertc_resubscriptions_total",
		Help: "Subscriptions recreated after ICE failure",
	})

	ICECandidatesGatheredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telertc_ice_candidates_gathered_total",
		Help: "Local ICE candidates gathered and trickled",
	}, []string{"role"})

	RecordedPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telertc_recorded_packets_total",
		Help: "RTP packets written to recordings",
	}, []string{"kind"})

	FaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telertc_faults_total",
		Help: "Faults reported by the room orchestrator",
	}, []string{"kind"})

	RemoteTracksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telertc_remote_tracks_total",
		Help: "Remote media tracks received",
	}, []string{"kind"})
)
