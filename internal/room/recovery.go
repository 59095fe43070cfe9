package room

import (
	"fmt"
	"time"

	"telehealth/rtc/internal/domain"
	"telehealth/rtc/internal/metrics"
	"telehealth/rtc/internal/signal"

	pion "github.com/pion/webrtc/v4"
)

// onICEState runs the per-link recovery machine. disconnected arms a
// timer; failed, or the timer expiring, starts one recovery unless one is
// already pending for the link.
func (o *Orchestrator) onICEState(l *link, state pion.ICEConnectionState) {
	if !o.current(l) {
		return
	}
	l.iceState = state
	metrics.ICEStateChangesTotal.WithLabelValues(string(l.role), state.String()).Inc()
	o.log.Debug("ice state", "role", l.role, "feed", l.feed, "state", state.String())

	switch state {
	case pion.ICEConnectionStateConnected, pion.ICEConnectionStateCompleted:
		o.stopDisconnectTimer(l)
		l.pendingRestart = false
		if l.role == domain.RolePublish {
			o.publishRecovery = 0
		} else {
			delete(o.subRecovery, l.feed)
		}

	case pion.ICEConnectionStateDisconnected:
		if l.disconnectTimer != nil || l.pendingRestart {
			return
		}
		var t *time.Timer
		t = time.AfterFunc(o.cfg.ICEDisconnectTimeout, func() {
			o.post(func() {
				if !o.current(l) || l.disconnectTimer != t {
					return
				}
				l.disconnectTimer = nil
				if l.iceState == pion.ICEConnectionStateDisconnected {
					o.log.Info("ice disconnected timeout", "role", l.role, "feed", l.feed)
					o.recover(l)
				}
			})
		})
		l.disconnectTimer = t

	case pion.ICEConnectionStateFailed:
		o.stopDisconnectTimer(l)
		o.recover(l)

	case pion.ICEConnectionStateClosed:
		o.stopDisconnectTimer(l)
	}
}

func (o *Orchestrator) stopDisconnectTimer(l *link) {
	if l.disconnectTimer != nil {
		l.disconnectTimer.Stop()
		l.disconnectTimer = nil
	}
}

func (o *Orchestrator) recover(l *link) {
	if l.pendingRestart {
		o.log.Debug("recovery already pending", "role", l.role, "feed", l.feed)
		return
	}
	if l.role == domain.RolePublish {
		o.restartPublish(l)
		return
	}
	o.resubscribe(l)
}

// restartPublish renegotiates the publish link in place with an ICE
// restart offer.
func (o *Orchestrator) restartPublish(l *link) {
	if o.exhausted(o.publishRecovery) {
		o.closePublish()
		o.report(FaultRecovery, nil, fmt.Errorf("ice restart gave up after %d attempts", o.cfg.MaxRecoveryAttempts))
		return
	}
	o.publishRecovery++
	l.pendingRestart = true

	offer, err := l.peer.CreateOffer(true)
	if err != nil {
		o.closePublish()
		o.report(FaultNegotiation, nil, fmt.Errorf("ice restart: %w", err))
		return
	}
	l.awaitingAnswer = true
	metrics.ICERestartsTotal.Inc()
	o.log.Info("ice restart", "attempt", o.publishRecovery)
	o.sender.Send(signal.NewPublish(offer))
}

// resubscribe replaces a failed subscribe link with a new subscription
// after the resubscribe delay.
func (o *Orchestrator) resubscribe(l *link) {
	feed := l.feed
	if o.exhausted(o.subRecovery[feed]) {
		o.dropFeed(feed)
		o.report(FaultRecovery, &feed, fmt.Errorf("resubscribe gave up after %d attempts", o.cfg.MaxRecoveryAttempts))
		return
	}
	o.subRecovery[feed]++
	l.pendingRestart = true
	o.closeSubscription(feed)
	o.cancelResubscribe(feed)

	metrics.ResubscriptionsTotal.Inc()
	o.log.Info("resubscribing", "feed", feed, "attempt", o.subRecovery[feed], "in", o.cfg.ResubscribeDelay)

	var t *time.Timer
	t = time.AfterFunc(o.cfg.ResubscribeDelay, func() {
		o.post(func() {
			if o.resubTimers[feed] != t {
				return
			}
			delete(o.resubTimers, feed)
			_ = o.subscribe(feed)
		})
	})
	o.resubTimers[feed] = t
}

func (o *Orchestrator) exhausted(attempts int) bool {
	return o.cfg.MaxRecoveryAttempts > 0 && attempts >= o.cfg.MaxRecoveryAttempts
}
