package signal

import (
	"telehealth/rtc/internal/domain"

	"github.com/gorilla/websocket"
)

// nextOnClose decides what follows a socket close given the number of
// reconnect attempts already made since the last successful open.
func nextOnClose(cfg Config, attempts int, code int) (next domain.ConnectionState, retry bool) {
	if code == websocket.CloseNormalClosure {
		return domain.Disconnected, false
	}
	if !cfg.Reconnect {
		return domain.Failed, false
	}
	if attempts < cfg.ReconnectAttempts {
		return domain.Reconnecting, true
	}
	return domain.Failed, false
}

// canConnect reports whether Connect may start a dial from state s.
func canConnect(s domain.ConnectionState) bool {
	return s != domain.Connected && s != domain.Connecting
}
