package room

import (
	"errors"
	"fmt"

	"telehealth/rtc/internal/domain"
)

var (
	// ErrAlreadyPublishing is returned by StartPublishing while a publish
	// link exists.
	ErrAlreadyPublishing = errors.New("already publishing")
	// ErrNotPublishing is returned by StopPublishing without a publish link.
	ErrNotPublishing = errors.New("not publishing")
	// ErrClosed is returned once the orchestrator loop has stopped.
	ErrClosed = errors.New("orchestrator closed")
)

// FaultKind classifies errors published on the error stream.
type FaultKind string

const (
	// FaultNegotiation is an SDP or ICE application error. The affected
	// link has been torn down.
	FaultNegotiation FaultKind = "negotiation"
	// FaultCapability is a local media acquisition failure. The session
	// stays usable for receiving.
	FaultCapability FaultKind = "capability"
	// FaultProtocol is an error reported by the signaling server.
	FaultProtocol FaultKind = "protocol"
	// FaultRecovery means ICE recovery gave up on a link.
	FaultRecovery FaultKind = "recovery"
)

// Fault is a non-fatal error of the room session.
type Fault struct {
	Kind FaultKind
	// FeedID is nil for the publish link and session-wide faults.
	FeedID *domain.FeedID
	Err    error
}

func (f *Fault) Error() string {
	if f.FeedID != nil {
		return fmt.Sprintf("%s fault on feed %s: %v", f.Kind, *f.FeedID, f.Err)
	}
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}
