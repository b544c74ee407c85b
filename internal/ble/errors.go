package ble

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/gr-remote/internal/ble/protocol"
)

var (
	// ErrCancelled is returned to every waiter whose session ended before
	// the operation resolved. It is wrapped together with the cause.
	ErrCancelled = errors.New("ble: operation cancelled")

	// Cancellation causes.
	ErrLinkDropped   = errors.New("ble: link dropped")
	ErrRadioOff      = errors.New("ble: radio powered off")
	ErrSessionClosed = errors.New("ble: session closed")

	// ErrNotConnected is returned when a session is required but the
	// central is not Ready.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrPairingRequired means the camera has forgotten this host. The
	// user has to remove the device from the system and pair again.
	ErrPairingRequired = errors.New("ble: peer removed pairing information")

	// ErrHandshakeTimeout means link encryption timed out while connecting.
	ErrHandshakeTimeout = errors.New("ble: encryption handshake timed out")

	// ErrSubscriptionClosed is returned by Subscription.Next after Unsubscribe.
	ErrSubscriptionClosed = errors.New("ble: subscription closed")
)

// LinkError is a terminal failure the transport reported for one request.
type LinkError struct {
	Op       string
	Endpoint uuid.UUID // uuid.Nil for service discovery
	Err      error
}

func (e *LinkError) Error() string {
	if e.Endpoint == uuid.Nil {
		return fmt.Sprintf("ble: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ble: %s %s: %v", e.Op, protocol.Name(e.Endpoint), e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// cancelled wraps cause so that errors.Is matches both ErrCancelled and cause.
func cancelled(cause error) error {
	if cause == nil {
		cause = ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
