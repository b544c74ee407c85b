//go:build !darwin && !windows

package ble

import "errors"

// errAcknowledgedWriteUnsupported is reported for writes with response on
// platforms whose bluetooth backend only offers write without response.
var errAcknowledgedWriteUnsupported = errors.New("acknowledged writes are not supported on this platform")

func (c *tinygoConnection) writeAcknowledged(ch Characteristic, _ []byte) Event {
	return Event{Kind: EventValueWritten, Characteristic: ch.UUID, Err: errAcknowledgedWriteUnsupported}
}
