//go:build darwin || windows

package ble

// writeAcknowledged performs a write with response on the GATT goroutine.
func (c *tinygoConnection) writeAcknowledged(ch Characteristic, data []byte) Event {
	ev := Event{Kind: EventValueWritten, Characteristic: ch.UUID}
	char, err := c.characteristic(ch.UUID)
	if err != nil {
		ev.Err = err
		return ev
	}
	if _, err := char.Write(data); err != nil {
		ev.Err = err
	}
	return ev
}
