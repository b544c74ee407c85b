// Package ble is the Bluetooth Low Energy central used to talk to the
// camera. It turns the adapter's request/event GATT API into blocking,
// individually cancellable operations (Peripheral) and keeps a single
// device session alive across scans, drops and reconnects (Central).
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Device is an advertising peripheral seen during a scan.
type Device struct {
	Name string
	ID   string // MAC address on Linux, CoreBluetooth UUID on macOS
	RSSI int
}

// Service is a discovered GATT service.
type Service struct {
	UUID uuid.UUID
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID    uuid.UUID
	Service uuid.UUID
}

// EventKind identifies which request an Event answers.
type EventKind uint8

const (
	EventServicesDiscovered EventKind = iota
	EventCharacteristicsDiscovered
	EventValueRead
	EventValueWritten
	EventNotifyStateChanged
	// EventValueNotified is unsolicited: it carries a notification for a
	// subscribed characteristic rather than answering a request.
	EventValueNotified
)

// String returns a human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EventServicesDiscovered:
		return "services-discovered"
	case EventCharacteristicsDiscovered:
		return "characteristics-discovered"
	case EventValueRead:
		return "value-read"
	case EventValueWritten:
		return "value-written"
	case EventNotifyStateChanged:
		return "notify-state-changed"
	case EventValueNotified:
		return "value-notified"
	default:
		return "unknown"
	}
}

// Event is the terminal result of one Connection request, or a
// notification. Exactly one event is delivered per request.
type Event struct {
	Kind EventKind

	// Characteristic is set for read, write, notify-state and notification events.
	Characteristic uuid.UUID
	// Service is set for characteristic discovery.
	Service uuid.UUID

	Services        []Service
	Characteristics []Characteristic
	Value           []byte

	Err error
}

// Connection is the GATT request API of one connected peripheral. Request
// methods return immediately; each one is answered by exactly one Event
// passed to the handler installed with SetEventHandler. The transport
// reports discovery completion without saying which request it answers,
// so callers must keep at most one discovery of each kind outstanding.
type Connection interface {
	// SetEventHandler installs the single handler for all events.
	SetEventHandler(h func(Event))

	DiscoverServices(filter []uuid.UUID)
	DiscoverCharacteristics(filter []uuid.UUID, svc Service)
	ReadValue(ch Characteristic)
	// WriteValue writes data. Without response no event is delivered.
	WriteValue(ch Characteristic, data []byte, withResponse bool)
	SetNotify(ch Characteristic, enabled bool)

	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops. err
	// is the transport's reason, if any.
	OnDisconnect(callback func(err error))
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until ctx is cancelled.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given identifier.
	Connect(ctx context.Context, id string) (Connection, error)
	// OnPowerChange registers a callback invoked when the radio is powered
	// on or off.
	OnPowerChange(callback func(powered bool))
}
