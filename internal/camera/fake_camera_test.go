package camera

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/gr-remote/internal/ble"
	"github.com/chaz8081/gr-remote/internal/ble/protocol"
)

// fakeCamera is a GATT server holding a RICOH GR attribute table. Writes
// are stored and read back, which makes it a loopback for settings.
type fakeCamera struct {
	mu           sync.Mutex
	handler      func(ble.Event)
	disconnectCb func(error)
	services     map[uuid.UUID][]uuid.UUID
	values       map[uuid.UUID][]byte
	failures     map[uuid.UUID]error
	notifying    map[uuid.UUID]bool
	writes       map[uuid.UUID][][]byte
	reads        int
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		services:  make(map[uuid.UUID][]uuid.UUID),
		values:    make(map[uuid.UUID][]byte),
		failures:  make(map[uuid.UUID]error),
		notifying: make(map[uuid.UUID]bool),
		writes:    make(map[uuid.UUID][][]byte),
	}
}

// newGR1234 returns a camera advertising as GR_1234 with the current API.
func newGR1234() *fakeCamera {
	f := newFakeCamera()
	f.set(protocol.CameraInformationService, protocol.FirmwareRevisionChar, []byte("1.50"))
	f.set(protocol.CameraInformationService, protocol.ModelNumberChar, []byte("RICOH GR III"))
	f.set(protocol.CameraInformationService, protocol.SerialNumberChar, []byte("00123456"))
	f.set(protocol.CameraInformationService, protocol.BluetoothDeviceNameChar, []byte("GR_1234"))
	f.set(protocol.CameraInformationService, protocol.ManufacturerNameChar, []byte("RICOH IMAGING COMPANY, LTD."))
	f.set(protocol.CameraService, protocol.CameraPowerChar, []byte{1})
	f.set(protocol.CameraService, protocol.BatteryLevelChar, []byte{87, 0})
	f.set(protocol.CameraService, protocol.DateTimeChar, protocol.EncodeDateTime(time.Date(2023, 7, 18, 9, 3, 59, 0, time.UTC)))
	f.set(protocol.CameraService, protocol.GeoTagChar, []byte{0})
	return f
}

func (f *fakeCamera) set(svc, ch uuid.UUID, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.services[svc], ch) {
		f.services[svc] = append(f.services[svc], ch)
	}
	f.values[ch] = value
}

func (f *fakeCamera) value(ch uuid.UUID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.values[ch])
}

func (f *fakeCamera) fail(ch uuid.UUID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[ch] = err
}

func (f *fakeCamera) isNotifying(ch uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifying[ch]
}

func (f *fakeCamera) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeCamera) SetEventHandler(h func(ble.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeCamera) DiscoverServices(filter []uuid.UUID) {
	f.mu.Lock()
	ev := ble.Event{Kind: ble.EventServicesDiscovered}
	for svc := range f.services {
		if len(filter) == 0 || slices.Contains(filter, svc) {
			ev.Services = append(ev.Services, ble.Service{UUID: svc})
		}
	}
	f.mu.Unlock()
	go f.emit(ev)
}

func (f *fakeCamera) DiscoverCharacteristics(filter []uuid.UUID, svc ble.Service) {
	f.mu.Lock()
	ev := ble.Event{Kind: ble.EventCharacteristicsDiscovered, Service: svc.UUID}
	for _, ch := range f.services[svc.UUID] {
		if len(filter) == 0 || slices.Contains(filter, ch) {
			ev.Characteristics = append(ev.Characteristics, ble.Characteristic{UUID: ch, Service: svc.UUID})
		}
	}
	f.mu.Unlock()
	go f.emit(ev)
}

func (f *fakeCamera) ReadValue(ch ble.Characteristic) {
	f.mu.Lock()
	f.reads++
	ev := ble.Event{Kind: ble.EventValueRead, Characteristic: ch.UUID}
	if err := f.failures[ch.UUID]; err != nil {
		ev.Err = err
	} else {
		ev.Value = slices.Clone(f.values[ch.UUID])
	}
	f.mu.Unlock()
	go f.emit(ev)
}

func (f *fakeCamera) WriteValue(ch ble.Characteristic, data []byte, withResponse bool) {
	f.mu.Lock()
	ev := ble.Event{Kind: ble.EventValueWritten, Characteristic: ch.UUID}
	if err := f.failures[ch.UUID]; err != nil {
		ev.Err = err
	} else {
		f.values[ch.UUID] = slices.Clone(data)
		f.writes[ch.UUID] = append(f.writes[ch.UUID], slices.Clone(data))
	}
	f.mu.Unlock()
	if withResponse {
		go f.emit(ev)
	}
}

func (f *fakeCamera) SetNotify(ch ble.Characteristic, enabled bool) {
	f.mu.Lock()
	f.notifying[ch.UUID] = enabled
	f.mu.Unlock()
	go f.emit(ble.Event{Kind: ble.EventNotifyStateChanged, Characteristic: ch.UUID})
}

func (f *fakeCamera) Disconnect() error { return nil }

func (f *fakeCamera) OnDisconnect(cb func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCb = cb
}

func (f *fakeCamera) emit(ev ble.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// notify sends a notification if the characteristic is subscribed.
func (f *fakeCamera) notify(ch uuid.UUID, value []byte) {
	if f.isNotifying(ch) {
		f.emit(ble.Event{Kind: ble.EventValueNotified, Characteristic: ch, Value: value})
	}
}

func (f *fakeCamera) drop() {
	f.mu.Lock()
	cb := f.disconnectCb
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

// fakeRadio advertises one camera and connects to it.
type fakeRadio struct {
	name   string
	id     string
	camera *fakeCamera
}

func (r *fakeRadio) Enable() error { return nil }

func (r *fakeRadio) Scan(ctx context.Context, found func(ble.Device)) error {
	found(ble.Device{Name: "Headphones", ID: "11:11:11:11:11:11", RSSI: -40})
	found(ble.Device{Name: r.name, ID: r.id, RSSI: -60})
	<-ctx.Done()
	return nil
}

func (r *fakeRadio) Connect(_ context.Context, id string) (ble.Connection, error) {
	return r.camera, nil
}

func (r *fakeRadio) OnPowerChange(func(bool)) {}

// connect runs a Central against fc and returns a Camera on it.
func connect(t *testing.T, fc *fakeCamera, opts Options) (*Camera, *ble.Central) {
	t.Helper()
	filter, err := ble.NewDeviceFilter("", "^GR_")
	require.NoError(t, err)
	central := ble.NewCentral(&fakeRadio{name: "GR_1234", id: "AA:BB:CC:DD:EE:FF", camera: fc}, ble.CentralOptions{Filter: filter})
	t.Cleanup(func() { _ = central.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, central.Start(context.Background()))
	_, err = central.WaitReady(ctx)
	require.NoError(t, err)
	return New(central, opts), central
}
