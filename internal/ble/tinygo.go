package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo.org/x/bluetooth. Device identifiers are
// CoreBluetooth UUIDs on macOS and MAC addresses on Linux. Acknowledged
// writes need macOS or Windows; elsewhere they fail with
// errAcknowledgedWriteUnsupported.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map and the power callback.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device identifier
	powerCb     func(bool)
}

// NewTinyGoAdapter creates an adapter on the system's default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports disconnects at adapter level only.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.dropped(nil)
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, found func(Device)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			_ = adapter.StopScan()
			return
		}
		found(Device{
			Name: result.LocalName(),
			ID:   result.Address.String(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo's Connect blocks with its own timeout; wrap it to respect ctx.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, classifyConnectError(result.err))
		}
		conn := &tinygoConnection{
			adapter:  a,
			id:       id,
			device:   result.device,
			services: make(map[uuid.UUID]*bluetooth.DeviceService),
			chars:    make(map[uuid.UUID]*bluetooth.DeviceCharacteristic),
		}
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// OnPowerChange registers cb. tinygo exposes no radio state changes, so
// it is never called.
func (a *TinyGoAdapter) OnPowerChange(cb func(powered bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.powerCb = cb
}

// classifyConnectError maps the platform's connect failures onto the
// sentinels the Central branches on.
func classifyConnectError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "removed pairing information"):
		return fmt.Errorf("%w: %v", ErrPairingRequired, err)
	case strings.Contains(msg, "encryption") && strings.Contains(msg, "timed out"):
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	default:
		return err
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

// tinygoConnection turns tinygo's blocking GATT calls into the
// request/event model: each request runs on its own goroutine and
// reports exactly one Event.
type tinygoConnection struct {
	adapter *TinyGoAdapter
	id      string
	device  bluetooth.Device

	gatt sync.Mutex // one GATT call at a time

	mu           sync.Mutex
	handler      func(Event)
	disconnectCb func(error)
	services     map[uuid.UUID]*bluetooth.DeviceService
	chars        map[uuid.UUID]*bluetooth.DeviceCharacteristic
}

func (c *tinygoConnection) SetEventHandler(h func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *tinygoConnection) emit(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *tinygoConnection) exec(fn func() Event) {
	go func() {
		c.gatt.Lock()
		ev := fn()
		c.gatt.Unlock()
		c.emit(ev)
	}()
}

// DiscoverServices ignores filter: tinygo fails the whole call when a
// requested service is missing, and the Peripheral filters the result.
func (c *tinygoConnection) DiscoverServices(filter []uuid.UUID) {
	c.exec(func() Event {
		ev := Event{Kind: EventServicesDiscovered}
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			ev.Err = err
			return ev
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for i := range svcs {
			id, err := fromTinyUUID(svcs[i].UUID())
			if err != nil {
				continue
			}
			c.services[id] = &svcs[i]
			ev.Services = append(ev.Services, Service{UUID: id})
		}
		return ev
	})
}

func (c *tinygoConnection) DiscoverCharacteristics(filter []uuid.UUID, svc Service) {
	c.exec(func() Event {
		ev := Event{Kind: EventCharacteristicsDiscovered, Service: svc.UUID}
		c.mu.Lock()
		s, ok := c.services[svc.UUID]
		c.mu.Unlock()
		if !ok {
			ev.Err = fmt.Errorf("service %s not discovered", svc.UUID)
			return ev
		}
		chars, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			ev.Err = err
			return ev
		}
		found := make([]*bluetooth.DeviceCharacteristic, len(chars))
		for i := range chars {
			found[i] = &chars[i]
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, id := range mergeDiscovered(c.chars, found) {
			ev.Characteristics = append(ev.Characteristics, Characteristic{UUID: id, Service: svc.UUID})
		}
		return ev
	})
}

func (c *tinygoConnection) ReadValue(ch Characteristic) {
	c.exec(func() Event {
		ev := Event{Kind: EventValueRead, Characteristic: ch.UUID}
		char, err := c.characteristic(ch.UUID)
		if err != nil {
			ev.Err = err
			return ev
		}
		mtu, err := char.GetMTU()
		if err != nil || mtu == 0 {
			mtu = 512
		}
		buf := make([]byte, mtu)
		n, err := char.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			ev.Err = err
			return ev
		}
		ev.Value = buf[:n]
		return ev
	})
}

func (c *tinygoConnection) WriteValue(ch Characteristic, data []byte, withResponse bool) {
	if !withResponse {
		go func() {
			char, err := c.characteristic(ch.UUID)
			if err == nil {
				c.gatt.Lock()
				_, err = char.WriteWithoutResponse(data)
				c.gatt.Unlock()
			}
			if err != nil {
				slog.Debug("[BLE] write without response failed", "endpoint", endpointName(ch.UUID), "error", err)
			}
		}()
		return
	}
	c.exec(func() Event { return c.writeAcknowledged(ch, data) })
}

func (c *tinygoConnection) SetNotify(ch Characteristic, enabled bool) {
	c.exec(func() Event {
		ev := Event{Kind: EventNotifyStateChanged, Characteristic: ch.UUID}
		char, err := c.characteristic(ch.UUID)
		if err != nil {
			ev.Err = err
			return ev
		}
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				c.emit(Event{Kind: EventValueNotified, Characteristic: ch.UUID, Value: slices.Clone(buf)})
			}
		}
		ev.Err = char.EnableNotifications(cb)
		return ev
	})
}

func (c *tinygoConnection) characteristic(id uuid.UUID) (*bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	char, ok := c.chars[id]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not discovered", id)
	}
	return char, nil
}

func (c *tinygoConnection) Disconnect() error {
	c.adapter.mu.Lock()
	delete(c.adapter.connections, c.id)
	c.adapter.mu.Unlock()
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) dropped(err error) {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// mergeDiscovered adds the handles in found that known lacks and returns
// the ids of all of them. Existing handles are kept because notification
// callbacks stay registered on them.
func mergeDiscovered[H interface{ UUID() bluetooth.UUID }](known map[uuid.UUID]H, found []H) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(found))
	for _, h := range found {
		id, err := fromTinyUUID(h.UUID())
		if err != nil {
			continue
		}
		if _, ok := known[id]; !ok {
			known[id] = h
		}
		ids = append(ids, id)
	}
	return ids
}

func fromTinyUUID(id bluetooth.UUID) (uuid.UUID, error) {
	return uuid.Parse(id.String())
}
