package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// State is the connection state of a Central.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateReady
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeviceFilter selects which advertisement to connect to. An exact
// identifier takes precedence over the name pattern; a zero filter
// matches every device.
type DeviceFilter struct {
	Identifier string
	Name       *regexp.Regexp
}

// NewDeviceFilter compiles namePattern. Either argument may be empty.
func NewDeviceFilter(identifier, namePattern string) (DeviceFilter, error) {
	f := DeviceFilter{Identifier: identifier}
	if namePattern != "" {
		re, err := regexp.Compile(namePattern)
		if err != nil {
			return DeviceFilter{}, fmt.Errorf("ble: name pattern: %w", err)
		}
		f.Name = re
	}
	return f, nil
}

// Match reports whether d passes the filter.
func (f DeviceFilter) Match(d Device) bool {
	if f.Identifier != "" {
		return strings.EqualFold(d.ID, f.Identifier)
	}
	if f.Name != nil {
		return f.Name.MatchString(d.Name)
	}
	return true
}

// CentralOptions configures a Central.
type CentralOptions struct {
	Filter         DeviceFilter
	Store          StateStore    // nil disables session persistence
	ReconnectMax   int           // max reconnect backoff in seconds
	ConnectTimeout time.Duration // per connection attempt
	Logger         *slog.Logger
}

// DefaultCentralOptions returns the options NewCentral falls back to for
// unset fields.
func DefaultCentralOptions() CentralOptions {
	return CentralOptions{
		ReconnectMax:   30,
		ConnectTimeout: 15 * time.Second,
	}
}

// Central keeps one camera session alive: it scans, connects, reconnects
// after drops, and follows the radio's power state.
type Central struct {
	adapter Adapter
	opts    CentralOptions
	log     *slog.Logger
	backoff func(attempt int) time.Duration

	notifyMu sync.Mutex // serializes state-change callbacks

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped whenever background work is invalidated
	cancel    context.CancelFunc
	stopAfter func() bool
	active    bool // started and not closed or failed
	session   *Session
	failErr   error
	changed   chan struct{} // closed on every state change
	listeners []func(State)
	notes     []State
}

// NewCentral creates a Central on adapter. Call Start to begin.
func NewCentral(adapter Adapter, opts CentralOptions) *Central {
	def := DefaultCentralOptions()
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Central{
		adapter: adapter,
		opts:    opts,
		log:     opts.Logger,
		changed: make(chan struct{}),
	}
	c.backoff = func(attempt int) time.Duration {
		return backoffDelay(attempt, c.opts.ReconnectMax)
	}
	adapter.OnPowerChange(c.onPower)
	return c
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Start powers on the adapter and begins looking for the camera. With a
// persisted identity it connects directly, otherwise it scans. Starting an
// active Central is a no-op. Work continues in the background until ctx
// ends or Close is called.
func (c *Central) Start(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active {
		return nil
	}

	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	known := c.persisted()

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.failErr = nil
	if c.stopAfter != nil {
		c.stopAfter()
	}
	c.stopAfter = context.AfterFunc(ctx, func() { _ = c.Close() })
	c.launchLocked(known)
	c.mu.Unlock()
	c.flush()
	return nil
}

// Session returns the current session, or ErrNotConnected unless Ready.
func (c *Central) Session() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// WaitReady blocks until the Central is Ready and returns the session. It
// returns the failure cause if the Central enters Failed.
func (c *Central) WaitReady(ctx context.Context) (*Session, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateReady:
			s := c.session
			c.mu.Unlock()
			return s, nil
		case StateFailed:
			err := c.failErr
			c.mu.Unlock()
			return nil, err
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Ready reports whether a session is established.
func (c *Central) Ready() bool {
	return c.State() == StateReady
}

// State returns the current state.
func (c *Central) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called, in order, with every new state.
// Callbacks run outside the Central's lock and may call back into it.
func (c *Central) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close stops scanning, disconnects and cancels everything. The Central
// stays Idle until started again.
func (c *Central) Close() error {
	c.mu.Lock()
	c.active = false
	if c.stopAfter != nil {
		c.stopAfter()
		c.stopAfter = nil
	}
	sess := c.detachLocked()
	if c.state != StateIdle {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	c.flush()

	if sess == nil {
		return nil
	}
	sess.close(ErrSessionClosed)
	if err := sess.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	c.log.Info("[BLE] disconnected", "device", sess.Device.ID)
	return nil
}

// launchLocked starts a new generation of background work. known skips
// the scan (caller must hold mu).
func (c *Central) launchLocked(known *Device) {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if known != nil {
		c.setStateLocked(StateConnecting)
	} else {
		c.setStateLocked(StateScanning)
	}
	go c.run(ctx, gen, known)
}

// detachLocked invalidates the current generation and hands back its
// session, if any (caller must hold mu).
func (c *Central) detachLocked() *Session {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	s := c.session
	c.session = nil
	return s
}

func (c *Central) run(ctx context.Context, gen uint64, known *Device) {
	for attempt := 0; ; {
		dev := known
		known = nil // a persisted identity is tried once, then we scan
		if dev == nil {
			d, err := c.scan(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("[BLE] scan failed", "error", err)
				if !c.retry(ctx, gen, &attempt) {
					return
				}
				continue
			}
			dev = &d
			if !c.transition(gen, StateConnecting) {
				return
			}
		}

		c.log.Info("[BLE] connecting", "device", dev.ID, "name", dev.Name)
		conn, err := c.dial(ctx, dev.ID)
		if err == nil {
			c.established(gen, *dev, conn)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPairingRequired) {
			c.fail(gen, err)
			return
		}
		c.log.Warn("[BLE] connect failed", "device", dev.ID, "error", err, "attempt", attempt+1)
		if !c.retry(ctx, gen, &attempt) {
			return
		}
	}
}

// scan returns the first advertisement that passes the filter.
func (c *Central) scan(ctx context.Context) (Device, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan Device, 1)
	err := c.adapter.Scan(sctx, func(d Device) {
		if !c.opts.Filter.Match(d) {
			return
		}
		select {
		case found <- d:
			cancel()
		default:
		}
	})
	select {
	case d := <-found:
		c.log.Info("[BLE] found camera", "device", d.ID, "name", d.Name, "rssi", d.RSSI)
		return d, nil
	default:
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = errors.New("ble: scan ended without a match")
	}
	return Device{}, err
}

// dial connects to id, retrying once after an encryption handshake timeout.
func (c *Central) dial(ctx context.Context, id string) (Connection, error) {
	for try := 0; ; try++ {
		cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		conn, err := c.adapter.Connect(cctx, id)
		cancel()
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, ErrHandshakeTimeout) {
			return nil, err
		}
		if try > 0 {
			return nil, &LinkError{Op: "connect", Err: err}
		}
		c.log.Warn("[BLE] encryption handshake timed out, retrying", "device", id)
	}
}

// retry moves to Disconnected, waits out the backoff and moves back to
// Scanning. It reports false if the generation ended meanwhile.
func (c *Central) retry(ctx context.Context, gen uint64, attempt *int) bool {
	if !c.transition(gen, StateDisconnected) {
		return false
	}
	delay := c.backoff(*attempt)
	*attempt++
	c.log.Info("[BLE] reconnect backoff", "attempt", *attempt, "delay", delay)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	return c.transition(gen, StateScanning)
}

func (c *Central) established(gen uint64, dev Device, conn Connection) {
	sess := newSession(dev, conn, c.log)
	conn.OnDisconnect(func(err error) { c.onDrop(gen, err) })
	c.persist(dev)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sess.close(ErrSessionClosed)
		_ = conn.Disconnect()
		return
	}
	c.session = sess
	c.setStateLocked(StateReady)
	c.mu.Unlock()
	c.flush()
	c.log.Info("[BLE] connected", "device", dev.ID, "name", dev.Name, "session", sess.ID)
}

func (c *Central) onDrop(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	sess := c.detachLocked()
	c.setStateLocked(StateDisconnected)
	c.launchLocked(nil)
	c.mu.Unlock()

	c.log.Warn("[BLE] disconnected, reconnecting...", "error", err)
	if sess != nil {
		sess.close(ErrLinkDropped)
	}
	c.flush()
}

func (c *Central) onPower(powered bool) {
	if !powered {
		c.mu.Lock()
		if c.state == StateIdle || c.state == StateFailed {
			c.mu.Unlock()
			return
		}
		sess := c.detachLocked()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()

		c.log.Warn("[BLE] radio powered off")
		if sess != nil {
			sess.close(ErrRadioOff)
		}
		c.flush()
		return
	}

	known := c.persisted()
	c.mu.Lock()
	if !c.active || c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.log.Info("[BLE] radio powered on, resuming")
	c.launchLocked(known)
	c.mu.Unlock()
	c.flush()
}

// fail enters Failed after the camera reported missing pairing
// information. The persisted identity is cleared and nothing is retried.
func (c *Central) fail(gen uint64, err error) {
	c.clearPersisted()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.active = false
	c.failErr = err
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
	c.flush()
	c.log.Error("[BLE] camera removed pairing information; forget the camera in the system Bluetooth settings and pair again", "error", err)
}

// transition sets s if gen is still current.
func (c *Central) transition(gen uint64, s State) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(s)
	c.mu.Unlock()
	c.flush()
	return true
}

// setStateLocked records s and wakes waiters (caller must hold mu).
// Listeners are called by flush once the lock is released.
func (c *Central) setStateLocked(s State) {
	c.log.Debug("[BLE] state", "from", c.state, "to", s)
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	if len(c.listeners) > 0 {
		c.notes = append(c.notes, s)
	}
}

// flush delivers queued state changes to listeners. If another goroutine
// is already delivering, it picks up our notes.
func (c *Central) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.notes) == 0 {
				c.mu.Unlock()
				break
			}
			s := c.notes[0]
			c.notes = c.notes[1:]
			fns := slices.Clone(c.listeners)
			c.mu.Unlock()
			for _, fn := range fns {
				fn(s)
			}
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.notes) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

func (c *Central) persisted() *Device {
	if c.opts.Store == nil {
		return nil
	}
	st, err := c.opts.Store.Load()
	if err != nil {
		c.log.Warn("[BLE] ignoring session state", "error", err)
		return nil
	}
	if st == nil {
		return nil
	}
	if id := c.opts.Filter.Identifier; id != "" && !strings.EqualFold(id, st.DeviceID) {
		return nil
	}
	return &Device{ID: st.DeviceID, Name: st.DeviceName}
}

func (c *Central) persist(dev Device) {
	if c.opts.Store == nil {
		return
	}
	st := &SessionState{DeviceID: dev.ID, DeviceName: dev.Name, SavedAt: time.Now().UTC()}
	if err := c.opts.Store.Save(st); err != nil {
		c.log.Warn("[BLE] failed to save session state", "error", err)
	}
}

func (c *Central) clearPersisted() {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.Clear(); err != nil {
		c.log.Warn("[BLE] failed to clear session state", "error", err)
	}
}
