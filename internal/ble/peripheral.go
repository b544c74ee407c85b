package ble

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/gr-remote/internal/ble/protocol"
)

type opKind uint8

const (
	opDiscoverServices opKind = iota
	opDiscoverCharacteristics
	opRead
	opWrite
	opNotify
)

func (k opKind) String() string {
	switch k {
	case opDiscoverServices:
		return "discover services"
	case opDiscoverCharacteristics:
		return "discover characteristics"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opNotify:
		return "set notify"
	default:
		return "unknown"
	}
}

// opKey addresses one waiter queue. Discovery kinds are keyed by kind
// alone; reads, writes and notify-state changes also by characteristic.
type opKey struct {
	kind opKind
	id   uuid.UUID
}

func eventKey(ev Event) (opKey, bool) {
	switch ev.Kind {
	case EventServicesDiscovered:
		return opKey{kind: opDiscoverServices}, true
	case EventCharacteristicsDiscovered:
		return opKey{kind: opDiscoverCharacteristics}, true
	case EventValueRead:
		return opKey{kind: opRead, id: ev.Characteristic}, true
	case EventValueWritten:
		return opKey{kind: opWrite, id: ev.Characteristic}, true
	case EventNotifyStateChanged:
		return opKey{kind: opNotify, id: ev.Characteristic}, true
	default:
		return opKey{}, false
	}
}

type outcome struct {
	ev  Event
	err error // cancellation; transport failures travel in ev.Err
}

// waiter is one pending operation. The head of a queue is always issued.
// All fields except done are guarded by Peripheral.mu.
type waiter struct {
	issue     func()
	done      chan outcome
	issued    bool
	abandoned bool // caller gave up while the request was in flight
	resolved  bool
}

// Peripheral is the transaction layer over one Connection. Every
// operation blocks the calling goroutine until its terminal event arrives,
// its context ends, or the peripheral is closed. Safe for concurrent use.
type Peripheral struct {
	conn Connection
	log  *slog.Logger

	mu       sync.Mutex
	closeErr error
	queues   map[opKey][]*waiter
	subs     map[uuid.UUID][]*Subscription
	services map[uuid.UUID]Service
	chars    map[uuid.UUID]Characteristic
}

// NewPeripheral takes over the event handler of conn.
func NewPeripheral(conn Connection, logger *slog.Logger) *Peripheral {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peripheral{
		conn:     conn,
		log:      logger,
		queues:   make(map[opKey][]*waiter),
		subs:     make(map[uuid.UUID][]*Subscription),
		services: make(map[uuid.UUID]Service),
		chars:    make(map[uuid.UUID]Characteristic),
	}
	conn.SetEventHandler(p.dispatch)
	return p
}

// DiscoverServices discovers the services matching filter (all when
// filter is empty). The result may be empty.
func (p *Peripheral) DiscoverServices(ctx context.Context, filter []uuid.UUID) ([]Service, error) {
	filter = slices.Clone(filter)
	ev, err := p.do(ctx, opKey{kind: opDiscoverServices}, func() {
		p.conn.DiscoverServices(filter)
	})
	if err != nil {
		return nil, err
	}
	if ev.Err != nil {
		return nil, &LinkError{Op: "discover services", Err: ev.Err}
	}
	var out []Service
	for _, s := range ev.Services {
		if len(filter) == 0 || slices.Contains(filter, s.UUID) {
			out = append(out, s)
		}
	}
	return out, nil
}

// DiscoverCharacteristics discovers the characteristics of svc matching
// filter (all when filter is empty).
func (p *Peripheral) DiscoverCharacteristics(ctx context.Context, filter []uuid.UUID, svc Service) ([]Characteristic, error) {
	filter = slices.Clone(filter)
	ev, err := p.do(ctx, opKey{kind: opDiscoverCharacteristics}, func() {
		p.conn.DiscoverCharacteristics(filter, svc)
	})
	if err != nil {
		return nil, err
	}
	if ev.Err != nil {
		return nil, &LinkError{Op: "discover characteristics", Endpoint: svc.UUID, Err: ev.Err}
	}
	var out []Characteristic
	for _, c := range ev.Characteristics {
		if c.Service != svc.UUID {
			continue
		}
		if len(filter) == 0 || slices.Contains(filter, c.UUID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Read reads the value of ch. A nil slice means the camera returned no value.
func (p *Peripheral) Read(ctx context.Context, ch Characteristic) ([]byte, error) {
	ev, err := p.do(ctx, opKey{kind: opRead, id: ch.UUID}, func() {
		p.conn.ReadValue(ch)
	})
	if err != nil {
		return nil, err
	}
	if ev.Err != nil {
		return nil, &LinkError{Op: "read", Endpoint: ch.UUID, Err: ev.Err}
	}
	return ev.Value, nil
}

// WriteWithResponse writes data to ch and waits for the acknowledgement.
func (p *Peripheral) WriteWithResponse(ctx context.Context, ch Characteristic, data []byte) error {
	data = slices.Clone(data)
	ev, err := p.do(ctx, opKey{kind: opWrite, id: ch.UUID}, func() {
		p.conn.WriteValue(ch, data, true)
	})
	if err != nil {
		return err
	}
	if ev.Err != nil {
		return &LinkError{Op: "write", Endpoint: ch.UUID, Err: ev.Err}
	}
	return nil
}

// WriteWithoutResponse writes data to ch and returns immediately. The
// transport gives no acknowledgement, so failures are not reported.
func (p *Peripheral) WriteWithoutResponse(ch Characteristic, data []byte) {
	p.mu.Lock()
	closed := p.closeErr != nil
	p.mu.Unlock()
	if closed {
		p.log.Debug("[BLE] dropping write on closed session", "endpoint", protocol.Name(ch.UUID))
		return
	}
	p.conn.WriteValue(ch, slices.Clone(data), false)
}

// Service returns a previously discovered service.
func (p *Peripheral) Service(id uuid.UUID) (Service, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.services[id]
	return s, ok
}

// Characteristic returns a previously discovered characteristic.
func (p *Peripheral) Characteristic(id uuid.UUID) (Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[id]
	return c, ok
}

// Close cancels every pending operation and subscription with an error
// wrapping ErrCancelled and cause. Later calls are no-ops.
func (p *Peripheral) Close(cause error) {
	err := cancelled(cause)

	p.mu.Lock()
	if p.closeErr != nil {
		p.mu.Unlock()
		return
	}
	p.closeErr = err
	var waiters []*waiter
	live := 0
	for _, q := range p.queues {
		for _, w := range q {
			w.resolved = true
			if !w.abandoned {
				live++
			}
			waiters = append(waiters, w)
		}
	}
	p.queues = make(map[opKey][]*waiter)
	var subs []*Subscription
	for _, s := range p.subs {
		subs = append(subs, s...)
	}
	p.subs = make(map[uuid.UUID][]*Subscription)
	p.mu.Unlock()

	for _, w := range waiters {
		w.done <- outcome{err: err}
	}
	for _, s := range subs {
		s.end(err)
	}
	p.log.Debug("[BLE] peripheral closed", "cancelled", live, "subscriptions", len(subs), "cause", cause)
}

// do enqueues a request under key and blocks until it resolves. Only the
// head of each queue is in flight; the next request is issued once the
// head's terminal event has been dispatched.
func (p *Peripheral) do(ctx context.Context, key opKey, issue func()) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	p.mu.Lock()
	if p.closeErr != nil {
		err := p.closeErr
		p.mu.Unlock()
		return Event{}, err
	}
	w, head := p.enqueueLocked(key, issue)
	p.mu.Unlock()

	return p.await(ctx, key, w, head)
}

// enqueueLocked appends a waiter to the queue of key and reports whether
// it is the head, which the caller must then issue through await (caller
// must hold mu and have checked closeErr). Callers that must order the
// request with a registry change make both under the same lock.
func (p *Peripheral) enqueueLocked(key opKey, issue func()) (*waiter, bool) {
	w := &waiter{issue: issue, done: make(chan outcome, 1)}
	p.queues[key] = append(p.queues[key], w)
	head := len(p.queues[key]) == 1
	if head {
		w.issued = true
	}
	return w, head
}

// await issues w if it heads its queue and blocks until it resolves.
func (p *Peripheral) await(ctx context.Context, key opKey, w *waiter, head bool) (Event, error) {
	if head {
		p.log.Debug("[BLE] issue", "op", key.kind, "endpoint", endpointName(key.id))
		w.issue()
	}

	select {
	case out := <-w.done:
		return out.ev, out.err
	case <-ctx.Done():
		if p.abandon(key, w) {
			return Event{}, ctx.Err()
		}
		// Resolved while we were giving up.
		out := <-w.done
		return out.ev, out.err
	}
}

// abandon detaches w from its caller. A queued waiter is removed; one that
// is in flight stays at the head so its terminal event is consumed by it
// and not by the next caller. Reports false if w was already resolved.
func (p *Peripheral) abandon(key opKey, w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.resolved {
		return false
	}
	if w.issued {
		w.abandoned = true
		return true
	}
	q := p.queues[key]
	if i := slices.Index(q, w); i >= 0 {
		p.queues[key] = slices.Delete(q, i, i+1)
	}
	w.resolved = true
	return true
}

// dispatch is the single entry point for transport events. Each terminal
// event resolves exactly one waiter, the head of its queue.
func (p *Peripheral) dispatch(ev Event) {
	if ev.Kind == EventValueNotified {
		p.notify(ev)
		return
	}
	key, ok := eventKey(ev)
	if !ok {
		p.log.Warn("[BLE] unknown event", "kind", ev.Kind)
		return
	}

	p.mu.Lock()
	q := p.queues[key]
	if len(q) == 0 {
		p.mu.Unlock()
		p.log.Debug("[BLE] dropping unsolicited event", "kind", ev.Kind, "endpoint", endpointName(key.id))
		return
	}
	w := q[0]
	w.resolved = true
	abandoned := w.abandoned
	var next *waiter
	if len(q) > 1 {
		next = q[1]
		next.issued = true
		p.queues[key] = q[1:]
	} else {
		delete(p.queues, key)
	}
	if ev.Err == nil {
		p.remember(ev)
	}
	p.mu.Unlock()

	w.done <- outcome{ev: ev}
	if abandoned {
		p.log.Debug("[BLE] discarded result of abandoned request", "op", key.kind, "endpoint", endpointName(key.id))
	}
	if next != nil {
		p.log.Debug("[BLE] issue", "op", key.kind, "endpoint", endpointName(key.id))
		next.issue()
	}
}

// remember caches discovered endpoints (caller must hold mu).
func (p *Peripheral) remember(ev Event) {
	for _, s := range ev.Services {
		p.services[s.UUID] = s
	}
	for _, c := range ev.Characteristics {
		p.chars[c.UUID] = c
	}
}

// pending returns the number of queued or in-flight waiters.
func (p *Peripheral) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func endpointName(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return protocol.Name(id)
}
