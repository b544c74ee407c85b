package ble

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
)

type notification struct {
	value []byte
	err   error
}

// Subscription delivers the notifications of one characteristic in
// arrival order. The buffer is unbounded; a slow reader never stalls the
// transport.
type Subscription struct {
	Characteristic uuid.UUID

	mu     sync.Mutex
	items  []notification
	err    error // terminal; set once
	signal chan struct{}
}

func newSubscription(id uuid.UUID) *Subscription {
	return &Subscription{Characteristic: id, signal: make(chan struct{}, 1)}
}

// Next returns the next notified value, blocking until one arrives. A
// failed notification is returned as a *LinkError and the subscription
// stays open. After Unsubscribe Next returns ErrSubscriptionClosed; after
// the session ends it returns an error wrapping ErrCancelled. Values
// buffered before the end are still delivered first.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			n := s.items[0]
			s.items[0] = notification{}
			s.items = s.items[1:]
			s.mu.Unlock()
			return n.value, n.err
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
		}
	}
}

// All ranges over the notifications until the subscription ends or ctx is
// done. Per-notification link errors are yielded and iteration goes on;
// the terminal error is yielded last, except ErrSubscriptionClosed which
// ends iteration silently.
func (s *Subscription) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			v, err := s.Next(ctx)
			if errors.Is(err, ErrSubscriptionClosed) {
				return
			}
			if !yield(v, err) {
				return
			}
			var le *LinkError
			if err != nil && !errors.As(err, &le) {
				return
			}
		}
	}
}

func (s *Subscription) push(n notification) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.items = append(s.items, n)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Subscribe enables notifications on ch and returns a new subscription.
// Several subscriptions to one characteristic each receive every value.
func (p *Peripheral) Subscribe(ctx context.Context, ch Characteristic) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(ch.UUID)
	key := opKey{kind: opNotify, id: ch.UUID}

	// Registering and queueing the enable together keeps it ordered after
	// any disable queued by a concurrent Unsubscribe.
	p.mu.Lock()
	if p.closeErr != nil {
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	}
	p.subs[ch.UUID] = append(p.subs[ch.UUID], sub)
	w, head := p.enqueueLocked(key, func() {
		p.conn.SetNotify(ch, true)
	})
	p.mu.Unlock()

	ev, err := p.await(ctx, key, w, head)
	if err == nil && ev.Err != nil {
		err = &LinkError{Op: "subscribe", Endpoint: ch.UUID, Err: ev.Err}
	}
	if err != nil {
		p.mu.Lock()
		p.detachLocked(sub)
		p.mu.Unlock()
		sub.end(err)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe ends sub. Notifications are disabled on the camera once the
// last subscription to the characteristic is gone.
func (p *Peripheral) Unsubscribe(ctx context.Context, sub *Subscription) error {
	key := opKey{kind: opNotify, id: sub.Characteristic}

	p.mu.Lock()
	last := p.detachLocked(sub)
	if !last || p.closeErr != nil {
		p.mu.Unlock()
		sub.end(ErrSubscriptionClosed)
		return nil
	}
	ch := Characteristic{UUID: sub.Characteristic}
	if c, ok := p.chars[sub.Characteristic]; ok {
		ch = c
	}
	// Queued under the same lock as the detach, so a Subscribe that
	// registers afterwards re-enables behind this request.
	w, head := p.enqueueLocked(key, func() {
		p.conn.SetNotify(ch, false)
	})
	p.mu.Unlock()
	sub.end(ErrSubscriptionClosed)

	ev, err := p.await(ctx, key, w, head)
	if err != nil {
		return err
	}
	if ev.Err != nil {
		return &LinkError{Op: "unsubscribe", Endpoint: ch.UUID, Err: ev.Err}
	}
	return nil
}

// detachLocked removes sub from the registry and reports whether it was
// the last subscription to its characteristic (caller must hold mu).
func (p *Peripheral) detachLocked(sub *Subscription) bool {
	list := p.subs[sub.Characteristic]
	i := slices.Index(list, sub)
	if i < 0 {
		return false
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(p.subs, sub.Characteristic)
		return true
	}
	p.subs[sub.Characteristic] = list
	return false
}

func (p *Peripheral) notify(ev Event) {
	p.mu.Lock()
	subs := slices.Clone(p.subs[ev.Characteristic])
	p.mu.Unlock()

	if len(subs) == 0 {
		p.log.Debug("[BLE] dropping notification without subscriber", "endpoint", endpointName(ev.Characteristic))
		return
	}
	var err error
	if ev.Err != nil {
		err = &LinkError{Op: "notification", Endpoint: ev.Characteristic, Err: ev.Err}
	}
	for _, s := range subs {
		s.push(notification{value: slices.Clone(ev.Value), err: err})
	}
}
