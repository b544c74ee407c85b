package ble

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Session is one logical connection to a camera. It is created by Central
// when a connection succeeds and ends on link drop, radio off or
// Central.Close; ending it cancels every pending operation.
type Session struct {
	ID        string // ULID, for log correlation
	Device    Device
	CreatedAt time.Time

	p         *Peripheral
	conn      Connection
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(dev Device, conn Connection, logger *slog.Logger) *Session {
	now := time.Now()
	id := generateULID(now)
	return &Session{
		ID:        id,
		Device:    dev,
		CreatedAt: now,
		p:         NewPeripheral(conn, logger.With("session", id)),
		conn:      conn,
		done:      make(chan struct{}),
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Peripheral returns the transaction layer of the session.
func (s *Session) Peripheral() *Peripheral {
	return s.p
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.p.Close(cause)
		close(s.done)
	})
}
