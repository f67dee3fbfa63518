package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tello-relay/relay/internal/transport"
)

// Sender transmits one datagram to a bridge endpoint.
type Sender interface {
	Send(to *net.UDPAddr, datagram []byte) error
}

// Session is the relay's view of one bridge connection.
type Session struct {
	key    string
	sender Sender
	table  *Table
	logger *zap.Logger

	mu       sync.RWMutex
	endpoint *net.UDPAddr
	lastSeen time.Time
}

func newSession(key string, endpoint *net.UDPAddr, sender Sender, logger *zap.Logger) *Session {
	return &Session{
		key:      key,
		sender:   sender,
		table:    NewTable(),
		logger:   logger.With(zap.String("session", key)),
		endpoint: endpoint,
		lastSeen: time.Now(),
	}
}

// Key identifies the session in the registry: the endpoint string in
// endpoint mode, the declared bridge id in declared mode.
func (s *Session) Key() string { return s.key }

// Table exposes the session's pending transactions.
func (s *Session) Table() *Table { return s.table }

// Endpoint returns the address datagrams for this session are sent to.
func (s *Session) Endpoint() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// LastSeen returns when the bridge last sent a datagram.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) rebind(endpoint *net.UDPAddr) {
	s.mu.Lock()
	s.endpoint = endpoint
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Send relays command to deviceID and waits for the correlated reply or for
// clientTimeout to elapse. A timed out exchange is reported through
// Result.TimedOut, not as an error. Returning early on ctx leaves the
// transaction to expire on its own.
func (s *Session) Send(ctx context.Context, deviceID, command string, clientTimeout, deviceTimeout time.Duration) (Result, error) {
	results := make(chan Result, 1)
	id := s.table.Open(func(r Result) { results <- r }, clientTimeout)

	datagram := transport.EncodeRequest(id, deviceID, deviceTimeout, command)
	return s.exchange(ctx, id, datagram, results)
}

// Search sends the reserved search request and waits up to timeout for the
// bridge's address list.
func (s *Session) Search(ctx context.Context, timeout time.Duration) (Result, error) {
	results := make(chan Result, 1)
	if err := s.table.OpenReserved(ReservedID, func(r Result) { results <- r }, timeout); err != nil {
		return Result{}, fmt.Errorf("search on %s: %w", s.key, err)
	}

	return s.exchange(ctx, ReservedID, transport.EncodeSearch(), results)
}

func (s *Session) exchange(ctx context.Context, id uint32, datagram []byte, results <-chan Result) (Result, error) {
	if err := s.sender.Send(s.Endpoint(), datagram); err != nil {
		s.table.Expire(id)
		return Result{}, fmt.Errorf("relay to %s: %w", s.key, err)
	}
	s.logger.Debug("transaction opened", zap.Uint32("txid", id))

	select {
	case r := <-results:
		if r.TimedOut {
			s.logger.Info("transaction timed out", zap.Uint32("txid", id))
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Deliver routes an inbound reply to its transaction. Unmatched ids are late,
// duplicate or unknown and are dropped.
func (s *Session) Deliver(id uint32, payload string) bool {
	s.Touch()
	if !s.table.Resolve(id, payload) {
		s.logger.Debug("unmatched reply dropped", zap.Uint32("txid", id))
		return false
	}
	return true
}
