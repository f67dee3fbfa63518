package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives every inbound datagram. It runs on the listener goroutine
// and must not block.
type Handler func(from *net.UDPAddr, datagram []byte)

// Stats counts datagrams through the socket.
type Stats struct {
	Sent     uint64
	Received uint64
}

// UDP is the single datagram socket shared by all bridge sessions.
type UDP struct {
	conn    *net.UDPConn
	bufSize int
	logger  *zap.Logger

	sent     atomic.Uint64
	received atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds the relay socket.
func Listen(address string, bufSize int, logger *zap.Logger) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 2048
	}

	return &UDP{
		conn:    conn,
		bufSize: bufSize,
		logger:  logger.Named("udp"),
		closed:  make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is done or the socket is closed, handing
// each one to h. It returns nil on orderly shutdown.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()

	buf := make([]byte, u.bufSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}

		u.received.Add(1)
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		u.logger.Debug("datagram received", zap.Stringer("from", from), zap.Int("bytes", n))
		h(from, pkt)
	}
}

// Send transmits one datagram. Delivery is best effort.
func (u *UDP) Send(to *net.UDPAddr, datagram []byte) error {
	if to == nil {
		return fmt.Errorf("send: no destination")
	}
	if _, err := u.conn.WriteToUDP(datagram, to); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	u.sent.Add(1)
	return nil
}

// Stats returns datagram counters.
func (u *UDP) Stats() Stats {
	return Stats{Sent: u.sent.Load(), Received: u.received.Load()}
}

// Close releases the socket. It is safe to call more than once.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.closed)
		err = u.conn.Close()
	})
	return err
}
