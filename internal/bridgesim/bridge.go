// Package bridgesim simulates a bridge and its drones over the relay's UDP
// wire protocol. It backs cmd/bridgesim and the relay's end-to-end tests.
package bridgesim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tello-relay/relay/internal/transport"
)

// Bridge is a simulated bridge.
type Bridge struct {
	cfg    *Config
	logger *zap.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	drones map[string]*drone
	rng    *rand.Rand

	wg sync.WaitGroup
}

// New creates a bridge from cfg.
func New(cfg *Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	drones := make(map[string]*drone, len(cfg.Drones))
	for _, d := range cfg.Drones {
		drones[d.MAC] = newDrone(d)
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger.Named("bridgesim"),
		drones: drones,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dial connects to the relay and announces the bridge and its drones.
func (b *Bridge) Dial() error {
	raddr, err := net.ResolveUDPAddr("udp", b.cfg.Relay)
	if err != nil {
		return fmt.Errorf("resolve relay %s: %w", b.cfg.Relay, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", b.cfg.Relay, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	if err := b.write(transport.EncodeControl(transport.OpHello, b.helloArgs()...)); err != nil {
		return err
	}
	if macs := b.MACs(); len(macs) > 0 {
		if err := b.write(transport.EncodeControl(transport.OpAdd, macs...)); err != nil {
			return err
		}
	}
	b.logger.Info("Bridge announced", zap.String("relay", b.cfg.Relay), zap.Stringer("local", conn.LocalAddr()),
		zap.Int("drones", len(b.cfg.Drones)))
	return nil
}

// LocalAddr returns the bridge's bound address once dialled.
func (b *Bridge) LocalAddr() *net.UDPAddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr().(*net.UDPAddr)
}

// Run dials if needed and serves relay requests until ctx is done. On exit it
// withdraws its drones with a remove message.
func (b *Bridge) Run(ctx context.Context) error {
	if b.LocalAddr() == nil {
		if err := b.Dial(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() {
		if macs := b.MACs(); len(macs) > 0 {
			_ = b.write(transport.EncodeControl(transport.OpRemove, macs...))
		}
		_ = b.conn.Close()
	})
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, err := b.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				b.wg.Wait()
				return nil
			}
			// A refused send surfaces here on some platforms; keep reading.
			b.logger.Debug("Read failed", zap.Error(err))
			continue
		}
		b.handle(append([]byte(nil), buf[:n]...))
	}
}

// MACs lists the bridge's drones in sorted order.
func (b *Bridge) MACs() []string {
	out := make([]string, 0, len(b.drones))
	for mac := range b.drones {
		out = append(out, mac)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) handle(datagram []byte) {
	req, err := transport.DecodeRequest(datagram)
	if err != nil {
		b.logger.Debug("Dropping malformed request", zap.Error(err))
		return
	}

	var reply string
	switch {
	case req.TxID == transport.ReservedID && req.Command == transport.SearchCommand:
		reply = strings.Join(b.MACs(), " ")
	default:
		d, ok := b.drones[req.DeviceID]
		if !ok {
			b.logger.Debug("Request for unknown drone", zap.String("device", req.DeviceID))
			return
		}
		if b.drop() {
			b.logger.Debug("Dropping request", zap.Uint32("txid", req.TxID), zap.String("command", req.Command))
			return
		}
		reply = d.handle(req.Command)
	}

	b.wg.Add(1)
	time.AfterFunc(b.cfg.Latency(), func() {
		defer b.wg.Done()
		if err := b.write(transport.EncodeResponse(req.TxID, reply)); err != nil {
			b.logger.Debug("Reply failed", zap.Uint32("txid", req.TxID), zap.Error(err))
		}
	})
}

func (b *Bridge) drop() bool {
	if b.cfg.DropRate <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64() < b.cfg.DropRate
}

func (b *Bridge) helloArgs() []string {
	if b.cfg.ID == "" {
		return nil
	}
	return []string{b.cfg.ID}
}

func (b *Bridge) write(datagram []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge not dialled")
	}
	_, err := conn.Write(datagram)
	return err
}
