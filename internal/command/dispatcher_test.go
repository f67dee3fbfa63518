package command

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tello-relay/relay/internal/config"
	"github.com/tello-relay/relay/internal/device"
	"github.com/tello-relay/relay/internal/session"
	"github.com/tello-relay/relay/internal/telemetry"
	"github.com/tello-relay/relay/internal/transport"
)

var (
	bridgeAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8889}
	otherAddr  = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8890}
)

// MockSender records datagrams and optionally answers them.
type MockSender struct {
	mu       sync.Mutex
	sent     [][]byte
	SendFunc func(to *net.UDPAddr, datagram []byte) error
}

func (m *MockSender) Send(to *net.UDPAddr, datagram []byte) error {
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), datagram...))
	fn := m.SendFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(to, datagram)
	}
	return nil
}

func (m *MockSender) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, d := range m.sent {
		out[i] = string(d)
	}
	return out
}

// MockAuditLogger collects audit records.
type MockAuditLogger struct {
	mu      sync.Mutex
	Records []AuditRecord
}

func (m *MockAuditLogger) LogAction(_ context.Context, rec AuditRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, rec)
}

func (m *MockAuditLogger) Last() AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Records[len(m.Records)-1]
}

// MockPublisher collects telemetry events.
type MockPublisher struct {
	mu     sync.Mutex
	Events []telemetry.Event
}

func (m *MockPublisher) Publish(e telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
	return nil
}

func (m *MockPublisher) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Events))
	for i, e := range m.Events {
		out[i] = e.Type
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	d        *Dispatcher
	sender   *MockSender
	sessions *session.Registry
	devices  *device.Registry
	audit    *MockAuditLogger
	events   *MockPublisher
	clock    *testClock
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()

	cfg := config.Baseline()
	cfg.Timeouts.Search = 300 * time.Millisecond

	f := &fixture{
		sender: &MockSender{},
		audit:  &MockAuditLogger{},
		events: &MockPublisher{},
		clock:  &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}

	var err error
	f.sessions, err = session.NewRegistry(mode, f.sender, nil)
	require.NoError(t, err)
	f.devices = device.NewRegistry(nil,
		device.WithClock(f.clock.Now),
		device.WithExpiryHook(func(id, owner string) { f.d.LeaseExpired(id, owner) }))

	f.d = NewDispatcher(cfg, f.sessions, f.devices, nil)
	f.d.SetAuditLogger(f.audit)
	f.d.SetEventPublisher(f.events)
	return f
}

// answer makes the mock bridge reply to every request with reply(req).
func (f *fixture) answer(reply func(req transport.Request) string) {
	f.sender.SendFunc = func(to *net.UDPAddr, datagram []byte) error {
		req, err := transport.DecodeRequest(datagram)
		if err != nil {
			return err
		}
		payload := reply(req)
		if payload == "" {
			return nil
		}
		go f.d.HandleDatagram(to, transport.EncodeResponse(req.TxID, payload))
		return nil
	}
}

// ownedDrone registers drone AA on the bridge session and leases it to alice.
func (f *fixture) ownedDrone(t *testing.T) {
	t.Helper()
	require.NoError(t, f.d.Hello(bridgeAddr))
	f.devices.Register("AA", bridgeAddr.String())
	require.NoError(t, f.d.RequestControl(context.Background(), "AA", "alice", 60))
}

func TestSendUnclassifiedCommandTransmitsNothing(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)

	for _, cmd := range []string{"fly", "", "battery", "takeoff\n"} {
		_, err := f.d.Send(context.Background(), "AA", cmd, "alice")
		assert.ErrorIs(t, err, ErrInvalidCommand, "command %q", cmd)
	}

	// Classification precedes the lease check.
	_, err := f.d.Send(context.Background(), "AA", "fly", "mallory")
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = f.d.Send(context.Background(), "ZZ", "fly", "alice")
	assert.ErrorIs(t, err, ErrInvalidCommand)

	assert.Empty(t, f.sender.Sent())
	assert.Equal(t, "Error: invalid command", Message(err))
	assert.Equal(t, "INVALID_COMMAND", f.audit.Last().Code)
}

func TestSendReadCommandTimesOut(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)

	start := time.Now()
	_, err := f.d.Send(context.Background(), "AA", "battery?", "alice")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrClientTimeout)
	assert.Equal(t, "Error: client timeout", Message(err))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, []string{"1 AA 150 battery?"}, f.sender.Sent())
	assert.Contains(t, f.events.Types(), telemetry.EventCommandTimeout)

	sess, err := f.sessions.ResolveByCallerID(bridgeAddr.String())
	require.NoError(t, err)
	assert.Zero(t, sess.Table().Pending())
}

func TestSendRelaysReplyVerbatim(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)
	f.answer(func(req transport.Request) string {
		switch req.Command {
		case "battery?":
			return "87"
		case "takeoff":
			return "ok"
		case "cw 720":
			return "error out of range"
		}
		return ""
	})

	reply, err := f.d.Send(context.Background(), "AA", "battery?", "alice")
	require.NoError(t, err)
	assert.Equal(t, "87", reply)

	reply, err = f.d.Send(context.Background(), "AA", "takeoff", "alice")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	reply, err = f.d.Send(context.Background(), "AA", "cw 720", "alice")
	require.NoError(t, err, "device error replies are results, not dispatcher errors")
	assert.Equal(t, "error out of range", reply)
	assert.Equal(t, ReplyInvalid, f.audit.Last().Code)

	sent := f.sender.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "1 AA 150 battery?", sent[0])
	assert.Equal(t, "2 AA 4800 takeoff", sent[1])
	assert.Equal(t, "3 AA 4800 cw 720", sent[2])

	last := f.audit.Last()
	assert.Equal(t, "alice", last.Caller)
	assert.Equal(t, "send", last.Action)
	assert.Equal(t, "ok", last.Outcome)
}

func TestSendConcurrentTransactionsInterleave(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)

	// Reply in reverse order of arrival once all requests are in.
	var mu sync.Mutex
	var pending []transport.Request
	const n = 5
	f.sender.SendFunc = func(to *net.UDPAddr, datagram []byte) error {
		req, err := transport.DecodeRequest(datagram)
		if err != nil {
			return err
		}
		mu.Lock()
		pending = append(pending, req)
		if len(pending) == n {
			for i := n - 1; i >= 0; i-- {
				r := pending[i]
				go f.d.HandleDatagram(to, transport.EncodeResponse(r.TxID, "echo "+r.Command))
			}
		}
		mu.Unlock()
		return nil
	}

	cmds := []string{"speed 10", "speed 20", "speed 30", "speed 40", "speed 50"}
	replies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, cmd := range cmds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			replies[i], errs[i] = f.d.Send(ctx, "AA", cmd, "alice")
		}()
	}
	wg.Wait()

	for i, cmd := range cmds {
		if errors.Is(errs[i], ErrClientTimeout) {
			// The set class deadline is short; a slow scheduler may lose the race.
			continue
		}
		require.NoError(t, errs[i])
		assert.Equal(t, "echo "+cmd, replies[i])
	}
}

func TestSendLeaseErrors(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)

	_, err := f.d.Send(context.Background(), "AA", "battery?", "bob")
	assert.ErrorIs(t, err, ErrNoAccess)
	assert.Equal(t, "Error: no access to this drone", Message(err))

	_, err = f.d.Send(context.Background(), "ZZ", "battery?", "alice")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = f.d.Send(context.Background(), "AA", "battery?", "")
	assert.ErrorIs(t, err, ErrNoAccess)

	assert.Empty(t, f.sender.Sent())
}

func TestSendExpiredLeaseIsCleared(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	require.NoError(t, f.d.Hello(bridgeAddr))
	f.devices.Register("AA", bridgeAddr.String())
	require.NoError(t, f.d.RequestControl(context.Background(), "AA", "alice", 1))

	f.clock.Advance(1500 * time.Millisecond)

	_, err := f.d.Send(context.Background(), "AA", "battery?", "alice")
	require.ErrorIs(t, err, ErrLeaseExpired)
	assert.Equal(t, "Error: your control over this drone has expired", Message(err))

	assert.ErrorIs(t, f.devices.CheckAccess("AA", "alice"), device.ErrNoAccess)
	_, err = f.d.Send(context.Background(), "AA", "battery?", "alice")
	assert.ErrorIs(t, err, ErrNoAccess)

	assert.Empty(t, f.sender.Sent())
	assert.Contains(t, f.events.Types(), telemetry.EventLeaseExpired)

	// Another caller can now take it.
	require.NoError(t, f.d.RequestControl(context.Background(), "AA", "bob", 5))
}

func TestSendTransportFailure(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)
	f.sender.SendFunc = func(*net.UDPAddr, []byte) error { return errors.New("network is unreachable") }

	_, err := f.d.Send(context.Background(), "AA", "land", "alice")
	require.ErrorIs(t, err, ErrRelayFailed)
	assert.Equal(t, "RELAY_FAILED", Code(err))

	sess, err := f.sessions.ResolveByCallerID(bridgeAddr.String())
	require.NoError(t, err)
	assert.Zero(t, sess.Table().Pending())
}

func TestSendContextCancelled(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.d.Send(ctx, "AA", "takeoff", "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "CLIENT_TIMEOUT", Code(err))
}

func TestSearchRegistersReportedDevices(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	require.NoError(t, f.d.Hello(bridgeAddr))
	f.answer(func(req transport.Request) string {
		if req.TxID == transport.ReservedID && req.Command == transport.SearchCommand {
			return "AA:BB:CC BB:CC:DD"
		}
		return ""
	})

	found, err := f.d.Search(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:BB:CC", "BB:CC:DD"}, found)
	assert.Equal(t, []string{"0 * 0 search"}, f.sender.Sent())

	assert.Equal(t, []string{"AA:BB:CC", "BB:CC:DD"}, f.devices.List())
	for _, d := range f.d.Devices() {
		assert.False(t, d.Owned(), "discovered devices start unowned")
		assert.Equal(t, bridgeAddr.String(), d.SessionKey)
	}
	assert.Equal(t, []string{telemetry.EventDeviceAdded, telemetry.EventDeviceAdded}, f.events.Types())

	// A repeated search returns the list again without re-adding.
	found, err = f.d.Search(context.Background())
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Len(t, f.events.Types(), 2)
}

func TestSearchMergesBridges(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	require.NoError(t, f.d.Hello(bridgeAddr))
	require.NoError(t, f.d.Hello(otherAddr))
	f.sender.SendFunc = func(to *net.UDPAddr, datagram []byte) error {
		reply := "AA BB"
		if to.Port == otherAddr.Port {
			reply = "BB  CC"
		}
		go f.d.HandleDatagram(to, transport.EncodeResponse(transport.ReservedID, reply))
		return nil
	}

	found, err := f.d.Search(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AA", "BB", "CC"}, found)

	cc, err := f.devices.Get("CC")
	require.NoError(t, err)
	assert.Equal(t, otherAddr.String(), cc.SessionKey)
}

func TestSearchWithoutBridges(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	_, err := f.d.Search(context.Background())
	assert.ErrorIs(t, err, ErrUnregisteredSession)
}

func TestSearchTimesOut(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	require.NoError(t, f.d.Hello(bridgeAddr))

	_, err := f.d.Search(context.Background())
	assert.ErrorIs(t, err, ErrClientTimeout)
	assert.Empty(t, f.devices.List())
}

func TestRequestControlValidation(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.devices.Register("AA", bridgeAddr.String())
	ctx := context.Background()

	assert.ErrorIs(t, f.d.RequestControl(ctx, "AA", "alice", 0), ErrInvalidParameter)
	assert.ErrorIs(t, f.d.RequestControl(ctx, "AA", "alice", -3), ErrInvalidParameter)
	assert.ErrorIs(t, f.d.RequestControl(ctx, "AA", "alice", 3600), ErrInvalidRange)

	err := f.d.RequestControl(ctx, "AA", "alice", 1e300)
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Equal(t, "INVALID_RANGE", Code(err))
	assert.ErrorIs(t, f.d.RequestControl(ctx, "ZZ", "alice", 10), ErrUnknownDevice)
	assert.Equal(t, "Error: unknown MAC address", Message(f.d.RequestControl(ctx, "ZZ", "alice", 10)))

	require.NoError(t, f.d.RequestControl(ctx, "AA", "alice", 10))
	require.NoError(t, f.d.RequestControl(ctx, "AA", "alice", 10), "renewal")

	err = f.d.RequestControl(ctx, "AA", "bob", 10)
	assert.ErrorIs(t, err, ErrDeviceOwnedByOther)
	assert.Equal(t, "Error: this drone is owned by others", Message(err))

	f.clock.Advance(10*time.Second + time.Millisecond)
	require.NoError(t, f.d.RequestControl(ctx, "AA", "bob", 10))

	owner := f.d.Devices()[0].Owner
	assert.Equal(t, "bob", owner)
}

func TestReleaseControl(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)
	f.ownedDrone(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.d.ReleaseControl(ctx, "AA", "bob"), ErrNoAccess)
	require.NoError(t, f.d.ReleaseControl(ctx, "AA", "alice"))
	require.NoError(t, f.d.RequestControl(ctx, "AA", "bob", 5))

	assert.Contains(t, f.events.Types(), telemetry.EventLeaseReleased)
}

func TestHandleDatagramControlMessages(t *testing.T) {
	f := newFixture(t, session.ModeEndpoint)

	f.d.HandleDatagram(bridgeAddr, []byte("0 add AA BB"))
	f.d.HandleDatagram(otherAddr, []byte("0 add CC"))
	assert.Equal(t, []string{"AA", "BB", "CC"}, f.devices.List())
	assert.Len(t, f.sessions.List(), 2)

	// A bridge cannot remove drones it does not relay for.
	f.d.HandleDatagram(otherAddr, []byte("0 remove AA"))
	assert.Equal(t, []string{"AA", "BB", "CC"}, f.devices.List())

	f.d.HandleDatagram(bridgeAddr, []byte("0 remove AA\n"))
	assert.Equal(t, []string{"BB", "CC"}, f.devices.List())

	// Malformed and unmatched datagrams are ignored.
	f.d.HandleDatagram(bridgeAddr, []byte("garbage"))
	f.d.HandleDatagram(bridgeAddr, []byte(""))
	f.d.HandleDatagram(bridgeAddr, []byte("42 ok"))
	f.d.HandleDatagram(bridgeAddr, []byte("0 AA BB"))
	assert.Equal(t, []string{"BB", "CC"}, f.devices.List())

	assert.Equal(t, []string{
		telemetry.EventDeviceAdded, telemetry.EventDeviceAdded, telemetry.EventDeviceAdded,
		telemetry.EventDeviceRemoved,
	}, f.events.Types())
}

func TestDeclaredModeRequiresHello(t *testing.T) {
	f := newFixture(t, session.ModeDeclared)

	assert.Error(t, f.d.Hello(bridgeAddr))

	// Traffic before hello is dropped.
	f.d.HandleDatagram(bridgeAddr, []byte("0 add AA"))
	assert.Empty(t, f.devices.List())
	f.d.HandleDatagram(bridgeAddr, []byte("0 hello"))
	assert.Empty(t, f.sessions.List())

	f.d.HandleDatagram(bridgeAddr, []byte("0 hello lab-1"))
	f.d.HandleDatagram(bridgeAddr, []byte("0 add AA"))
	require.Equal(t, []string{"AA"}, f.devices.List())

	dev, err := f.devices.Get("AA")
	require.NoError(t, err)
	assert.Equal(t, "lab-1", dev.SessionKey)

	// The bridge moves; a new hello rebinds the same session.
	f.d.HandleDatagram(otherAddr, []byte("0 hello lab-1"))
	require.NoError(t, f.d.RequestControl(context.Background(), "AA", "alice", 30))
	f.answer(func(req transport.Request) string { return "ok" })

	reply, err := f.d.Send(context.Background(), "AA", "command", "alice")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Len(t, f.sessions.List(), 1)
}
