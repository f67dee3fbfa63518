package command

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tello-relay/relay/internal/config"
	"github.com/tello-relay/relay/internal/device"
	"github.com/tello-relay/relay/internal/session"
	"github.com/tello-relay/relay/internal/telemetry"
	"github.com/tello-relay/relay/internal/transport"
)

// Dispatcher routes caller commands to drones through bridge sessions.
type Dispatcher struct {
	sessions   *session.Registry
	devices    *device.Registry
	classifier *Classifier

	searchTimeout time.Duration
	maxLease      time.Duration

	auditLogger AuditLogger
	events      EventPublisher
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher over the given registries.
func NewDispatcher(cfg *config.Config, sessions *session.Registry, devices *device.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions:      sessions,
		devices:       devices,
		classifier:    NewClassifier(cfg.Commands, cfg.Timeouts),
		searchTimeout: cfg.Timeouts.Search,
		maxLease:      cfg.Lease.MaxDuration,
		logger:        logger.Named("dispatcher"),
	}
}

// SetAuditLogger sets the audit logger.
func (d *Dispatcher) SetAuditLogger(logger AuditLogger) {
	d.auditLogger = logger
}

// SetEventPublisher sets the telemetry sink.
func (d *Dispatcher) SetEventPublisher(events EventPublisher) {
	d.events = events
}

// Send relays cmd to deviceID on behalf of callerID and returns the drone's
// reply verbatim. Commands are classified before any I/O. The dispatcher
// never retries; a caller that wants another attempt calls Send again and
// gets a fresh transaction id.
func (d *Dispatcher) Send(ctx context.Context, deviceID, cmd, callerID string) (string, error) {
	start := time.Now()
	rec := AuditRecord{Caller: callerID, Action: "send", Device: deviceID,
		Params: map[string]interface{}{"command": cmd}}

	class, err := d.classifier.Classify(cmd)
	if err != nil {
		d.logAudit(ctx, rec, err, start)
		return "", err
	}
	rec.Params["class"] = class.Name

	if err := d.devices.CheckAccess(deviceID, callerID); err != nil {
		d.logAudit(ctx, rec, err, start)
		return "", err
	}

	sess, err := d.sessionFor(deviceID)
	if err != nil {
		d.logAudit(ctx, rec, err, start)
		return "", err
	}

	res, err := sess.Send(ctx, deviceID, cmd, class.Timeouts.Client, class.Timeouts.Device)
	if err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrRelayFailed, err)
			d.logger.Warn("Relay failed", zap.String("device", deviceID), zap.Error(err))
		}
		d.logAudit(ctx, rec, err, start)
		return "", err
	}

	if res.TimedOut {
		d.publish(telemetry.Event{
			Type:   telemetry.EventCommandTimeout,
			Device: deviceID,
			Data: map[string]interface{}{
				"command":   cmd,
				"class":     class.Name,
				"timeoutMs": class.Timeouts.Client.Milliseconds(),
			},
		})
		d.logAudit(ctx, rec, ErrClientTimeout, start)
		return "", fmt.Errorf("%w: %s after %v", ErrClientTimeout, deviceID, class.Timeouts.Client)
	}

	code := NormalizeReply(res.Payload)
	d.publish(telemetry.Event{
		Type:   telemetry.EventCommandResult,
		Device: deviceID,
		Data: map[string]interface{}{
			"command":   cmd,
			"class":     class.Name,
			"response":  res.Payload,
			"code":      code,
			"latencyMs": time.Since(start).Milliseconds(),
		},
	})
	rec.Code = code
	d.logAudit(ctx, rec, nil, start)
	return res.Payload, nil
}

// sessionFor resolves the bridge session a device was discovered on.
func (d *Dispatcher) sessionFor(deviceID string) (*session.Session, error) {
	dev, err := d.devices.Get(deviceID)
	if err != nil {
		return nil, err
	}
	sess, err := d.sessions.ResolveByCallerID(dev.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return sess, nil
}

// Search asks every known bridge for its drones, registers new addresses
// under the bridge that reported them, and returns the merged list in reply
// order without duplicates.
func (d *Dispatcher) Search(ctx context.Context) ([]string, error) {
	start := time.Now()
	rec := AuditRecord{Action: "search"}

	sessions := d.sessions.List()
	if len(sessions) == 0 {
		err := fmt.Errorf("%w: no bridge has connected", ErrUnregisteredSession)
		d.logAudit(ctx, rec, err, start)
		return nil, err
	}

	results := make([]session.Result, len(sessions))
	errs := make([]error, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			results[i], errs[i] = s.Search(ctx, d.searchTimeout)
			return nil
		})
	}
	_ = g.Wait()

	found := make([]string, 0)
	seen := make(map[string]bool)
	answered := 0
	var firstErr error
	for i, s := range sessions {
		switch {
		case errs[i] != nil:
			d.logger.Warn("Search failed", zap.String("session", s.Key()), zap.Error(errs[i]))
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		case results[i].TimedOut:
			d.logger.Info("Search timed out", zap.String("session", s.Key()))
			continue
		}

		answered++
		for _, addr := range transport.ParseAddresses(results[i].Payload) {
			d.register(addr, s.Key())
			if !seen[addr] {
				seen[addr] = true
				found = append(found, addr)
			}
		}
	}

	if answered == 0 {
		err := firstErr
		if err == nil {
			err = fmt.Errorf("%w: no bridge answered the search", ErrClientTimeout)
		}
		d.logAudit(ctx, rec, err, start)
		return nil, err
	}

	rec.Params = map[string]interface{}{"found": len(found), "sessions": len(sessions)}
	d.logAudit(ctx, rec, nil, start)
	return found, nil
}

// RequestControl grants callerID a lease on deviceID for seconds, bounded by
// the configured maximum.
func (d *Dispatcher) RequestControl(ctx context.Context, deviceID, callerID string, seconds float64) error {
	start := time.Now()
	rec := AuditRecord{Caller: callerID, Action: "requestControl", Device: deviceID,
		Params: map[string]interface{}{"durationSeconds": seconds}}

	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		err := fmt.Errorf("%w: duration %v", ErrInvalidParameter, seconds)
		d.logAudit(ctx, rec, err, start)
		return err
	}
	// Bound in seconds before converting; a large float overflows Duration.
	limit := float64(math.MaxInt64) / float64(time.Second)
	if d.maxLease > 0 {
		limit = d.maxLease.Seconds()
	}
	if seconds > limit {
		err := fmt.Errorf("%w: %vs exceeds %vs", ErrInvalidRange, seconds, limit)
		d.logAudit(ctx, rec, err, start)
		return err
	}
	duration := time.Duration(seconds * float64(time.Second))

	if err := d.devices.RequestControl(deviceID, callerID, duration); err != nil {
		d.logAudit(ctx, rec, err, start)
		return err
	}

	d.publish(telemetry.Event{
		Type:   telemetry.EventLeaseGranted,
		Device: deviceID,
		Data: map[string]interface{}{
			"owner":           callerID,
			"durationSeconds": seconds,
		},
	})
	d.logAudit(ctx, rec, nil, start)
	return nil
}

// ReleaseControl drops callerID's lease on deviceID.
func (d *Dispatcher) ReleaseControl(ctx context.Context, deviceID, callerID string) error {
	start := time.Now()
	rec := AuditRecord{Caller: callerID, Action: "releaseControl", Device: deviceID}

	if err := d.devices.ReleaseControl(deviceID, callerID); err != nil {
		d.logAudit(ctx, rec, err, start)
		return err
	}

	d.publish(telemetry.Event{
		Type:   telemetry.EventLeaseReleased,
		Device: deviceID,
		Data:   map[string]interface{}{"owner": callerID},
	})
	d.logAudit(ctx, rec, nil, start)
	return nil
}

// Devices returns a snapshot of every known drone.
func (d *Dispatcher) Devices() []device.Device {
	return d.devices.Snapshot()
}

// LeaseExpired publishes the lapse of owner's lease. It is installed as the
// device registry's expiry hook.
func (d *Dispatcher) LeaseExpired(deviceID, owner string) {
	d.publish(telemetry.Event{
		Type:   telemetry.EventLeaseExpired,
		Device: deviceID,
		Data:   map[string]interface{}{"owner": owner},
	})
}

// Hello registers a bridge endpoint before it has sent anything. It is used
// for bridges listed in the configuration and only applies in endpoint mode.
func (d *Dispatcher) Hello(endpoint *net.UDPAddr) error {
	if d.sessions.Mode() != session.ModeEndpoint {
		return fmt.Errorf("cannot pre-register %s: sessions are declared by hello", endpoint)
	}
	_, err := d.sessions.Resolve(endpoint)
	return err
}

// HandleDatagram demultiplexes one inbound datagram. Replies are delivered to
// their session's transaction table; control messages on the reserved id
// update sessions and the device registry. Anything unparseable or from an
// unknown bridge is dropped.
func (d *Dispatcher) HandleDatagram(from *net.UDPAddr, datagram []byte) {
	txid, payload, err := transport.DecodeResponse(datagram)
	if err != nil {
		d.logger.Debug("Dropping malformed datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}

	if txid == transport.ReservedID {
		if ctl, ok := transport.ParseControl(payload); ok {
			d.handleControl(from, ctl)
			return
		}
	}

	sess, err := d.sessions.Resolve(from)
	if err != nil {
		d.logger.Debug("Dropping datagram from unknown bridge", zap.Stringer("from", from), zap.Error(err))
		return
	}
	sess.Deliver(txid, payload)
}

func (d *Dispatcher) handleControl(from *net.UDPAddr, ctl transport.Control) {
	var (
		sess *session.Session
		err  error
	)
	if ctl.Op == transport.OpHello && d.sessions.Mode() == session.ModeDeclared {
		if len(ctl.Args) == 0 {
			d.logger.Debug("Dropping hello without id", zap.Stringer("from", from))
			return
		}
		sess, err = d.sessions.Bind(ctl.Args[0], from)
	} else {
		sess, err = d.sessions.Resolve(from)
	}
	if err != nil {
		d.logger.Debug("Dropping control message", zap.Stringer("from", from),
			zap.String("op", ctl.Op), zap.Error(err))
		return
	}
	sess.Touch()

	switch ctl.Op {
	case transport.OpHello:
		d.logger.Info("Bridge said hello", zap.String("session", sess.Key()), zap.Stringer("from", from))
	case transport.OpAdd:
		for _, addr := range ctl.Args {
			d.register(addr, sess.Key())
		}
	case transport.OpRemove:
		for _, addr := range ctl.Args {
			d.unregister(addr, sess.Key())
		}
	}
}

func (d *Dispatcher) register(addr, sessionKey string) {
	if !d.devices.Register(addr, sessionKey) {
		return
	}
	d.publish(telemetry.Event{
		Type:   telemetry.EventDeviceAdded,
		Device: addr,
		Data:   map[string]interface{}{"session": sessionKey},
	})
}

// unregister removes addr only when it belongs to sessionKey, so one bridge
// cannot drop another bridge's drones.
func (d *Dispatcher) unregister(addr, sessionKey string) {
	dev, err := d.devices.Get(addr)
	if err != nil || dev.SessionKey != sessionKey {
		return
	}
	if d.devices.Unregister(addr) {
		d.publish(telemetry.Event{
			Type:   telemetry.EventDeviceRemoved,
			Device: addr,
			Data:   map[string]interface{}{"session": sessionKey},
		})
	}
}

func (d *Dispatcher) publish(event telemetry.Event) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(event); err != nil {
		d.logger.Debug("Telemetry publish failed", zap.String("type", event.Type), zap.Error(err))
	}
}

func (d *Dispatcher) logAudit(ctx context.Context, rec AuditRecord, err error, start time.Time) {
	if d.auditLogger == nil {
		return
	}
	rec.Latency = time.Since(start)
	if err != nil {
		rec.Outcome = "error"
		rec.Code = Code(err)
	} else {
		rec.Outcome = "ok"
		if rec.Code == "" {
			rec.Code = ReplyOK
		}
	}
	d.auditLogger.LogAction(ctx, rec)
}
