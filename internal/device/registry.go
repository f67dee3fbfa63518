package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lease and lookup errors.
var (
	ErrUnknownDevice   = errors.New("UNKNOWN_DEVICE")
	ErrNoAccess        = errors.New("NO_ACCESS")
	ErrLeaseExpired    = errors.New("LEASE_EXPIRED")
	ErrOwnedByOther    = errors.New("DEVICE_OWNED_BY_OTHER")
	ErrInvalidCaller   = errors.New("INVALID_CALLER")
	ErrInvalidDuration = errors.New("INVALID_DURATION")
)

// Device is a snapshot of one known drone.
type Device struct {
	ID string `json:"id"`

	// SessionKey names the bridge session that relays to this drone.
	SessionKey string `json:"session"`

	// Owner is the caller holding the lease; empty when unowned.
	Owner string `json:"owner,omitempty"`

	// Expiry is the end of the lease; zero when unowned.
	Expiry time.Time `json:"expiry,omitzero"`

	AddedAt time.Time `json:"addedAt"`
}

// Owned reports whether a lease is recorded, expired or not.
func (d Device) Owned() bool { return d.Owner != "" }

func (d Device) expiredAt(now time.Time) bool {
	return now.After(d.Expiry)
}

// ExpiryHook is told about leases cleared because they lapsed.
type ExpiryHook func(deviceID, owner string)

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithExpiryHook installs a hook called after a lapsed lease is cleared.
func WithExpiryHook(hook ExpiryHook) Option {
	return func(r *Registry) { r.onExpire = hook }
}

// Registry maps device ids to their bridge binding and lease state.
type Registry struct {
	mu       sync.Mutex
	devices  map[string]*Device
	order    []string
	now      func() time.Time
	onExpire ExpiryHook
	logger   *zap.Logger
}

// NewRegistry creates an empty device registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		devices: make(map[string]*Device),
		now:     time.Now,
		logger:  logger.Named("devices"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a device reachable through sessionKey and reports whether it
// was new. Re-registering a known device only updates its bridge binding;
// any lease is kept.
func (r *Registry) Register(id, sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[id]; ok {
		if d.SessionKey != sessionKey {
			r.logger.Info("device moved", zap.String("device", id),
				zap.String("from", d.SessionKey), zap.String("to", sessionKey))
			d.SessionKey = sessionKey
		}
		return false
	}

	r.devices[id] = &Device{ID: id, SessionKey: sessionKey, AddedAt: r.now()}
	r.order = append(r.order, id)
	r.logger.Info("device registered", zap.String("device", id), zap.String("session", sessionKey))
	return true
}

// Unregister removes a device and its lease state.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	for i, known := range r.order {
		if known == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("device unregistered", zap.String("device", id))
	return true
}

// List returns known device ids in registration order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot returns copies of every known device in registration order.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

// Get returns a copy of one device.
func (r *Registry) Get(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return *d, nil
}

// RequestControl grants or renews caller's lease on id for duration. It
// succeeds when the device is unowned, already owned by caller, or its
// lease has lapsed.
func (r *Registry) RequestControl(id, caller string, duration time.Duration) error {
	if caller == "" {
		return ErrInvalidCaller
	}
	if duration <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	now := r.now()
	if d.Owned() && d.Owner != caller && !d.expiredAt(now) {
		owner := d.Owner
		r.mu.Unlock()
		r.logger.Debug("lease refused", zap.String("device", id),
			zap.String("caller", caller), zap.String("owner", owner))
		return fmt.Errorf("%w: %s", ErrOwnedByOther, id)
	}

	var lapsed string
	if d.Owned() && d.Owner != caller {
		lapsed = d.Owner
	}
	d.Owner = caller
	d.Expiry = now.Add(duration)
	r.mu.Unlock()

	if lapsed != "" {
		r.expired(id, lapsed)
	}
	r.logger.Info("lease granted", zap.String("device", id),
		zap.String("caller", caller), zap.Duration("duration", duration))
	return nil
}

// ReleaseControl drops caller's lease before it expires.
func (r *Registry) ReleaseControl(id, caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if caller == "" || d.Owner != caller {
		return fmt.Errorf("%w: %s", ErrNoAccess, id)
	}
	clearLease(d)
	r.logger.Info("lease released", zap.String("device", id), zap.String("caller", caller))
	return nil
}

// CheckAccess reports whether caller currently holds the lease on id. A lapsed
// lease found here is cleared, so a repeated check by the former owner
// reports ErrNoAccess rather than ErrLeaseExpired.
func (r *Registry) CheckAccess(id, caller string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	now := r.now()
	if caller == "" || d.Owner != caller {
		lapsed := ""
		if d.Owned() && d.expiredAt(now) {
			lapsed = d.Owner
			clearLease(d)
		}
		r.mu.Unlock()
		if lapsed != "" {
			r.expired(id, lapsed)
		}
		return fmt.Errorf("%w: %s", ErrNoAccess, id)
	}

	if d.expiredAt(now) {
		clearLease(d)
		r.mu.Unlock()
		r.expired(id, caller)
		return fmt.Errorf("%w: %s", ErrLeaseExpired, id)
	}

	r.mu.Unlock()
	return nil
}

// Sweep clears every lapsed lease and returns the affected device ids.
func (r *Registry) Sweep() []string {
	type lapse struct{ id, owner string }

	r.mu.Lock()
	now := r.now()
	var cleared []lapse
	for _, id := range r.order {
		d := r.devices[id]
		if d.Owned() && d.expiredAt(now) {
			cleared = append(cleared, lapse{id, d.Owner})
			clearLease(d)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(cleared))
	for _, c := range cleared {
		r.expired(c.id, c.owner)
		ids = append(ids, c.id)
	}
	return ids
}

func (r *Registry) expired(id, owner string) {
	r.logger.Info("lease expired", zap.String("device", id), zap.String("owner", owner))
	if r.onExpire != nil {
		r.onExpire(id, owner)
	}
}

func clearLease(d *Device) {
	d.Owner = ""
	d.Expiry = time.Time{}
}
