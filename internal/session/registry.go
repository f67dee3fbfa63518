package session

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Identity modes, mirroring config.SessionMode*.
const (
	ModeEndpoint = "endpoint"
	ModeDeclared = "declared"
)

// ErrUnregisteredSession indicates no bridge session is known for a key or endpoint.
var ErrUnregisteredSession = errors.New("UNREGISTERED_SESSION")

// Registry maps endpoints or declared bridge ids to sessions. Sessions live
// for the life of the process.
type Registry struct {
	mode   string
	sender Sender
	logger *zap.Logger

	mu         sync.RWMutex
	byKey      map[string]*Session
	byEndpoint map[string]*Session
	order      []*Session
}

// NewRegistry creates a registry in the given identity mode.
func NewRegistry(mode string, sender Sender, logger *zap.Logger) (*Registry, error) {
	if mode != ModeEndpoint && mode != ModeDeclared {
		return nil, fmt.Errorf("unknown session mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		mode:       mode,
		sender:     sender,
		logger:     logger.Named("sessions"),
		byKey:      make(map[string]*Session),
		byEndpoint: make(map[string]*Session),
	}, nil
}

// Mode returns the identity mode.
func (r *Registry) Mode() string { return r.mode }

// Resolve returns the session for an inbound endpoint. In endpoint mode a
// session is created on first contact; in declared mode the endpoint must
// have been bound by a hello first.
func (r *Registry) Resolve(endpoint *net.UDPAddr) (*Session, error) {
	key := endpoint.String()

	r.mu.RLock()
	s, ok := r.byEndpoint[key]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if r.mode == ModeDeclared {
		return nil, fmt.Errorf("%w: endpoint %s sent no hello", ErrUnregisteredSession, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byEndpoint[key]; ok {
		return s, nil
	}
	s = newSession(key, endpoint, r.sender, r.logger)
	r.byKey[key] = s
	r.byEndpoint[key] = s
	r.order = append(r.order, s)
	r.logger.Info("session created", zap.String("endpoint", key))
	return s, nil
}

// ResolveByCallerID looks a session up by its key.
func (r *Registry) ResolveByCallerID(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byKey[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredSession, id)
	}
	return s, nil
}

// Bind installs or rebinds the declared session id to endpoint. Only valid
// in declared mode.
func (r *Registry) Bind(id string, endpoint *net.UDPAddr) (*Session, error) {
	if r.mode != ModeDeclared {
		return nil, fmt.Errorf("bind %s: registry is in %s mode", id, r.mode)
	}
	if id == "" {
		return nil, fmt.Errorf("bind: empty session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	epKey := endpoint.String()
	if prev, ok := r.byEndpoint[epKey]; ok && prev.Key() != id {
		r.drop(prev)
		r.logger.Info("session replaced", zap.String("id", prev.Key()),
			zap.String("by", id), zap.String("endpoint", epKey))
	}
	if s, ok := r.byKey[id]; ok {
		if old := s.Endpoint(); old != nil && old.String() != epKey {
			delete(r.byEndpoint, old.String())
			r.logger.Info("session rebound", zap.String("id", id),
				zap.String("from", old.String()), zap.String("to", epKey))
		}
		s.rebind(endpoint)
		r.byEndpoint[epKey] = s
		return s, nil
	}

	s := newSession(id, endpoint, r.sender, r.logger)
	r.byKey[id] = s
	r.byEndpoint[epKey] = s
	r.order = append(r.order, s)
	r.logger.Info("session bound", zap.String("id", id), zap.String("endpoint", epKey))
	return s, nil
}

// drop forgets s. The caller holds r.mu.
func (r *Registry) drop(s *Session) {
	delete(r.byKey, s.Key())
	if ep := s.Endpoint(); ep != nil {
		delete(r.byEndpoint, ep.String())
	}
	for i, known := range r.order {
		if known == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns sessions in creation order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}
