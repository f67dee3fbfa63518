package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRejectsUnknownMode(t *testing.T) {
	_, err := NewRegistry("magic", &MockSender{}, nil)
	assert.Error(t, err)
}

func TestRegistryEndpointModeCreatesOnFirstContact(t *testing.T) {
	reg, err := NewRegistry(ModeEndpoint, &MockSender{}, nil)
	require.NoError(t, err)

	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5001}

	s1, err := reg.Resolve(a)
	require.NoError(t, err)
	s2, err := reg.Resolve(a)
	require.NoError(t, err)
	s3, err := reg.Resolve(b)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, "127.0.0.1:5000", s1.Key())
	assert.Equal(t, []*Session{s1, s3}, reg.List())

	got, err := reg.ResolveByCallerID("127.0.0.1:5001")
	require.NoError(t, err)
	assert.Same(t, s3, got)

	_, err = reg.ResolveByCallerID("127.0.0.1:9999")
	assert.ErrorIs(t, err, ErrUnregisteredSession)

	_, err = reg.Bind("bridge-1", a)
	assert.Error(t, err, "bind is a declared mode operation")
}

func TestRegistryDeclaredModeRequiresHello(t *testing.T) {
	reg, err := NewRegistry(ModeDeclared, &MockSender{}, nil)
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	_, err = reg.Resolve(addr)
	assert.ErrorIs(t, err, ErrUnregisteredSession)

	s, err := reg.Bind("bridge-1", addr)
	require.NoError(t, err)
	assert.Equal(t, "bridge-1", s.Key())

	got, err := reg.Resolve(addr)
	require.NoError(t, err)
	assert.Same(t, s, got)

	got, err = reg.ResolveByCallerID("bridge-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = reg.Bind("", addr)
	assert.Error(t, err)
}

func TestRegistryDeclaredModeRebind(t *testing.T) {
	reg, err := NewRegistry(ModeDeclared, &MockSender{}, nil)
	require.NoError(t, err)

	oldAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	newAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6001}

	s1, err := reg.Bind("bridge-1", oldAddr)
	require.NoError(t, err)
	s2, err := reg.Bind("bridge-1", newAddr)
	require.NoError(t, err)

	assert.Same(t, s1, s2, "session and its transactions survive an address change")
	assert.Equal(t, newAddr.String(), s2.Endpoint().String())

	_, err = reg.Resolve(oldAddr)
	assert.ErrorIs(t, err, ErrUnregisteredSession)
	assert.Len(t, reg.List(), 1)
}

func TestRegistryDeclaredModeEndpointTakenOver(t *testing.T) {
	reg, err := NewRegistry(ModeDeclared, &MockSender{}, nil)
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	_, err = reg.Bind("bridge-1", addr)
	require.NoError(t, err)
	s2, err := reg.Bind("bridge-2", addr)
	require.NoError(t, err)

	require.Len(t, reg.List(), 1, "search must not reach the endpoint under the old id")
	assert.Same(t, s2, reg.List()[0])

	_, err = reg.ResolveByCallerID("bridge-1")
	assert.ErrorIs(t, err, ErrUnregisteredSession)

	resolved, err := reg.Resolve(addr)
	require.NoError(t, err)
	assert.Equal(t, "bridge-2", resolved.Key())
}
