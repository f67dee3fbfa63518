package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from *net.UDPAddr
	data string
}

func TestUDPServeAndSend(t *testing.T) {
	relay, err := Listen("127.0.0.1:0", 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan received, 4)
	done := make(chan error, 1)
	go func() {
		done <- relay.Serve(ctx, func(from *net.UDPAddr, datagram []byte) {
			inbound <- received{from: from, data: string(datagram)}
		})
	}()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.WriteToUDP([]byte("0 add AA:BB:CC"), relay.LocalAddr())
	require.NoError(t, err)

	var got received
	select {
	case got = <-inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered to handler")
	}
	assert.Equal(t, "0 add AA:BB:CC", got.data)
	assert.Equal(t, peer.LocalAddr().String(), got.from.String())

	require.NoError(t, relay.Send(got.from, []byte("1 AA:BB:CC 150 battery?")))

	buf := make([]byte, 128)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "1 AA:BB:CC 150 battery?", string(buf[:n]))

	stats := relay.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Received)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.NoError(t, relay.Close(), "second close is a no-op")
}

func TestUDPSendWithoutDestination(t *testing.T) {
	relay, err := Listen("127.0.0.1:0", 0, nil)
	require.NoError(t, err)
	defer relay.Close()

	assert.Error(t, relay.Send(nil, []byte("x")))
}

func TestListenBadAddress(t *testing.T) {
	_, err := Listen("127.0.0.1:notaport", 0, nil)
	assert.Error(t, err)
}
