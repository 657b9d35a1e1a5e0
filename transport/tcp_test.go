package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPRoundTripFramesOneMessage(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var server *Conn
	select {
	case server = <-ln.Accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	require.NoError(t, client.Send([]byte("hello")))

	select {
	case got := <-server.Inbound:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTCPCloseEndsReadLoop(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := Dial(ln.Addr().String())
	require.NoError(t, err)

	var server *Conn
	select {
	case server = <-ln.Accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	require.NoError(t, client.Close())

	select {
	case <-server.Closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close propagation")
	}
}
