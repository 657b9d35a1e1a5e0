package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPRoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SendTo(b.LocalAddr(), []byte("ping")))

	select {
	case dg := <-b.Inbound:
		assert.Equal(t, "ping", string(dg.Data))
		assert.NotNil(t, dg.From)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}
