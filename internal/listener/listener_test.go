package listener

import (
	"context"
	"net"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestListenAddressInUse(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(context.Background(), ln.Addr().String(), Options{})
	assert.Error(t, err)
}

func TestListenReusePort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT load sharing is only asserted on linux")
	}

	first, err := Listen(context.Background(), "127.0.0.1:0", Options{ReusePort: true})
	require.NoError(t, err)
	defer first.Close()

	second, err := Listen(context.Background(), first.Addr().String(), Options{ReusePort: true})
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.Addr().String(), second.Addr().String())
}
