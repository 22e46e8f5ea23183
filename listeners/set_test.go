package listeners

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func roundTrip(t *testing.T, l net.Listener, addr string) {
	t.Helper()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Write([]byte("ok"))
			c.Close()
		}
	}()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	buf := make([]byte, 2)
	_, err = c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestBindAllOrNothing(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	free := freePort(t)
	s, err := Bind([]Spec{
		{Net: "tcp", Addr: free},
		{Net: "tcp", Addr: busy.Addr().String()},
	})
	require.Error(t, err)
	assert.Nil(t, s)

	var be *BindError
	require.True(t, errors.As(err, &be))
	assert.Len(t, be.Errors, 1)

	// The first address was released again.
	l, err := net.Listen("tcp", free)
	require.NoError(t, err)
	l.Close()
}

func TestBindDuplicate(t *testing.T) {
	addr := freePort(t)
	_, err := Bind([]Spec{{Net: "tcp", Addr: addr}, {Net: "tcp", Addr: addr}})
	var be *BindError
	require.True(t, errors.As(err, &be))
	assert.Contains(t, be.Error(), "duplicate")
}

func TestBindDuplicateName(t *testing.T) {
	_, err := Bind([]Spec{
		{Name: "web", Net: "tcp", Addr: freePort(t)},
		{Name: "web", Net: "tcp", Addr: freePort(t)},
	})
	var be *BindError
	require.True(t, errors.As(err, &be))
	assert.Contains(t, be.Error(), `duplicate listener name "web"`)
}

func TestBindFailureRemovesSocketPath(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "s.sock")
	specs := []Spec{
		{Net: "unix", Addr: path},
		{Net: "tcp", Addr: busy.Addr().String()},
	}

	_, err = Bind(specs)
	require.Error(t, err)
	assert.NoFileExists(t, path)

	// fixed and retried
	busy.Close()
	s, err := Bind(specs)
	require.NoError(t, err)
	assert.FileExists(t, path)
	require.NoError(t, s.Close())
	assert.NoFileExists(t, path)
}

func TestBindUnknownNetwork(t *testing.T) {
	_, err := Bind([]Spec{{Net: "sctp", Addr: "x"}})
	var ue net.UnknownNetworkError
	assert.True(t, errors.As(err, &ue))
}

func TestExportImportKeepsAccepting(t *testing.T) {
	s, err := Bind([]Spec{{Name: "web", Net: "tcp", Addr: "127.0.0.1:0"}})
	require.NoError(t, err)
	addr := s.Addrs()[0].String()

	for gen := 0; gen < 3; gen++ {
		ds, err := s.Export()
		require.NoError(t, err)
		assert.Equal(t, []string{"web"}, Names(ds))

		im, err := Import(ds)
		require.NoError(t, err)
		require.NotNil(t, im.Listener("web"))
		roundTrip(t, im.Listener("web"), addr)

		// a generation closing its listeners leaves the address bound
		require.NoError(t, im.Close())
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err, "generation %d", gen)
		c.Close()
	}
	require.NoError(t, s.Close())
	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}

func TestCloseRefusedWhileReferenced(t *testing.T) {
	s, err := Bind([]Spec{{Net: "tcp", Addr: "127.0.0.1:0"}})
	require.NoError(t, err)

	require.NoError(t, s.Acquire())
	assert.ErrorIs(t, s.Close(), ErrInUse)
	s.Release()
	assert.Equal(t, 0, s.Refs())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Acquire(), ErrClosed)
	_, err = s.Export()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnixAndPacket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.sock")
	s, err := Bind([]Spec{
		{Name: "sock", Net: "unix", Addr: path},
		{Name: "dns", Net: "udp", Addr: "127.0.0.1:0"},
	})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 2, s.Len())

	ds, err := s.Export()
	require.NoError(t, err)
	im, err := Import(ds)
	require.NoError(t, err)
	defer im.Close()

	require.Len(t, im.Listeners, 1)
	require.Len(t, im.PacketConns, 1)
	pc := im.PacketConn("dns")
	require.NotNil(t, pc)

	c, err := net.Dial("udp", s.Addrs()[1].String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("q"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "q", string(buf[:n]))

	uc, err := net.Dial("unix", path)
	require.NoError(t, err)
	uc.Close()
}
