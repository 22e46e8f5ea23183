package sd

import (
	"net"
)

// InheritListener returns a net.Listener made from an inherited file
// descriptor with the wanted name (any if "") passing the tests.
// If there's no such descriptor the returned listener is nil.
func InheritListener(wantName string, tests ...FileTest) (net.Listener, string, error) {
	file, gotName, err := FileWith(wantName, tests...)
	if err != nil || file == nil {
		return nil, gotName, err
	}
	defer file.Close() // FileListener made a dup()
	l, err := net.FileListener(file)
	return l, gotName, err
}

// InheritPacketConn is like InheritListener for datagram sockets.
func InheritPacketConn(wantName string, tests ...FileTest) (net.PacketConn, string, error) {
	file, gotName, err := FileWith(wantName, tests...)
	if err != nil || file == nil {
		return nil, gotName, err
	}
	defer file.Close()
	c, err := net.FilePacketConn(file)
	return c, gotName, err
}
