package sd

import (
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// FileTest is a function returning whether an *os.File fulfills certain criteria.
// Write your own if the provided ones don't cover your requirements.
type FileTest func(*os.File) (bool, error)

func (f *sdfile) isMatching(tests ...FileTest) (bool, error) {
	for _, t := range tests {
		ok, err := t(f.File)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// isSocket tests the socket type (0 for any) and whether it's
// listening (0 no, 1 yes, -1 don't care)
func isSocket(fd int, sotype int, listening int) (bool, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return false, err
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return false, nil
	}
	if sotype != 0 {
		istype, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil {
			return false, err
		}
		if istype != sotype {
			return false, nil
		}
	}
	if listening >= 0 {
		val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
		if err != nil {
			return false, err
		}
		if (val != 0) != (listening > 0) {
			return false, nil
		}
	}
	return true, nil
}

func testFd(sotype, listening int, match func(unix.Sockaddr) bool) FileTest {
	return func(file *os.File) (ok bool, err error) {
		err = control(file, func(fd int) error {
			var serr error
			ok, serr = isSocket(fd, sotype, listening)
			if !ok || serr != nil || match == nil {
				return serr
			}
			lsa, serr := unix.Getsockname(fd)
			if serr != nil {
				ok = false
				return serr
			}
			ok = match(lsa)
			return nil
		})
		return
	}
}

// IsSocket tests whether the file is a socket of the given type (0 for
// any) and listening state (0, 1 or -1 for don't care).
func IsSocket(sotype int, listening int) FileTest {
	return testFd(sotype, listening, nil)
}

// IsTCPListener tests whether the file is a listening TCP socket.
// If addr != nil it's tested whether it is bound to that address.
func IsTCPListener(addr *net.TCPAddr) FileTest {
	var match func(unix.Sockaddr) bool
	if addr != nil {
		match = func(sa unix.Sockaddr) bool {
			return isSameIPAddr(sockaddrToTCP(sa), addr)
		}
	}
	return testFd(unix.SOCK_STREAM, 1, match)
}

// IsUDPListener is like IsTCPListener, but for bound UDP sockets.
func IsUDPListener(addr *net.UDPAddr) FileTest {
	var match func(unix.Sockaddr) bool
	if addr != nil {
		match = func(sa unix.Sockaddr) bool {
			return isSameIPAddr(sockaddrToUDP(sa), addr)
		}
	}
	return testFd(unix.SOCK_DGRAM, -1, match)
}

// IsUNIXListener tests if the file is a unix(7) socket bound to addr.
// Stream and seqpacket sockets must be listening. A nil addr means any path.
func IsUNIXListener(nett string, addr *net.UnixAddr) FileTest {
	sotype := unix.SOCK_STREAM
	listening := 1
	switch nett {
	case "unixgram":
		sotype, listening = unix.SOCK_DGRAM, -1
	case "unixpacket":
		sotype = unix.SOCK_SEQPACKET
	}
	match := func(sa unix.Sockaddr) bool {
		ua, ok := sa.(*unix.SockaddrUnix)
		if !ok {
			return false
		}
		return addr == nil || strings.TrimPrefix(ua.Name, "@") == strings.TrimPrefix(addr.Name, "@")
	}
	return testFd(sotype, listening, match)
}

func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: sa.Addr[0:], Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: sa.Addr[0:], Port: sa.Port}
	}
	return nil
}

func sockaddrToUDP(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: sa.Addr[0:], Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: sa.Addr[0:], Port: sa.Port}
	}
	return nil
}

func isSameIPAddr(a1, a2 net.Addr) bool {
	if a1 == nil || a2 == nil {
		return false
	}
	a1s := a1.String()
	a2s := a2.String()
	if a1s == a2s {
		return true
	}

	// Let "[::]:80", "0.0.0.0:80" and ":80" compare equal, which is
	// common when listening on all addresses.
	for _, pfx := range []string{"[::]", "0.0.0.0"} {
		a1s = strings.TrimPrefix(a1s, pfx)
		a2s = strings.TrimPrefix(a2s, pfx)
	}
	return a1s == a2s
}
