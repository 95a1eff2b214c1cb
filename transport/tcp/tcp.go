// Package tcp implements the loopback bytestream transport: a producer
// that ships staged frames over a single long-lived connection and a
// consumer that reassembles them for the encode pipeline. The stream is
// one InitHeader followed by FrameHeader+pixel records, packed as defined
// by the wire package.
package tcp

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultAddr is the fixed loopback endpoint both sides assume.
const DefaultAddr = "127.0.0.1:9944"

// ErrPeerGone signals EOF or a reset on the connection; the consumer
// returns to listening and the producer reconnects on a later submit.
var ErrPeerGone = errors.New("tcp: peer gone")

// ErrProtocol signals an impossible frame header; the connection is torn
// down rather than resynchronized.
var ErrProtocol = errors.New("tcp: protocol violation")

// reuseAddr is the ListenConfig control hook setting SO_REUSEADDR so the
// consumer can rebind immediately after a restart.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// tuneConn applies TCP_NODELAY; the frame stream is latency-bound and the
// records are large enough that Nagle only hurts.
func tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}
