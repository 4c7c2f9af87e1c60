// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"crypto/tls"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// notReadyError reports that a socket operation would have blocked and
// the context should be parked until the socket is ready.
type notReadyError struct{}

func (notReadyError) Error() string   { return "operation would block" }
func (notReadyError) Timeout() bool   { return true }
func (notReadyError) Temporary() bool { return true }

func isNotReady(err error) bool {
	if _, ok := errors.Cause(err).(notReadyError); ok {
		return true
	}
	if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// tlsReadSlice bounds a single TLS read attempt so a context never holds
// a scheduler worker while the peer is silent.
const tlsReadSlice = time.Millisecond

// Connection is a single transport endpoint: the accepted socket, the
// optional TLS session layered on it, the peer addresses and the
// last-activity timestamp driving every timeout decision.
type Connection struct {
	sock          net.Conn
	tlsConn       *tls.Conn
	fd            int
	clientIP      string
	clientPort    int
	serverIP      string
	serverPort    int
	lastTimestamp time.Time
}

func splitAddr(a net.Addr) (ip string, port int) {
	if a == nil {
		return
	}
	host, p, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	port, _ = strconv.Atoi(p)
	return host, port
}

// bind attaches an accepted socket to the connection.
func (c *Connection) bind(sock net.Conn, now time.Time) {
	c.sock = sock
	c.tlsConn = nil
	c.fd = -1
	if sc, ok := sock.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			raw.Control(func(fd uintptr) { c.fd = int(fd) })
		}
	}
	c.clientIP, c.clientPort = splitAddr(sock.RemoteAddr())
	c.serverIP, c.serverPort = splitAddr(sock.LocalAddr())
	c.lastTimestamp = now
}

func (c *Connection) active() bool { return c.sock != nil }

// startTLS layers a server-side TLS session over the socket.
func (c *Connection) startTLS(cfg *tls.Config) {
	if c.tlsConn == nil {
		c.tlsConn = tls.Server(c.sock, cfg)
	}
}

// handshake runs the TLS handshake bounded by deadline. The crypto/tls
// handshake cannot be resumed after a failure, so a single bounded
// attempt replaces the original's WANT_READ/WANT_WRITE stepping.
func (c *Connection) handshake(deadline time.Time) error {
	c.tlsConn.SetDeadline(deadline)
	err := c.tlsConn.Handshake()
	c.tlsConn.SetDeadline(time.Time{})
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Read performs one non-blocking read. On a plain socket a closed peer
// shows up as (0, nil), mirroring read(2); on a TLS session it shows up
// as the read error. notReadyError means the socket has nothing
// buffered; any other error is fatal.
func (c *Connection) Read(p []byte) (int, error) {
	if c.tlsConn != nil {
		c.tlsConn.SetReadDeadline(time.Now().Add(tlsReadSlice))
		n, err := c.tlsConn.Read(p)
		c.tlsConn.SetReadDeadline(time.Time{})
		if err != nil && n <= 0 {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, errors.WithStack(notReadyError{})
			}
			return 0, errors.WithStack(err)
		}
		return n, nil
	}
	n, err := unix.Read(c.fd, p)
	if n > 0 {
		return n, nil
	}
	if n == 0 && err == nil {
		return 0, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, errors.WithStack(notReadyError{})
	}
	return 0, errors.WithStack(err)
}

// Write performs one write attempt. Plain sockets write non-blocking
// with true EAGAIN semantics; TLS writes are bounded by deadline instead,
// because an interrupted TLS record cannot be resumed.
func (c *Connection) Write(p []byte, deadline time.Time) (int, error) {
	if c.tlsConn != nil {
		c.tlsConn.SetWriteDeadline(deadline)
		n, err := c.tlsConn.Write(p)
		c.tlsConn.SetWriteDeadline(time.Time{})
		if err != nil {
			return n, errors.WithStack(err)
		}
		return n, nil
	}
	n, err := unix.Write(c.fd, p)
	if n > 0 {
		return n, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, errors.WithStack(notReadyError{})
	}
	if err == nil {
		return 0, nil
	}
	return 0, errors.WithStack(err)
}

// peerAlive probes the socket without consuming data; a zero-length
// result means the peer closed its end.
func (c *Connection) peerAlive() bool {
	if c.fd < 0 {
		return false
	}
	var probe [1]byte
	n, _, err := unix.Recvfrom(c.fd, probe[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if n == 0 && err == nil {
		return false
	}
	return true
}

// Close shuts the transport down and detaches it from the connection.
func (c *Connection) Close() {
	if c.tlsConn != nil {
		c.tlsConn.Close()
		c.tlsConn = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.fd = -1
}

// reset clears the endpoint for reuse by the next tunnel.
func (c *Connection) reset() {
	c.Close()
	*c = Connection{fd: -1}
}
