// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, mutate func(*Gateway)) (*Gateway, string) {
	gw := newTestGateway(t, mutate)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go gw.Serve(ln)
	return gw, ln.Addr().String()
}

func dialGateway(t *testing.T, addr string) net.Conn {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// readUntil accumulates from conn until want appears or the deadline
// passes; it returns everything read.
func readUntil(t *testing.T, conn net.Conn, want string) string {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if strings.Contains(string(got), want) {
			return string(got)
		}
		if err != nil {
			t.Fatalf("waiting for %q, got %q (err %v)", want, got, err)
		}
	}
}

func rpcRequest(method, endpoint, auth string, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s /rpc/rpcproxy.dll?%s HTTP/1.1\r\n", method, endpoint)
	b.WriteString("Host: gw\r\n")
	if auth != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", auth)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.String()
}

func Test_E2E_UnauthorizedRPCIn(t *testing.T) {
	_, addr := startGateway(t, nil)
	conn := dialGateway(t, addr)
	_, err := conn.Write([]byte("RPC_IN_DATA /rpc/rpcproxy.dll?host.example:6001 HTTP/1.1\r\n" +
		"Host: gw\r\nContent-Length: 65536\r\n\r\n"))
	require.NoError(t, err)
	got := readUntil(t, conn, "\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 401 Unauthorized"), got)
	assert.Contains(t, got, `WWW-Authenticate: Basic realm="msrpc realm"`)
}

func Test_E2E_MalformedURI(t *testing.T) {
	_, addr := startGateway(t, nil)
	conn := dialGateway(t, addr)
	_, err := conn.Write([]byte("RPC_IN_DATA /rpc/rpcproxy.dll?host.example HTTP/1.1\r\n" +
		"Host: gw\r\nContent-Length: 65536\r\n\r\n"))
	require.NoError(t, err)
	got := readUntil(t, conn, "\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 400 Bad Request"), got)
}

func Test_E2E_DelegationMiss(t *testing.T) {
	_, addr := startGateway(t, nil)
	conn := dialGateway(t, addr)
	_, err := conn.Write([]byte("GET /nothing HTTP/1.1\r\nHost: gw\r\n\r\n"))
	require.NoError(t, err)
	got := readUntil(t, conn, "Not Found")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 404 Not Found"), got)
}

func Test_E2E_Echo(t *testing.T) {
	_, addr := startGateway(t, nil)
	conn := dialGateway(t, addr)
	req := rpcRequest("RPC_IN_DATA", "h:6001", basicAuth("user", "pass"), []byte("ping"))
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)
	// the echo body starts with the fixed RTS fragment prefix
	got := readUntil(t, conn, string(RTSEchoPDU()[:4]))
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 Success"), got)
	assert.Contains(t, got, "Content-Length: 20")
	assert.Contains(t, got, "application/rpc")
}

func Test_E2E_OutChannelOpen(t *testing.T) {
	gw, addr := startGateway(t, nil)
	conn := dialGateway(t, addr)
	frag := testFrag("A1", "conn1", "outc1", "65536")
	req := rpcRequest("RPC_OUT_DATA", "host.example:6001", basicAuth("user", "pass"), frag)
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	got := readUntil(t, conn, "CONNA3")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 Success"), got)
	assert.Contains(t, got, "Content-Length: 1073741824")
	assert.Contains(t, got, "Persistent-Auth: true")
	assert.Contains(t, got, "Cache-Control: private")

	// the server side parked the channel waiting for its IN half
	assert.Eventually(t, func() bool {
		ref := gw.registry.Get("host.example", 6001, "conn1")
		if ref == nil {
			return false
		}
		defer ref.Put()
		return ref.vc.ctxOut != nil &&
			ref.vc.ctxOut.chanOut.State() == ChannelWaitInChannel
	}, 2*time.Second, 10*time.Millisecond)
}

// openPairedTunnel drives scenario 3+4: an OUT channel opening followed
// by the IN half pairing it, and returns both client sockets.
func openPairedTunnel(t *testing.T, addr string) (outConn, inConn net.Conn) {
	outConn = dialGateway(t, addr)
	_, err := outConn.Write([]byte(rpcRequest("RPC_OUT_DATA", "h:6001",
		basicAuth("user", "pass"), testFrag("A1", "conn1", "outc1", "65536"))))
	require.NoError(t, err)
	readUntil(t, outConn, "CONNA3")

	inConn = dialGateway(t, addr)
	inReq := "RPC_IN_DATA /rpc/rpcproxy.dll?h:6001 HTTP/1.1\r\n" +
		"Host: gw\r\nAuthorization: " + basicAuth("user", "pass") + "\r\n" +
		"Content-Length: 1073741824\r\n\r\n"
	_, err = inConn.Write([]byte(inReq))
	require.NoError(t, err)
	_, err = inConn.Write(testFrag("B1", "conn1", "inc1", "60000"))
	require.NoError(t, err)

	// pairing makes the OUT channel emit CONN/C2 and open
	readUntil(t, outConn, "CONNC2:65536")
	return outConn, inConn
}

func Test_E2E_Pairing(t *testing.T) {
	gw, addr := startGateway(t, nil)
	openPairedTunnel(t, addr)
	assert.Eventually(t, func() bool {
		ref := gw.registry.Get("h", 6001, "conn1")
		if ref == nil {
			return false
		}
		defer ref.Put()
		return ref.vc.ctxIn != nil && ref.vc.ctxOut != nil &&
			ref.vc.ctxOut.chanOut.State() == ChannelOpened
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_E2E_PayloadRoundTrip(t *testing.T) {
	gw, addr := startGateway(t, nil)
	outConn, inConn := openPairedTunnel(t, addr)

	_, err := inConn.Write(testFrag("D", "reply:hello"))
	require.NoError(t, err)
	got := readUntil(t, outConn, "REPLY:hello")
	assert.Contains(t, got, "REPLY:hello")

	proc := gw.Processors.(*fakeFactory).last()
	require.NotNil(t, proc)
	proc.mu.Lock()
	seen := append([]string(nil), proc.seen...)
	proc.mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Contains(t, seen[0], "reply:hello")
}

func Test_E2E_FlowControlAck(t *testing.T) {
	_, addr := startGateway(t, nil)
	outConn, inConn := openPairedTunnel(t, addr)

	// push enough payload through the IN half to drop its window below
	// half the OUT window
	payload := strings.Repeat("a", 40000)
	_, err := inConn.Write(testFrag("D", payload))
	require.NoError(t, err)

	fragLen := dcerpcHeaderSize + len("D|") + len(payload)
	want := fmt.Sprintf("FLOWACK:%d:65536:inc1", fragLen)
	readUntil(t, outConn, want)
}

func Test_E2E_AuthFailureCountsAndBlocks(t *testing.T) {
	blocker := &fakeBlocker{}
	_, addr := startGateway(t, func(g *Gateway) {
		g.Blocker = blocker
		g.Config.MaxAuthTimes = 2
		g.Config.BlockAuthFail = time.Minute
	})
	conn := dialGateway(t, addr)
	bad := rpcRequest("RPC_IN_DATA", "h:6001", basicAuth("user", "wrong"), nil)
	_, err := conn.Write([]byte(bad))
	require.NoError(t, err)
	readUntil(t, conn, "401 Unauthorized")
	assert.False(t, blocker.held("user"))

	// second failure on the same tunnel reaches the limit
	_, err = conn.Write([]byte(bad))
	require.NoError(t, err)
	readUntil(t, conn, "401 Unauthorized")
	assert.Eventually(t, func() bool { return blocker.held("user") },
		2*time.Second, 10*time.Millisecond)
}

func Test_E2E_UserFilterRejects(t *testing.T) {
	_, addr := startGateway(t, func(g *Gateway) {
		g.Filter = filterFunc(func(string) bool { return false })
	})
	conn := dialGateway(t, addr)
	_, err := conn.Write([]byte(rpcRequest("RPC_IN_DATA", "h:6001", basicAuth("user", "pass"), nil)))
	require.NoError(t, err)
	got := readUntil(t, conn, "\r\n\r\n")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 503 Service Unavailable"), got)
}

type filterFunc func(string) bool

func (f filterFunc) Judge(username string) bool { return f(username) }

// staticHandler claims one path and answers it from memory.
type staticHandler struct {
	path string
	body string
}

func (h *staticHandler) Take(ctx *HttpContext) int {
	if ctx.Request().URI == h.path {
		return 200
	}
	return 0
}

func (h *staticHandler) Feed(ctx *HttpContext) error {
	for len(ctx.RequestStream().ReadChunk()) > 0 {
	}
	return nil
}

func (h *staticHandler) EndOfRequest(ctx *HttpContext) bool { return true }

func (h *staticHandler) Process(ctx *HttpContext) error {
	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s",
		len(h.body), h.body)
	_, err := ctx.ResponseStream().Write([]byte(response))
	return err
}

func (h *staticHandler) Retrieve(ctx *HttpContext) RetrieveStatus { return RetrieveDone }
func (h *staticHandler) Put(ctx *HttpContext)                     {}

func Test_E2E_ContentHandler(t *testing.T) {
	_, addr := startGateway(t, func(g *Gateway) {
		g.Handlers = []ContentHandler{&staticHandler{path: "/static", body: "hi there"}}
	})
	conn := dialGateway(t, addr)
	_, err := conn.Write([]byte("GET /static HTTP/1.1\r\nHost: gw\r\n\r\n"))
	require.NoError(t, err)
	got := readUntil(t, conn, "hi there")
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK"), got)

	// keep-alive: a second request on the same socket still works
	_, err = conn.Write([]byte("GET /static HTTP/1.1\r\nHost: gw\r\n\r\n"))
	require.NoError(t, err)
	readUntil(t, conn, "hi there")
}

func Test_E2E_BodyOverflowCloses(t *testing.T) {
	_, addr := startGateway(t, nil)
	conn := dialGateway(t, addr)
	frag := testFrag("A1", "connX", "oc", "65536")
	var b strings.Builder
	fmt.Fprintf(&b, "RPC_OUT_DATA /rpc/rpcproxy.dll?h:6001 HTTP/1.1\r\nHost: gw\r\n")
	fmt.Fprintf(&b, "Authorization: %s\r\n", basicAuth("user", "pass"))
	// declared length shorter than what will arrive
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(frag)-1)
	_, err := conn.Write([]byte(b.String()))
	require.NoError(t, err)
	// the body arrives after the headers were consumed, so the socket
	// read path sees the excess
	time.Sleep(100 * time.Millisecond)
	_, err = conn.Write(frag)
	require.NoError(t, err)
	buf := make([]byte, 256)
	var got []byte
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break // tunnel closed as expected
		}
	}
	assert.NotContains(t, string(got), "200 Success")
}

func Test_E2E_Report(t *testing.T) {
	gw, addr := startGateway(t, nil)
	openPairedTunnel(t, addr)
	assert.Eventually(t, func() bool {
		rows := gw.Report()
		var in, out bool
		for _, row := range rows {
			switch row.Channel {
			case ChannelIn:
				in = row.Username == "user"
			case ChannelOut:
				out = true
			}
		}
		return in && out
	}, 2*time.Second, 10*time.Millisecond)
}
