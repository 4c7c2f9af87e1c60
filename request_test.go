// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ParseRequestLine(t *testing.T) {
	var r HttpRequest
	closeAfter, status := r.parseRequestLine([]byte("RPC_IN_DATA /rpc/rpcproxy.dll?h:6001 HTTP/1.1"), nil)
	assert.Zero(t, status)
	assert.False(t, closeAfter)
	assert.Equal(t, "RPC_IN_DATA", r.Method)
	assert.Equal(t, "/rpc/rpcproxy.dll?h:6001", r.URI)
	assert.Equal(t, "1.1", r.Version)
}

func Test_ParseRequestLine_RoundTrip(t *testing.T) {
	var r HttpRequest
	line := "GET /index.html HTTP/1.1"
	_, status := r.parseRequestLine([]byte(line), nil)
	assert.Zero(t, status)
	assert.Equal(t, line, r.RequestLine())
}

func Test_ParseRequestLine_HTTP10_Closes(t *testing.T) {
	var r HttpRequest
	closeAfter, status := r.parseRequestLine([]byte("GET / HTTP/1.0"), nil)
	assert.Zero(t, status)
	assert.True(t, closeAfter)
}

func Test_ParseRequestLine_Errors(t *testing.T) {
	for _, line := range []string{
		"",
		"GET",
		"GET /",
		"GET / HTTP/2.0",
		"THIS_METHOD_NAME_IS_DEFINITELY_TOO_LONG / HTTP/1.1",
	} {
		var r HttpRequest
		_, status := r.parseRequestLine([]byte(line), nil)
		assert.Equal(t, 400, status, "line %q", line)
	}
}

func Test_ParseRequestLine_URILimit(t *testing.T) {
	atLimit := "/" + strings.Repeat("a", URILimit-1)
	var r HttpRequest
	_, status := r.parseRequestLine([]byte("GET "+atLimit+" HTTP/1.1"), nil)
	assert.Zero(t, status)

	overLimit := "/" + strings.Repeat("a", URILimit)
	var r2 HttpRequest
	_, status = r2.parseRequestLine([]byte("GET "+overLimit+" HTTP/1.1"), nil)
	assert.Equal(t, 414, status)
}

type suffixRewriter struct{}

func (suffixRewriter) Rewrite(uri string) (string, bool) {
	if uri == "/old" {
		return "/new", true
	}
	return "", false
}

func Test_ParseRequestLine_Rewrite(t *testing.T) {
	var r HttpRequest
	_, status := r.parseRequestLine([]byte("GET /old HTTP/1.1"), suffixRewriter{})
	assert.Zero(t, status)
	assert.Equal(t, "/new", r.URI)
}

func Test_ParseHeaderLine(t *testing.T) {
	var r HttpRequest
	closeAfter := false
	assert.Zero(t, r.parseHeaderLine([]byte("Host: gw.example.com:443"), &closeAfter))
	assert.Zero(t, r.parseHeaderLine([]byte("  Content-Length  :   76"), &closeAfter))
	assert.Zero(t, r.parseHeaderLine([]byte("X-Custom:\tvalue"), &closeAfter))
	assert.Equal(t, "gw.example.com:443", r.Host)
	assert.Equal(t, "76", r.ContentLength)
	assert.EqualValues(t, 76, r.ContentLengthValue())
	assert.Equal(t, "value", r.Header("X-Custom"))
}

func Test_ParseHeaderLine_CookieConcat(t *testing.T) {
	var r HttpRequest
	closeAfter := false
	r.parseHeaderLine([]byte("Cookie: a=1"), &closeAfter)
	r.parseHeaderLine([]byte("Cookie: b=2"), &closeAfter)
	assert.Equal(t, "a=1, b=2", r.Cookie)
}

func Test_ParseHeaderLine_Connection(t *testing.T) {
	var r HttpRequest
	closeAfter := true
	r.parseHeaderLine([]byte("Connection: keep-alive"), &closeAfter)
	assert.False(t, closeAfter)
	r.parseHeaderLine([]byte("Connection: close"), &closeAfter)
	assert.True(t, closeAfter)
	// "Connection: Upgrade" keeps whatever was set
	r.parseHeaderLine([]byte("Connection: Upgrade"), &closeAfter)
	assert.True(t, closeAfter)
}

func Test_ParseHeaderLine_NoColon(t *testing.T) {
	var r HttpRequest
	closeAfter := false
	assert.Equal(t, 400, r.parseHeaderLine([]byte("not a header"), &closeAfter))
}

func Test_HostAddr(t *testing.T) {
	r := HttpRequest{Host: "gw.example.com:443"}
	host, port := r.HostAddr()
	assert.Equal(t, "gw.example.com", host)
	assert.Equal(t, 443, port)

	r = HttpRequest{Host: "[::1]:80"}
	host, port = r.HostAddr()
	assert.Equal(t, "::1", host)
	assert.Equal(t, 80, port)

	r = HttpRequest{Host: "bare"}
	host, port = r.HostAddr()
	assert.Equal(t, "bare", host)
	assert.Zero(t, port)
}

func Test_BasicCredentials(t *testing.T) {
	user, pass, ok := basicCredentials("Basic dXNlcjpwYXNz") // user:pass
	assert.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "pass", pass)

	_, _, ok = basicCredentials("Bearer token")
	assert.False(t, ok)
	_, _, ok = basicCredentials("Basic !!!notbase64")
	assert.False(t, ok)
	_, _, ok = basicCredentials("Basic bm9jb2xvbg==") // nocolon
	assert.False(t, ok)
}

func Test_ParseRPCEndpoint(t *testing.T) {
	host, port, ok := parseRPCEndpoint("/rpc/rpcproxy.dll?host.example:6001")
	assert.True(t, ok)
	assert.Equal(t, "host.example", host)
	assert.Equal(t, 6001, port)

	host, port, ok = parseRPCEndpoint("/rpcwithcert/rpcproxy.dll?h:593")
	assert.True(t, ok)
	assert.Equal(t, "h", host)
	assert.Equal(t, 593, port)

	_, _, ok = parseRPCEndpoint("/rpc/rpcproxy.dll?host.example")
	assert.False(t, ok)
	_, _, ok = parseRPCEndpoint("/other/rpcproxy.dll?h:6001")
	assert.False(t, ok)
	_, _, ok = parseRPCEndpoint("/rpc/rpcproxy.dll?h:notaport")
	assert.False(t, ok)
	_, _, ok = parseRPCEndpoint("/rpc/rpcproxy.dll?" + strings.Repeat("h", HostLimit+1) + ":6001")
	assert.False(t, ok)
}
