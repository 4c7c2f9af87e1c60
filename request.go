// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
)

// HttpRequest is the parsed header of one request on a tunnel. Only the
// subset needed to route RPC-over-HTTP and the content-handler surface
// is broken out; everything else lands in Others verbatim.
type HttpRequest struct {
	Method           string
	URI              string
	Version          string
	Host             string
	UserAgent        string
	Accept           string
	AcceptLanguage   string
	AcceptEncoding   string
	ContentType      string
	ContentLength    string
	TransferEncoding string
	Cookie           string
	Others           map[string]string
}

// Clear resets the request for reuse on a kept-alive tunnel.
func (r *HttpRequest) Clear() {
	*r = HttpRequest{}
}

// Header returns a retained header by case-sensitive canonical name, or
// the empty string.
func (r *HttpRequest) Header(name string) string {
	if r.Others == nil {
		return ""
	}
	return r.Others[name]
}

// ContentLengthValue parses the Content-Length field, zero when absent
// or malformed.
func (r *HttpRequest) ContentLengthValue() uint64 {
	n, _ := strconv.ParseUint(strings.TrimSpace(r.ContentLength), 10, 64)
	return n
}

// RequestLine re-serializes the request line; parsing followed by
// RequestLine is identity on method, URI and version.
func (r *HttpRequest) RequestLine() string {
	return r.Method + " " + r.URI + " HTTP/" + r.Version
}

// parseRequestLine fills Method, URI and Version from the first header
// line and reports whether the peer asked for close-after-reply.
// It returns an HTTP status code on failure, 0 on success.
func (r *HttpRequest) parseRequestLine(line []byte, rw URIRewriter) (closeAfter bool, status int) {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 || sp > MethodLimit {
		return false, 400
	}
	method := line[:sp]
	rest := line[sp+1:]
	sp = bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return false, 400
	}
	uri := rest[:sp]
	version := rest[sp+1:]
	switch {
	case bytes.Equal(version, []byte("HTTP/1.1")):
		closeAfter = false
	case bytes.Equal(version, []byte("HTTP/1.0")):
		closeAfter = true
	default:
		return false, 400
	}
	if len(uri) == 0 {
		return false, 400
	}
	if len(uri) > URILimit {
		return false, 414
	}
	r.Method = string(method)
	r.URI = string(uri)
	if rw != nil {
		if rewritten, ok := rw.Rewrite(r.URI); ok {
			if rewritten == "" {
				return false, 400
			}
			if len(rewritten) > URILimit {
				return false, 414
			}
			r.URI = rewritten
		}
	}
	r.Version = string(version[len("HTTP/"):])
	return closeAfter, 0
}

// parseHeaderLine consumes one field line. Field names tolerate leading
// and trailing whitespace; values have leading whitespace trimmed.
// The closeAfter pointer is adjusted when a Connection header is seen.
// It returns an HTTP status code on failure, 0 on success.
func (r *HttpRequest) parseHeaderLine(line []byte, closeAfter *bool) int {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return 400
	}
	name := strings.TrimSpace(string(line[:colon]))
	value := strings.TrimLeft(string(line[colon+1:]), " \t")
	switch {
	case strings.EqualFold(name, "Host"):
		r.Host = value
	case strings.EqualFold(name, "User-Agent"):
		r.UserAgent = value
	case strings.EqualFold(name, "Accept"):
		r.Accept = value
	case strings.EqualFold(name, "Accept-Language"):
		r.AcceptLanguage = value
	case strings.EqualFold(name, "Accept-Encoding"):
		r.AcceptEncoding = value
	case strings.EqualFold(name, "Content-Type"):
		r.ContentType = value
	case strings.EqualFold(name, "Content-Length"):
		r.ContentLength = value
	case strings.EqualFold(name, "Transfer-Encoding"):
		r.TransferEncoding = value
	case strings.EqualFold(name, "Cookie"):
		if r.Cookie != "" {
			r.Cookie += ", "
		}
		r.Cookie += value
	default:
		if strings.EqualFold(name, "Connection") {
			/* any other value, such as "Upgrade", leaves the close
			   decision unchanged */
			if strings.EqualFold(value, "keep-alive") {
				*closeAfter = false
			} else if strings.EqualFold(value, "close") {
				*closeAfter = true
			}
		}
		if r.Others == nil {
			r.Others = make(map[string]string)
		}
		r.Others[name] = value
	}
	return 0
}

// HostAddr splits the Host header into address and port, accepting
// bracketed IPv6 literals. The port is zero when absent.
func (r *HttpRequest) HostAddr() (host string, port int) {
	host = strings.TrimSpace(r.Host)
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end > 0 {
			rest := host[end+1:]
			host = host[1:end]
			if strings.HasPrefix(rest, ":") {
				port, _ = strconv.Atoi(rest[1:])
			}
			return
		}
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 && strings.Count(host, ":") == 1 {
		port, _ = strconv.Atoi(host[idx+1:])
		host = host[:idx]
	}
	return
}

// basicCredentials decodes an Authorization header of the Basic scheme.
// See http://www.iana.org/assignments/http-authschemes for the registry.
func basicCredentials(authorization string) (username, password string, ok bool) {
	const prefix = "Basic "
	if len(authorization) <= len(prefix) ||
		!strings.EqualFold(authorization[:len(prefix)], prefix) {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authorization[len(prefix):]))
	if err != nil {
		return
	}
	idx := bytes.IndexByte(decoded, ':')
	if idx < 0 {
		return
	}
	return string(decoded[:idx]), string(decoded[idx+1:]), true
}

// parseRPCEndpoint validates a rpcproxy.dll request-URI and extracts the
// RPC endpoint. Failures of form, host length or port are protocol
// failures.
func parseRPCEndpoint(uri string) (host string, port int, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(uri, "/rpc/rpcproxy.dll?"):
		rest = uri[len("/rpc/rpcproxy.dll?"):]
	case strings.HasPrefix(uri, "/rpcwithcert/rpcproxy.dll?"):
		rest = uri[len("/rpcwithcert/rpcproxy.dll?"):]
	default:
		return
	}
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 || idx > HostLimit {
		return
	}
	host = rest[:idx]
	port, err := strconv.Atoi(rest[idx+1:])
	if err != nil || port <= 0 || port > 0xffff {
		return "", 0, false
	}
	return host, port, true
}
