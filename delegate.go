// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

// BadGatewayError marks a handler failure sourced from an upstream
// relay; the tunnel answers 502 instead of 400.
type BadGatewayError struct{}

func (BadGatewayError) Error() string { return "bad gateway" }

// RetrieveStatus reports the state of a content handler's response
// production while the context drains it.
type RetrieveStatus int

const (
	// RetrieveError aborts the request with 400.
	RetrieveError RetrieveStatus = iota
	// RetrieveWrite means response bytes were placed in the out-stream.
	RetrieveWrite
	// RetrieveNone means nothing yet; re-dispatch immediately.
	RetrieveNone
	// RetrieveWait means the handler suspended producing; park the context.
	RetrieveWait
	// RetrieveDone means the response is complete.
	RetrieveDone
	// RetrieveBadGateway aborts with 502.
	RetrieveBadGateway
	// RetrieveTimeout aborts with the internal FCGI-timeout code.
	RetrieveTimeout
)

// ContentHandler is a delegated body owner: a content-handler plugin, a
// FastCGI relay or the static cache. A handler that claims a request
// owns both the body read and the reply generation; the core only
// shuttles bytes and timeouts.
type ContentHandler interface {
	// Take inspects the parsed request. It returns 200 to claim the
	// request, a specific HTTP error code to reject it, or 0 to pass.
	Take(ctx *HttpContext) int
	// Feed consumes buffered body bytes from the context's in-stream.
	Feed(ctx *HttpContext) error
	// EndOfRequest reports whether the handler has seen the whole body.
	EndOfRequest(ctx *HttpContext) bool
	// Process runs the request once the body is complete.
	Process(ctx *HttpContext) error
	// Retrieve moves response bytes into the context's out-stream.
	Retrieve(ctx *HttpContext) RetrieveStatus
	// Put releases any per-context state the handler holds.
	Put(ctx *HttpContext)
}

// dispatchDelegate consults the content-handler registry in order.
// The first claim wins; a nonzero non-200 status is a handler-sourced
// error; zero from everyone is a delegation miss.
func (ctx *HttpContext) dispatchDelegate() (ContentHandler, int) {
	for _, h := range ctx.svc.Handlers {
		switch status := h.Take(ctx); status {
		case 200:
			return h, 200
		case 0:
		default:
			return nil, status
		}
	}
	return nil, 404
}
