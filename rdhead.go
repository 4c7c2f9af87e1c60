// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// stepInitTLS establishes the TLS session. crypto/tls cannot resume a
// failed handshake, so one attempt bounded by the session timeout
// replaces stepwise WANT_READ/WANT_WRITE polling.
func (ctx *HttpContext) stepInitTLS() Verdict {
	ctx.conn.startTLS(ctx.svc.tlsConfig)
	if err := ctx.conn.handshake(time.Now().Add(ctx.svc.timeout())); err != nil {
		ctx.log().Debugf("failed to accept TLS connection: %v", err)
		return verdictRunoff
	}
	ctx.touch(time.Now())
	ctx.setSchedState(StateReadHead)
	return VerdictContinue
}

// stepReadHead reads from the socket into the in-stream and parses
// header lines until the blank line ends the request header.
func (ctx *HttpContext) stepReadHead() Verdict {
	buf, err := ctx.streamIn.WriteBuffer()
	if err != nil {
		ctx.log().Error("out of stream blocks")
		return ctx.done(StatusResourcesExhausted)
	}
	n, rerr := ctx.conn.Read(buf)
	now := time.Now()
	if rerr == nil && n == 0 {
		ctx.log().Debug("connection lost")
		return verdictRunoff
	}
	if rerr != nil {
		if !isNotReady(rerr) {
			ctx.log().Debug("connection lost")
			return verdictRunoff
		}
		if ctx.timedOut(now) {
			ctx.log().Debug("timeout")
			return ctx.done(408)
		}
		return ctx.parseHead(0)
	}
	ctx.touch(now)
	ctx.svc.debugDumpRead(ctx, buf[:n])
	ctx.svc.Metrics.AddBytesRead(int64(n))
	ctx.streamIn.Advance(n)
	return ctx.parseHead(n)
}

func isRPCMethod(method string) bool {
	return strings.EqualFold(method, "RPC_IN_DATA") ||
		strings.EqualFold(method, "RPC_OUT_DATA")
}

// parseHead consumes buffered header lines. actualRead tells whether the
// preceding socket read made progress; without progress and without a
// complete line the context parks on read readiness.
func (ctx *HttpContext) parseHead(actualRead int) Verdict {
	for {
		line, status := ctx.streamIn.ReadLine()
		switch status {
		case LineFail:
			ctx.log().Debug("request header line too long")
			return ctx.done(400)
		case LineUnavailable:
			if actualRead > 0 {
				return VerdictContinue
			}
			return VerdictPollRead
		}
		if len(line) != 0 {
			var st int
			if ctx.req.Method == "" {
				var closeAfter bool
				closeAfter, st = ctx.req.parseRequestLine(line, ctx.svc.Rewriter)
				if st == 0 {
					ctx.closeAfter = closeAfter
				}
			} else {
				st = ctx.req.parseHeaderLine(line, &ctx.closeAfter)
			}
			if st != 0 {
				ctx.log().Debug("request header error")
				return ctx.done(st)
			}
			continue
		}
		if ctx.req.Method == "" {
			/* extraneous blank lines before Request-Line */
			continue
		}

		// end of request header
		prefetched, err := ctx.streamIn.Reconstruct()
		if err != nil {
			ctx.log().Error("out of stream blocks")
			return ctx.done(StatusResourcesExhausted)
		}
		if v, ok := ctx.checkAuth(); !ok {
			return v
		}
		if isRPCMethod(ctx.req.Method) {
			return ctx.delegateRPC(prefetched)
		}
		handler, st := ctx.dispatchDelegate()
		if handler == nil {
			return ctx.done(st)
		}
		ctx.delegate = handler
		ctx.bytesRW = 0
		ctx.totalLength = 0
		return ctx.delegateContent()
	}
}

// checkAuth decodes Basic credentials when present and runs the login.
// ok reports that header processing should continue.
func (ctx *HttpContext) checkAuth() (Verdict, bool) {
	authorization := ctx.req.Header("Authorization")
	if authorization == "" {
		return 0, true
	}
	username, password, ok := basicCredentials(authorization)
	if !ok {
		return 0, true
	}
	ctx.username, ctx.password = username, password
	return ctx.authenticate()
}

func (ctx *HttpContext) authenticate() (Verdict, bool) {
	if f := ctx.svc.Filter; f != nil && !f.Judge(ctx.username) {
		ctx.log().Debugf("user %s is denied by user filter", ctx.username)
		return ctx.done(503), false
	}
	var result AuthResult
	err := errors.New("no auth backend configured")
	if ctx.svc.Auth != nil {
		result, err = ctx.svc.Auth.Login(ctx.username, ctx.password)
	}
	if err == nil {
		ctx.username = result.Username
		ctx.maildir = result.Maildir
		ctx.lang = result.Lang
		if ctx.maildir == "" {
			ctx.log().Errorf("maildir for %q absent", ctx.username)
			return ctx.reply(unauthorizedPage(ctx.svc.timeout(), false)), false
		}
		if ctx.lang == "" {
			ctx.lang = ctx.svc.Config.DefaultLang
		}
		ctx.authed = true
		ctx.log().Debug("authentication success")
		return 0, true
	}

	ctx.authed = false
	ctx.log().Errorf("login failed: %q: %v", ctx.username, err)
	ctx.authTimes++
	if ctx.authTimes >= ctx.svc.maxAuthTimes() && ctx.svc.Blocker != nil {
		ctx.svc.Blocker.Block(ctx.username, ctx.svc.Config.BlockAuthFail)
	}
	return ctx.reply(unauthorizedPage(ctx.svc.timeout(), true)), false
}

// delegateRPC promotes the context to an MS-RPCH tunnel. Requests whose
// body fits the ECHO bound stay unpromoted and are answered in RDBODY.
func (ctx *HttpContext) delegateRPC(prefetched int) Verdict {
	host, port, ok := parseRPCEndpoint(ctx.req.URI)
	if !ok {
		ctx.log().Debug("rpcproxy request endpoint error")
		return ctx.done(400)
	}
	ctx.host, ctx.port = host, port

	if !ctx.authed {
		ctx.log().Debug("authentication needed")
		return ctx.reply(unauthorizedPage(ctx.svc.timeout(), false))
	}

	ctx.totalLength = ctx.req.ContentLengthValue()
	/* ECHO request 0x0 ~ 0x10, MS-RPCH 2.1.2.15 */
	if ctx.totalLength > EchoMaxLength {
		if strings.EqualFold(ctx.req.Method, "RPC_IN_DATA") {
			ctx.kind = ChannelIn
			ctx.chanIn = NewInChannel()
		} else {
			ctx.kind = ChannelOut
			ctx.chanOut = NewOutChannel()
		}
	}
	ctx.bytesRW = uint64(prefetched)
	ctx.setSchedState(StateReadBody)
	return verdictLoop
}

// delegateContent runs the claimed handler over whatever body bytes are
// buffered; the handler decides the read and write sizes.
func (ctx *HttpContext) delegateContent() Verdict {
	if err := ctx.delegate.Feed(ctx); err != nil {
		return ctx.done(400)
	}
	if !ctx.delegate.EndOfRequest(ctx) {
		ctx.setSchedState(StateReadBody)
		return verdictLoop
	}
	if err := ctx.delegate.Process(ctx); err != nil {
		if _, ok := errors.Cause(err).(BadGatewayError); ok {
			return ctx.done(502)
		}
		return ctx.done(400)
	}
	ctx.setSchedState(StateWriteReply)
	if _, err := ctx.streamIn.Reconstruct(); err != nil {
		ctx.log().Error("out of stream blocks")
		return ctx.done(StatusResourcesExhausted)
	}
	if ctx.streamOut.TotalLength() == 0 {
		return verdictLoop
	}
	ctx.writeBuf = ctx.streamOut.ReadChunk()
	ctx.writeLength = len(ctx.writeBuf)
	ctx.writeOffset = 0
	return verdictLoop
}
