// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// HttpContext is the per-tunnel state machine. It owns a Connection, the
// parsed request, the read and write streams and, once promoted to an
// MS-RPCH tunnel, one of the two channel halves.
type HttpContext struct {
	id  int
	svc *Gateway

	conn Connection
	req  HttpRequest

	totalLength uint64
	bytesRW     uint64
	schedState  int32

	streamIn  *Stream
	streamOut *Stream

	writeBuf    []byte
	writeOffset int
	writeLength int
	writeRTS    bool

	closeAfter bool
	authed     bool
	authTimes  int
	username   string
	password   string
	maildir    string
	lang       string

	host string
	port int
	kind ChannelKind

	chanIn  *InChannel
	chanOut *OutChannel

	delegate ContentHandler

	// scheduler plumbing; see scheduler.go
	wake      chan struct{}
	parkTimer atomic.Pointer[time.Timer]
}

func newHttpContext(id int, svc *Gateway) *HttpContext {
	ctx := &HttpContext{
		id:        id,
		svc:       svc,
		streamIn:  NewStream(svc.pool),
		streamOut: NewStream(svc.pool),
		wake:      make(chan struct{}, 1),
	}
	ctx.conn.fd = -1
	ctx.clear()
	return ctx
}

// SchedState returns the protocol state; it is atomic because a paired
// context may flip it to WRREP while signaling.
func (ctx *HttpContext) SchedState() SchedState {
	return SchedState(atomic.LoadInt32(&ctx.schedState))
}

func (ctx *HttpContext) setSchedState(s SchedState) {
	atomic.StoreInt32(&ctx.schedState, int32(s))
}

// log returns a structured entry identifying the tunnel.
func (ctx *HttpContext) log() *logrus.Entry {
	entry := ctx.svc.logger().WithField("host", ctx.conn.clientIP)
	if ctx.username != "" {
		return entry.WithField("user", ctx.username)
	}
	return entry.WithField("ctxid", ctx.id)
}

// bind attaches an accepted socket and arms the state machine.
func (ctx *HttpContext) bind(sock net.Conn, now time.Time) {
	ctx.conn.bind(sock, now)
	if ctx.svc.tlsConfig != nil {
		ctx.setSchedState(StateInitTLS)
	} else {
		ctx.setSchedState(StateReadHead)
	}
	ctx.svc.Metrics.contextUp()
}

// Process drives the context one dispatch: state functions run until one
// of them yields a scheduler verdict other than the internal loop step.
func (ctx *HttpContext) Process() Verdict {
	ret := verdictRunoff
	for {
		switch ctx.SchedState() {
		case StateInitTLS:
			ret = ctx.stepInitTLS()
		case StateReadHead:
			ret = ctx.stepReadHead()
		case StateReadBody:
			ret = ctx.stepReadBody()
		case StateWriteReply:
			ret = ctx.stepWriteReply()
		case StateWait:
			ret = ctx.stepWait()
		default:
			return ctx.end()
		}
		if ret != verdictLoop {
			break
		}
	}
	if ret != verdictRunoff {
		return ret
	}
	return ctx.end()
}

// done aborts the current exchange with a canonical error page and moves
// the context to the reply state. The tunnel closes after the reply
// since the request body was not necessarily consumed.
func (ctx *HttpContext) done(code int) Verdict {
	ctx.closeAfter = true
	ctx.putDelegate()
	page := errorPage(code, ctx.closeAfter)
	ctx.streamOut.Clear()
	if _, err := ctx.streamOut.Write([]byte(page)); err != nil {
		return verdictRunoff
	}
	ctx.totalLength = uint64(len(page))
	ctx.bytesRW = 0
	ctx.setSchedState(StateWriteReply)
	return verdictLoop
}

// reply queues a prebuilt response head and moves to the reply state.
func (ctx *HttpContext) reply(head string) Verdict {
	if _, err := ctx.streamOut.Write([]byte(head)); err != nil {
		return ctx.done(StatusResourcesExhausted)
	}
	ctx.totalLength = uint64(len(head))
	ctx.bytesRW = 0
	ctx.setSchedState(StateWriteReply)
	return verdictLoop
}

func (ctx *HttpContext) putDelegate() {
	if ctx.delegate != nil {
		ctx.delegate.Put(ctx)
		ctx.delegate = nil
	}
}

// end releases everything the tunnel holds: the delegate, the channel's
// slot in its virtual connection, the transport, and the streams.
func (ctx *HttpContext) end() Verdict {
	ctx.putDelegate()
	switch ctx.kind {
	case ChannelIn:
		if ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie); ref != nil {
			if ref.vc.ctxIn == ctx {
				ref.vc.ctxIn = nil
			}
			if ref.vc.ctxInSucc == ctx {
				ref.vc.ctxInSucc = nil
			}
			ref.Put()
		}
	case ChannelOut:
		if ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanOut.ConnectionCookie); ref != nil {
			if ref.vc.ctxOut == ctx {
				ref.vc.ctxOut = nil
			}
			if ref.vc.ctxOutSucc == ctx {
				ref.vc.ctxOutSucc = nil
			}
			ref.Put()
		}
	}
	ctx.conn.reset()
	ctx.clear()
	ctx.svc.Metrics.contextDown()
	return VerdictClose
}

// clear resets the context for the next tunnel.
func (ctx *HttpContext) clear() {
	ctx.setSchedState(StateClosed)
	ctx.req.Clear()
	ctx.streamIn.Clear()
	ctx.streamOut.Clear()
	ctx.totalLength = 0
	ctx.bytesRW = 0
	ctx.writeBuf = nil
	ctx.writeOffset = 0
	ctx.writeLength = 0
	ctx.writeRTS = false
	ctx.closeAfter = true
	ctx.authed = false
	ctx.authTimes = 0
	ctx.username = ""
	ctx.password = ""
	ctx.maildir = ""
	ctx.lang = ""
	ctx.host = ""
	ctx.port = 0
	ctx.kind = ChannelNone
	ctx.chanIn = nil
	ctx.chanOut = nil
	select {
	case <-ctx.wake:
	default:
	}
}

// touch records transport activity.
func (ctx *HttpContext) touch(now time.Time) {
	ctx.conn.lastTimestamp = now
}

func (ctx *HttpContext) timedOut(now time.Time) bool {
	return now.Sub(ctx.conn.lastTimestamp) >= ctx.svc.timeout()
}

// Request exposes the parsed header to delegated handlers.
func (ctx *HttpContext) Request() *HttpRequest { return &ctx.req }

// RequestStream is the buffered body input for delegated handlers.
func (ctx *HttpContext) RequestStream() *Stream { return ctx.streamIn }

// ResponseStream is where delegated handlers place response bytes.
func (ctx *HttpContext) ResponseStream() *Stream { return ctx.streamOut }

// Authed reports whether Basic authentication succeeded on this tunnel.
func (ctx *HttpContext) Authed() bool { return ctx.authed }

// Username returns the authenticated user, empty until authed.
func (ctx *HttpContext) Username() string { return ctx.username }

// Maildir returns the authenticated user's storage path.
func (ctx *HttpContext) Maildir() string { return ctx.maildir }

// Lang returns the authenticated user's language.
func (ctx *HttpContext) Lang() string { return ctx.lang }

// ChannelKind implements Tunnel.
func (ctx *HttpContext) ChannelKind() ChannelKind { return ctx.kind }

// InChannel implements Tunnel.
func (ctx *HttpContext) InChannel() *InChannel { return ctx.chanIn }

// OutChannel implements Tunnel.
func (ctx *HttpContext) OutChannel() *OutChannel { return ctx.chanOut }

func (ctx *HttpContext) connectionCookie() (string, bool) {
	switch ctx.kind {
	case ChannelIn:
		return ctx.chanIn.ConnectionCookie, true
	case ChannelOut:
		return ctx.chanOut.ConnectionCookie, true
	}
	return "", false
}

// TryCreateVConnection implements Tunnel: the context is installed into
// the virtual connection for its cookie, creating connection and PDU
// processor on the first bind of either half.
func (ctx *HttpContext) TryCreateVConnection() bool {
	cookie, ok := ctx.connectionCookie()
	if !ok {
		return false
	}
	for {
		if ref := ctx.svc.registry.Get(ctx.host, ctx.port, cookie); ref != nil {
			if ctx.kind == ChannelOut {
				ref.vc.ctxOut = ctx
			} else {
				ref.vc.ctxIn = ctx
				if peer := ref.vc.ctxOut; peer != nil {
					ctx.svc.sched.Signal(peer)
				}
			}
			ref.Put()
			return true
		}
		vc, created, err := ctx.svc.registry.create(ctx.host, ctx.port, cookie, ctx.svc.Processors)
		if err != nil {
			ctx.log().Debugf("failed to create processor on %s:%d: %v", ctx.host, ctx.port, err)
			return false
		}
		if !created {
			if vc != nil {
				ctx.log().Debug("vconnection suddenly started existing")
				continue
			}
			return false
		}
		vc.mu.Lock()
		if ctx.kind == ChannelOut {
			vc.ctxOut = ctx
		} else {
			vc.ctxIn = ctx
		}
		vc.mu.Unlock()
		return true
	}
}

// SetOutChannelFlowControl implements Tunnel: a flow-control ack from
// the peer replenishes the paired OUT channel's window.
func (ctx *HttpContext) SetOutChannelFlowControl(bytesReceived, availableWindow uint32) {
	if ctx.kind != ChannelIn {
		return
	}
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie)
	if ref == nil {
		return
	}
	defer ref.Put()
	peer := ref.vc.ctxOut
	if peer == nil {
		return
	}
	och := peer.chanOut
	acked := uint64(bytesReceived) + uint64(availableWindow)
	if sent := och.BytesSent(); acked > sent {
		och.SetAvailableWindow(int64(acked - sent))
		ctx.svc.sched.Signal(peer)
	} else {
		och.SetAvailableWindow(0)
	}
}

// RecycleInChannel implements Tunnel: a fresh IN channel presenting the
// predecessor's cookie inherits its lifetime, keepalive, window and
// accounting, and is queued as successor.
func (ctx *HttpContext) RecycleInChannel(predecessorCookie string) bool {
	if ctx.kind != ChannelIn {
		return false
	}
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie)
	if ref == nil {
		return false
	}
	defer ref.Put()
	if ref.vc.ctxIn == nil {
		return false
	}
	prev := ref.vc.ctxIn.chanIn
	if prev.ChannelCookie != predecessorCookie {
		return false
	}
	ctx.chanIn.LifeTime = prev.LifeTime
	ctx.chanIn.ClientKeepalive = prev.ClientKeepalive
	ctx.chanIn.AvailableWindow = prev.AvailableWindow
	ctx.chanIn.BytesReceived = prev.BytesReceived
	ctx.chanIn.AssocGroupID = prev.AssocGroupID
	ref.vc.ctxInSucc = ctx
	return true
}

// RecycleOutChannel implements Tunnel: the obsolete predecessor emits
// OUTR2/A6 and hands its keepalive and window to the queued successor.
func (ctx *HttpContext) RecycleOutChannel(predecessorCookie string) bool {
	if ctx.kind != ChannelOut {
		return false
	}
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanOut.ConnectionCookie)
	if ref == nil {
		return false
	}
	defer ref.Put()
	peer := ref.vc.ctxOut
	if peer == nil {
		return false
	}
	och := peer.chanOut
	if och.ChannelCookie != predecessorCookie || !och.obsolete {
		return false
	}
	if och.call == nil || !och.call.OutR2A6() {
		return false
	}
	och.pdus.pushCall(och.call)
	peer.setSchedState(StateWriteReply)
	ctx.svc.sched.Signal(peer)
	ctx.chanOut.ClientKeepalive = och.ClientKeepalive
	ctx.chanOut.SetAvailableWindow(int64(och.WindowSize))
	ctx.chanOut.WindowSize = och.WindowSize
	ref.vc.ctxOutSucc = ctx
	return true
}

// ActivateInRecycling implements Tunnel: called on the queued successor,
// it retires the predecessor and takes over the IN slot.
func (ctx *HttpContext) ActivateInRecycling(successorCookie string) bool {
	if ctx.kind != ChannelIn {
		return false
	}
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie)
	if ref == nil {
		return false
	}
	defer ref.Put()
	if ref.vc.ctxInSucc != ctx || ctx.chanIn.ChannelCookie != successorCookie {
		return false
	}
	if prev := ref.vc.ctxIn; prev != nil {
		prev.chanIn.SetState(ChannelRecycled)
	}
	ref.vc.ctxIn = ctx
	ctx.chanIn.SetState(ChannelOpened)
	ref.vc.ctxInSucc = nil
	return true
}

// ActivateOutRecycling implements Tunnel: driven from the IN context, it
// emits OUTR2/B3 on the predecessor and promotes the OUT successor.
func (ctx *HttpContext) ActivateOutRecycling(successorCookie string) bool {
	if ctx.kind != ChannelIn {
		return false
	}
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie)
	if ref == nil {
		return false
	}
	defer ref.Put()
	if ref.vc.ctxIn != ctx || ref.vc.ctxOut == nil || ref.vc.ctxOutSucc == nil ||
		ref.vc.ctxOutSucc.chanOut.ChannelCookie != successorCookie {
		return false
	}
	och := ref.vc.ctxOut.chanOut
	if och.call == nil || !och.call.OutR2B3() {
		ctx.log().Debug("pdu process error! fail to setup r2/b3")
		return false
	}
	och.pdus.pushCall(och.call)
	ref.vc.ctxOut.setSchedState(StateWriteReply)
	ctx.svc.sched.Signal(ref.vc.ctxOut)
	ref.vc.ctxOut = ref.vc.ctxOutSucc
	ref.vc.ctxOutSucc = nil
	ctx.svc.sched.Signal(ref.vc.ctxOut)
	return true
}

// SetKeepAlive implements Tunnel: the client keepalive announced on the
// IN channel applies to both halves.
func (ctx *HttpContext) SetKeepAlive(d time.Duration) {
	if ctx.kind != ChannelIn {
		return
	}
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie)
	if ref == nil {
		return
	}
	defer ref.Put()
	if ref.vc.ctxIn != ctx {
		return
	}
	ctx.chanIn.ClientKeepalive = d
	if peer := ref.vc.ctxOut; peer != nil {
		peer.chanOut.ClientKeepalive = d
	}
}

// ContextInfo is one row of the diagnostic report.
type ContextInfo struct {
	ID         int
	ClientIP   string
	ClientPort int
	ServerIP   string
	ServerPort int
	Channel    ChannelKind
	Endpoint   string
	Username   string
	State      SchedState
}

func (ctx *HttpContext) info() (ContextInfo, bool) {
	if !ctx.conn.active() {
		return ContextInfo{}, false
	}
	return ContextInfo{
		ID:         ctx.id,
		ClientIP:   ctx.conn.clientIP,
		ClientPort: ctx.conn.clientPort,
		ServerIP:   ctx.conn.serverIP,
		ServerPort: ctx.conn.serverPort,
		Channel:    ctx.kind,
		Endpoint:   ctx.host,
		Username:   ctx.username,
		State:      ctx.SchedState(),
	}, true
}
