// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"time"
)

// stepWait handles a context with no immediate I/O: a delegated handler
// still producing, an OUT channel awaiting its IN half, or a live OUT
// channel inside its keepalive window.
func (ctx *HttpContext) stepWait() Verdict {
	if ctx.delegate != nil {
		return VerdictIdle
	}
	/* only a delegated handler or an out channel parks in WAIT */
	och := ctx.chanOut
	if och == nil {
		return verdictRunoff
	}
	switch och.State() {
	case ChannelWaitInChannel:
		return ctx.waitInChannel(och)
	case ChannelWaitRecycled:
		return ctx.waitRecycled(och)
	case ChannelRecycled:
		return verdictRunoff
	}

	if !ctx.conn.peerAlive() {
		ctx.log().Debug("connection lost")
		return verdictRunoff
	}
	// check keep alive
	if time.Since(ctx.conn.lastTimestamp) < och.ClientKeepalive/2 {
		return VerdictIdle
	}
	if och.call == nil || !och.call.Ping() {
		return VerdictIdle
	}
	/* the PDU queue is shared state of the virtual connection,
	   borrow it before touching */
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, och.ConnectionCookie)
	och.pdus.pushCall(och.call)
	if ref != nil {
		ref.Put()
	}
	ctx.setSchedState(StateWriteReply)
	return verdictLoop
}

// waitInChannel completes the pairing handshake once the IN half has
// arrived: the IN channel inherits the window, CONN/C2 goes out and the
// channel opens.
func (ctx *HttpContext) waitInChannel(och *OutChannel) Verdict {
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, och.ConnectionCookie)
	if ref != nil {
		if ref.vc.ctxOut == ctx && ref.vc.ctxIn != nil {
			ich := ref.vc.ctxIn.chanIn
			ich.AvailableWindow = och.WindowSize
			ich.BytesReceived = 0
			och.ClientKeepalive = ich.ClientKeepalive
			if och.call == nil || !och.call.ConnC2(och.WindowSize) {
				ref.Put()
				ctx.log().Debug("pdu process error! fail to setup conn/c2")
				return verdictRunoff
			}
			och.pdus.pushCall(och.call)
			ctx.setSchedState(StateWriteReply)
			och.SetState(ChannelOpened)
			ref.Put()
			return verdictLoop
		}
		ref.Put()
	}

	if time.Since(ctx.conn.lastTimestamp) < OutChannelMaxWait {
		return VerdictIdle
	}
	ctx.log().Debug("no corresponding in channel coming during maximum waiting interval")
	return verdictRunoff
}

// waitRecycled finishes an out-channel handover: the successor inherits
// the keepalive and drains whatever the predecessor's IN channel queued
// while obsolete, preserving FIFO order.
func (ctx *HttpContext) waitRecycled(och *OutChannel) Verdict {
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, och.ConnectionCookie)
	if ref != nil {
		if ref.vc.ctxOut == ctx && ref.vc.ctxIn != nil {
			ich := ref.vc.ctxIn.chanIn
			och.ClientKeepalive = ich.ClientKeepalive
			och.SetState(ChannelOpened)
			ich.pdus.moveTo(&och.pdus)
			if och.pdus.empty() {
				ctx.setSchedState(StateWait)
			} else {
				ctx.setSchedState(StateWriteReply)
			}
			ref.Put()
			return verdictLoop
		}
		ref.Put()
	}

	if time.Since(ctx.conn.lastTimestamp) < OutChannelMaxWait {
		return VerdictIdle
	}
	ctx.log().Debug("channel is not recycled during maximum waiting interval")
	return verdictRunoff
}
