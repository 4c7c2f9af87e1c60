// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"time"
)

// minSendWindow is the flow credit below which an opened OUT channel
// stops transmitting and waits for an ack.
const minSendWindow = 1024

// replyFill picks the next write buffer: a delegated handler's response,
// the head of an opened OUT channel's PDU queue, or the next out-stream
// chunk. ok=true means a buffer is armed and the socket write proceeds.
func (ctx *HttpContext) replyFill() (Verdict, bool) {
	if ctx.delegate != nil {
		switch ctx.delegate.Retrieve(ctx) {
		case RetrieveError:
			return ctx.done(400), false
		case RetrieveWrite:
			// bytes were placed in the out-stream
		case RetrieveNone:
			return VerdictContinue, false
		case RetrieveWait:
			ctx.setSchedState(StateWait)
			return VerdictIdle, false
		case RetrieveTimeout:
			ctx.log().Debug("fastcgi execution timeout")
			return ctx.done(StatusFCGITimeout), false
		case RetrieveBadGateway:
			return ctx.done(502), false
		case RetrieveDone:
			if ctx.closeAfter {
				return verdictRunoff, false
			}
			ctx.req.Clear()
			ctx.putDelegate()
			ctx.setSchedState(StateReadHead)
			ctx.streamOut.Clear()
			return VerdictContinue, false
		}
	}

	ctx.writeOffset = 0
	if ctx.kind == ChannelOut && ctx.chanOut.State() == ChannelOpened {
		/* the PDU queue is shared state of the virtual connection,
		   borrow it before touching */
		och := ctx.chanOut
		ref := ctx.svc.registry.Get(ctx.host, ctx.port, och.ConnectionCookie)
		if ref == nil {
			ctx.log().Debug("virtual connection error in hash table")
			return verdictRunoff, false
		}
		head, ok := och.pdus.head()
		ref.Put()
		if !ok {
			ctx.setSchedState(StateWait)
			return VerdictIdle, false
		}
		ctx.writeBuf = head.Data
		ctx.writeLength = len(head.Data)
		ctx.writeRTS = head.RTS
		return 0, true
	}

	chunk := ctx.streamOut.ReadChunk()
	ctx.writeBuf = chunk
	ctx.writeLength = len(chunk)
	return 0, true
}

// stepWriteReply drains the armed write buffer to the socket, applying
// the OUT-channel flow window, then decides what the tunnel does next.
func (ctx *HttpContext) stepWriteReply() Verdict {
	if ctx.writeBuf == nil {
		if v, ok := ctx.replyFill(); !ok {
			return v
		}
	}

	writeLen := ctx.writeLength - ctx.writeOffset
	opened := ctx.kind == ChannelOut && ctx.chanOut.State() == ChannelOpened
	if opened && !ctx.writeRTS {
		window := ctx.chanOut.AvailableWindow()
		if window < minSendWindow {
			return VerdictIdle
		}
		if int64(writeLen) > window {
			writeLen = int(window)
		}
	}
	if writeLen <= 0 {
		writeLen = 0
	}

	var n int
	var werr error
	if writeLen > 0 {
		n, werr = ctx.conn.Write(
			ctx.writeBuf[ctx.writeOffset:ctx.writeOffset+writeLen],
			ctx.conn.lastTimestamp.Add(ctx.svc.timeout()))
	}
	now := time.Now()
	if werr == nil && n == 0 && writeLen > 0 {
		ctx.log().Debug("connection lost")
		return verdictRunoff
	}
	if werr != nil {
		if isNotReady(werr) {
			if !ctx.timedOut(now) {
				return VerdictPollWrite
			}
			ctx.log().Debug("timeout")
			return verdictRunoff
		}
		ctx.log().Debug("connection lost")
		return verdictRunoff
	}
	if n > 0 {
		ctx.touch(now)
		ctx.svc.debugDumpWrite(ctx, ctx.writeBuf[ctx.writeOffset:ctx.writeOffset+n])
		ctx.svc.Metrics.AddBytesWritten(int64(n))
		ctx.writeOffset += n
		ctx.bytesRW += uint64(n)
		if opened {
			ctx.chanOut.account(n, ctx.writeRTS)
		}
	}
	if ctx.writeOffset < ctx.writeLength {
		return VerdictContinue
	}

	// the armed buffer is fully on the wire
	ctx.writeOffset = 0
	ctx.writeBuf = nil
	ctx.writeLength = 0
	if opened {
		och := ctx.chanOut
		ref := ctx.svc.registry.Get(ctx.host, ctx.port, och.ConnectionCookie)
		if ref == nil {
			ctx.log().Debug("virtual connection error in hash table")
			return verdictRunoff
		}
		och.pdus.pop()
		if head, ok := och.pdus.head(); ok {
			ctx.writeBuf = head.Data
			ctx.writeLength = len(head.Data)
			ctx.writeRTS = head.RTS
		} else if ctx.totalLength > 0 &&
			ctx.totalLength-ctx.bytesRW <= MaxRecyclingRemaining &&
			!och.obsolete {
			// begin of out channel recycling
			if och.call != nil && och.call.OutR2A2() {
				och.pdus.pushCall(och.call)
				och.obsolete = true
			}
		} else {
			ctx.setSchedState(StateWait)
		}
		ref.Put()
		return VerdictContinue
	}

	if chunk := ctx.streamOut.ReadChunk(); len(chunk) > 0 {
		ctx.writeBuf = chunk
		ctx.writeLength = len(chunk)
		return VerdictContinue
	}
	if ctx.kind == ChannelOut &&
		(ctx.chanOut.State() == ChannelWaitInChannel ||
			ctx.chanOut.State() == ChannelWaitRecycled) {
		/* wait for the in channel to complete the out channel
		   handshake */
		ctx.setSchedState(StateWait)
	} else if ctx.delegate != nil {
		ctx.streamOut.Clear()
		return VerdictContinue
	} else {
		if ctx.closeAfter {
			return verdictRunoff
		}
		ctx.req.Clear()
		ctx.setSchedState(StateReadHead)
	}
	ctx.streamOut.Clear()
	return VerdictContinue
}
