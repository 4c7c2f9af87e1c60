// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"encoding/binary"
	"time"
)

// dcerpcHeaderSize is the fixed size of a DCE/RPC fragment header; a
// declared fragment length below it is a protocol inconsistency.
const dcerpcHeaderSize = 16

// stepReadBody owns the request body once headers are parsed. For an
// MS-RPCH tunnel the body is a sequence of DCE/RPC fragments; everything
// else goes through the delegated handler or the ECHO path.
func (ctx *HttpContext) stepReadBody() Verdict {
	if ctx.kind != ChannelIn && ctx.kind != ChannelOut {
		return ctx.readBodyNoChannel()
	}

	fragLength := ctx.fragLength()
	if total := ctx.streamIn.TotalLength(); total < DCERPCFragLenOffset+2 ||
		(fragLength > 0 && total < int(fragLength)) {
		buf, err := ctx.streamIn.WriteBuffer()
		if err != nil {
			ctx.log().Error("out of stream blocks")
			return ctx.done(StatusResourcesExhausted)
		}
		n, rerr := ctx.conn.Read(buf)
		now := time.Now()
		switch {
		case rerr == nil && n == 0:
			ctx.log().Debug("connection lost")
			return verdictRunoff
		case rerr == nil:
			ctx.bytesRW += uint64(n)
			if ctx.bytesRW > ctx.totalLength {
				ctx.log().Debug("content length overflow when reading body")
				return verdictRunoff
			}
			ctx.touch(now)
			ctx.svc.debugDumpRead(ctx, buf[:n])
			ctx.svc.Metrics.AddBytesRead(int64(n))
			ctx.streamIn.Advance(n)
		case !isNotReady(rerr):
			ctx.log().Debug("connection lost")
			return verdictRunoff
		case ctx.timedOut(now):
			ctx.log().Debug("timeout")
			return ctx.done(408)
		default:
			return VerdictPollRead
		}
	}

	pbuff := ctx.streamIn.Peek()
	if pbuff == nil {
		return VerdictPollRead
	}
	if len(pbuff) < DCERPCFragLenOffset+2 {
		return VerdictContinue
	}

	if fragLength == 0 {
		raw := pbuff[DCERPCFragLenOffset : DCERPCFragLenOffset+2]
		if pbuff[DCERPCDREPOffset]&DCERPCDREPLE != 0 {
			fragLength = binary.LittleEndian.Uint16(raw)
		} else {
			fragLength = binary.BigEndian.Uint16(raw)
		}
		if fragLength < dcerpcHeaderSize {
			ctx.log().Debug("fragment length smaller than fragment header")
			return verdictRunoff
		}
		ctx.setFragLength(fragLength)
	}
	if len(pbuff) < int(fragLength) {
		return VerdictContinue
	}

	frag := pbuff[:fragLength]
	result, call := ctx.svc.RTS.RTSInput(ctx, frag)
	if ctx.kind == ChannelIn && ctx.chanIn.State() == ChannelOpened {
		switch result {
		case VerdictPduError:
			/* ignore rts processing error on an opened in channel */
			result = VerdictPduInput
		case VerdictPduForward:
			// only here may the fragment reach the pdu processor
			result, call = ctx.forwardFragment(frag)
			if result == pduVerdictDead {
				return verdictRunoff
			}
		}
	}

	ctx.streamIn.Skip(int(fragLength))
	ctx.setFragLength(0)
	if _, err := ctx.streamIn.Reconstruct(); err != nil {
		ctx.log().Error("out of stream blocks")
		return ctx.done(StatusResourcesExhausted)
	}

	switch result {
	case VerdictPduError, VerdictPduForward:
		ctx.log().Debug("pdu process error!")
		return verdictRunoff
	case VerdictPduInput:
		return VerdictContinue
	case VerdictPduOutput:
		return ctx.routeOutput(call)
	case VerdictPduTerminate:
		return verdictRunoff
	}
	return verdictRunoff
}

// pduVerdictDead is an internal marker: the virtual connection vanished
// under the tunnel and it must close.
const pduVerdictDead PduVerdict = -1

// forwardFragment hands a payload fragment to the virtual connection's
// processor under the connection lock and applies inbound flow control.
func (ctx *HttpContext) forwardFragment(frag []byte) (PduVerdict, Call) {
	ich := ctx.chanIn
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ich.ConnectionCookie)
	if ref == nil {
		ctx.log().Debug("virtual connection error in hash table")
		return pduVerdictDead, nil
	}
	defer ref.Put()
	if ref.vc.ctxIn != ctx || ref.vc.processor == nil {
		ctx.log().Debug("virtual connection error in hash table")
		return pduVerdictDead, nil
	}
	result, call := ref.vc.processor.Input(ctx, frag)
	ich.AvailableWindow -= uint32(len(frag))
	ich.BytesReceived += uint32(len(frag))
	if call != nil && ref.vc.ctxOut != nil {
		och := ref.vc.ctxOut.chanOut
		if ich.AvailableWindow < och.WindowSize/2 {
			ich.AvailableWindow = och.WindowSize
			call.FlowControlAckWithDestination(ich.BytesReceived,
				ich.AvailableWindow, ich.ChannelCookie)
			/* a fragmented pdu yields no output call, so the
			   flow-control ack must ride out on its own */
			if result == VerdictPduInput {
				och.pdus.pushCall(call)
				ref.vc.ctxOut.setSchedState(StateWriteReply)
				ctx.svc.sched.Signal(ref.vc.ctxOut)
			}
		}
	}
	return result, call
}

// routeOutput steers the reply PDUs of a control call. On the OUT half
// this is the channel opening; on the IN half the PDUs belong to the
// paired OUT channel unless it is already obsolete.
func (ctx *HttpContext) routeOutput(call Call) Verdict {
	if ctx.kind == ChannelOut {
		och := ctx.chanOut
		if s := och.State(); s != ChannelOpenStart && s != ChannelRecycling {
			ctx.log().Debug("pdu process error! out channel can't output " +
				"itself after virtual connection established")
			return verdictRunoff
		}
		// http response head goes first
		head := outChannelResponseHead()
		if _, err := ctx.streamOut.Write([]byte(head)); err != nil {
			ctx.log().Error("out of stream blocks")
			return ctx.done(StatusResourcesExhausted)
		}
		ctx.totalLength = OutChannelMaxLength + uint64(len(head))
		for _, p := range call.TakePDUs() {
			if _, err := ctx.streamOut.Write(p.Data); err != nil {
				ctx.log().Error("out of stream blocks")
				return ctx.done(StatusResourcesExhausted)
			}
		}
		/* this call is retained for future control PDUs */
		och.call = call
		ctx.bytesRW = 0
		ctx.setSchedState(StateWriteReply)
		if och.State() == ChannelOpenStart {
			och.SetState(ChannelWaitInChannel)
		} else {
			och.SetState(ChannelWaitRecycled)
		}
		return verdictLoop
	}

	// in channel: the reply belongs to the paired out channel
	ref := ctx.svc.registry.Get(ctx.host, ctx.port, ctx.chanIn.ConnectionCookie)
	if ref == nil {
		call.Free()
		ctx.log().Debug("cannot find virtual connection in hash table")
		return verdictRunoff
	}
	if (ctx != ref.vc.ctxIn && ctx != ref.vc.ctxInSucc) || ref.vc.ctxOut == nil {
		ref.Put()
		call.Free()
		ctx.log().Debug("missing out channel in virtual connection")
		return verdictRunoff
	}
	och := ref.vc.ctxOut.chanOut
	if och.obsolete {
		// held on the in channel until the successor drains it
		ctx.chanIn.pdus.pushCall(call)
		ref.Put()
		call.Free()
		return VerdictContinue
	}
	och.pdus.pushCall(call)
	ref.vc.ctxOut.setSchedState(StateWriteReply)
	ctx.svc.sched.Signal(ref.vc.ctxOut)
	ref.Put()
	call.Free()
	return VerdictContinue
}

func (ctx *HttpContext) fragLength() uint16 {
	if ctx.kind == ChannelIn {
		return ctx.chanIn.fragLength
	}
	return ctx.chanOut.fragLength
}

func (ctx *HttpContext) setFragLength(n uint16) {
	if ctx.kind == ChannelIn {
		ctx.chanIn.fragLength = n
	} else {
		ctx.chanOut.fragLength = n
	}
}

// readBodyNoChannel handles bodies that never became a tunnel: the body
// of a delegated request, an MS-RPCH ECHO, or an unrecognized method.
func (ctx *HttpContext) readBodyNoChannel() Verdict {
	if ctx.totalLength == 0 || ctx.bytesRW < ctx.totalLength {
		if v, ok := ctx.readBodyChunk(); !ok {
			return v
		}
	}

	if !isRPCMethod(ctx.req.Method) {
		ctx.log().Debugf("unrecognized HTTP method %q", ctx.req.Method)
		/* other http request here if wanted */
		return ctx.done(405)
	}
	// ECHO request
	body := ctx.svc.RTS.Echo()
	head := echoResponseHead(len(body))
	ctx.streamOut.Clear()
	if _, err := ctx.streamOut.Write([]byte(head)); err != nil {
		return ctx.done(StatusResourcesExhausted)
	}
	if _, err := ctx.streamOut.Write(body); err != nil {
		return ctx.done(StatusResourcesExhausted)
	}
	ctx.totalLength = uint64(len(head) + len(body))
	ctx.bytesRW = 0
	ctx.setSchedState(StateWriteReply)
	if _, err := ctx.streamIn.Reconstruct(); err != nil {
		ctx.log().Error("out of stream blocks")
		return ctx.done(StatusResourcesExhausted)
	}
	return VerdictContinue
}

// readBodyChunk reads one chunk of a channel-less body. ok=true means
// the body is complete and the caller may answer it.
func (ctx *HttpContext) readBodyChunk() (Verdict, bool) {
	buf, err := ctx.streamIn.WriteBuffer()
	if err != nil {
		ctx.log().Error("out of stream blocks")
		return ctx.done(400), false
	}
	n, rerr := ctx.conn.Read(buf)
	now := time.Now()
	if rerr == nil && n == 0 {
		ctx.log().Debug("connection lost")
		return verdictRunoff, false
	}
	if rerr != nil {
		if !isNotReady(rerr) {
			ctx.log().Debug("connection lost")
			return verdictRunoff, false
		}
		if ctx.timedOut(now) {
			ctx.log().Debug("timeout")
			return ctx.done(408), false
		}
		return VerdictPollRead, false
	}
	ctx.touch(now)
	ctx.svc.debugDumpRead(ctx, buf[:n])
	ctx.svc.Metrics.AddBytesRead(int64(n))
	ctx.streamIn.Advance(n)

	if ctx.delegate != nil {
		return ctx.delegateContent(), false
	}
	ctx.bytesRW += uint64(n)
	if ctx.bytesRW < ctx.totalLength {
		return VerdictContinue, false
	}
	return 0, true
}
