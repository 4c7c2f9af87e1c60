// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import "time"

const (
	// DCERPCDREPOffset is the byte offset of the data representation
	// field in a DCE/RPC fragment header.
	DCERPCDREPOffset = 8
	// DCERPCDREPLE is the bit in the DREP byte marking little-endian encoding.
	DCERPCDREPLE = 0x10
	// DCERPCFragLenOffset is the byte offset of the 16-bit fragment
	// length in a DCE/RPC fragment header.
	DCERPCFragLenOffset = 10
	// OutChannelMaxLength is the response body size advertised when an
	// OUT channel opens, and the total budget before the channel is
	// replaced through recycling.
	OutChannelMaxLength = 0x40000000
	// MaxRecyclingRemaining is the "near end" threshold: once the
	// remaining OUT channel capacity drops to this, recycling begins.
	MaxRecyclingRemaining = 0x4000000
	// StreamBlockSize is the allocation unit of pooled stream blocks.
	// A DCE/RPC fragment always fits a single block.
	StreamBlockSize = 0x10000
	// URILimit is the maximum accepted request-URI length.
	URILimit = 1024
	// MethodLimit is the maximum accepted HTTP method length.
	MethodLimit = 31
	// HostLimit is the maximum accepted RPC endpoint host length.
	HostLimit = 127
	// EchoMaxLength is the largest Content-Length treated as an MS-RPCH
	// ECHO request rather than a channel open.
	EchoMaxLength = 0x10
	// OutChannelMaxWait bounds how long an OUT channel may sit waiting
	// for its IN channel to pair or for recycling to complete.
	OutChannelMaxWait = 10 * time.Second
	// DefaultTimeout is the per-I/O idle bound when Config leaves it zero.
	DefaultTimeout = time.Minute
	// DefaultMaxAuthTimes is the consecutive-failure bound before the
	// user temp-block collaborator is invoked.
	DefaultMaxAuthTimes = 10
)

// Verdict is the value each state step returns to the scheduler,
// instructing it what to do with the context next.
type Verdict int

const (
	// verdictLoop re-enters the state switch without leaving Process.
	verdictLoop Verdict = iota
	// VerdictContinue re-dispatches the context immediately.
	VerdictContinue
	// VerdictIdle re-dispatches the context after a short tick.
	VerdictIdle
	// VerdictPollRead parks the socket until readable.
	VerdictPollRead
	// VerdictPollWrite parks the socket until writable.
	VerdictPollWrite
	// VerdictSleep parks the context for one scheduler tick, cut short
	// when the context is signaled.
	VerdictSleep
	// verdictRunoff ends the tunnel; Process converts it to VerdictClose.
	verdictRunoff
	// VerdictClose releases the context back to the free pool.
	VerdictClose
)

var verdictTexts = map[Verdict]string{
	verdictLoop:      "LOOP",
	VerdictContinue:  "CONT",
	VerdictIdle:      "IDLE",
	VerdictPollRead:  "POLLRD",
	VerdictPollWrite: "POLLWR",
	VerdictSleep:     "SLEEP",
	verdictRunoff:    "RUNOFF",
	VerdictClose:     "CLOSE",
}

func (v Verdict) String() string {
	if s, ok := verdictTexts[v]; ok {
		return s
	}
	return "UNKNOWN"
}

// SchedState enumerates the per-tunnel protocol states.
type SchedState int32

const (
	StateInitTLS SchedState = iota
	StateReadHead
	StateReadBody
	StateWriteReply
	StateWait
	StateClosed
)

var schedStateTexts = map[SchedState]string{
	StateInitTLS:    "INITSSL",
	StateReadHead:   "RDHEAD",
	StateReadBody:   "RDBODY",
	StateWriteReply: "WRREP",
	StateWait:       "WAIT",
	StateClosed:     "CLOSED",
}

func (s SchedState) String() string {
	if t, ok := schedStateTexts[s]; ok {
		return t
	}
	return "UNKNOWN"
}

// ChannelKind tells whether a context has been promoted to an MS-RPCH
// tunnel, and which half it carries.
type ChannelKind int32

const (
	ChannelNone ChannelKind = iota
	ChannelIn
	ChannelOut
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelIn:
		return "IN"
	case ChannelOut:
		return "OUT"
	}
	return "NONE"
}

// ChannelState is the lifecycle state of an MS-RPCH channel.
type ChannelState int32

const (
	ChannelOpenStart ChannelState = iota
	ChannelWaitInChannel
	ChannelRecycling
	ChannelWaitRecycled
	ChannelOpened
	ChannelRecycled
)

var channelStateTexts = map[ChannelState]string{
	ChannelOpenStart:     "OPEN_START",
	ChannelWaitInChannel: "WAIT_IN_CHANNEL",
	ChannelRecycling:     "RECYCLING",
	ChannelWaitRecycled:  "WAIT_RECYCLED",
	ChannelOpened:        "OPENED",
	ChannelRecycled:      "RECYCLED",
}

func (s ChannelState) String() string {
	if t, ok := channelStateTexts[s]; ok {
		return t
	}
	return "UNKNOWN"
}
