// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"sync/atomic"
	"time"
)

// pduList is a FIFO of PDUs owned by a channel. A queued PDU belongs to
// the channel until transmitted, then it is released. Enqueue order is
// transmit order.
type pduList struct {
	items []PDU
}

func (l *pduList) push(p PDU) {
	l.items = append(l.items, p)
}

// pushCall drains a control call's emitted PDUs onto the queue.
func (l *pduList) pushCall(c Call) {
	for _, p := range c.TakePDUs() {
		l.push(p)
	}
}

func (l *pduList) head() (PDU, bool) {
	if len(l.items) == 0 {
		return PDU{}, false
	}
	return l.items[0], true
}

func (l *pduList) pop() (PDU, bool) {
	if len(l.items) == 0 {
		return PDU{}, false
	}
	p := l.items[0]
	l.items[0] = PDU{}
	l.items = l.items[1:]
	return p, true
}

// moveTo tail-appends the whole queue onto dst, preserving FIFO order
// across a recycling handover.
func (l *pduList) moveTo(dst *pduList) {
	dst.items = append(dst.items, l.items...)
	l.items = nil
}

func (l *pduList) empty() bool { return len(l.items) == 0 }
func (l *pduList) size() int   { return len(l.items) }

func (l *pduList) clear() {
	l.items = nil
}

// InChannel carries the client-to-server half of an MS-RPCH tunnel. Its
// queue holds PDUs produced while the paired OUT channel is obsolete,
// to be drained by the OUT successor.
type InChannel struct {
	fragLength       uint16
	ChannelCookie    string
	ConnectionCookie string
	LifeTime         uint32
	ClientKeepalive  time.Duration
	AvailableWindow  uint32
	BytesReceived    uint32
	AssocGroupID     string
	pdus             pduList
	state            int32
}

// NewInChannel returns an IN channel in the open-start state.
func NewInChannel() *InChannel {
	return &InChannel{state: int32(ChannelOpenStart)}
}

func (c *InChannel) State() ChannelState { return ChannelState(atomic.LoadInt32(&c.state)) }
func (c *InChannel) SetState(s ChannelState) { atomic.StoreInt32(&c.state, int32(s)) }

// OutChannel carries the server-to-client half. The flow-control fields
// are atomic: the async PDU producer reads them while the writing
// context updates them.
type OutChannel struct {
	fragLength       uint16
	ChannelCookie    string
	ConnectionCookie string
	obsolete         bool
	ClientKeepalive  time.Duration
	availableWindow  int64
	WindowSize       uint32
	bytesSent        uint64
	call             Call
	pdus             pduList
	state            int32
}

// NewOutChannel returns an OUT channel in the open-start state.
func NewOutChannel() *OutChannel {
	return &OutChannel{state: int32(ChannelOpenStart)}
}

func (c *OutChannel) State() ChannelState { return ChannelState(atomic.LoadInt32(&c.state)) }
func (c *OutChannel) SetState(s ChannelState) { atomic.StoreInt32(&c.state, int32(s)) }

// AvailableWindow returns the outbound flow credit, never negative.
func (c *OutChannel) AvailableWindow() int64 {
	if w := atomic.LoadInt64(&c.availableWindow); w > 0 {
		return w
	}
	return 0
}

// SetAvailableWindow replaces the outbound flow credit.
func (c *OutChannel) SetAvailableWindow(w int64) {
	if w < 0 {
		w = 0
	}
	atomic.StoreInt64(&c.availableWindow, w)
}

// BytesSent returns the running total of non-RTS bytes written.
func (c *OutChannel) BytesSent() uint64 { return atomic.LoadUint64(&c.bytesSent) }

// account debits the window and credits the sent total for n wire bytes
// of the queue head, unless it is transport signaling.
func (c *OutChannel) account(n int, rts bool) {
	if rts || n <= 0 {
		return
	}
	atomic.AddInt64(&c.availableWindow, -int64(n))
	atomic.AddUint64(&c.bytesSent, uint64(n))
}
