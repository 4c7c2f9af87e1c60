// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// testFrag builds a well-formed little-endian DCE/RPC fragment whose
// payload is the given fields joined with '|'.
func testFrag(fields ...string) []byte {
	body := strings.Join(fields, "|")
	frag := make([]byte, dcerpcHeaderSize+len(body))
	frag[0] = 5
	frag[2] = 20
	frag[3] = 3
	frag[DCERPCDREPOffset] = DCERPCDREPLE
	binary.LittleEndian.PutUint16(frag[DCERPCFragLenOffset:], uint16(len(frag)))
	copy(frag[dcerpcHeaderSize:], body)
	return frag
}

func fragFields(frag []byte) []string {
	return strings.Split(string(frag[dcerpcHeaderSize:]), "|")
}

// fakeCall collects emitted control PDUs as recognizable ASCII tags.
type fakeCall struct {
	mu    sync.Mutex
	pdus  []PDU
	freed int32
}

func (c *fakeCall) emit(tag string, rts bool) {
	c.mu.Lock()
	c.pdus = append(c.pdus, PDU{Data: []byte(tag), RTS: rts})
	c.mu.Unlock()
}

func (c *fakeCall) Ping() bool    { c.emit("PING", true); return true }
func (c *fakeCall) OutR2A2() bool { c.emit("OUTR2A2", true); return true }
func (c *fakeCall) OutR2A6() bool { c.emit("OUTR2A6", true); return true }
func (c *fakeCall) OutR2B3() bool { c.emit("OUTR2B3", true); return true }

func (c *fakeCall) ConnC2(windowSize uint32) bool {
	c.emit(fmt.Sprintf("CONNC2:%d", windowSize), true)
	return true
}

func (c *fakeCall) FlowControlAckWithDestination(bytesReceived, availableWindow uint32, channelCookie string) bool {
	c.emit(fmt.Sprintf("FLOWACK:%d:%d:%s", bytesReceived, availableWindow, channelCookie), true)
	return true
}

func (c *fakeCall) TakePDUs() []PDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	pdus := c.pdus
	c.pdus = nil
	return pdus
}

func (c *fakeCall) Free() { atomic.AddInt32(&c.freed, 1) }

// fakeRTS drives channel setup from a tiny tagged wire protocol:
//
//	A1|connCookie|chanCookie|window   open an OUT channel
//	B1|connCookie|chanCookie|kaMs    open an IN channel
//	D|payload                        payload, forwarded to the processor
//	OA3|connCookie|chanCookie|pred    successor OUT channel
//	IB2|connCookie|chanCookie|pred    successor IN channel
//	AIN|succCookie                   activate IN recycling
//	B3|succCookie                    activate OUT recycling
type fakeRTS struct{}

func (fakeRTS) Echo() []byte { return RTSEchoPDU() }

func (fakeRTS) RTSInput(t Tunnel, frag []byte) (PduVerdict, Call) {
	fields := fragFields(frag)
	switch fields[0] {
	case "A1":
		out := t.OutChannel()
		if out == nil {
			return VerdictPduError, nil
		}
		out.ConnectionCookie = fields[1]
		out.ChannelCookie = fields[2]
		w, _ := strconv.Atoi(fields[3])
		out.WindowSize = uint32(w)
		out.SetAvailableWindow(int64(w))
		if !t.TryCreateVConnection() {
			return VerdictPduTerminate, nil
		}
		call := &fakeCall{}
		call.emit("CONNA3", true)
		return VerdictPduOutput, call
	case "B1":
		in := t.InChannel()
		if in == nil {
			return VerdictPduError, nil
		}
		in.ConnectionCookie = fields[1]
		in.ChannelCookie = fields[2]
		ka, _ := strconv.Atoi(fields[3])
		t.SetKeepAlive(time.Duration(ka) * time.Millisecond)
		in.ClientKeepalive = time.Duration(ka) * time.Millisecond
		if !t.TryCreateVConnection() {
			return VerdictPduTerminate, nil
		}
		in.SetState(ChannelOpened)
		return VerdictPduInput, nil
	case "D":
		return VerdictPduForward, nil
	case "OA3":
		out := t.OutChannel()
		if out == nil {
			return VerdictPduError, nil
		}
		out.ConnectionCookie = fields[1]
		out.ChannelCookie = fields[2]
		if !t.RecycleOutChannel(fields[3]) {
			return VerdictPduTerminate, nil
		}
		out.SetState(ChannelRecycling)
		call := &fakeCall{}
		call.emit("SUCCHEAD", true)
		return VerdictPduOutput, call
	case "IB2":
		in := t.InChannel()
		if in == nil {
			return VerdictPduError, nil
		}
		in.ConnectionCookie = fields[1]
		in.ChannelCookie = fields[2]
		if !t.RecycleInChannel(fields[3]) {
			return VerdictPduTerminate, nil
		}
		return VerdictPduInput, nil
	case "AIN":
		if !t.ActivateInRecycling(fields[1]) {
			return VerdictPduError, nil
		}
		return VerdictPduInput, nil
	case "B3":
		if !t.ActivateOutRecycling(fields[1]) {
			return VerdictPduError, nil
		}
		return VerdictPduInput, nil
	case "TERM":
		return VerdictPduTerminate, nil
	}
	return VerdictPduError, nil
}

// fakeProcessor records payload fragments; a fragment whose second field
// starts with "reply:" is answered with a reply PDU for the paired OUT
// channel.
type fakeProcessor struct {
	mu     sync.Mutex
	seen   []string
	killed int32
}

func (p *fakeProcessor) Input(t Tunnel, frag []byte) (PduVerdict, Call) {
	fields := fragFields(frag)
	p.mu.Lock()
	p.seen = append(p.seen, strings.Join(fields, "|"))
	p.mu.Unlock()
	if len(fields) > 1 && strings.HasPrefix(fields[1], "reply:") {
		call := &fakeCall{}
		call.emit("REPLY:"+fields[1][len("reply:"):], false)
		return VerdictPduOutput, call
	}
	return VerdictPduInput, &fakeCall{}
}

func (p *fakeProcessor) Destroy() { atomic.AddInt32(&p.killed, 1) }

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeProcessor
	fail    bool
}

func (f *fakeFactory) Create(host string, port int) (PduProcessor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("factory refused")
	}
	p := &fakeProcessor{}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeFactory) last() *fakeProcessor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// fakeAuth accepts one user with a fixed profile.
type fakeAuth struct {
	user    string
	pass    string
	maildir string
	lang    string
}

func (a fakeAuth) Login(username, password string) (AuthResult, error) {
	if username == a.user && password == a.pass {
		return AuthResult{Username: a.user, Maildir: a.maildir, Lang: a.lang}, nil
	}
	return AuthResult{}, errors.New("invalid credentials")
}

type fakeBlocker struct {
	mu      sync.Mutex
	blocked map[string]time.Duration
}

func (b *fakeBlocker) Block(username string, hold time.Duration) {
	b.mu.Lock()
	if b.blocked == nil {
		b.blocked = make(map[string]time.Duration)
	}
	b.blocked[username] = hold
	b.mu.Unlock()
}

func (b *fakeBlocker) held(username string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[username]
	return ok
}

func silentLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
