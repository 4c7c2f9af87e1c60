// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DebugControl optionally serializes or rate-limits dispatch and hex
// dumps wire traffic. All knobs default to off.
type DebugControl struct {
	// HTTPDebug: 0 off, 1 log transfer summaries, 2 hex-dump traffic.
	HTTPDebug int
	// RequestLogging / ResponseLogging gate the summary lines per
	// direction when HTTPDebug alone is off.
	RequestLogging  int
	ResponseLogging int

	sequential bool
	rateLimit  int

	dispatchMu sync.Mutex

	rateMu      sync.Mutex
	windowStart time.Time
	windowCount int
}

// ParseOptions applies a CSV of debug directives: "sequential" forces
// serialized dispatch, "rate_limit=N" caps dispatches per second.
func (d *DebugControl) ParseOptions(csv string) {
	for _, opt := range strings.Split(csv, ",") {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "sequential":
			d.sequential = true
		case strings.HasPrefix(opt, "rate_limit="):
			if n, err := strconv.Atoi(opt[len("rate_limit="):]); err == nil && n > 0 {
				d.rateLimit = n
			}
		}
	}
}

// dispatch runs one context step under the configured constraints.
func (d *DebugControl) dispatch(step func() Verdict) Verdict {
	if d == nil {
		return step()
	}
	if d.rateLimit > 0 {
		d.throttle()
	}
	if d.sequential {
		d.dispatchMu.Lock()
		defer d.dispatchMu.Unlock()
	}
	return step()
}

// throttle blocks until the per-second dispatch budget has room.
func (d *DebugControl) throttle() {
	for {
		d.rateMu.Lock()
		now := time.Now()
		if now.Sub(d.windowStart) >= time.Second {
			d.windowStart = now
			d.windowCount = 0
		}
		if d.windowCount < d.rateLimit {
			d.windowCount++
			d.rateMu.Unlock()
			return
		}
		wait := time.Second - now.Sub(d.windowStart)
		d.rateMu.Unlock()
		time.Sleep(wait)
	}
}

func (d *DebugControl) wantRead() bool {
	return d != nil && (d.HTTPDebug > 0 || d.RequestLogging > 0)
}

func (d *DebugControl) wantWrite() bool {
	return d != nil && (d.HTTPDebug > 0 || d.ResponseLogging > 0)
}

func (d *DebugControl) wantDump() bool {
	return d != nil && d.HTTPDebug >= 2
}

// debugDumpRead logs inbound wire traffic per the debug knobs.
func (g *Gateway) debugDumpRead(ctx *HttpContext, data []byte) {
	if !g.Debug.wantRead() {
		return
	}
	entry := ctx.log().WithField("dir", "<<").WithField("bytes", len(data))
	if g.Debug.wantDump() {
		entry = entry.WithField("dump", hex.Dump(data))
	}
	entry.Debug("wire read")
}

// debugDumpWrite logs outbound wire traffic per the debug knobs.
func (g *Gateway) debugDumpWrite(ctx *HttpContext, data []byte) {
	if !g.Debug.wantWrite() {
		return
	}
	entry := ctx.log().WithField("dir", ">>").WithField("bytes", len(data))
	if g.Debug.wantDump() {
		entry = entry.WithField("dump", hex.Dump(data))
	}
	entry.Debug("wire write")
}
