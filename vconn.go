// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"strconv"
	"strings"
	"sync"
)

// VirtualConnection pairs the two half-tunnels of one logical RPC
// connection and owns the PDU processor for it. Slots and queues are
// guarded by mu; the refcount is guarded by the registry lock.
type VirtualConnection struct {
	key  string
	refs int32
	mu   sync.Mutex

	processor  PduProcessor
	ctxIn      *HttpContext
	ctxInSucc  *HttpContext
	ctxOut     *HttpContext
	ctxOutSucc *HttpContext
}

// removableLocked reports whether the connection may leave the registry.
// Caller holds the registry lock.
func (vc *VirtualConnection) removableLocked() bool {
	return vc.refs == 0 && vc.ctxIn == nil && vc.ctxOut == nil
}

// VConnRef is a scoped borrow of a virtual connection: it holds a
// counted reference plus the connection's lock, releasing both in
// opposite order on Put. While held, the pairing cannot be torn down.
type VConnRef struct {
	vc  *VirtualConnection
	reg *VConnRegistry
}

// Put releases the borrow. When the last reference drops with both
// context slots empty, the connection is removed from the registry and
// its processor destroyed with no locks held.
func (ref *VConnRef) Put() {
	vc := ref.vc
	if vc == nil {
		return
	}
	ref.vc = nil
	vc.mu.Unlock()
	ref.reg.mu.Lock()
	vc.refs--
	var dead *VirtualConnection
	if vc.removableLocked() {
		if ref.reg.conns[vc.key] == vc {
			delete(ref.reg.conns, vc.key)
			dead = vc
		}
	}
	ref.reg.mu.Unlock()
	/* destruction runs the PDU processor teardown; keep it outside the
	   registry lock */
	if dead != nil && dead.processor != nil {
		dead.processor.Destroy()
		dead.processor = nil
	}
}

// VConnRegistry is the process-wide map of virtual connections, keyed by
// lowercased cookie:port:host. It is bounded to the context pool
// capacity plus one.
type VConnRegistry struct {
	mu    sync.Mutex
	limit int
	conns map[string]*VirtualConnection
}

// NewVConnRegistry returns a registry bounded to limit entries.
func NewVConnRegistry(limit int) *VConnRegistry {
	return &VConnRegistry{
		limit: limit,
		conns: make(map[string]*VirtualConnection),
	}
}

func vconnKey(host string, port int, cookie string) string {
	return strings.ToLower(cookie + ":" + strconv.Itoa(port) + ":" + host)
}

// Get borrows the virtual connection for the given endpoint and cookie,
// or returns nil when absent. The critical section on the registry lock
// is a hash lookup plus a refcount bump.
func (r *VConnRegistry) Get(host string, port int, cookie string) *VConnRef {
	key := vconnKey(host, port, cookie)
	r.mu.Lock()
	vc := r.conns[key]
	if vc != nil {
		vc.refs++
	}
	r.mu.Unlock()
	if vc == nil {
		return nil
	}
	vc.mu.Lock()
	return &VConnRef{vc: vc, reg: r}
}

// Len returns the number of live virtual connections.
func (r *VConnRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// create inserts a fresh virtual connection unless the key exists or the
// registry is full. It returns (vc, true) on insertion, (existing, false)
// when the key raced into existence, and (nil, false) when full or the
// processor could not be created.
func (r *VConnRegistry) create(host string, port int, cookie string, factory ProcessorFactory) (*VirtualConnection, bool, error) {
	key := vconnKey(host, port, cookie)
	r.mu.Lock()
	defer r.mu.Unlock()
	if vc := r.conns[key]; vc != nil {
		return vc, false, nil
	}
	if len(r.conns) >= r.limit {
		return nil, false, ErrNoMemory{}
	}
	proc, err := factory.Create(host, port)
	if err != nil {
		return nil, false, err
	}
	vc := &VirtualConnection{key: key, processor: proc}
	r.conns[key] = vc
	return vc, true, nil
}

// clear tears down every remaining connection; used at service stop,
// after the workers have drained.
func (r *VConnRegistry) clear() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*VirtualConnection)
	r.mu.Unlock()
	for _, vc := range conns {
		if vc.processor != nil {
			vc.processor.Destroy()
			vc.processor = nil
		}
	}
}
