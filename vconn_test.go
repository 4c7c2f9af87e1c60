// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_VConnKey_Lowercased(t *testing.T) {
	assert.Equal(t, "cookie:6001:host.example",
		vconnKey("Host.Example", 6001, "COOKIE"))
}

func Test_VConnRegistry_GetAbsent(t *testing.T) {
	reg := NewVConnRegistry(4)
	assert.Nil(t, reg.Get("h", 6001, "nope"))
}

func Test_VConnRegistry_CreateAndBorrow(t *testing.T) {
	reg := NewVConnRegistry(4)
	factory := &fakeFactory{}
	vc, created, err := reg.create("h", 6001, "c1", factory)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, vc)
	assert.Equal(t, 1, reg.Len())

	// same key again yields the existing connection
	again, created, err := reg.create("h", 6001, "c1", factory)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, vc, again)

	ref := reg.Get("h", 6001, "c1")
	require.NotNil(t, ref)
	assert.Same(t, vc, ref.vc)
	ref.Put()
}

func Test_VConnRegistry_Bounded(t *testing.T) {
	reg := NewVConnRegistry(1)
	factory := &fakeFactory{}
	_, _, err := reg.create("h", 1, "a", factory)
	require.NoError(t, err)
	_, _, err = reg.create("h", 2, "b", factory)
	assert.Error(t, err)
}

func Test_VConnRegistry_FactoryError(t *testing.T) {
	reg := NewVConnRegistry(4)
	vc, created, err := reg.create("h", 1, "a", &fakeFactory{fail: true})
	assert.Error(t, err)
	assert.False(t, created)
	assert.Nil(t, vc)
	assert.Zero(t, reg.Len())
}

// A virtual connection leaves the registry only when the last borrow
// drops with both context slots empty; the processor dies outside the
// registry lock.
func Test_VConnRef_RemovalInvariant(t *testing.T) {
	reg := NewVConnRegistry(4)
	factory := &fakeFactory{}
	_, _, err := reg.create("h", 6001, "c1", factory)
	require.NoError(t, err)
	proc := factory.last()
	require.NotNil(t, proc)

	// a borrow with a context slot occupied must not remove
	ref := reg.Get("h", 6001, "c1")
	require.NotNil(t, ref)
	ref.vc.ctxIn = &HttpContext{}
	ref.Put()
	assert.Equal(t, 1, reg.Len())
	assert.Zero(t, atomic.LoadInt32(&proc.killed))

	// two concurrent borrows: removal waits for the last one
	ref1 := reg.Get("h", 6001, "c1")
	ref1.vc.ctxIn = nil
	vc := ref1.vc
	second := make(chan *VConnRef, 1)
	go func() { second <- reg.Get("h", 6001, "c1") }()
	// the second borrow is counted before it blocks on the held lock
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return vc.refs == 2
	}, 2*time.Second, time.Millisecond)
	ref1.Put()
	assert.Equal(t, 1, reg.Len())

	ref2 := <-second
	require.NotNil(t, ref2)
	assert.Same(t, vc, ref2.vc)
	ref2.Put()
	assert.Zero(t, reg.Len())
	assert.EqualValues(t, 1, atomic.LoadInt32(&proc.killed))
}

func Test_VConnRegistry_ConcurrentBorrows(t *testing.T) {
	defer leaktest.Check(t)()
	reg := NewVConnRegistry(4)
	factory := &fakeFactory{}
	_, _, err := reg.create("h", 6001, "c1", factory)
	require.NoError(t, err)

	hold := reg.Get("h", 6001, "c1")
	require.NotNil(t, hold)
	hold.vc.ctxIn = &HttpContext{}
	hold.Put()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if ref := reg.Get("h", 6001, "c1"); ref != nil {
					ref.Put()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reg.Len())
}

func Test_VConnRegistry_Clear(t *testing.T) {
	reg := NewVConnRegistry(4)
	factory := &fakeFactory{}
	_, _, err := reg.create("h", 6001, "c1", factory)
	require.NoError(t, err)
	reg.clear()
	assert.Zero(t, reg.Len())
	assert.EqualValues(t, 1, atomic.LoadInt32(&factory.last().killed))
}
