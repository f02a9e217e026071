// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package synchronization

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/momentics/hioload-rt/internal/assert"
	"github.com/momentics/hioload-rt/threads"
)

// Token identifies the phase an arrival belongs to.
type Token uint32

const maxBarrierRounds = 64

// barrierNode holds one ticket per tree round. A ticket at phase p is empty,
// p+1 half full and p+2 full.
type barrierNode struct {
	tickets [maxBarrierRounds]atomic.Uint32
}

// Barrier is a reusable rendezvous for a fixed number of participants.
// Arrivals combine pairwise in a tree whose leaf is picked by hashing the
// arriving agent, so concurrent arrivals rarely touch the same word. The
// completion function runs once per phase, by the last arriver.
type Barrier struct {
	expected   atomic.Int64
	adjust     atomic.Int64
	phase      atomic.Uint32
	nodes      []barrierNode
	completion func()

	mtx Spinlock
	cv  ConditionVariable
}

// NewBarrier returns a barrier for expected participants. completion may
// be nil.
func NewBarrier(expected int64, completion func()) *Barrier {
	assert.That(expected > 0, "barrier: expected %d participants", expected)
	b := &Barrier{
		nodes:      make([]barrierNode, (expected+1)>>1),
		completion: completion,
	}
	b.expected.Store(expected)
	return b
}

// Expected returns the participant count of the current phase.
func (b *Barrier) Expected() int64 { return b.expected.Load() }

func slotOf(a threads.Agent) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], a.AgentID())
	return xxhash.Sum64(buf[:])
}

// arriveTree records one arrival and reports whether it completed the phase.
func (b *Barrier) arriveTree(old uint32, hash uint64) bool {
	half, full := old+1, old+2
	expected := b.expected.Load()
	current := int64(hash % uint64((expected+1)>>1))
	for round := 0; ; round++ {
		if expected <= 1 {
			return true
		}
		assert.That(round < maxBarrierRounds, "barrier: tree depth exceeded")
		end := (expected + 1) >> 1
		last := end - 1
	probe:
		for ; ; current++ {
			if current == end {
				current = 0
			}
			t := &b.nodes[current].tickets[round]
			if current == last && expected&1 == 1 {
				if t.CompareAndSwap(old, full) {
					break probe
				}
				continue
			}
			if t.CompareAndSwap(old, half) {
				return false
			}
			if t.CompareAndSwap(half, full) {
				break probe
			}
		}
		expected = last + 1
		current >>= 1
	}
}

// Arrive records n arrivals of the caller and returns the token to wait on.
func (b *Barrier) Arrive(ctx context.Context, n int64) Token {
	assert.That(n > 0, "barrier: arrive with %d", n)
	assert.That(b.expected.Load() > 0, "barrier: every participant dropped")
	old := b.phase.Load()
	hash := slotOf(threads.AgentFromContext(ctx))
	for ; n > 0; n-- {
		if b.arriveTree(old, hash) {
			b.complete(old)
		}
	}
	return Token(old)
}

func (b *Barrier) complete(old uint32) {
	if b.completion != nil {
		b.completion()
	}
	b.expected.Add(b.adjust.Swap(0))
	b.mtx.Lock()
	b.phase.Store(old + 2)
	b.cv.NotifyAll()
	b.mtx.Unlock()
}

// Wait suspends the caller until the phase of tok completed.
func (b *Barrier) Wait(ctx context.Context, tok Token) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for b.phase.Load() == uint32(tok) {
		if err := waitErr(ctx, b.cv.Wait(ctx, &b.mtx, "barrier"), "barrier wait"); err != nil {
			return err
		}
	}
	return nil
}

// ArriveAndWait arrives once and waits for the phase to complete.
func (b *Barrier) ArriveAndWait(ctx context.Context) error {
	return b.Wait(ctx, b.Arrive(ctx, 1))
}

// ArriveAndDrop arrives once and removes the caller from later phases.
func (b *Barrier) ArriveAndDrop(ctx context.Context) {
	b.adjust.Add(-1)
	b.Arrive(ctx, 1)
}
