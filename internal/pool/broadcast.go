// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
)

const (
	// defaultBroadcastTimeout is how long a broadcast item waits for a
	// peer to request it before it is resolved as not acknowledged.
	defaultBroadcastTimeout = time.Minute

	// broadcastAckDelay is the delay between a peer requesting a broadcast
	// item and resolving it as acknowledged, giving the item time to
	// propagate further.
	broadcastAckDelay = time.Second
)

// broadcastItem is a transaction or block announced by Broadcast that has not
// been requested by any peer yet.
type broadcastItem struct {
	iv    *wire.InvVect
	msg   netwire.Message
	jobs  []chan bool
	timer *time.Timer
	acked bool
}

// broadcastTracker keeps the pending broadcast items keyed by hash.  There is
// at most one item per hash.
type broadcastTracker struct {
	mtx      sync.Mutex
	timeout  time.Duration
	ackDelay time.Duration
	items    map[chainhash.Hash]*broadcastItem
}

// newBroadcastTracker returns an empty tracker resolving items as not
// acknowledged after timeout.
func newBroadcastTracker(timeout, ackDelay time.Duration) *broadcastTracker {
	return &broadcastTracker{
		timeout:  timeout,
		ackDelay: ackDelay,
		items:    make(map[chainhash.Hash]*broadcastItem),
	}
}

// add registers the message under the hash of the inventory vector and
// returns the channel that receives the outcome.  Adding a hash that is
// already pending refreshes the timeout of the existing item instead of
// creating another one.  The second return value reports whether a new item
// was created.
func (t *broadcastTracker) add(iv *wire.InvVect, msg netwire.Message) (<-chan bool, bool) {
	job := make(chan bool, 1)

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if item, ok := t.items[iv.Hash]; ok {
		if !item.acked {
			item.timer.Reset(t.timeout)
		}
		item.jobs = append(item.jobs, job)
		return job, false
	}

	item := &broadcastItem{
		iv:   iv,
		msg:  msg,
		jobs: []chan bool{job},
	}
	hash := iv.Hash
	item.timer = time.AfterFunc(t.timeout, func() {
		log.Debugf("Broadcast of %s %v timed out",
			netwire.InvTypeString(iv.Type), &hash)
		t.resolve(&hash, item, false)
	})
	t.items[hash] = item
	return job, true
}

// lookup returns the pending message for the inventory vector.
func (t *broadcastTracker) lookup(iv *wire.InvVect) netwire.Message {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	item, ok := t.items[iv.Hash]
	if !ok || item.iv.Type != iv.Type {
		return nil
	}
	return item.msg
}

// ack schedules the item to be resolved as acknowledged once the ack delay
// elapsed.  Acking an item more than once has no effect.
func (t *broadcastTracker) ack(hash *chainhash.Hash) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	item, ok := t.items[*hash]
	if !ok || item.acked {
		return
	}
	item.acked = true
	item.timer.Stop()
	h := *hash
	time.AfterFunc(t.ackDelay, func() {
		t.resolve(&h, item, true)
	})
}

// reject resolves a pending item as not acknowledged right away.
func (t *broadcastTracker) reject(hash *chainhash.Hash) {
	t.mtx.Lock()
	item, ok := t.items[*hash]
	t.mtx.Unlock()
	if ok {
		t.resolve(hash, item, false)
	}
}

// resolve removes the item and delivers the outcome to every caller waiting
// on it.  Nothing happens if the item was already resolved.
func (t *broadcastTracker) resolve(hash *chainhash.Hash, item *broadcastItem, result bool) {
	t.mtx.Lock()
	if t.items[*hash] != item {
		t.mtx.Unlock()
		return
	}
	delete(t.items, *hash)
	t.mtx.Unlock()

	item.timer.Stop()
	for _, job := range item.jobs {
		job <- result
		close(job)
	}
}

// invVects returns the inventory vectors of all pending items.
func (t *broadcastTracker) invVects() []*wire.InvVect {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	invs := make([]*wire.InvVect, 0, len(t.items))
	for _, item := range t.items {
		invs = append(invs, item.iv)
	}
	return invs
}

// count returns the number of pending items.
func (t *broadcastTracker) count() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.items)
}

// stop resolves every pending item as not acknowledged.
func (t *broadcastTracker) stop() {
	t.mtx.Lock()
	items := t.items
	t.items = make(map[chainhash.Hash]*broadcastItem)
	t.mtx.Unlock()

	for _, item := range items {
		item.timer.Stop()
		for _, job := range item.jobs {
			job <- false
			close(job)
		}
	}
}
