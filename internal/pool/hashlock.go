// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// hashLock is a mutex shared by all holders and waiters of a single hash.
type hashLock struct {
	sync.Mutex
	refs int
}

// hashLocker serializes work keyed by content hash.  Callers that lock the
// same hash run one after the other while unrelated hashes proceed
// concurrently.
type hashLocker struct {
	mtx   sync.Mutex
	locks map[chainhash.Hash]*hashLock
}

// newHashLocker returns an empty hash locker.
func newHashLocker() *hashLocker {
	return &hashLocker{locks: make(map[chainhash.Hash]*hashLock)}
}

// lock blocks until the lock for the hash is held and returns the function
// that releases it.  The returned function must be called exactly once.
func (l *hashLocker) lock(hash *chainhash.Hash) func() {
	l.mtx.Lock()
	hl, ok := l.locks[*hash]
	if !ok {
		hl = &hashLock{}
		l.locks[*hash] = hl
	}
	hl.refs++
	l.mtx.Unlock()

	hl.Lock()
	return func() {
		hl.Unlock()

		l.mtx.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, *hash)
		}
		l.mtx.Unlock()
	}
}

// isLocked returns whether any caller holds or waits on the hash.
func (l *hashLocker) isLocked(hash *chainhash.Hash) bool {
	l.mtx.Lock()
	_, ok := l.locks[*hash]
	l.mtx.Unlock()
	return ok
}
