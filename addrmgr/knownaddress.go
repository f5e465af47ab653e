// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"time"
)

const (
	// staleGracePeriod is how long after an attempt an address is immune
	// from being considered stale.
	staleGracePeriod = time.Minute

	// maxFutureDrift is how far in the future an address timestamp may be
	// before it is considered bogus.
	maxFutureDrift = 10 * time.Minute

	// horizonDays is the number of days after which an address that has not
	// been announced is assumed to have vanished.
	horizonDays = 30

	// numRetries is the number of attempts without a single success before an
	// address is considered stale.
	numRetries = 3

	// minFailDays is the number of days since the last success after which
	// maxFailures attempts make an address stale.
	minFailDays = 7

	// maxFailures is the number of failed attempts tolerated since the last
	// success before an address is considered stale.
	maxFailures = 10

	// recentAttemptWindow is the window during which a previous attempt
	// sharply reduces the selection chance of an address.
	recentAttemptWindow = 10 * time.Minute

	// maxChancePenaltyAttempts caps the number of attempts that reduce the
	// selection chance.
	maxChancePenaltyAttempts = 8
)

// KnownAddress tracks information about a known network address that is used
// to determine how viable an address is.
//
// An address is either fresh (refs >= 1, not used, present in up to
// maxRefs fresh buckets) or tried (used, refs == 0, linked into exactly one
// tried bucket).  All fields are protected by the address manager mutex, so
// the manager only hands out snapshots taken under it.
type KnownAddress struct {
	na      *NetAddress
	srcAddr *NetAddress

	attempts    uint32
	lastAttempt time.Time
	lastSuccess time.Time

	// refs is the number of fresh buckets referencing the address.
	refs int

	// used marks the address as living in a tried bucket.
	used bool

	// slot is the handle of the tried list node holding the address while
	// it is used, or noSlot otherwise.
	slot slotHandle
}

// snapshot returns a copy of the known address.  The network addresses are
// shared since the manager replaces them instead of modifying them.
//
// This function MUST be called with the address manager lock held.
func (ka *KnownAddress) snapshot() *KnownAddress {
	c := *ka
	return &c
}

// NetAddress returns the underlying network address.
func (ka *KnownAddress) NetAddress() *NetAddress {
	return ka.na
}

// Source returns the address of the peer that told us about the address.
func (ka *KnownAddress) Source() *NetAddress {
	return ka.srcAddr
}

// Attempts returns the number of connection attempts since the last success.
func (ka *KnownAddress) Attempts() uint32 {
	return ka.attempts
}

// LastAttempt returns the last time the address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	return ka.lastAttempt
}

// LastSuccess returns the last time a connection to the address succeeded.
func (ka *KnownAddress) LastSuccess() time.Time {
	return ka.lastSuccess
}

// RefCount returns the number of fresh buckets the address occupies.
func (ka *KnownAddress) RefCount() int {
	return ka.refs
}

// Used returns whether the address has been promoted to a tried bucket.
func (ka *KnownAddress) Used() bool {
	return ka.used
}

// hasTimestamp reports whether the address carries a real last-seen time.
func (ka *KnownAddress) hasTimestamp() bool {
	ts := ka.na.Timestamp
	return !ts.IsZero() && ts.Unix() != 0
}

// isStale returns true if the address has not been attempted within the last
// minute and meets one of the following criteria:
// 1) It claims to be from the future
// 2) It carries no timestamp
// 3) It hasn't been seen in over a month
// 4) It has failed at least three times and never succeeded
// 5) It has failed ten times without succeeding in the last week
func (ka *KnownAddress) isStale(now time.Time) bool {
	if !ka.lastAttempt.IsZero() && now.Sub(ka.lastAttempt) < staleGracePeriod {
		return false
	}

	switch {
	case !ka.hasTimestamp():
		return true

	case ka.na.Timestamp.After(now.Add(maxFutureDrift)):
		return true

	case now.Sub(ka.na.Timestamp) > horizonDays*24*time.Hour:
		return true

	case ka.lastSuccess.IsZero() && ka.attempts >= numRetries:
		return true

	case now.Sub(ka.lastSuccess) >= minFailDays*24*time.Hour &&
		ka.attempts >= maxFailures:
		return true
	}
	return false
}

// chance returns the selection probability for the address.  Recent attempts
// and repeated failures both deprioritise it.
func (ka *KnownAddress) chance(now time.Time) float64 {
	c := 1.0
	if !ka.lastAttempt.IsZero() && now.Sub(ka.lastAttempt) < recentAttemptWindow {
		c = 0.01
	}
	attempts := ka.attempts
	if attempts > maxChancePenaltyAttempts {
		attempts = maxChancePenaltyAttempts
	}
	return c * math.Pow(0.66, float64(attempts))
}
