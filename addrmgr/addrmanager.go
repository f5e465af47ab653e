// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
)

// peersFilename is the default filename to store serialized peers.
const peersFilename = "peers.json"

const (
	// DefaultFreshBuckets is the default number of buckets fresh addresses
	// are spread over.
	DefaultFreshBuckets = 1024

	// DefaultFreshBucketSize is the default maximum number of addresses in
	// each fresh bucket.
	DefaultFreshBucketSize = 64

	// DefaultTriedBuckets is the default number of buckets tried addresses
	// are spread over.
	DefaultTriedBuckets = 64

	// DefaultTriedBucketSize is the default maximum number of addresses in
	// each tried bucket.
	DefaultTriedBucketSize = 256

	// maxRefs is the number of fresh buckets a frequently announced address
	// may end up in.
	maxRefs = 8

	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address
	// cache to disk for future use.
	dumpAddressInterval = time.Minute * 10

	// getAddrPercent is the percentage of known addresses handed out in
	// response to a request for addresses.
	getAddrPercent = 23
)

// Config houses the configurable parameters of an address manager.  Zero
// values are replaced with the defaults.
type Config struct {
	// DataDir is the directory the host list is persisted to.  Persistence
	// is disabled when it is empty.
	DataDir string

	// Lookup is used to resolve hostnames that are not literal addresses.
	// The provided function MUST be safe for concurrent access.
	Lookup func(string) ([]net.IP, error)

	// FreshBuckets and FreshBucketSize define the fresh table geometry.
	FreshBuckets    int
	FreshBucketSize int

	// TriedBuckets and TriedBucketSize define the tried table geometry.
	TriedBuckets    int
	TriedBucketSize int

	// MaxAddresses is the total number of addresses the manager will hold.
	// It defaults to FreshBuckets * FreshBucketSize.
	MaxAddresses int
}

// AddrManager provides a concurrency safe address manager for caching
// potential peers on the network.
type AddrManager struct {
	// mtx protects every field below up to the local address fields.
	mtx sync.Mutex

	cfg       Config
	peersFile string

	// addrIndex is the single source of truth for known addresses, keyed by
	// NetAddress.Key.
	addrIndex map[string]*KnownAddress

	// fresh holds addresses not yet confirmed reachable.  An entry may be
	// referenced by up to maxRefs buckets.
	fresh []map[string]*KnownAddress

	// tried holds addresses that completed a handshake.  Each entry lives in
	// exactly one list.
	tried []triedList
	arena slotArena

	nFresh int
	nTried int

	// addrChanged signals whether the host list needs to be written.
	addrChanged bool

	// banned maps a host to the time its ban expires.
	banned map[string]time.Time

	// knownPeers maps a host key to the identity key it authenticated with.
	knownPeers map[string][33]byte

	// lamtx protects the local address map.
	lamtx          sync.Mutex
	localAddresses map[string]*localAddress

	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}
}

// New constructs a new address manager instance.
// Use Start to begin periodic flushing of the host list.
func New(cfg *Config) *AddrManager {
	c := *cfg
	if c.FreshBuckets <= 0 {
		c.FreshBuckets = DefaultFreshBuckets
	}
	if c.FreshBucketSize <= 0 {
		c.FreshBucketSize = DefaultFreshBucketSize
	}
	if c.TriedBuckets <= 0 {
		c.TriedBuckets = DefaultTriedBuckets
	}
	if c.TriedBucketSize <= 0 {
		c.TriedBucketSize = DefaultTriedBucketSize
	}
	if c.MaxAddresses <= 0 {
		c.MaxAddresses = c.FreshBuckets * c.FreshBucketSize
	}

	a := &AddrManager{
		cfg:            c,
		banned:         make(map[string]time.Time),
		knownPeers:     make(map[string][33]byte),
		localAddresses: make(map[string]*localAddress),
		quit:           make(chan struct{}),
	}
	if c.DataDir != "" {
		a.peersFile = filepath.Join(c.DataDir, peersFilename)
	}
	a.reset()
	return a
}

// reset allocates empty bucket storage.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) reset() {
	a.addrIndex = make(map[string]*KnownAddress)
	a.fresh = make([]map[string]*KnownAddress, a.cfg.FreshBuckets)
	for i := range a.fresh {
		a.fresh[i] = make(map[string]*KnownAddress)
	}
	a.tried = make([]triedList, a.cfg.TriedBuckets)
	for i := range a.tried {
		a.tried[i] = newTriedList()
	}
	a.arena.reset()
	a.nFresh = 0
	a.nTried = 0
	a.addrChanged = true
}

// bucketIndex deterministically maps the provided data to one of count
// buckets.
func bucketIndex(data []byte, count int) int {
	hash := chainhash.HashB(data)
	return int(binary.LittleEndian.Uint64(hash) % uint64(count))
}

func appendHostPort(b []byte, na *NetAddress) []byte {
	b = append(b, na.Host()...)
	return binary.LittleEndian.AppendUint16(b, na.Port)
}

// freshBucket returns the fresh bucket for an address announced by src.
func (a *AddrManager) freshBucket(na, src *NetAddress) int {
	data := make([]byte, 0, 2*(net.IPv6len+2)+16)
	data = appendHostPort(data, na)
	data = appendHostPort(data, src)
	return bucketIndex(data, len(a.fresh))
}

// triedBucket returns the tried bucket for an address.
func (a *AddrManager) triedBucket(na *NetAddress) int {
	return bucketIndex(appendHostPort(nil, na), len(a.tried))
}

// randFloat returns a uniform random number in [0, 1).
func randFloat() float64 {
	const precision = 1 << 53
	return float64(rand.Uint64N(precision)) / precision
}

// numAddresses returns the number of addresses known to the address manager.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) numAddresses() int {
	return a.nTried + a.nFresh
}

// updateAddress either refreshes an address already known to the address
// manager or adds it to a fresh bucket.  It reports whether a bucket was
// modified.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) updateAddress(netAddr, srcAddr *NetAddress, now time.Time) bool {
	// Filter out non-routable addresses. Note that non-routable
	// also includes invalid and local addresses.
	if !netAddr.IsRoutable() {
		return false
	}
	if a.isBanned(netAddr.Host(), now) {
		return false
	}
	if srcAddr == nil {
		srcAddr = netAddr
	}

	addrKey := netAddr.Key()
	ka := a.addrIndex[addrKey]
	if ka != nil {
		// Addresses are treated as immutable so callers holding a
		// reference never observe a change; replace with an updated copy.
		if netAddr.Timestamp.After(ka.na.Timestamp) ||
			!ka.na.HasServices(netAddr.Services) {

			naCopy := *ka.na
			if netAddr.Timestamp.After(naCopy.Timestamp) {
				naCopy.Timestamp = netAddr.Timestamp
			}
			naCopy.AddService(netAddr.Services)
			ka.na = &naCopy
			a.addrChanged = true
		}

		// Tried entries are never touched by announcements.
		if ka.used {
			return false
		}
		if ka.refs >= maxRefs {
			return false
		}

		// The more buckets an address already occupies, the less likely it
		// is to be added to another: skip with probability 1 - 2^-refs.
		if rand.Uint32N(uint32(1)<<ka.refs) != 0 {
			return false
		}
	} else {
		if a.numAddresses() >= a.cfg.MaxAddresses {
			return false
		}

		// Copy the address since the caller may continue to mutate it.
		ka = &KnownAddress{
			na:      netAddr.Clone(),
			srcAddr: srcAddr.Clone(),
			slot:    noSlot,
		}
		a.addrIndex[addrKey] = ka
		a.nFresh++
		a.addrChanged = true
	}

	bucket := a.freshBucket(netAddr, srcAddr)
	if _, ok := a.fresh[bucket][addrKey]; ok {
		return false
	}

	if len(a.fresh[bucket]) >= a.cfg.FreshBucketSize {
		log.Tracef("Fresh bucket %d is full, evicting", bucket)
		a.evictFresh(bucket, now)
	}

	ka.refs++
	a.fresh[bucket][addrKey] = ka
	a.addrChanged = true

	log.Tracef("Added address %s for a total of %d addresses", addrKey,
		a.numAddresses())
	return true
}

// forget drops a fresh address that is no longer referenced by any bucket.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) forget(addrKey string) {
	delete(a.addrIndex, addrKey)
	a.nFresh--
	a.addrChanged = true
}

// dropFromFresh removes an address from a single fresh bucket and forgets it
// when that was its last reference.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) dropFromFresh(bucket int, addrKey string, ka *KnownAddress) {
	delete(a.fresh[bucket], addrKey)
	ka.refs--
	if ka.refs == 0 {
		a.forget(addrKey)
	}
	a.addrChanged = true
}

// evictFresh makes room in a full fresh bucket.  Every stale entry is removed;
// when none are stale the entry with the oldest timestamp is removed instead.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) evictFresh(bucket int, now time.Time) {
	var oldest *KnownAddress
	var oldestKey string
	evicted := false
	for key, ka := range a.fresh[bucket] {
		if ka.isStale(now) {
			log.Tracef("Expiring stale address %s", key)
			a.dropFromFresh(bucket, key, ka)
			evicted = true
			continue
		}
		if oldest == nil || ka.na.Timestamp.Before(oldest.na.Timestamp) {
			oldest, oldestKey = ka, key
		}
	}
	if evicted || oldest == nil {
		return
	}

	log.Tracef("Expiring oldest address %s", oldestKey)
	a.dropFromFresh(bucket, oldestKey, oldest)
}

// AddAddresses adds new addresses to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  It returns
// the number of addresses that were placed into a bucket.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []*NetAddress, srcAddr *NetAddress) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := time.Now()
	var added int
	for _, na := range addrs {
		if a.updateAddress(na, srcAddr, now) {
			added++
		}
	}
	return added
}

// AddAddress adds a new address to the address manager, or refreshes a known
// one.  It reports whether a fresh bucket gained a reference to the address.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddress(addr, srcAddr *NetAddress) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.updateAddress(addr, srcAddr, time.Now())
}

// NumAddresses returns the number of addresses known to the address manager.
//
// This function is safe for concurrent access.
func (a *AddrManager) NumAddresses() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses()
}

// NumFresh returns the number of fresh addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) NumFresh() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.nFresh
}

// NumTried returns the number of tried addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) NumTried() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.nTried
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses() < needAddressThreshold
}

// AddressCache returns a randomized subset of the non-stale known addresses
// suitable for sharing with a peer.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddressCache() []*NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(a.addrIndex) == 0 {
		return nil
	}

	now := time.Now()
	allAddr := make([]*NetAddress, 0, len(a.addrIndex))
	for _, ka := range a.addrIndex {
		if ka.isStale(now) {
			continue
		}
		allAddr = append(allAddr, ka.na)
	}

	numAddresses := len(allAddr) * getAddrPercent / 100
	if numAddresses == 0 && len(allAddr) > 0 {
		numAddresses = 1
	}
	if numAddresses > wire.MaxAddrPerMsg {
		numAddresses = wire.MaxAddrPerMsg
	}

	// Fisher-Yates shuffle only the part of the array that is kept.
	for i := 0; i < numAddresses; i++ {
		j := rand.IntN(len(allAddr)-i) + i
		allAddr[i], allAddr[j] = allAddr[j], allAddr[i]
	}
	return allAddr[:numAddresses]
}

// GetAddress returns a single address selected by weighted random sampling.
// Tried and fresh tables are chosen with equal probability when both are
// populated.  Within a table a random bucket and slot are drawn and accepted
// with the address' chance, scaled up by 1.2 after every rejection so that
// sampling always terminates.  The returned value is a snapshot of the
// selected address.
//
// This function is safe for concurrent access.
func (a *AddrManager) GetAddress() *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.numAddresses() == 0 {
		return nil
	}

	now := time.Now()
	factor := 1.0
	if a.nTried > 0 && (a.nFresh == 0 || rand.Uint32N(2) == 0) {
		for {
			bucket := &a.tried[rand.IntN(len(a.tried))]
			if bucket.size == 0 {
				continue
			}
			ka := bucket.nth(&a.arena, rand.IntN(bucket.size))
			if randFloat() < factor*ka.chance(now) {
				log.Tracef("Selected %v from tried bucket", ka.na)
				return ka.snapshot()
			}
			factor *= 1.2
		}
	}

	for {
		bucket := a.fresh[rand.IntN(len(a.fresh))]
		if len(bucket) == 0 {
			continue
		}
		var ka *KnownAddress
		nth := rand.IntN(len(bucket))
		for _, v := range bucket {
			if nth == 0 {
				ka = v
				break
			}
			nth--
		}
		if randFloat() < factor*ka.chance(now) {
			log.Tracef("Selected %v from fresh bucket", ka.na)
			return ka.snapshot()
		}
		factor *= 1.2
	}
}

// find returns the known address for addr or nil.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) find(addr *NetAddress) *KnownAddress {
	return a.addrIndex[addr.Key()]
}

// Lookup returns a snapshot of the known address for addr, if any.  Later
// changes to the address are not reflected in the returned value.
//
// This function is safe for concurrent access.
func (a *AddrManager) Lookup(addr *NetAddress) *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return nil
	}
	return ka.snapshot()
}

func notFound(addr *NetAddress) error {
	str := fmt.Sprintf("address %s not found", addr)
	return makeError(ErrAddressNotFound, str)
}

// Attempt increases the provided known address' attempt counter and updates
// the last attempt time. If the address is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Attempt(addr *NetAddress) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}
	ka.attempts++
	ka.lastAttempt = time.Now()
	a.addrChanged = true
	return nil
}

// Connected marks the provided known address as connected and working at the
// current time.  The timestamp is only bumped every 20 minutes to avoid
// leaking precise connection times to peers.  If the address is unknown then
// an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Connected(addr *NetAddress) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}

	now := time.Now()
	if now.After(ka.na.Timestamp.Add(time.Minute * 20)) {
		naCopy := *ka.na
		naCopy.Timestamp = time.Unix(now.Unix(), 0)
		ka.na = &naCopy
		a.addrChanged = true
	}
	return nil
}

// Good marks the provided known address as good after a successful outbound
// handshake, merging in the services the peer advertised, and promotes it
// from the fresh table into its tried bucket.  When the tried bucket is full
// its oldest member is moved back down to a fresh bucket.  Calling Good on an
// address that is already tried only refreshes its counters.  If the address
// is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Good(addr *NetAddress, services wire.ServiceFlag) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}

	now := time.Now()
	if !ka.na.HasServices(services) {
		naCopy := *ka.na
		naCopy.AddService(services)
		ka.na = &naCopy
	}
	ka.lastSuccess = now
	ka.lastAttempt = now
	ka.attempts = 0
	a.addrChanged = true

	if ka.used {
		return nil
	}

	// Remove from all fresh buckets, remembering the first one in case it
	// is needed for an entry evicted from the tried table.
	addrKey := ka.na.Key()
	firstBucket := -1
	for i := range a.fresh {
		if _, ok := a.fresh[i][addrKey]; ok {
			delete(a.fresh[i], addrKey)
			ka.refs--
			if firstBucket == -1 {
				firstBucket = i
			}
		}
	}
	if firstBucket == -1 || ka.refs != 0 {
		panic(fmt.Sprintf("fresh address %s has %d dangling references "+
			"(first bucket %d)", addrKey, ka.refs, firstBucket))
	}
	a.nFresh--

	bucket := a.triedBucket(ka.na)
	list := &a.tried[bucket]
	if list.size >= a.cfg.TriedBucketSize {
		a.demoteOldest(list, firstBucket)
	}

	ka.used = true
	list.pushBack(&a.arena, ka)
	a.nTried++
	return nil
}

// demoteOldest moves the oldest member of a full tried list back into a fresh
// bucket.  The bucket the address maps to is preferred, falling back to
// spareBucket when that one is full.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) demoteOldest(list *triedList, spareBucket int) {
	rm := list.oldest(&a.arena)
	list.remove(&a.arena, rm.slot)
	rm.used = false
	a.nTried--

	bucket := a.freshBucket(rm.na, rm.srcAddr)
	if len(a.fresh[bucket]) >= a.cfg.FreshBucketSize {
		bucket = spareBucket
	}

	rmKey := rm.na.Key()
	rm.refs = 1
	a.fresh[bucket][rmKey] = rm
	a.nFresh++

	log.Tracef("Moved %s from tried back to fresh bucket %d", rmKey, bucket)
}

// SetServices sets the services for the provided known address to the
// provided value.  If the address is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) SetServices(addr *NetAddress, services wire.ServiceFlag) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}
	if ka.na.Services != services {
		naCopy := *ka.na
		naCopy.Services = services
		ka.na = &naCopy
		a.addrChanged = true
	}
	return nil
}

// removeEntry fully detaches a known address from whichever table holds it.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) removeEntry(addrKey string, ka *KnownAddress) {
	if ka.used {
		if ka.refs != 0 || ka.slot == noSlot {
			panic(fmt.Sprintf("tried address %s has refs %d slot %d",
				addrKey, ka.refs, ka.slot))
		}
		a.tried[a.triedBucket(ka.na)].remove(&a.arena, ka.slot)
		ka.used = false
		a.nTried--
	} else {
		for i := range a.fresh {
			if _, ok := a.fresh[i][addrKey]; ok {
				delete(a.fresh[i], addrKey)
				ka.refs--
			}
		}
		if ka.refs != 0 {
			panic(fmt.Sprintf("fresh address %s has %d dangling "+
				"references", addrKey, ka.refs))
		}
		a.nFresh--
	}
	delete(a.addrIndex, addrKey)
	a.addrChanged = true
}

// Remove fully detaches an address from the address manager.  Removing an
// unknown address returns an error, so a double removal is detected.
//
// This function is safe for concurrent access.
func (a *AddrManager) Remove(addr *NetAddress) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	addrKey := addr.Key()
	ka := a.addrIndex[addrKey]
	if ka == nil {
		return notFound(addr)
	}
	a.removeEntry(addrKey, ka)
	return nil
}

// HostToNetAddress parses and returns a network address given a hostname in a
// supported format (IPv4, IPv6, onion).  If the hostname cannot be immediately
// converted from a known address format, it will be resolved using the lookup
// function provided to the address manager. If it cannot be resolved, an error
// is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) HostToNetAddress(host string, port uint16, services wire.ServiceFlag) (*NetAddress, error) {
	ip, err := parseHost(host)
	if err != nil {
		return nil, err
	}
	if ip == nil {
		if a.cfg.Lookup == nil {
			str := fmt.Sprintf("no resolver to look up %s", host)
			return nil, makeError(ErrUnknownAddressType, str)
		}
		ips, err := a.cfg.Lookup(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			str := fmt.Sprintf("no addresses found for %s", host)
			return nil, makeError(ErrAddressNotFound, str)
		}
		ip = ips[0]
	}
	return NewNetAddressIPPort(ip, port, services), nil
}

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
	dumpAddressTicker := time.NewTicker(dumpAddressInterval)
	defer dumpAddressTicker.Stop()
out:
	for {
		select {
		case <-dumpAddressTicker.C:
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
	log.Trace("Address handler done")
}

// Start begins the core address handler which periodically writes the host
// list.  Callers that want previously persisted state must call Load first.
// If the address manager is starting or has already been started, invoking
// this method has no effect.
//
// This function is safe for concurrent access.
func (a *AddrManager) Start() {
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Trace("Starting address manager")
	a.wg.Add(1)
	go a.addressHandler()
}

// Stop gracefully shuts down the address manager by stopping the main handler
// and flushing the host list.
//
// This function is safe for concurrent access.
func (a *AddrManager) Stop() error {
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()
	return nil
}
