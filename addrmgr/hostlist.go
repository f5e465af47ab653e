// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/decred/dcrd/wire"
)

// hostListVersion is the current version of the on-disk format.
const hostListVersion = 1

// serializedKnownAddress is the on-disk form of a known address.  The table
// an address belongs to and its reference count are implied by the bucket
// arrays.
type serializedKnownAddress struct {
	Addr        string `json:"addr"`
	Src         string `json:"src"`
	Services    string `json:"services"`
	Time        int64  `json:"time"`
	Attempts    uint32 `json:"attempts"`
	LastSuccess int64  `json:"lastSuccess"`
	LastAttempt int64  `json:"lastAttempt"`
}

// serializedHostList is the on-disk form of the address manager.
type serializedHostList struct {
	Version int                       `json:"version"`
	Addrs   []*serializedKnownAddress `json:"addrs"`
	Fresh   [][]string                `json:"fresh"`
	Used    [][]string                `json:"used"`
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// serialize snapshots the tables.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) serialize() *serializedHostList {
	shl := &serializedHostList{
		Version: hostListVersion,
		Addrs:   make([]*serializedKnownAddress, 0, len(a.addrIndex)),
		Fresh:   make([][]string, len(a.fresh)),
		Used:    make([][]string, len(a.tried)),
	}
	for key, ka := range a.addrIndex {
		shl.Addrs = append(shl.Addrs, &serializedKnownAddress{
			Addr:        key,
			Src:         ka.srcAddr.Key(),
			Services:    strconv.FormatUint(uint64(ka.na.Services), 2),
			Time:        toUnix(ka.na.Timestamp),
			Attempts:    ka.attempts,
			LastSuccess: toUnix(ka.lastSuccess),
			LastAttempt: toUnix(ka.lastAttempt),
		})
	}
	for i, bucket := range a.fresh {
		keys := make([]string, 0, len(bucket))
		for key := range bucket {
			keys = append(keys, key)
		}
		shl.Fresh[i] = keys
	}
	for i := range a.tried {
		keys := make([]string, 0, a.tried[i].size)
		a.tried[i].forEach(&a.arena, func(ka *KnownAddress) {
			keys = append(keys, ka.na.Key())
		})
		shl.Used[i] = keys
	}
	return shl
}

func corrupt(format string, args ...interface{}) error {
	return makeError(ErrCorruptHostList, fmt.Sprintf(format, args...))
}

// deserialize replaces the tables with the provided host list.  Any mismatch
// in version or bucket geometry, and any internal inconsistency, is a hard
// failure.  Reference counts are rebuilt while replaying the fresh buckets.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) deserialize(shl *serializedHostList) error {
	if shl.Version != hostListVersion {
		str := fmt.Sprintf("unsupported host list version %d (want %d)",
			shl.Version, hostListVersion)
		return makeError(ErrVersionMismatch, str)
	}
	if len(shl.Fresh) != len(a.fresh) {
		str := fmt.Sprintf("host list has %d fresh buckets (want %d)",
			len(shl.Fresh), len(a.fresh))
		return makeError(ErrBucketMismatch, str)
	}
	if len(shl.Used) != len(a.tried) {
		str := fmt.Sprintf("host list has %d used buckets (want %d)",
			len(shl.Used), len(a.tried))
		return makeError(ErrBucketMismatch, str)
	}

	a.reset()
	for _, sa := range shl.Addrs {
		services, err := strconv.ParseUint(sa.Services, 2, 64)
		if err != nil {
			return corrupt("bad services %q for %s", sa.Services, sa.Addr)
		}
		na, err := ParseNetAddress(sa.Addr, wire.ServiceFlag(services))
		if err != nil {
			return corrupt("bad address %q: %v", sa.Addr, err)
		}
		na.Timestamp = fromUnix(sa.Time)
		src, err := ParseNetAddress(sa.Src, 0)
		if err != nil {
			return corrupt("bad source address %q: %v", sa.Src, err)
		}
		key := na.Key()
		if _, ok := a.addrIndex[key]; ok {
			return corrupt("duplicate address %s", key)
		}
		a.addrIndex[key] = &KnownAddress{
			na:          na,
			srcAddr:     src,
			attempts:    sa.Attempts,
			lastSuccess: fromUnix(sa.LastSuccess),
			lastAttempt: fromUnix(sa.LastAttempt),
			slot:        noSlot,
		}
	}

	for i, keys := range shl.Fresh {
		if len(keys) > a.cfg.FreshBucketSize {
			return corrupt("fresh bucket %d holds %d addresses", i,
				len(keys))
		}
		for _, key := range keys {
			ka, ok := a.addrIndex[key]
			if !ok {
				return corrupt("fresh bucket %d references unknown "+
					"address %s", i, key)
			}
			if _, ok := a.fresh[i][key]; ok {
				return corrupt("fresh bucket %d lists %s twice", i, key)
			}
			if ka.refs == 0 {
				a.nFresh++
			}
			ka.refs++
			if ka.refs > maxRefs {
				return corrupt("address %s is in more than %d fresh "+
					"buckets", key, maxRefs)
			}
			a.fresh[i][key] = ka
		}
	}

	for i, keys := range shl.Used {
		if len(keys) > a.cfg.TriedBucketSize {
			return corrupt("used bucket %d holds %d addresses", i,
				len(keys))
		}
		for _, key := range keys {
			ka, ok := a.addrIndex[key]
			if !ok {
				return corrupt("used bucket %d references unknown "+
					"address %s", i, key)
			}
			if ka.refs != 0 || ka.used {
				return corrupt("address %s is listed as both fresh "+
					"and used", key)
			}
			if a.triedBucket(ka.na) != i {
				return corrupt("address %s is in the wrong used "+
					"bucket %d", key, i)
			}
			ka.used = true
			a.tried[i].pushBack(&a.arena, ka)
			a.nTried++
		}
	}

	for key, ka := range a.addrIndex {
		if ka.refs == 0 && !ka.used {
			return corrupt("address %s is not referenced by any bucket",
				key)
		}
	}
	a.addrChanged = false
	return nil
}

// Encode writes the host list as JSON.
//
// This function is safe for concurrent access.
func (a *AddrManager) Encode(w io.Writer) error {
	a.mtx.Lock()
	shl := a.serialize()
	a.mtx.Unlock()

	return json.NewEncoder(w).Encode(shl)
}

// Decode replaces the state of the address manager with a JSON host list.
// The address manager is left empty when an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Decode(r io.Reader) error {
	var shl serializedHostList
	if err := json.NewDecoder(r).Decode(&shl); err != nil {
		return corrupt("unable to decode host list: %v", err)
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	if err := a.deserialize(&shl); err != nil {
		a.reset()
		return err
	}
	return nil
}

// Load reads the host list from the data directory.  A missing file is not an
// error.  Any other failure is returned and must be treated as fatal since it
// indicates corruption.
//
// This function is safe for concurrent access.
func (a *AddrManager) Load() error {
	if a.peersFile == "" {
		return nil
	}
	f, err := os.Open(a.peersFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := a.Decode(f); err != nil {
		return fmt.Errorf("%s: %w", a.peersFile, err)
	}
	log.Infof("Loaded %d addresses from file '%s'", a.NumAddresses(),
		a.peersFile)
	return nil
}

// Save writes the host list to the data directory by writing a temporary file
// and moving it into place.
//
// This function is safe for concurrent access.
func (a *AddrManager) Save() error {
	if a.peersFile == "" {
		return nil
	}

	a.mtx.Lock()
	if !a.addrChanged {
		a.mtx.Unlock()
		return nil
	}
	shl := a.serialize()
	a.addrChanged = false
	a.mtx.Unlock()

	tmpfile := a.peersFile + ".new"
	w, err := os.Create(tmpfile)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(shl); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.Rename(tmpfile, a.peersFile)
}

// savePeers flushes the host list, logging any failure.  Failures are
// retried on the next interval.
func (a *AddrManager) savePeers() {
	if err := a.Save(); err != nil {
		a.mtx.Lock()
		a.addrChanged = true
		a.mtx.Unlock()
		log.Errorf("Failed to write host list: %v", err)
	}
}
