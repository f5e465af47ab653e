// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import (
	"bytes"
	"encoding/binary"

	"github.com/dchest/siphash"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// shortIDMask keeps the low six bytes of a siphash output.
const shortIDMask = 1<<(8*ShortIDSize) - 1

// ShortIDKey is the per-announcement siphash key used to derive short
// transaction ids.
type ShortIDKey struct {
	k0, k1 uint64
}

// NewShortIDKey derives the short id key for a compact block from the hash of
// its serialized header followed by the nonce.
func NewShortIDKey(header *wire.BlockHeader, nonce uint64) (ShortIDKey, error) {
	var buf bytes.Buffer
	buf.Grow(blockHeaderLen + 8)
	if err := header.Serialize(&buf); err != nil {
		return ShortIDKey{}, err
	}
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])

	h := chainhash.HashB(buf.Bytes())
	return ShortIDKey{
		k0: binary.LittleEndian.Uint64(h[0:8]),
		k1: binary.LittleEndian.Uint64(h[8:16]),
	}, nil
}

// ShortID returns the six byte short id of a transaction hash.
func (k ShortIDKey) ShortID(txHash *chainhash.Hash) uint64 {
	return siphash.Hash(k.k0, k.k1, txHash[:]) & shortIDMask
}
