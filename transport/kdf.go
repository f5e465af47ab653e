// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"io"

	"github.com/decred/dcrd/crypto/blake256"
	"golang.org/x/crypto/hkdf"
)

var (
	kdfSalt   = []byte("dcrp2pecdh")
	kdfInfoK1 = []byte("dcrp2pk1")
	kdfInfoK2 = []byte("dcrp2pk2")
	kdfInfoID = []byte("dcrp2psessionid")
)

// streamKeys houses the secrets of one cipher stream.
type streamKeys struct {
	k1  [32]byte // length obfuscation
	k2  [32]byte // payload encryption and poly1305 key derivation
	sid [32]byte
}

// deriveKeys expands an ECDH shared secret and the negotiated cipher into the
// keys of a cipher stream.
func deriveKeys(secret []byte, cipher uint8) (*streamKeys, error) {
	ikm := make([]byte, 0, len(secret)+1)
	ikm = append(ikm, secret...)
	ikm = append(ikm, cipher)
	prk := hkdf.Extract(blake256.New, ikm, kdfSalt)

	var keys streamKeys
	outputs := []struct {
		info []byte
		out  []byte
	}{
		{kdfInfoK1, keys.k1[:]},
		{kdfInfoK2, keys.k2[:]},
		{kdfInfoID, keys.sid[:]},
	}
	for _, o := range outputs {
		r := hkdf.Expand(blake256.New, prk, o.info)
		if _, err := io.ReadFull(r, o.out); err != nil {
			return nil, err
		}
	}
	return &keys, nil
}

// nextKey returns blake256(sid || key || extra...).
func nextKey(sid, key *[32]byte, extra ...[]byte) [32]byte {
	h := blake256.New()
	h.Write(sid[:])
	h.Write(key[:])
	for _, e := range extra {
		h.Write(e)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
