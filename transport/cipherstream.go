// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/decred/dcrd/wire"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// lengthSize is the size of the encrypted length prefix.
	lengthSize = 4

	// tagSize is the size of the poly1305 tag that ends every packet.
	tagSize = poly1305.TagSize

	// maxCommandSize is the longest command a packet may carry.
	maxCommandSize = 12
)

// cipherStream is one direction of an encrypted session.
type cipherStream struct {
	mtx       sync.Mutex
	keyed     bool
	keys      streamKeys
	seq       uint64
	processed uint64
	lastRekey time.Time
	rekeys    uint64
}

// init keys the stream from a freshly derived key set.
func (cs *cipherStream) init(keys *streamKeys, now time.Time) {
	cs.keys = *keys
	cs.keyed = true
	cs.processed = 0
	cs.lastRekey = now
}

// nonce returns the chacha20 nonce for the current sequence number.
func (cs *cipherStream) nonce() []byte {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], cs.seq)
	return nonce[:]
}

// packetCiphers returns the length cipher, the payload cipher positioned at
// block one, and the poly1305 key for the current sequence number.
func (cs *cipherStream) packetCiphers() (*chacha20.Cipher, *chacha20.Cipher, *[32]byte, error) {
	nonce := cs.nonce()
	lenCipher, err := chacha20.NewUnauthenticatedCipher(cs.keys.k1[:], nonce)
	if err != nil {
		return nil, nil, nil, err
	}
	polyCipher, err := chacha20.NewUnauthenticatedCipher(cs.keys.k2[:], nonce)
	if err != nil {
		return nil, nil, nil, err
	}
	var polyKey [32]byte
	polyCipher.XORKeyStream(polyKey[:], polyKey[:])

	payCipher, err := chacha20.NewUnauthenticatedCipher(cs.keys.k2[:], nonce)
	if err != nil {
		return nil, nil, nil, err
	}
	payCipher.SetCounter(1)
	return lenCipher, payCipher, &polyKey, nil
}

// needsRekey returns whether the stream has exceeded either rekey threshold.
func (cs *cipherStream) needsRekey(now time.Time, interval time.Duration, maxBytes uint64) bool {
	return now.Sub(cs.lastRekey) >= interval || cs.processed >= maxBytes
}

// rekey replaces both stream keys with the hash of the session id, the old
// key and any extra binding data.  The sequence number is preserved.
func (cs *cipherStream) rekey(now time.Time, extra ...[]byte) {
	cs.keys.k1 = nextKey(&cs.keys.sid, &cs.keys.k1, extra...)
	cs.keys.k2 = nextKey(&cs.keys.sid, &cs.keys.k2, extra...)
	cs.processed = 0
	cs.lastRekey = now
	cs.rekeys++
}

// writePacket encrypts and writes a single packet body.
func (cs *cipherStream) writePacket(w io.Writer, body []byte) error {
	lenCipher, payCipher, polyKey, err := cs.packetCiphers()
	if err != nil {
		return err
	}

	size := len(body)
	pkt := make([]byte, lengthSize+size+tagSize)
	binary.LittleEndian.PutUint32(pkt[:lengthSize], uint32(size))
	lenCipher.XORKeyStream(pkt[:lengthSize], pkt[:lengthSize])
	payCipher.XORKeyStream(pkt[lengthSize:lengthSize+size], body)

	var tag [tagSize]byte
	poly1305.Sum(&tag, pkt[:lengthSize+size], polyKey)
	copy(pkt[lengthSize+size:], tag[:])

	cs.seq++
	cs.processed += uint64(size)
	_, err = w.Write(pkt)
	return err
}

// readPacket reads, authenticates and decrypts a single packet body.  The
// sequence number advances even when authentication fails so the stream
// stays aligned with the sender.
func (cs *cipherStream) readPacket(r io.Reader, maxSize uint32) ([]byte, error) {
	lenCipher, payCipher, polyKey, err := cs.packetCiphers()
	if err != nil {
		return nil, err
	}

	var encLen [lengthSize]byte
	if _, err := io.ReadFull(r, encLen[:]); err != nil {
		return nil, err
	}
	var plainLen [lengthSize]byte
	lenCipher.XORKeyStream(plainLen[:], encLen[:])
	size := binary.LittleEndian.Uint32(plainLen[:])
	if size > maxSize {
		str := fmt.Sprintf("packet length %d exceeds max %d", size, maxSize)
		return nil, makeError(ErrPacketTooLarge, str)
	}

	pkt := make([]byte, lengthSize+int(size)+tagSize)
	copy(pkt, encLen[:])
	if _, err := io.ReadFull(r, pkt[lengthSize:]); err != nil {
		return nil, err
	}
	var tag [tagSize]byte
	copy(tag[:], pkt[lengthSize+size:])
	authed := pkt[:lengthSize+size]

	cs.seq++
	if !poly1305.Verify(&tag, authed, polyKey) {
		str := fmt.Sprintf("packet %d failed authentication", cs.seq-1)
		return nil, makeError(ErrBadTag, str)
	}

	body := authed[lengthSize:]
	payCipher.XORKeyStream(body, body)
	cs.processed += uint64(size)
	return body, nil
}

// encodeBody serializes a command and payload into a packet body.
func encodeBody(cmd string, payload []byte) ([]byte, error) {
	if len(cmd) > maxCommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]", cmd,
			maxCommandSize)
		return nil, makeError(ErrMalformedPacket, str)
	}
	var buf bytes.Buffer
	buf.Grow(1 + len(cmd) + len(payload))
	if err := wire.WriteVarString(&buf, 0, cmd); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeBody splits a packet body into its command and payload.
func decodeBody(body []byte) (string, []byte, error) {
	r := bytes.NewReader(body)
	cmd, err := wire.ReadVarString(r, 0)
	if err != nil {
		str := fmt.Sprintf("unable to read packet command: %v", err)
		return "", nil, makeError(ErrMalformedPacket, str)
	}
	if len(cmd) > maxCommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]", cmd,
			maxCommandSize)
		return "", nil, makeError(ErrMalformedPacket, str)
	}
	return cmd, body[len(body)-r.Len():], nil
}
