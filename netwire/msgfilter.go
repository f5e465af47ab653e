// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/decred/dcrd/wire"
)

const (
	// MaxFilterLoadHashFuncs is the maximum number of hash functions to
	// load into the bloom filter.
	MaxFilterLoadHashFuncs = 50

	// MaxFilterLoadFilterSize is the maximum size in bytes a filter may be.
	MaxFilterLoadFilterSize = 36000

	// MaxFilterAddDataSize is the maximum byte size of a data element to
	// add to the bloom filter.
	MaxFilterAddDataSize = 520
)

// BloomUpdateType specifies how the filter is updated when a match is found.
type BloomUpdateType uint8

const (
	// BloomUpdateNone indicates the filter is not adjusted when a match is
	// found.
	BloomUpdateNone BloomUpdateType = 0

	// BloomUpdateAll indicates if the filter matches any data element in a
	// public key script, the outpoint is serialized and inserted into the
	// filter.
	BloomUpdateAll BloomUpdateType = 1

	// BloomUpdateP2PubkeyOnly indicates if the filter matches a data
	// element in a public key script and the script is of the standard
	// pay-to-pubkey or multisig, the outpoint is serialized and inserted
	// into the filter.
	BloomUpdateP2PubkeyOnly BloomUpdateType = 2
)

// MsgFilterLoad implements the Message interface and loads a bloom filter
// on the receiving peer.
type MsgFilterLoad struct {
	Filter    []byte
	HashFuncs uint32
	Tweak     uint32
	Flags     BloomUpdateType
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgFilterLoad) BtcDecode(r io.Reader, pver uint32) error {
	const op = "MsgFilterLoad.BtcDecode"

	filter, err := wire.ReadVarBytes(r, pver, MaxFilterLoadFilterSize,
		"filterload filter size")
	if err != nil {
		return err
	}
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	msg.Filter = filter
	msg.HashFuncs = binary.LittleEndian.Uint32(buf[0:4])
	msg.Tweak = binary.LittleEndian.Uint32(buf[4:8])
	msg.Flags = BloomUpdateType(buf[8])

	if msg.HashFuncs > MaxFilterLoadHashFuncs {
		str := fmt.Sprintf("too many filter hash functions for message "+
			"[count %v, max %v]", msg.HashFuncs, MaxFilterLoadHashFuncs)
		return messageError(op, ErrTooManyHashFuncs, str)
	}
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgFilterLoad) BtcEncode(w io.Writer, pver uint32) error {
	const op = "MsgFilterLoad.BtcEncode"

	if len(msg.Filter) > MaxFilterLoadFilterSize {
		str := fmt.Sprintf("filterload filter size too large for message "+
			"[size %v, max %v]", len(msg.Filter), MaxFilterLoadFilterSize)
		return messageError(op, ErrFilterTooLarge, str)
	}
	if msg.HashFuncs > MaxFilterLoadHashFuncs {
		str := fmt.Sprintf("too many filter hash functions for message "+
			"[count %v, max %v]", msg.HashFuncs, MaxFilterLoadHashFuncs)
		return messageError(op, ErrTooManyHashFuncs, str)
	}

	if err := wire.WriteVarBytes(w, pver, msg.Filter); err != nil {
		return err
	}
	var buf [9]byte
	binary.LittleEndian.PutUint32(buf[0:4], msg.HashFuncs)
	binary.LittleEndian.PutUint32(buf[4:8], msg.Tweak)
	buf[8] = uint8(msg.Flags)
	_, err := w.Write(buf[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgFilterLoad) Command() string {
	return CmdFilterLoad
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgFilterLoad) MaxPayloadLength(pver uint32) uint32 {
	// Num filter bytes (varInt) + filter + 4 bytes hash funcs +
	// 4 bytes tweak + 1 byte flags.
	return uint32(wire.VarIntSerializeSize(MaxFilterLoadFilterSize)) +
		MaxFilterLoadFilterSize + 9
}

// NewMsgFilterLoad returns a new filterload message.
func NewMsgFilterLoad(filter []byte, hashFuncs uint32, tweak uint32, flags BloomUpdateType) *MsgFilterLoad {
	return &MsgFilterLoad{
		Filter:    filter,
		HashFuncs: hashFuncs,
		Tweak:     tweak,
		Flags:     flags,
	}
}

// MsgFilterAdd implements the Message interface and adds a data element to
// the bloom filter loaded on the receiving peer.
type MsgFilterAdd struct {
	Data []byte
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgFilterAdd) BtcDecode(r io.Reader, pver uint32) error {
	data, err := wire.ReadVarBytes(r, pver, MaxFilterAddDataSize,
		"filteradd data")
	if err != nil {
		return err
	}
	msg.Data = data
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgFilterAdd) BtcEncode(w io.Writer, pver uint32) error {
	if len(msg.Data) > MaxFilterAddDataSize {
		str := fmt.Sprintf("filteradd size too large for message "+
			"[size %v, max %v]", len(msg.Data), MaxFilterAddDataSize)
		return messageError("MsgFilterAdd.BtcEncode", ErrFilterTooLarge, str)
	}
	return wire.WriteVarBytes(w, pver, msg.Data)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgFilterAdd) Command() string {
	return CmdFilterAdd
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgFilterAdd) MaxPayloadLength(pver uint32) uint32 {
	return uint32(wire.VarIntSerializeSize(MaxFilterAddDataSize)) +
		MaxFilterAddDataSize
}

// MsgFilterClear implements the Message interface and removes the bloom
// filter loaded on the receiving peer.
type MsgFilterClear struct{}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgFilterClear) BtcDecode(r io.Reader, pver uint32) error {
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgFilterClear) BtcEncode(w io.Writer, pver uint32) error {
	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgFilterClear) Command() string {
	return CmdFilterClear
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgFilterClear) MaxPayloadLength(pver uint32) uint32 {
	return 0
}
