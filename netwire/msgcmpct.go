// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

const (
	// CmpctBlockVersion is the only compact block encoding version.
	CmpctBlockVersion = 1

	// ShortIDSize is the number of bytes in a compact block short id.
	ShortIDSize = 6

	// MaxCmpctTxs is the maximum number of transactions a compact block or
	// a block transaction request may reference.
	MaxCmpctTxs = maxBlockPayload / minTxPayload

	// maxBlockPayload is the maximum bytes a block message can be.
	maxBlockPayload = 1310720

	// minTxPayload is a lower bound on the serialized size of a
	// transaction used to bound list lengths.
	minTxPayload = 10

	// blockHeaderLen is the serialized size of a block header.
	blockHeaderLen = 180
)

// MsgSendCmpct implements the Message interface and signals that the sender
// wants blocks announced as compact blocks.
type MsgSendCmpct struct {
	Announce bool
	Version  uint64
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgSendCmpct) BtcDecode(r io.Reader, pver uint32) error {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	msg.Announce = buf[0] != 0
	msg.Version = binary.LittleEndian.Uint64(buf[1:])
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgSendCmpct) BtcEncode(w io.Writer, pver uint32) error {
	var buf [9]byte
	if msg.Announce {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:], msg.Version)
	_, err := w.Write(buf[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgSendCmpct) Command() string {
	return CmdSendCmpct
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgSendCmpct) MaxPayloadLength(pver uint32) uint32 {
	return 9
}

// PrefilledTx is a transaction sent in full inside a compact block.
type PrefilledTx struct {
	Index uint32
	Tx    *wire.MsgTx
}

// MsgCmpctBlock implements the Message interface and announces a block by
// its header, a list of short transaction ids and the transactions the
// sender expects the receiver to be missing.
type MsgCmpctBlock struct {
	Header    wire.BlockHeader
	Nonce     uint64
	ShortIDs  []uint64
	Prefilled []PrefilledTx
}

// readCount reads a list length and bounds it.
func readCount(r io.Reader, pver uint32, max uint64, field string) (uint64, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return 0, err
	}
	if count > max {
		str := fmt.Sprintf("too many %s [count %d, max %d]", field, count,
			max)
		return 0, messageError("readCount", ErrTooManyItems, str)
	}
	return count, nil
}

// readDiffIndexes reads differentially encoded transaction indexes.
func readDiffIndexes(r io.Reader, pver uint32, count uint64, fn func(i int, idx uint32) error) error {
	var last uint64
	for i := uint64(0); i < count; i++ {
		diff, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		if diff >= MaxCmpctTxs {
			str := fmt.Sprintf("transaction index delta %d out of range",
				diff)
			return messageError("readDiffIndexes", ErrMalformedMsg, str)
		}
		idx := diff
		if i > 0 {
			idx = last + diff + 1
		}
		if idx >= MaxCmpctTxs {
			str := fmt.Sprintf("transaction index %d out of range", idx)
			return messageError("readDiffIndexes", ErrMalformedMsg, str)
		}
		if err := fn(int(i), uint32(idx)); err != nil {
			return err
		}
		last = idx
	}
	return nil
}

// writeDiffIndex writes a differentially encoded transaction index.
func writeDiffIndex(w io.Writer, pver uint32, i int, idx, last uint32) error {
	diff := uint64(idx)
	if i > 0 {
		if idx <= last {
			str := fmt.Sprintf("transaction index %d is not above %d",
				idx, last)
			return messageError("writeDiffIndex", ErrMalformedMsg, str)
		}
		diff = uint64(idx - last - 1)
	}
	return wire.WriteVarInt(w, pver, diff)
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) BtcDecode(r io.Reader, pver uint32) error {
	if err := msg.Header.Deserialize(r); err != nil {
		return err
	}
	var nonce [8]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return err
	}
	msg.Nonce = binary.LittleEndian.Uint64(nonce[:])

	count, err := readCount(r, pver, MaxCmpctTxs, "short ids")
	if err != nil {
		return err
	}
	msg.ShortIDs = make([]uint64, count)
	var sid [8]byte
	for i := range msg.ShortIDs {
		if _, err := io.ReadFull(r, sid[:ShortIDSize]); err != nil {
			return err
		}
		msg.ShortIDs[i] = binary.LittleEndian.Uint64(sid[:])
	}

	count, err = readCount(r, pver, MaxCmpctTxs, "prefilled transactions")
	if err != nil {
		return err
	}
	msg.Prefilled = make([]PrefilledTx, count)
	return readDiffIndexes(r, pver, count, func(i int, idx uint32) error {
		tx := new(wire.MsgTx)
		if err := tx.BtcDecode(r, pver); err != nil {
			return err
		}
		msg.Prefilled[i] = PrefilledTx{Index: idx, Tx: tx}
		return nil
	})
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) BtcEncode(w io.Writer, pver uint32) error {
	if err := msg.Header.Serialize(w); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], msg.Nonce)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(msg.ShortIDs))); err != nil {
		return err
	}
	for _, sid := range msg.ShortIDs {
		binary.LittleEndian.PutUint64(buf[:], sid)
		if _, err := w.Write(buf[:ShortIDSize]); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(msg.Prefilled))); err != nil {
		return err
	}
	var last uint32
	for i, ptx := range msg.Prefilled {
		if err := writeDiffIndex(w, pver, i, ptx.Index, last); err != nil {
			return err
		}
		if err := ptx.Tx.BtcEncode(w, pver); err != nil {
			return err
		}
		last = ptx.Index
	}
	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgCmpctBlock) Command() string {
	return CmdCmpctBlock
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgCmpctBlock) MaxPayloadLength(pver uint32) uint32 {
	return maxBlockPayload
}

// BlockHash returns the hash of the announced block.
func (msg *MsgCmpctBlock) BlockHash() chainhash.Hash {
	return msg.Header.BlockHash()
}

// MsgGetBlockTxn implements the Message interface and requests the
// transactions at the given indexes of a block.
type MsgGetBlockTxn struct {
	BlockHash chainhash.Hash
	Indexes   []uint32
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) BtcDecode(r io.Reader, pver uint32) error {
	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}
	count, err := readCount(r, pver, MaxCmpctTxs, "indexes")
	if err != nil {
		return err
	}
	msg.Indexes = make([]uint32, count)
	return readDiffIndexes(r, pver, count, func(i int, idx uint32) error {
		msg.Indexes[i] = idx
		return nil
	})
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) BtcEncode(w io.Writer, pver uint32) error {
	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(msg.Indexes))); err != nil {
		return err
	}
	var last uint32
	for i, idx := range msg.Indexes {
		if err := writeDiffIndex(w, pver, i, idx, last); err != nil {
			return err
		}
		last = idx
	}
	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgGetBlockTxn) Command() string {
	return CmdGetBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return chainhash.HashSize + wire.MaxVarIntPayload*(MaxCmpctTxs+1)
}

// MsgBlockTxn implements the Message interface and answers a getblocktxn.
type MsgBlockTxn struct {
	BlockHash    chainhash.Hash
	Transactions []*wire.MsgTx
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgBlockTxn) BtcDecode(r io.Reader, pver uint32) error {
	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}
	count, err := readCount(r, pver, MaxCmpctTxs, "transactions")
	if err != nil {
		return err
	}
	msg.Transactions = make([]*wire.MsgTx, 0, count)
	for i := uint64(0); i < count; i++ {
		tx := new(wire.MsgTx)
		if err := tx.BtcDecode(r, pver); err != nil {
			return err
		}
		msg.Transactions = append(msg.Transactions, tx)
	}
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgBlockTxn) BtcEncode(w io.Writer, pver uint32) error {
	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}
	count := uint64(len(msg.Transactions))
	if err := wire.WriteVarInt(w, pver, count); err != nil {
		return err
	}
	for _, tx := range msg.Transactions {
		if err := tx.BtcEncode(w, pver); err != nil {
			return err
		}
	}
	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgBlockTxn) Command() string {
	return CmdBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return maxBlockPayload
}
