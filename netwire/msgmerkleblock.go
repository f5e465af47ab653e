// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
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

// maxFlagsPerMerkleBlock is the maximum number of flag bytes that could
// possibly fit into a merkle block.  Since each transaction is represented by
// a single bit, this is the max number of transactions per block divided by
// 8 bits per byte.  Then an extra one to cover partials.
const maxFlagsPerMerkleBlock = MaxCmpctTxs/8 + 1

// MsgMerkleBlock implements the Message interface and carries a block header
// with a partial merkle tree proving the transactions that matched a peer's
// bloom filter.
type MsgMerkleBlock struct {
	Header       wire.BlockHeader
	Transactions uint32
	Hashes       []*chainhash.Hash
	Flags        []byte
}

// AddTxHash adds a new transaction hash to the message.
func (msg *MsgMerkleBlock) AddTxHash(hash *chainhash.Hash) error {
	if len(msg.Hashes)+1 > MaxCmpctTxs {
		str := fmt.Sprintf("too many tx hashes for message [max %v]",
			MaxCmpctTxs)
		return messageError("MsgMerkleBlock.AddTxHash", ErrTooManyItems, str)
	}
	msg.Hashes = append(msg.Hashes, hash)
	return nil
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgMerkleBlock) BtcDecode(r io.Reader, pver uint32) error {
	if err := msg.Header.Deserialize(r); err != nil {
		return err
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	msg.Transactions = binary.LittleEndian.Uint32(buf[:])

	count, err := readCount(r, pver, MaxCmpctTxs, "tx hashes")
	if err != nil {
		return err
	}
	hashes := make([]chainhash.Hash, count)
	msg.Hashes = make([]*chainhash.Hash, 0, count)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return err
		}
		msg.Hashes = append(msg.Hashes, &hashes[i])
	}

	flags, err := wire.ReadVarBytes(r, pver, maxFlagsPerMerkleBlock,
		"merkle block flags size")
	if err != nil {
		return err
	}
	msg.Flags = flags
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgMerkleBlock) BtcEncode(w io.Writer, pver uint32) error {
	const op = "MsgMerkleBlock.BtcEncode"

	if len(msg.Hashes) > MaxCmpctTxs {
		str := fmt.Sprintf("too many tx hashes for message [count %v, "+
			"max %v]", len(msg.Hashes), MaxCmpctTxs)
		return messageError(op, ErrTooManyItems, str)
	}
	if len(msg.Flags) > maxFlagsPerMerkleBlock {
		str := fmt.Sprintf("too many flag bytes for message [count %v, "+
			"max %v]", len(msg.Flags), maxFlagsPerMerkleBlock)
		return messageError(op, ErrTooManyItems, str)
	}

	if err := msg.Header.Serialize(w); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], msg.Transactions)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, pver, uint64(len(msg.Hashes))); err != nil {
		return err
	}
	for _, hash := range msg.Hashes {
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
	}
	return wire.WriteVarBytes(w, pver, msg.Flags)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgMerkleBlock) Command() string {
	return CmdMerkleBlock
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMerkleBlock) MaxPayloadLength(pver uint32) uint32 {
	return maxBlockPayload
}

// NewMsgMerkleBlock returns a new merkleblock message for the provided block
// header.
func NewMsgMerkleBlock(bh *wire.BlockHeader) *MsgMerkleBlock {
	return &MsgMerkleBlock{
		Header: *bh,
		Hashes: make([]*chainhash.Hash, 0),
		Flags:  make([]byte, 0),
	}
}
