// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// MessageHeaderSize is the number of bytes in a message header.
// Network (magic) 4 bytes + command 12 bytes + payload length 4 bytes +
// checksum 4 bytes.
const MessageHeaderSize = wire.MessageHeaderSize

// CommandSize is the fixed size of all commands in the common message
// header.  Shorter commands must be zero padded.
const CommandSize = wire.CommandSize

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = wire.MaxMessagePayload

// Commands of the messages defined by this package.
const (
	CmdEncInit       = "encinit"
	CmdEncAck        = "encack"
	CmdAuthChallenge = "authchal"
	CmdAuthReply     = "authreply"
	CmdAuthPropose   = "authpropose"
	CmdReject        = "reject"
	CmdSendCmpct     = "sendcmpct"
	CmdCmpctBlock    = "cmpctblock"
	CmdGetBlockTxn   = "getblocktxn"
	CmdBlockTxn      = "blocktxn"
	CmdFilterLoad    = "filterload"
	CmdFilterAdd     = "filteradd"
	CmdFilterClear   = "filterclear"
	CmdMerkleBlock   = "merkleblock"
)

// Message is the interface implemented by every message on the network.
type Message = wire.Message

// MakeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func MakeEmptyMessage(command string) (Message, error) {
	var msg Message
	switch command {
	case wire.CmdVersion:
		msg = &wire.MsgVersion{}
	case wire.CmdVerAck:
		msg = &wire.MsgVerAck{}
	case wire.CmdGetAddr:
		msg = &wire.MsgGetAddr{}
	case wire.CmdAddr:
		msg = &wire.MsgAddr{}
	case wire.CmdGetBlocks:
		msg = &wire.MsgGetBlocks{}
	case wire.CmdBlock:
		msg = &wire.MsgBlock{}
	case wire.CmdInv:
		msg = &wire.MsgInv{}
	case wire.CmdGetData:
		msg = &wire.MsgGetData{}
	case wire.CmdNotFound:
		msg = &wire.MsgNotFound{}
	case wire.CmdTx:
		msg = &wire.MsgTx{}
	case wire.CmdPing:
		msg = &wire.MsgPing{}
	case wire.CmdPong:
		msg = &wire.MsgPong{}
	case wire.CmdGetHeaders:
		msg = &wire.MsgGetHeaders{}
	case wire.CmdHeaders:
		msg = &wire.MsgHeaders{}
	case wire.CmdMemPool:
		msg = &wire.MsgMemPool{}
	case wire.CmdSendHeaders:
		msg = &wire.MsgSendHeaders{}
	case wire.CmdFeeFilter:
		msg = &wire.MsgFeeFilter{}
	case CmdEncInit:
		msg = &MsgEncInit{}
	case CmdEncAck:
		msg = &MsgEncAck{}
	case CmdAuthChallenge:
		msg = &MsgAuthChallenge{}
	case CmdAuthReply:
		msg = &MsgAuthReply{}
	case CmdAuthPropose:
		msg = &MsgAuthPropose{}
	case CmdReject:
		msg = &MsgReject{}
	case CmdSendCmpct:
		msg = &MsgSendCmpct{}
	case CmdCmpctBlock:
		msg = &MsgCmpctBlock{}
	case CmdGetBlockTxn:
		msg = &MsgGetBlockTxn{}
	case CmdBlockTxn:
		msg = &MsgBlockTxn{}
	case CmdFilterLoad:
		msg = &MsgFilterLoad{}
	case CmdFilterAdd:
		msg = &MsgFilterAdd{}
	case CmdFilterClear:
		msg = &MsgFilterClear{}
	case CmdMerkleBlock:
		msg = &MsgMerkleBlock{}
	default:
		str := fmt.Sprintf("unhandled command [%s]", command)
		return nil, messageError("MakeEmptyMessage", ErrUnknownCmd, str)
	}
	return msg, nil
}

// EncodePayload serializes msg without a header and enforces the overall and
// per-message payload limits.
func EncodePayload(msg Message, pver uint32) ([]byte, error) {
	const op = "EncodePayload"

	var bw bytes.Buffer
	if err := msg.BtcEncode(&bw, pver); err != nil {
		return nil, err
	}
	payload := bw.Bytes()

	if len(payload) > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			len(payload), MaxMessagePayload)
		return nil, messageError(op, ErrPayloadTooLarge, str)
	}
	if mpl := msg.MaxPayloadLength(pver); uint32(len(payload)) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload size for "+
			"messages of type [%s] is %d.", len(payload),
			msg.Command(), mpl)
		return nil, messageError(op, ErrPayloadTooLarge, str)
	}
	return payload, nil
}

// DecodePayload parses a payload received for command.
func DecodePayload(command string, payload []byte, pver uint32) (Message, error) {
	const op = "DecodePayload"

	if !isStrictAscii(command) {
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return nil, messageError(op, ErrMalformedCmd, str)
	}
	msg, err := MakeEmptyMessage(command)
	if err != nil {
		return nil, err
	}
	if mpl := msg.MaxPayloadLength(pver); uint32(len(payload)) > mpl {
		str := fmt.Sprintf("payload exceeds max length - %d bytes, but "+
			"max payload size for messages of type [%v] is %v.",
			len(payload), command, mpl)
		return nil, messageError(op, ErrPayloadTooLarge, str)
	}

	// This must be a *bytes.Buffer since the MsgVersion BtcDecode function
	// requires it.
	if err := msg.BtcDecode(bytes.NewBuffer(payload), pver); err != nil {
		return nil, err
	}
	return msg, nil
}

// messageHeader defines the header structure for all plaintext messages.
type messageHeader struct {
	magic    wire.CurrencyNet // 4 bytes
	command  string           // 12 bytes
	length   uint32           // 4 bytes
	checksum [4]byte          // 4 bytes
}

// readMessageHeader reads a message header from r.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	var headerBytes [MessageHeaderSize]byte
	n, err := io.ReadFull(r, headerBytes[:])
	if err != nil {
		return n, nil, err
	}

	hdr := messageHeader{
		magic:  wire.CurrencyNet(binary.LittleEndian.Uint32(headerBytes[0:4])),
		length: binary.LittleEndian.Uint32(headerBytes[16:20]),
	}
	command := headerBytes[4 : 4+CommandSize]
	hdr.command = string(bytes.TrimRight(command, "\x00"))
	copy(hdr.checksum[:], headerBytes[20:24])
	return n, &hdr, nil
}

// WriteMessageN writes a message to w including the necessary header
// information and returns the number of bytes written.
func WriteMessageN(w io.Writer, msg Message, pver uint32, net wire.CurrencyNet) (int, error) {
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]", cmd,
			CommandSize)
		return 0, messageError("WriteMessage", ErrCmdTooLong, str)
	}
	payload, err := EncodePayload(msg, pver)
	if err != nil {
		return 0, err
	}

	var hdr [MessageHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(net))
	copy(hdr[4:4+CommandSize], cmd)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	copy(hdr[20:24], chainhash.HashB(payload)[0:4])

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(payload)
	return n + n2, err
}

// WriteMessage writes a message to w including the necessary header
// information.
func WriteMessage(w io.Writer, msg Message, pver uint32, net wire.CurrencyNet) error {
	_, err := WriteMessageN(w, msg, pver, net)
	return err
}

// ReadMessageN reads, validates, and parses the next message from r for the
// provided protocol version and network.  It returns the number of bytes read
// in addition to the parsed message and raw payload.
func ReadMessageN(r io.Reader, pver uint32, net wire.CurrencyNet) (int, Message, []byte, error) {
	const op = "ReadMessage"

	n, hdr, err := readMessageHeader(r)
	if err != nil {
		return n, nil, nil, err
	}
	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d bytes.",
			hdr.length, MaxMessagePayload)
		return n, nil, nil, messageError(op, ErrPayloadTooLarge, str)
	}
	if hdr.magic != net {
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return n, nil, nil, messageError(op, ErrWrongNetwork, str)
	}
	if !isStrictAscii(hdr.command) {
		str := fmt.Sprintf("invalid command %v", []byte(hdr.command))
		return n, nil, nil, messageError(op, ErrMalformedCmd, str)
	}

	// Check the per-message limit before reading so a well-formed header
	// cannot be used to exhaust memory.
	msg, err := MakeEmptyMessage(hdr.command)
	if err != nil {
		return n, nil, nil, err
	}
	if mpl := msg.MaxPayloadLength(pver); hdr.length > mpl {
		str := fmt.Sprintf("payload exceeds max length - header "+
			"indicates %v bytes, but max payload size for messages of "+
			"type [%v] is %v.", hdr.length, hdr.command, mpl)
		return n, nil, nil, messageError(op, ErrPayloadTooLarge, str)
	}

	payload := make([]byte, hdr.length)
	n2, err := io.ReadFull(r, payload)
	n += n2
	if err != nil {
		return n, nil, nil, err
	}

	checksum := chainhash.HashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header indicates %v, "+
			"but actual checksum is %v.", hdr.checksum, checksum)
		return n, nil, nil, messageError(op, ErrPayloadChecksum, str)
	}

	if err := msg.BtcDecode(bytes.NewBuffer(payload), pver); err != nil {
		return n, nil, nil, err
	}
	return n, msg, payload, nil
}

// ReadMessage reads, validates, and parses the next message from r.
func ReadMessage(r io.Reader, pver uint32, net wire.CurrencyNet) (Message, []byte, error) {
	_, msg, buf, err := ReadMessageN(r, pver, net)
	return msg, buf, err
}

// isStrictAscii returns whether the provided string is entirely printable
// ascii.
func isStrictAscii(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
