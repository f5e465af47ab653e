// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import "io"

// PubKeySize is the size of a compressed secp256k1 public key.
const PubKeySize = 33

// CipherChaCha20Poly1305 is the only cipher suite defined for encrypted
// sessions.
const CipherChaCha20Poly1305 uint8 = 0

// MsgEncInit implements the Message interface and opens an encrypted session
// by carrying the ephemeral public key of the sender's output stream and the
// requested cipher suite.
type MsgEncInit struct {
	PubKey [PubKeySize]byte
	Cipher uint8
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgEncInit) BtcDecode(r io.Reader, pver uint32) error {
	var buf [PubKeySize + 1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	copy(msg.PubKey[:], buf[:PubKeySize])
	msg.Cipher = buf[PubKeySize]
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgEncInit) BtcEncode(w io.Writer, pver uint32) error {
	var buf [PubKeySize + 1]byte
	copy(buf[:], msg.PubKey[:])
	buf[PubKeySize] = msg.Cipher
	_, err := w.Write(buf[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgEncInit) Command() string {
	return CmdEncInit
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgEncInit) MaxPayloadLength(pver uint32) uint32 {
	return PubKeySize + 1
}

// NewMsgEncInit returns a new encinit message.
func NewMsgEncInit(pubKey [PubKeySize]byte, cipher uint8) *MsgEncInit {
	return &MsgEncInit{PubKey: pubKey, Cipher: cipher}
}

// MsgEncAck implements the Message interface and acknowledges an encinit with
// the ephemeral public key of the sender's input stream.  An all-zero key
// announces that the sender rekeyed its output stream.
type MsgEncAck struct {
	PubKey [PubKeySize]byte
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgEncAck) BtcDecode(r io.Reader, pver uint32) error {
	_, err := io.ReadFull(r, msg.PubKey[:])
	return err
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgEncAck) BtcEncode(w io.Writer, pver uint32) error {
	_, err := w.Write(msg.PubKey[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgEncAck) Command() string {
	return CmdEncAck
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgEncAck) MaxPayloadLength(pver uint32) uint32 {
	return PubKeySize
}

// IsRekey returns whether the message is a rekey notification.
func (msg *MsgEncAck) IsRekey() bool {
	return msg.PubKey == [PubKeySize]byte{}
}

// NewMsgEncAck returns a new encack message.
func NewMsgEncAck(pubKey [PubKeySize]byte) *MsgEncAck {
	return &MsgEncAck{PubKey: pubKey}
}
