// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import (
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// SignatureSize is the size of an authentication reply signature.
const SignatureSize = 64

// MsgAuthChallenge implements the Message interface and asks the remote peer
// to prove it holds the identity key committed to by Hash.  An all-zero hash
// rejects the remote peer's proposed identity.
type MsgAuthChallenge struct {
	Hash chainhash.Hash
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgAuthChallenge) BtcDecode(r io.Reader, pver uint32) error {
	_, err := io.ReadFull(r, msg.Hash[:])
	return err
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgAuthChallenge) BtcEncode(w io.Writer, pver uint32) error {
	_, err := w.Write(msg.Hash[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgAuthChallenge) Command() string {
	return CmdAuthChallenge
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthChallenge) MaxPayloadLength(pver uint32) uint32 {
	return chainhash.HashSize
}

// MsgAuthReply implements the Message interface and answers a challenge with
// a signature, or with all zeros when the challenge did not match.
type MsgAuthReply struct {
	Signature [SignatureSize]byte
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgAuthReply) BtcDecode(r io.Reader, pver uint32) error {
	_, err := io.ReadFull(r, msg.Signature[:])
	return err
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgAuthReply) BtcEncode(w io.Writer, pver uint32) error {
	_, err := w.Write(msg.Signature[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgAuthReply) Command() string {
	return CmdAuthReply
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthReply) MaxPayloadLength(pver uint32) uint32 {
	return SignatureSize
}

// MsgAuthPropose implements the Message interface and commits to the
// sender's identity key so the receiver can look it up among its authorized
// keys.
type MsgAuthPropose struct {
	Hash chainhash.Hash
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the Message interface implementation.
func (msg *MsgAuthPropose) BtcDecode(r io.Reader, pver uint32) error {
	_, err := io.ReadFull(r, msg.Hash[:])
	return err
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgAuthPropose) BtcEncode(w io.Writer, pver uint32) error {
	_, err := w.Write(msg.Hash[:])
	return err
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgAuthPropose) Command() string {
	return CmdAuthPropose
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgAuthPropose) MaxPayloadLength(pver uint32) uint32 {
	return chainhash.HashSize
}
