// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// testHeader returns a block header used throughout the tests.
func testHeader() wire.BlockHeader {
	return wire.BlockHeader{
		Version:   7,
		PrevBlock: chainhash.Hash{0x01},
		Height:    1234,
		Timestamp: time.Unix(1700000000, 0),
		Nonce:     42,
	}
}

// testTx returns a transaction with a single output paying value.
func testTx(value int64) *wire.MsgTx {
	tx := wire.NewMsgTx()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x02}, 0, 0),
		value, nil))
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	return tx
}

// TestMessage tests the Read/WriteMessage API for the messages defined by
// this package along with a few base messages.
func TestMessage(t *testing.T) {
	const pver = ProtocolVersion
	net := wire.MainNet

	var pub [PubKeySize]byte
	pub[0] = 0x02
	pub[32] = 0xff
	var sig [SignatureSize]byte
	sig[63] = 0x01

	tests := []struct {
		name string
		in   Message
		cmd  string
	}{
		{"ping", wire.NewMsgPing(0x1122334455667788), wire.CmdPing},
		{"verack", wire.NewMsgVerAck(), wire.CmdVerAck},
		{"encinit", NewMsgEncInit(pub, CipherChaCha20Poly1305), CmdEncInit},
		{"encack", NewMsgEncAck(pub), CmdEncAck},
		{"authchal", &MsgAuthChallenge{Hash: chainhash.Hash{0x03}}, CmdAuthChallenge},
		{"authreply", &MsgAuthReply{Signature: sig}, CmdAuthReply},
		{"authpropose", &MsgAuthPropose{Hash: chainhash.Hash{0x04}}, CmdAuthPropose},
		{"reject tx", &MsgReject{Cmd: wire.CmdTx, Code: RejectDuplicate,
			Reason: "already have", Hash: chainhash.Hash{0x05}}, CmdReject},
		{"reject other", NewMsgReject(wire.CmdPing, RejectMalformed,
			"bad"), CmdReject},
		{"sendcmpct", &MsgSendCmpct{Announce: true, Version: 1}, CmdSendCmpct},
		{"getblocktxn", &MsgGetBlockTxn{BlockHash: chainhash.Hash{0x06},
			Indexes: []uint32{0, 1, 5, 1000}}, CmdGetBlockTxn},
		{"filterload", NewMsgFilterLoad([]byte{0x01, 0x02}, 10, 7,
			BloomUpdateAll), CmdFilterLoad},
		{"filteradd", &MsgFilterAdd{Data: []byte{0x01}}, CmdFilterAdd},
		{"filterclear", &MsgFilterClear{}, CmdFilterClear},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			nw, err := WriteMessageN(&buf, test.in, pver, net)
			if err != nil {
				t.Fatalf("WriteMessage error: %v", err)
			}
			nr, msg, _, err := ReadMessageN(&buf, pver, net)
			if err != nil {
				t.Fatalf("ReadMessage error: %v", err)
			}
			if nw != nr {
				t.Fatalf("wrote %d bytes, read %d", nw, nr)
			}
			if msg.Command() != test.cmd {
				t.Fatalf("unexpected command %s", msg.Command())
			}
			if !reflect.DeepEqual(msg, test.in) {
				t.Fatalf("mismatched message - got %v, want %v",
					spew.Sdump(msg), spew.Sdump(test.in))
			}
		})
	}
}

// TestReadMessageErrors ensures malformed plaintext messages are rejected
// with the expected error kinds.
func TestReadMessageErrors(t *testing.T) {
	const pver = ProtocolVersion
	net := wire.MainNet

	encode := func(msg Message, net wire.CurrencyNet) []byte {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, msg, pver, net); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return buf.Bytes()
	}
	header := func(cmd string, length uint32) []byte {
		var hdr [MessageHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(net))
		copy(hdr[4:16], cmd)
		binary.LittleEndian.PutUint32(hdr[16:20], length)
		return hdr[:]
	}

	badChecksum := encode(&MsgAuthChallenge{}, net)
	badChecksum[len(badChecksum)-1] ^= 0xff

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{{
		name:    "wrong network",
		data:    encode(wire.NewMsgVerAck(), wire.TestNet3),
		wantErr: ErrWrongNetwork,
	}, {
		name:    "bad checksum",
		data:    badChecksum,
		wantErr: ErrPayloadChecksum,
	}, {
		name:    "unknown command",
		data:    header("nosuchcmd", 0),
		wantErr: ErrUnknownCmd,
	}, {
		name:    "malformed command",
		data:    header("bad\x01cmd", 0),
		wantErr: ErrMalformedCmd,
	}, {
		name:    "oversized payload",
		data:    header(CmdEncAck, PubKeySize+1),
		wantErr: ErrPayloadTooLarge,
	}, {
		name:    "over max payload",
		data:    header(wire.CmdBlock, MaxMessagePayload+1),
		wantErr: ErrPayloadTooLarge,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := ReadMessage(bytes.NewReader(test.data), pver, net)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("unexpected error: want %v, got %v",
					test.wantErr, err)
			}
		})
	}
}

// TestPayloadCodec ensures payloads round trip without a header as they do
// inside encrypted packets.
func TestPayloadCodec(t *testing.T) {
	ping := wire.NewMsgPing(99)
	payload, err := EncodePayload(ping, ProtocolVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, err := DecodePayload(wire.CmdPing, payload, ProtocolVersion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.(*wire.MsgPing).Nonce; got != 99 {
		t.Fatalf("unexpected nonce %d", got)
	}

	_, err = DecodePayload("bogus", nil, ProtocolVersion)
	if !errors.Is(err, ErrUnknownCmd) {
		t.Fatalf("unexpected error: want %v, got %v", ErrUnknownCmd, err)
	}
	_, err = DecodePayload(CmdAuthReply, make([]byte, 65), ProtocolVersion)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("unexpected error: want %v, got %v", ErrPayloadTooLarge,
			err)
	}
}

// TestCmpctBlock ensures compact blocks and block transaction responses
// encode their short ids and differential indexes correctly.
func TestCmpctBlock(t *testing.T) {
	const pver = ProtocolVersion

	in := &MsgCmpctBlock{
		Header:   testHeader(),
		Nonce:    0x0102030405060708,
		ShortIDs: []uint64{0x0000aabbccddeeff, 1, shortIDMask},
		Prefilled: []PrefilledTx{
			{Index: 0, Tx: testTx(1)},
			{Index: 3, Tx: testTx(2)},
		},
	}
	var buf bytes.Buffer
	if err := in.BtcEncode(&buf, pver); err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	var out MsgCmpctBlock
	if err := out.BtcDecode(&buf, pver); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if out.BlockHash() != in.BlockHash() || out.Nonce != in.Nonce {
		t.Fatal("header or nonce mismatch")
	}
	if !reflect.DeepEqual(out.ShortIDs, in.ShortIDs) {
		t.Fatalf("short ids mismatch: got %x want %x", out.ShortIDs,
			in.ShortIDs)
	}
	if len(out.Prefilled) != 2 {
		t.Fatalf("unexpected prefilled count %d", len(out.Prefilled))
	}
	for i, ptx := range out.Prefilled {
		want := in.Prefilled[i]
		if ptx.Index != want.Index || ptx.Tx.TxHash() != want.Tx.TxHash() {
			t.Fatalf("prefilled %d mismatch", i)
		}
	}

	// Indexes must be strictly increasing.
	bad := &MsgGetBlockTxn{Indexes: []uint32{5, 5}}
	if err := bad.BtcEncode(&buf, pver); !errors.Is(err, ErrMalformedMsg) {
		t.Fatalf("unexpected error: want %v, got %v", ErrMalformedMsg, err)
	}

	txns := &MsgBlockTxn{
		BlockHash:    in.BlockHash(),
		Transactions: []*wire.MsgTx{testTx(3), testTx(4)},
	}
	buf.Reset()
	if err := txns.BtcEncode(&buf, pver); err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	var txnsOut MsgBlockTxn
	if err := txnsOut.BtcDecode(&buf, pver); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(txnsOut.Transactions) != 2 ||
		txnsOut.Transactions[1].TxHash() != txns.Transactions[1].TxHash() {

		t.Fatal("block transactions mismatch")
	}
}

func TestMerkleBlock(t *testing.T) {
	header := testHeader()
	in := NewMsgMerkleBlock(&header)
	in.Transactions = 3
	for i := 0; i < 3; i++ {
		if err := in.AddTxHash(&chainhash.Hash{byte(i)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	in.Flags = []byte{0x1d}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, in, ProtocolVersion, wire.MainNet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _, err := ReadMessage(&buf, ProtocolVersion, wire.MainNet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := msg.(*MsgMerkleBlock)
	if out.Header.BlockHash() != header.BlockHash() ||
		out.Transactions != 3 || len(out.Hashes) != 3 ||
		!bytes.Equal(out.Flags, in.Flags) {

		t.Fatalf("mismatched merkle block: %v", spew.Sdump(out))
	}
}

func TestFilterLimits(t *testing.T) {
	load := NewMsgFilterLoad(make([]byte, MaxFilterLoadFilterSize+1), 1, 0,
		BloomUpdateNone)
	var buf bytes.Buffer
	if err := load.BtcEncode(&buf, ProtocolVersion); !errors.Is(err, ErrFilterTooLarge) {
		t.Fatalf("unexpected error: want %v, got %v", ErrFilterTooLarge, err)
	}
	load = NewMsgFilterLoad([]byte{1}, MaxFilterLoadHashFuncs+1, 0,
		BloomUpdateNone)
	if err := load.BtcEncode(&buf, ProtocolVersion); !errors.Is(err, ErrTooManyHashFuncs) {
		t.Fatalf("unexpected error: want %v, got %v", ErrTooManyHashFuncs,
			err)
	}
	add := &MsgFilterAdd{Data: make([]byte, MaxFilterAddDataSize+1)}
	if err := add.BtcEncode(&buf, ProtocolVersion); !errors.Is(err, ErrFilterTooLarge) {
		t.Fatalf("unexpected error: want %v, got %v", ErrFilterTooLarge, err)
	}
}

func TestShortID(t *testing.T) {
	header := testHeader()
	key, err := NewShortIDKey(&header, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := NewShortIDKey(&header, 1)
	other, _ := NewShortIDKey(&header, 2)

	hash := testTx(1).TxHash()
	sid := key.ShortID(&hash)
	if sid>>(8*ShortIDSize) != 0 {
		t.Fatalf("short id %x exceeds six bytes", sid)
	}
	if again.ShortID(&hash) != sid {
		t.Fatal("short id is not deterministic")
	}
	if other.ShortID(&hash) == sid {
		t.Fatal("short id did not change with the nonce")
	}
}

func TestEncAckRekey(t *testing.T) {
	if !NewMsgEncAck([PubKeySize]byte{}).IsRekey() {
		t.Fatal("zero key must be a rekey notification")
	}
	if NewMsgEncAck([PubKeySize]byte{0x02}).IsRekey() {
		t.Fatal("non-zero key must not be a rekey notification")
	}
}

func TestErrors(t *testing.T) {
	err := messageError("test", ErrUnknownCmd, "unknown")
	var merr MessageError
	if !errors.As(err, &merr) || merr.Func != "test" {
		t.Fatalf("unable to extract message error: %v", err)
	}
	if !errors.Is(err, ErrUnknownCmd) || errors.Is(err, ErrCmdTooLong) {
		t.Fatal("unexpected error kind match")
	}
	if err.Error() != "unknown" || ErrUnknownCmd.Error() != "ErrUnknownCmd" {
		t.Fatal("unexpected error strings")
	}
}
