// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// handshake performs the full encinit/encack exchange in both directions
// between two sessions.
func handshake(t *testing.T, a, b *Session) {
	t.Helper()

	aPub, aCipher := a.ToInit()
	bPub, bCipher := b.ToInit()
	if err := b.HandleInit(aPub, aCipher); err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	if err := a.HandleInit(bPub, bCipher); err != nil {
		t.Fatalf("HandleInit: %v", err)
	}
	bAck, err := b.ToAck()
	if err != nil {
		t.Fatalf("ToAck: %v", err)
	}
	aAck, err := a.ToAck()
	if err != nil {
		t.Fatalf("ToAck: %v", err)
	}
	if err := a.HandleAck(bAck); err != nil {
		t.Fatalf("HandleAck: %v", err)
	}
	if err := b.HandleAck(aAck); err != nil {
		t.Fatalf("HandleAck: %v", err)
	}
}

// newPair returns two sessions that completed the handshake.
func newPair(t *testing.T, cfgA, cfgB *Config) (*Session, *Session) {
	t.Helper()

	a, err := NewSession(cfgA)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	b, err := NewSession(cfgB)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	handshake(t, a, b)
	return a, b
}

// roundTrip sends a packet from a to b and checks it arrives intact.
func roundTrip(t *testing.T, a, b *Session, cmd string, payload []byte) {
	t.Helper()

	var buf bytes.Buffer
	if err := a.WritePacket(&buf, cmd, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	gotCmd, gotPayload, err := b.ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if gotCmd != cmd || !bytes.Equal(gotPayload, payload) {
		t.Fatalf("mismatched packet: got %q %x, want %q %x", gotCmd,
			gotPayload, cmd, payload)
	}
	if buf.Len() != 0 {
		t.Fatalf("%d unread bytes after packet", buf.Len())
	}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func TestHandshake(t *testing.T) {
	a, err := NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	b, err := NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var buf bytes.Buffer
	if err := a.WritePacket(&buf, "ping", nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("unexpected error: want %v, got %v", ErrNotReady, err)
	}
	if _, err := b.ToAck(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("unexpected error: want %v, got %v", ErrNotReady, err)
	}
	if err := a.HandleAck([PubKeySize]byte{0x02}); !errors.Is(err, ErrAckBeforeInit) {
		t.Fatalf("unexpected error: want %v, got %v", ErrAckBeforeInit, err)
	}

	handshake(t, a, b)
	if !a.IsReady() || !b.IsReady() {
		t.Fatal("sessions not ready after handshake")
	}
	if a.OutputSID() != b.InputSID() || b.OutputSID() != a.InputSID() {
		t.Fatal("session ids do not match across directions")
	}
	if a.OutputSID() == a.InputSID() {
		t.Fatal("both directions share a session id")
	}

	roundTrip(t, a, b, "ping", []byte{1, 2, 3, 4, 5, 6, 7, 8})
	roundTrip(t, b, a, "pong", []byte{8, 7, 6, 5, 4, 3, 2, 1})
	roundTrip(t, a, b, "verack", nil)
	roundTrip(t, a, b, "block", bytes.Repeat([]byte{0xaa}, 100000))

	// Repeated handshake steps are fatal.
	pub, cipher := a.ToInit()
	if err := b.HandleInit(pub, cipher); !errors.Is(err, ErrDuplicateInit) {
		t.Fatalf("unexpected error: want %v, got %v", ErrDuplicateInit, err)
	}
	ack, _ := b.ToAck()
	if err := a.HandleAck(ack); !errors.Is(err, ErrDuplicateAck) {
		t.Fatalf("unexpected error: want %v, got %v", ErrDuplicateAck, err)
	}
}

func TestHandshakeBadInit(t *testing.T) {
	a, _ := NewSession(nil)
	b, _ := NewSession(nil)

	pub, _ := a.ToInit()
	if err := b.HandleInit(pub, 1); !errors.Is(err, ErrUnsupportedCipher) {
		t.Fatalf("unexpected error: want %v, got %v", ErrUnsupportedCipher,
			err)
	}
	if err := b.HandleInit([PubKeySize]byte{0x05}, 0); !errors.Is(err, ErrInvalidPubKey) {
		t.Fatalf("unexpected error: want %v, got %v", ErrInvalidPubKey, err)
	}
	if err := b.HandleAck([PubKeySize]byte{}); !errors.Is(err, ErrInvalidPubKey) {
		t.Fatalf("unexpected error: want %v, got %v", ErrInvalidPubKey, err)
	}
	if b.IsReady() {
		t.Fatal("session ready after failed handshake")
	}
}

func TestBadTag(t *testing.T) {
	a, b := newPair(t, nil, nil)

	tests := []struct {
		name   string
		offset func(n int) int
	}{
		{"payload", func(n int) int { return lengthSize + 2 }},
		{"tag", func(n int) int { return n - 1 }},
		{"command", func(n int) int { return lengthSize }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := a.WritePacket(&buf, "tx", []byte("payload")); err != nil {
				t.Fatalf("WritePacket: %v", err)
			}
			pkt := buf.Bytes()
			pkt[test.offset(len(pkt))] ^= 0x01

			_, _, err := b.ReadPacket(&buf)
			if !errors.Is(err, ErrBadTag) {
				t.Fatalf("unexpected error: want %v, got %v", ErrBadTag,
					err)
			}

			// The sequence numbers stay aligned after a rejected packet.
			roundTrip(t, a, b, "tx", []byte("next"))
		})
	}
}

func TestPacketTooLarge(t *testing.T) {
	a, b := newPair(t, nil, &Config{MaxPacketSize: 64})

	var buf bytes.Buffer
	if err := a.WritePacket(&buf, "block", make([]byte, 128)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if _, _, err := b.ReadPacket(&buf); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("unexpected error: want %v, got %v", ErrPacketTooLarge, err)
	}

	if err := a.WritePacket(&buf, "toolongcommand", nil); !errors.Is(err, ErrMalformedPacket) {
		t.Fatalf("unexpected error: want %v, got %v", ErrMalformedPacket,
			err)
	}
}

func TestRekeyBytes(t *testing.T) {
	a, b := newPair(t, &Config{RekeyBytes: 100}, nil)

	payload := bytes.Repeat([]byte{0x55}, 40)
	for i := 0; i < 10; i++ {
		roundTrip(t, a, b, "tx", payload)
	}
	if a.output.rekeys == 0 {
		t.Fatal("output stream was never rekeyed")
	}
	if a.output.rekeys != b.input.rekeys {
		t.Fatalf("rekey count mismatch: output %d, input %d",
			a.output.rekeys, b.input.rekeys)
	}
	// The reverse direction is independent.
	if b.output.rekeys != 0 || a.input.rekeys != 0 {
		t.Fatal("unexpected rekey of the reverse direction")
	}
}

func TestRekeyInterval(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg := &Config{RekeyInterval: 10 * time.Second, Now: clock.Now}
	a, b := newPair(t, cfg, cfg)

	roundTrip(t, a, b, "ping", []byte{1})
	clock.now = clock.now.Add(9 * time.Second)
	roundTrip(t, a, b, "ping", []byte{2})
	if a.output.rekeys != 0 {
		t.Fatalf("rekeyed early: %d", a.output.rekeys)
	}

	clock.now = clock.now.Add(time.Second)
	seq := a.output.seq
	roundTrip(t, a, b, "ping", []byte{3})
	if a.output.rekeys != 1 || b.input.rekeys != 1 {
		t.Fatalf("unexpected rekey counts: output %d, input %d",
			a.output.rekeys, b.input.rekeys)
	}
	// The notice and the packet both consumed a sequence number.
	if a.output.seq != seq+2 || b.input.seq != a.output.seq {
		t.Fatalf("unexpected sequence numbers: output %d, input %d",
			a.output.seq, b.input.seq)
	}
}

func TestZeroAckRekey(t *testing.T) {
	a, b := newPair(t, nil, nil)

	before := b.InputSID()
	if err := b.HandleAck([PubKeySize]byte{}); err != nil {
		t.Fatalf("HandleAck: %v", err)
	}
	a.output.mtx.Lock()
	a.output.rekey(time.Now())
	a.output.mtx.Unlock()

	if b.InputSID() != before {
		t.Fatal("rekey changed the session id")
	}
	roundTrip(t, a, b, "ping", []byte{1, 2, 3})
}

func TestRekeyWithIdentities(t *testing.T) {
	a, b := newPair(t, nil, nil)

	req := bytes.Repeat([]byte{0x02}, PubKeySize)
	res := bytes.Repeat([]byte{0x03}, PubKeySize)
	a.RekeyOutputWith(req, res)
	b.RekeyInputWith(req, res)
	roundTrip(t, a, b, "ping", []byte{1})

	// Swapped identities produce different keys.
	a.RekeyOutputWith(req, res)
	b.RekeyInputWith(res, req)
	var buf bytes.Buffer
	if err := a.WritePacket(&buf, "ping", []byte{2}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if _, _, err := b.ReadPacket(&buf); !errors.Is(err, ErrBadTag) {
		t.Fatalf("unexpected error: want %v, got %v", ErrBadTag, err)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrDuplicateInit, "ErrDuplicateInit"},
		{ErrAckBeforeInit, "ErrAckBeforeInit"},
		{ErrDuplicateAck, "ErrDuplicateAck"},
		{ErrUnsupportedCipher, "ErrUnsupportedCipher"},
		{ErrInvalidPubKey, "ErrInvalidPubKey"},
		{ErrNotReady, "ErrNotReady"},
		{ErrBadTag, "ErrBadTag"},
		{ErrPacketTooLarge, "ErrPacketTooLarge"},
		{ErrMalformedPacket, "ErrMalformedPacket"},
	}
	for i, test := range tests {
		if got := test.in.Error(); got != test.want {
			t.Errorf("#%d: got %q, want %q", i, got, test.want)
		}
	}

	err := makeError(ErrBadTag, "bad tag")
	var terr Error
	if !errors.As(err, &terr) || terr.Description != "bad tag" {
		t.Fatalf("unable to extract error: %v", err)
	}
	if !errors.Is(err, ErrBadTag) || errors.Is(err, ErrNotReady) {
		t.Fatal("unexpected error kind match")
	}
}
