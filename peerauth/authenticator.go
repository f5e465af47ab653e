// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peerauth

import (
	"crypto/subtle"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/decred/dcrp2p/netwire"
)

// Roles mixed into challenge hashes.
const (
	roleInitiator = 'i'
	roleResponder = 'r'
	roleProposer  = 'p'
)

// State describes the progress of an authenticator.
type State uint8

// These constants define the authenticator states.
const (
	// StateIdle means no authentication message was exchanged yet.
	StateIdle State = iota

	// StatePending means the exchange is in progress.
	StatePending

	// StateCompleted means the exchange ended with only one side proven.
	StateCompleted

	// StateAuthed means both sides proved their identity to each other.
	StateAuthed
)

// Map of states back to their constant names for pretty printing.
var stateStrings = map[State]string{
	StateIdle:      "StateIdle",
	StatePending:   "StatePending",
	StateCompleted: "StateCompleted",
	StateAuthed:    "StateAuthed",
}

// String returns the State as a human-readable name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", uint8(s))
}

// Session is the part of an encrypted transport the authenticator needs.
type Session interface {
	IsReady() bool
	InputSID() [32]byte
	OutputSID() [32]byte
	RekeyInputWith(req, res []byte)
	RekeyOutputWith(req, res []byte)
}

// Config houses the parameters of an Authenticator.
type Config struct {
	// IdentityKey is our long term identity.
	IdentityKey *secp256k1.PrivateKey

	// Outbound is whether we dialed the connection.
	Outbound bool

	// PeerKey is the expected identity of an outbound peer, when known.
	PeerKey *PubKey

	// AuthorizedKeys are the identities inbound peers may propose.
	AuthorizedKeys []PubKey

	// Session is the ready encrypted transport of the connection.
	Session Session

	// OnIdentified is invoked when an inbound peer proposes an authorized
	// identity.  It may be nil.
	OnIdentified func(key PubKey)
}

// Authenticator drives the challenge, reply and propose exchange for one
// connection.  It is not safe for concurrent use.
type Authenticator struct {
	cfg     Config
	ourKey  PubKey
	peerKey *PubKey

	challengeSent     bool
	challengeReceived bool
	replyReceived     bool
	verified          bool
	proposeSent       bool
	proposeReceived   bool
	done              bool
	authed            bool
	rekeyed           bool
}

// New returns an authenticator for the given configuration.
func New(cfg *Config) (*Authenticator, error) {
	if cfg.Session == nil || !cfg.Session.IsReady() {
		return nil, makeError(ErrNoSession, "authentication requires a "+
			"ready encrypted session")
	}
	if cfg.IdentityKey == nil {
		return nil, makeError(ErrInvalidKey, "no identity key")
	}
	a := &Authenticator{
		cfg:    *cfg,
		ourKey: SerializePubKey(cfg.IdentityKey),
	}
	if cfg.PeerKey != nil {
		key := *cfg.PeerKey
		a.peerKey = &key
	}
	return a, nil
}

// authHash returns blake256(sid || role || key).
func authHash(sid [32]byte, role byte, key *PubKey) chainhash.Hash {
	var buf [32 + 1 + PubKeySize]byte
	copy(buf[:32], sid[:])
	buf[32] = role
	copy(buf[33:], key[:])
	return chainhash.Hash(blake256.Sum256(buf[:]))
}

// equal compares two hashes in constant time.
func equal(a, b *chainhash.Hash) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// randomHash returns 32 random bytes.
func randomHash() chainhash.Hash {
	var h chainhash.Hash
	rand.Read(h[:])
	return h
}

// isAuthed returns whether both cross checks are complete.
func (a *Authenticator) isAuthed() bool {
	if a.cfg.Outbound {
		return a.challengeSent && a.challengeReceived
	}
	return a.challengeReceived && a.replyReceived
}

// State returns the current state of the exchange.
func (a *Authenticator) State() State {
	switch {
	case a.authed:
		return StateAuthed
	case a.done:
		return StateCompleted
	case a.challengeSent || a.challengeReceived || a.proposeSent ||
		a.proposeReceived:
		return StatePending
	}
	return StateIdle
}

// Done returns whether the exchange has finished.
func (a *Authenticator) Done() bool {
	return a.done
}

// Verified returns whether the peer signed the challenge for the identity it
// claimed.
func (a *Authenticator) Verified() bool {
	return a.verified
}

// PeerKey returns the identity of the remote peer once it is known.
func (a *Authenticator) PeerKey() *PubKey {
	return a.peerKey
}

// Start returns the first message of an outbound exchange.  With a known
// peer identity it challenges the peer, otherwise it proposes our identity.
// Inbound authenticators wait for the peer and return nil.
func (a *Authenticator) Start() netwire.Message {
	if !a.cfg.Outbound || a.challengeSent || a.proposeSent {
		return nil
	}
	sid := a.cfg.Session.OutputSID()
	if a.peerKey != nil {
		a.challengeSent = true
		return &netwire.MsgAuthChallenge{
			Hash: authHash(sid, roleInitiator, a.peerKey),
		}
	}
	a.proposeSent = true
	return &netwire.MsgAuthPropose{Hash: authHash(sid, roleProposer, &a.ourKey)}
}

// Handle processes an authentication message from the peer and returns the
// response to send, if any.  Any error is fatal to the connection.
func (a *Authenticator) Handle(msg netwire.Message) (netwire.Message, error) {
	switch m := msg.(type) {
	case *netwire.MsgAuthChallenge:
		return a.HandleChallenge(&m.Hash)
	case *netwire.MsgAuthReply:
		return a.HandleReply(&m.Signature)
	case *netwire.MsgAuthPropose:
		return a.HandlePropose(&m.Hash)
	}
	str := fmt.Sprintf("unexpected %s message during authentication",
		msg.Command())
	return nil, makeError(ErrUnsolicited, str)
}

// HandleChallenge answers a challenge with a signature when it names our
// identity and with an all-zero reply otherwise.
func (a *Authenticator) HandleChallenge(hash *chainhash.Hash) (*netwire.MsgAuthReply, error) {
	if a.challengeReceived {
		return nil, makeError(ErrDuplicateChallenge, "peer challenged twice")
	}
	a.challengeReceived = true
	if *hash == (chainhash.Hash{}) {
		return nil, makeError(ErrAuthFailure, "peer rejected our identity")
	}

	role := byte(roleInitiator)
	if a.cfg.Outbound {
		role = roleResponder
	}
	want := authHash(a.cfg.Session.InputSID(), role, &a.ourKey)
	if !equal(hash, &want) {
		log.Debugf("Peer challenged an identity that is not ours")
		return &netwire.MsgAuthReply{}, nil
	}

	sig, err := schnorr.Sign(a.cfg.IdentityKey, want[:])
	if err != nil {
		return nil, err
	}
	reply := &netwire.MsgAuthReply{}
	copy(reply.Signature[:], sig.Serialize())

	if a.isAuthed() {
		a.authed = true
		a.done = true
	} else if a.cfg.Outbound && a.proposeSent {
		// The peer only learned who we are.
		a.done = true
	}
	return reply, nil
}

// HandleReply verifies the signature answering our challenge.  A failed or
// all-zero reply is answered with a random proposal so the peer cannot learn
// which identity was expected.  An inbound exchange ends there unverified.
func (a *Authenticator) HandleReply(sig *[netwire.SignatureSize]byte) (netwire.Message, error) {
	if !a.challengeSent {
		return nil, makeError(ErrUnsolicited, "unsolicited auth reply")
	}
	if a.replyReceived {
		return nil, makeError(ErrDuplicateReply, "peer replied twice")
	}
	a.replyReceived = true

	role := byte(roleInitiator)
	if !a.cfg.Outbound {
		role = roleResponder
	}
	msg := authHash(a.cfg.Session.OutputSID(), role, a.peerKey)
	a.verified = a.verify(sig, &msg)
	if !a.verified {
		log.Debugf("Peer failed to prove the expected identity")
		a.proposeSent = true
		if !a.cfg.Outbound {
			a.done = true
		}
		return &netwire.MsgAuthPropose{Hash: randomHash()}, nil
	}

	if !a.cfg.Outbound {
		a.done = true
		a.authed = a.isAuthed()
		return nil, nil
	}
	if a.isAuthed() {
		a.authed = true
		a.done = true
		return nil, nil
	}
	a.proposeSent = true
	sid := a.cfg.Session.OutputSID()
	return &netwire.MsgAuthPropose{Hash: authHash(sid, roleProposer, &a.ourKey)}, nil
}

// verify checks a reply signature against the expected peer identity.
func (a *Authenticator) verify(sig *[netwire.SignatureSize]byte, msg *chainhash.Hash) bool {
	if *sig == ([netwire.SignatureSize]byte{}) || a.peerKey == nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(a.peerKey[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return s.Verify(msg[:], pub)
}

// HandlePropose looks for an authorized key matching the peer's proposal and
// challenges it.  An all-zero challenge is returned when no key matches.
func (a *Authenticator) HandlePropose(hash *chainhash.Hash) (*netwire.MsgAuthChallenge, error) {
	if a.cfg.Outbound || a.challengeSent {
		return nil, makeError(ErrUnsolicited, "unsolicited auth propose")
	}
	if a.proposeReceived {
		return nil, makeError(ErrDuplicatePropose, "peer proposed twice")
	}
	a.proposeReceived = true

	sid := a.cfg.Session.InputSID()
	var match *PubKey
	for i := range a.cfg.AuthorizedKeys {
		key := &a.cfg.AuthorizedKeys[i]
		h := authHash(sid, roleProposer, key)
		if equal(hash, &h) && match == nil {
			match = key
		}
	}
	if match == nil {
		log.Debugf("Peer proposed an unauthorized identity")
		return &netwire.MsgAuthChallenge{}, nil
	}

	key := *match
	a.peerKey = &key
	if a.cfg.OnIdentified != nil {
		a.cfg.OnIdentified(key)
	}
	a.challengeSent = true
	return &netwire.MsgAuthChallenge{
		Hash: authHash(a.cfg.Session.OutputSID(), roleResponder, &key),
	}, nil
}

// Settle rekeys both directions with the confirmed identities once mutual
// authentication succeeded.  It must be called after the response to the
// final message was written and before any further message is read.
func (a *Authenticator) Settle() {
	if !a.authed || a.rekeyed {
		return
	}
	a.rekeyed = true
	a.cfg.Session.RekeyInputWith(a.peerKey[:], a.ourKey[:])
	a.cfg.Session.RekeyOutputWith(a.ourKey[:], a.peerKey[:])
	log.Debugf("Rekeyed session with identity %v", a.peerKey)
}
