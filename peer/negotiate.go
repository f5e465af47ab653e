// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
	"github.com/decred/dcrp2p/peerauth"
	"github.com/decred/dcrp2p/transport"
)

// negotiate performs the full handshake with the remote peer.  The encrypted
// transport is negotiated first when enabled, followed by authentication of
// the encrypted session and finally the version exchange.
func (p *Peer) negotiate() error {
	if p.cfg.Encrypt {
		if err := p.negotiateEncryption(); err != nil {
			return err
		}
	}
	if p.encrypted && p.cfg.IdentityKey != nil {
		if err := p.negotiateAuth(); err != nil {
			return err
		}
	}
	if p.cfg.RequireAuth && p.Identity() == nil {
		return makeError(ErrAuthRequired, "peer did not prove an "+
			"authorized identity")
	}

	if p.inbound {
		return p.negotiateInboundProtocol()
	}
	return p.negotiateOutboundProtocol()
}

// negotiateEncryption exchanges the encinit and encack messages.  The
// messages themselves are always sent in plaintext.  A remote peer that does
// not take part fails the negotiation, or leaves the connection in plaintext
// when AllowPlaintext is set.
//
// Outbound peers send their encinit first and wait a limited time for the
// answer.  Inbound peers only answer an encinit received as the first
// message.
func (p *Peer) negotiateEncryption() error {
	session, err := transport.NewSession(p.cfg.Transport)
	if err != nil {
		return err
	}
	p.session = session

	if !p.inbound {
		pub, cipher := session.ToInit()
		err := p.writeMessageMode(netwire.NewMsgEncInit(pub, cipher), false)
		if err != nil {
			return err
		}
	}

	var msg netwire.Message
	if p.inbound {
		msg, _, err = p.readMessage()
	} else {
		msg, err = p.readMessageTimeout(p.cfg.EncryptTimeout)
	}
	if isTimeout(err) {
		if !p.cfg.AllowPlaintext {
			str := fmt.Sprintf("no encinit received within %v",
				p.cfg.EncryptTimeout)
			return makeError(ErrNegotiationTimeout, str)
		}
		log.Debugf("Peer %s did not answer encinit -- continuing in "+
			"plaintext", p)
		return nil
	}
	if err != nil {
		return err
	}
	initMsg, ok := msg.(*netwire.MsgEncInit)
	if !ok {
		if !p.cfg.AllowPlaintext {
			str := fmt.Sprintf("expected encinit, got %s", msg.Command())
			return makeError(ErrUnexpectedMessage, str)
		}
		p.pending = msg
		log.Debugf("Peer %s does not encrypt -- continuing in plaintext", p)
		return nil
	}
	if err := session.HandleInit(initMsg.PubKey, initMsg.Cipher); err != nil {
		return err
	}

	if p.inbound {
		pub, cipher := session.ToInit()
		err := p.writeMessageMode(netwire.NewMsgEncInit(pub, cipher), false)
		if err != nil {
			return err
		}
		if err := p.writeEncAck(); err != nil {
			return err
		}
		if err := p.readEncAck(); err != nil {
			return err
		}
	} else {
		if err := p.readEncAck(); err != nil {
			return err
		}
		if err := p.writeEncAck(); err != nil {
			return err
		}
	}

	p.flagsMtx.Lock()
	p.encrypted = true
	p.flagsMtx.Unlock()
	log.Debugf("Encrypted session established with %s", p)
	return nil
}

// writeEncAck acknowledges the encinit of the remote peer.
func (p *Peer) writeEncAck() error {
	pub, err := p.session.ToAck()
	if err != nil {
		return err
	}
	return p.writeMessageMode(netwire.NewMsgEncAck(pub), false)
}

// readEncAck reads the encack of the remote peer and keys the output stream.
func (p *Peer) readEncAck() error {
	msg, _, err := p.readMessage()
	if err != nil {
		return err
	}
	ack, ok := msg.(*netwire.MsgEncAck)
	if !ok {
		str := fmt.Sprintf("expected encack, got %s", msg.Command())
		return makeError(ErrUnexpectedMessage, str)
	}
	return p.session.HandleAck(ack.PubKey)
}

// isAuthMessage returns whether the message belongs to the authentication
// exchange.
func isAuthMessage(msg netwire.Message) bool {
	switch msg.(type) {
	case *netwire.MsgAuthChallenge, *netwire.MsgAuthReply,
		*netwire.MsgAuthPropose:
		return true
	}
	return false
}

// negotiateAuth runs the authentication exchange over the encrypted session.
// A remote peer that does not take part leaves the session unauthenticated.
// An outbound peer whose proposed identity is refused continues
// unauthenticated as well.
func (p *Peer) negotiateAuth() error {
	var peerKey *peerauth.PubKey
	if !p.inbound && p.cfg.LookupIdentity != nil {
		peerKey = p.cfg.LookupIdentity(p.NA())
	}
	auth, err := peerauth.New(&peerauth.Config{
		IdentityKey:    p.cfg.IdentityKey,
		Outbound:       !p.inbound,
		PeerKey:        peerKey,
		AuthorizedKeys: p.cfg.AuthorizedKeys,
		Session:        p.session,
		OnIdentified: func(key peerauth.PubKey) {
			if p.cfg.OnIdentified != nil {
				p.cfg.OnIdentified(p, key)
			}
		},
	})
	if err != nil {
		return err
	}
	p.auth = auth

	if msg := auth.Start(); msg != nil {
		if err := p.writeMessage(msg); err != nil {
			return err
		}
	}

	for !auth.Done() {
		var msg netwire.Message
		if p.inbound {
			msg, _, err = p.readMessage()
		} else {
			msg, err = p.readMessageTimeout(p.cfg.AuthTimeout)
		}
		if isTimeout(err) {
			log.Debugf("Peer %s did not answer authentication", p)
			break
		}
		if err != nil {
			return err
		}
		if !isAuthMessage(msg) {
			p.pending = msg
			break
		}

		resp, err := auth.Handle(msg)
		if !p.inbound && errors.Is(err, peerauth.ErrAuthFailure) {
			log.Debugf("Peer %s refused our identity", p)
			break
		}
		if err != nil {
			return err
		}
		if resp != nil {
			if err := p.writeMessage(resp); err != nil {
				return err
			}
		}
		auth.Settle()
	}

	// Outbound peers only trust an identity after mutual authentication.
	// Inbound peers finish once the reply to their challenge verified.
	verified := auth.State() == peerauth.StateAuthed ||
		(p.inbound && auth.Done() && auth.Verified())
	if verified {
		p.flagsMtx.Lock()
		p.identity = auth.PeerKey()
		p.flagsMtx.Unlock()
		log.Debugf("Peer %s authenticated as %v (state %v)", p,
			auth.PeerKey(), auth.State())
	}
	return nil
}

// skipDuringVersion returns whether a message received while waiting for the
// version exchange belongs to an optional phase this side did not run and
// is therefore ignored.
func (p *Peer) skipDuringVersion(msg netwire.Message) bool {
	switch msg.(type) {
	case *netwire.MsgEncInit, *netwire.MsgEncAck:
		return !p.cfg.Encrypt
	}
	return isAuthMessage(msg) && p.auth == nil
}

// readVersionPhaseMessage reads the next message of the version exchange,
// skipping leftovers of optional phases the remote peer attempted.
func (p *Peer) readVersionPhaseMessage() (netwire.Message, error) {
	for {
		msg, _, err := p.readMessage()
		if err != nil {
			return nil, err
		}
		if p.skipDuringVersion(msg) {
			log.Tracef("Ignoring %s from %s during version exchange",
				msg.Command(), p)
			continue
		}
		return msg, nil
	}
}

// rejectAndFail sends a reject message to the remote peer and returns an
// error of the given kind with the reason as its description.
func (p *Peer) rejectAndFail(kind ErrorKind, cmd string, code netwire.RejectCode, reason string) error {
	rejectMsg := netwire.NewMsgReject(cmd, code, reason)
	if err := p.writeMessage(rejectMsg); err != nil {
		return err
	}
	return makeError(kind, reason)
}

// readRemoteVersionMsg waits for the next message to arrive from the remote
// peer.  If the next message is not a version message or the version is not
// acceptable then return an error.
func (p *Peer) readRemoteVersionMsg() error {
	// Read their version message.
	remoteMsg, err := p.readVersionPhaseMessage()
	if err != nil {
		return err
	}

	// Notify and disconnect clients if the first message is not a version
	// message.
	msg, ok := remoteMsg.(*wire.MsgVersion)
	if !ok {
		reason := "a version message must precede all others"
		return p.rejectAndFail(ErrUnexpectedMessage, remoteMsg.Command(),
			netwire.RejectMalformed, reason)
	}

	// Detect self connections.
	if !allowSelfConns && sentNonces.Contains(msg.Nonce) {
		return makeError(ErrSelfConnection, "disconnecting peer connected "+
			"to self")
	}

	// Negotiate the protocol version and set the services to what the remote
	// peer advertised.
	p.flagsMtx.Lock()
	p.advertisedProtoVer = uint32(msg.ProtocolVersion)
	p.protocolVersion = min(p.protocolVersion, p.advertisedProtoVer)
	p.versionKnown = true
	p.services = msg.Services
	p.na.Services = msg.Services
	p.flagsMtx.Unlock()
	log.Debugf("Negotiated protocol version %d for peer %s",
		p.ProtocolVersion(), p)

	// Updating a bunch of stats.
	p.statsMtx.Lock()
	p.lastBlock = int64(msg.LastBlock)
	p.startingHeight = int64(msg.LastBlock)

	// Set the peer's time offset.
	p.timeOffset = msg.Timestamp.Unix() - time.Now().Unix()
	p.statsMtx.Unlock()

	// Set the peer's ID and user agent.
	p.flagsMtx.Lock()
	p.id = atomic.AddInt32(&nodeCount, 1)
	p.userAgent = msg.UserAgent
	p.flagsMtx.Unlock()

	// Invoke the callback if specified.  In the case the callback returns a
	// reject message, notify and disconnect the peer accordingly.
	if p.cfg.Listeners.OnVersion != nil {
		rejectMsg := p.cfg.Listeners.OnVersion(p, msg)
		if rejectMsg != nil {
			_ = p.writeMessage(rejectMsg)
			return makeError(ErrVersionRejected, rejectMsg.Reason)
		}
	}

	// Notify and disconnect clients that have a protocol version that is
	// too old.
	if uint32(msg.ProtocolVersion) < MinAcceptableProtocolVersion {
		// Send a reject message indicating the protocol version is
		// obsolete and wait for the message to be sent before
		// disconnecting.
		reason := fmt.Sprintf("protocol version must be %d or greater",
			MinAcceptableProtocolVersion)
		return p.rejectAndFail(ErrObsoleteVersion, msg.Command(),
			netwire.RejectObsolete, reason)
	}

	return nil
}

// readRemoteVerAckMsg waits for the next message to arrive from the remote
// peer.  If this message is not a verack message, then an error is returned.
func (p *Peer) readRemoteVerAckMsg() error {
	// Read the next message from the wire.
	remoteMsg, err := p.readVersionPhaseMessage()
	if err != nil {
		return err
	}

	// It should be a verack message, otherwise send a reject message to the
	// peer explaining why.
	if _, ok := remoteMsg.(*wire.MsgVerAck); !ok {
		reason := "a verack message must follow version"
		return p.rejectAndFail(ErrUnexpectedMessage, remoteMsg.Command(),
			netwire.RejectMalformed, reason)
	}

	p.flagsMtx.Lock()
	p.verAckReceived = true
	p.flagsMtx.Unlock()
	return nil
}

// localVersionMsg creates a version message that can be used to send to the
// remote peer.
func (p *Peer) localVersionMsg() (*wire.MsgVersion, error) {
	var blockNum int64
	if p.cfg.NewestBlock != nil {
		var err error
		_, blockNum, err = p.cfg.NewestBlock()
		if err != nil {
			return nil, err
		}
	}

	theirNA := p.NA().ToWire()

	// If we are behind a proxy and the connection comes from the proxy then
	// we return an unroutable address as their address.  This is to prevent
	// leaking the tor proxy address.
	if p.cfg.Proxy != "" {
		proxyaddress, _, err := net.SplitHostPort(p.cfg.Proxy)
		// invalid proxy means poorly configured, be on the safe side.
		if err != nil || theirNA.IP.String() == proxyaddress {
			theirNA = wire.NewNetAddressIPPort(net.IP([]byte{0, 0, 0, 0}), 0,
				theirNA.Services)
		}
	}

	// Create a wire.NetAddress with only the services set to use as the
	// "addrme" in the version message.
	//
	// Older nodes previously added the IP and port information to the
	// address manager which proved to be unreliable as an inbound
	// connection from a peer didn't necessarily mean the peer itself
	// accepted inbound connections.
	//
	// Also, the timestamp is unused in the version message.
	ourNA := &wire.NetAddress{
		Services: p.cfg.Services,
	}

	// Generate a unique nonce for this peer so self connections can be
	// detected.  This is accomplished by adding it to a size-limited set of
	// recently seen nonces.
	nonce := rand.Uint64()
	sentNonces.Put(nonce)

	// Version message.
	msg := wire.NewMsgVersion(ourNA, theirNA, nonce, int32(blockNum))
	err := msg.AddUserAgent(p.cfg.UserAgentName, p.cfg.UserAgentVersion,
		p.cfg.UserAgentComments...)
	if err != nil {
		return nil, err
	}

	// Advertise local services.
	msg.Services = p.cfg.Services

	// Advertise our max supported protocol version.
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)

	// Advertise if inv messages for transactions are desired.
	msg.DisableRelayTx = p.cfg.DisableRelayTx

	return msg, nil
}

// writeLocalVersionMsg writes our version message to the remote peer.
func (p *Peer) writeLocalVersionMsg() error {
	localVerMsg, err := p.localVersionMsg()
	if err != nil {
		return err
	}

	return p.writeMessage(localVerMsg)
}

// negotiateInboundProtocol performs the negotiation protocol for an inbound
// peer.  The events should occur in the following order, otherwise an error
// is returned:
//
//  1. Remote peer sends their version.
//  2. We send our version.
//  3. We send our verack.
//  4. Remote peer sends their verack.
func (p *Peer) negotiateInboundProtocol() error {
	if err := p.readRemoteVersionMsg(); err != nil {
		return err
	}

	if err := p.writeLocalVersionMsg(); err != nil {
		return err
	}

	if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
		return err
	}

	return p.readRemoteVerAckMsg()
}

// negotiateOutboundProtocol performs the negotiation protocol for an outbound
// peer.  The events should occur in the following order, otherwise an error
// is returned:
//
//  1. We send our version.
//  2. Remote peer sends their version.
//  3. Remote peer sends their verack.
//  4. We send our verack.
func (p *Peer) negotiateOutboundProtocol() error {
	if err := p.writeLocalVersionMsg(); err != nil {
		return err
	}

	if err := p.readRemoteVersionMsg(); err != nil {
		return err
	}

	if err := p.readRemoteVerAckMsg(); err != nil {
		return err
	}

	return p.writeMessage(wire.NewMsgVerAck())
}
