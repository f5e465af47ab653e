// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// PubKeySize is the size of a compressed handshake public key.
	PubKeySize = secp256k1.PubKeyBytesLenCompressed

	// CipherChaCha20Poly1305 identifies the only supported cipher suite.
	CipherChaCha20Poly1305 uint8 = 0

	// DefaultRekeyInterval is the default maximum time an output stream uses
	// the same keys.
	DefaultRekeyInterval = 10 * time.Second

	// DefaultRekeyBytes is the default maximum number of payload bytes an
	// output stream encrypts with the same keys.
	DefaultRekeyBytes = 1 << 30

	// DefaultMaxPacketSize is the default maximum size of a packet body.
	DefaultMaxPacketSize = 32*1024*1024 + 1 + maxCommandSize

	// rekeyCommand is the command of the packet announcing an output rekey.
	rekeyCommand = "encack"
)

// Config houses the tunables of a session.
type Config struct {
	// RekeyInterval is the maximum time between output rekeys.
	RekeyInterval time.Duration

	// RekeyBytes is the maximum number of bytes sent between output rekeys.
	RekeyBytes uint64

	// MaxPacketSize is the largest packet body that will be accepted.
	MaxPacketSize uint32

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// Session is the encrypted transport of a single connection.
//
// Handshake methods may be called from any goroutine.  Packets are written
// and read by at most one goroutine per direction.
type Session struct {
	cfg Config

	// outKey keys what we send and inKey keys what we receive.
	outKey *secp256k1.PrivateKey
	inKey  *secp256k1.PrivateKey

	stateMtx     sync.Mutex
	initSent     bool
	initReceived bool
	ackSent      bool
	ackReceived  bool

	input  cipherStream
	output cipherStream
}

// NewSession returns a session with fresh ephemeral keys for both directions.
func NewSession(cfg *Config) (*Session, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.RekeyInterval <= 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
	if c.RekeyBytes == 0 {
		c.RekeyBytes = DefaultRekeyBytes
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	outKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	inKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Session{cfg: c, outKey: outKey, inKey: inKey}, nil
}

// serializePub returns the compressed form of a private key's public key.
func serializePub(key *secp256k1.PrivateKey) [PubKeySize]byte {
	var pub [PubKeySize]byte
	copy(pub[:], key.PubKey().SerializeCompressed())
	return pub
}

// sharedKeys performs ECDH against the remote public key and derives the
// resulting stream keys.
func sharedKeys(priv *secp256k1.PrivateKey, remote [PubKeySize]byte, cipher uint8) (*streamKeys, error) {
	pub, err := secp256k1.ParsePubKey(remote[:])
	if err != nil {
		str := fmt.Sprintf("invalid handshake public key: %v", err)
		return nil, makeError(ErrInvalidPubKey, str)
	}
	secret := secp256k1.GenerateSharedSecret(priv, pub)
	return deriveKeys(secret, cipher)
}

// ToInit marks our encinit as sent and returns its contents.
func (s *Session) ToInit() ([PubKeySize]byte, uint8) {
	s.stateMtx.Lock()
	s.initSent = true
	s.stateMtx.Unlock()
	return serializePub(s.outKey), CipherChaCha20Poly1305
}

// HandleInit keys the input stream from the remote peer's encinit.
func (s *Session) HandleInit(pub [PubKeySize]byte, cipher uint8) error {
	s.stateMtx.Lock()
	defer s.stateMtx.Unlock()

	if s.initReceived {
		return makeError(ErrDuplicateInit, "peer sent duplicate encinit")
	}
	if cipher != CipherChaCha20Poly1305 {
		str := fmt.Sprintf("peer requested unsupported cipher %d", cipher)
		return makeError(ErrUnsupportedCipher, str)
	}
	keys, err := sharedKeys(s.inKey, pub, cipher)
	if err != nil {
		return err
	}

	s.input.mtx.Lock()
	s.input.init(keys, s.cfg.Now())
	s.input.mtx.Unlock()
	s.initReceived = true
	return nil
}

// ToAck marks our encack as sent and returns its contents.  It must follow
// HandleInit.
func (s *Session) ToAck() ([PubKeySize]byte, error) {
	s.stateMtx.Lock()
	defer s.stateMtx.Unlock()

	if !s.initReceived {
		return [PubKeySize]byte{}, makeError(ErrNotReady,
			"cannot acknowledge before receiving encinit")
	}
	s.ackSent = true
	return serializePub(s.inKey), nil
}

// HandleAck keys the output stream from the remote peer's encack.  An
// all-zero key on a ready session is a rekey notification for the input
// stream.
func (s *Session) HandleAck(pub [PubKeySize]byte) error {
	s.stateMtx.Lock()
	defer s.stateMtx.Unlock()

	if pub == [PubKeySize]byte{} {
		if !s.isReady() {
			return makeError(ErrInvalidPubKey,
				"rekey notification before handshake completion")
		}
		s.input.mtx.Lock()
		s.input.rekey(s.cfg.Now())
		s.input.mtx.Unlock()
		return nil
	}
	if !s.initSent {
		return makeError(ErrAckBeforeInit, "peer sent encack before encinit")
	}
	if s.ackReceived {
		return makeError(ErrDuplicateAck, "peer sent duplicate encack")
	}
	keys, err := sharedKeys(s.outKey, pub, CipherChaCha20Poly1305)
	if err != nil {
		return err
	}

	s.output.mtx.Lock()
	s.output.init(keys, s.cfg.Now())
	s.output.mtx.Unlock()
	s.ackReceived = true
	return nil
}

// isReady returns whether both directions completed the handshake.  The
// state mutex must be held.
func (s *Session) isReady() bool {
	return s.initSent && s.initReceived && s.ackSent && s.ackReceived
}

// IsReady returns whether both directions completed the handshake.
func (s *Session) IsReady() bool {
	s.stateMtx.Lock()
	defer s.stateMtx.Unlock()
	return s.isReady()
}

// InputSID returns the session id of the input stream.
func (s *Session) InputSID() [32]byte {
	s.input.mtx.Lock()
	defer s.input.mtx.Unlock()
	return s.input.keys.sid
}

// OutputSID returns the session id of the output stream.
func (s *Session) OutputSID() [32]byte {
	s.output.mtx.Lock()
	defer s.output.mtx.Unlock()
	return s.output.keys.sid
}

// RekeyInputWith rekeys the input stream binding the new keys to the given
// identities.  The sender of the stream must call RekeyOutputWith with the
// same arguments.
func (s *Session) RekeyInputWith(req, res []byte) {
	s.input.mtx.Lock()
	s.input.rekey(s.cfg.Now(), req, res)
	s.input.mtx.Unlock()
	log.Tracef("Rekeyed input stream with identities")
}

// RekeyOutputWith rekeys the output stream binding the new keys to the given
// identities.
func (s *Session) RekeyOutputWith(req, res []byte) {
	s.output.mtx.Lock()
	s.output.rekey(s.cfg.Now(), req, res)
	s.output.mtx.Unlock()
	log.Tracef("Rekeyed output stream with identities")
}

// WritePacket encrypts and writes a packet.  The output stream is rekeyed
// first when its interval or byte budget is exhausted.
func (s *Session) WritePacket(w io.Writer, cmd string, payload []byte) error {
	if !s.IsReady() {
		return makeError(ErrNotReady, "handshake not complete")
	}
	body, err := encodeBody(cmd, payload)
	if err != nil {
		return err
	}

	s.output.mtx.Lock()
	defer s.output.mtx.Unlock()

	now := s.cfg.Now()
	if s.output.needsRekey(now, s.cfg.RekeyInterval, s.cfg.RekeyBytes) {
		notice, err := encodeBody(rekeyCommand, make([]byte, PubKeySize))
		if err != nil {
			return err
		}
		if err := s.output.writePacket(w, notice); err != nil {
			return err
		}
		s.output.rekey(now)
		log.Tracef("Rekeyed output stream (rekey %d)", s.output.rekeys)
	}
	return s.output.writePacket(w, body)
}

// ReadPacket reads the next packet and returns its command and payload.
// Rekey notifications are applied to the input stream and never returned.
func (s *Session) ReadPacket(r io.Reader) (string, []byte, error) {
	if !s.IsReady() {
		return "", nil, makeError(ErrNotReady, "handshake not complete")
	}

	s.input.mtx.Lock()
	defer s.input.mtx.Unlock()

	for {
		body, err := s.input.readPacket(r, s.cfg.MaxPacketSize)
		if err != nil {
			return "", nil, err
		}
		cmd, payload, err := decodeBody(body)
		if err != nil {
			return "", nil, err
		}
		if cmd == rekeyCommand && isRekeyNotice(payload) {
			s.input.rekey(s.cfg.Now())
			log.Tracef("Rekeyed input stream (rekey %d)", s.input.rekeys)
			continue
		}
		return cmd, payload, nil
	}
}

// isRekeyNotice returns whether an encack payload carries the all-zero key.
func isRekeyNotice(payload []byte) bool {
	if len(payload) != PubKeySize {
		return false
	}
	for _, b := range payload {
		if b != 0 {
			return false
		}
	}
	return true
}
