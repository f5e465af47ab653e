// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peerauth

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PubKeySize is the size of a serialized identity key.
const PubKeySize = secp256k1.PubKeyBytesLenCompressed

// PubKey is a compressed secp256k1 identity public key.
type PubKey [PubKeySize]byte

// String returns the key as hex.
func (k PubKey) String() string {
	return hex.EncodeToString(k[:])
}

// ParsePubKey decodes and validates a hex encoded compressed identity key.
func ParsePubKey(s string) (PubKey, error) {
	var key PubKey
	b, err := hex.DecodeString(s)
	if err != nil {
		str := fmt.Sprintf("identity key is not hex: %v", err)
		return key, makeError(ErrInvalidKey, str)
	}
	if len(b) != PubKeySize {
		str := fmt.Sprintf("identity key is %d bytes, want %d", len(b),
			PubKeySize)
		return key, makeError(ErrInvalidKey, str)
	}
	if _, err := secp256k1.ParsePubKey(b); err != nil {
		str := fmt.Sprintf("identity key is not a valid point: %v", err)
		return key, makeError(ErrInvalidKey, str)
	}
	copy(key[:], b)
	return key, nil
}

// ParseIdentityKey decodes a hex encoded 32-byte identity private key.
func ParseIdentityKey(s string) (*secp256k1.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != secp256k1.PrivKeyBytesLen {
		return nil, makeError(ErrInvalidKey, "identity private key must "+
			"be 32 hex encoded bytes")
	}
	key := secp256k1.PrivKeyFromBytes(b)
	if key.Key.IsZero() {
		return nil, makeError(ErrInvalidKey, "identity private key is zero")
	}
	return key, nil
}

// SerializePubKey returns the identity public key of a private key.
func SerializePubKey(key *secp256k1.PrivateKey) PubKey {
	var pub PubKey
	copy(pub[:], key.PubKey().SerializeCompressed())
	return pub
}

// scanLines calls fn with the fields of every non-empty line of r after
// stripping # comments.
func scanLines(r io.Reader, fn func(lineNum int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := fn(lineNum, fields); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// malformedLine returns an ErrMalformedKeyFile error for a line.
func malformedLine(lineNum int, reason string) error {
	str := fmt.Sprintf("line %d: %s", lineNum, reason)
	return makeError(ErrMalformedKeyFile, str)
}

// ParseKnownPeers parses lines of the form "host[,addr] pubkeyhex" into a map
// from every named host or address to its identity key.
func ParseKnownPeers(r io.Reader) (map[string]PubKey, error) {
	peers := make(map[string]PubKey)
	err := scanLines(r, func(lineNum int, fields []string) error {
		if len(fields) != 2 {
			return malformedLine(lineNum, "want host and key")
		}
		key, err := ParsePubKey(fields[1])
		if err != nil {
			return malformedLine(lineNum, err.Error())
		}
		hosts := strings.Split(fields[0], ",")
		if len(hosts) > 2 {
			return malformedLine(lineNum, "too many hosts")
		}
		for _, host := range hosts {
			if host == "" {
				return malformedLine(lineNum, "empty host")
			}
			peers[host] = key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

// ParseAuthorizedPeers parses lines holding a single hex identity key.
func ParseAuthorizedPeers(r io.Reader) ([]PubKey, error) {
	var keys []PubKey
	err := scanLines(r, func(lineNum int, fields []string) error {
		if len(fields) != 1 {
			return malformedLine(lineNum, "want a single key")
		}
		key, err := ParsePubKey(fields[0])
		if err != nil {
			return malformedLine(lineNum, err.Error())
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// LoadKnownPeers parses the known-peers file at path.  A missing file yields
// an empty map.
func LoadKnownPeers(path string) (map[string]PubKey, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(map[string]PubKey), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseKnownPeers(f)
}

// LoadAuthorizedPeers parses the authorized-peers file at path.  A missing
// file yields no keys.
func LoadAuthorizedPeers(path string) ([]PubKey, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseAuthorizedPeers(f)
}

// WriteKnownPeers writes the known peers in the format read by
// ParseKnownPeers, one host per line ordered by host.
func WriteKnownPeers(w io.Writer, peers map[string]PubKey) error {
	hosts := make([]string, 0, len(peers))
	for host := range peers {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	bw := bufio.NewWriter(w)
	for _, host := range hosts {
		key := peers[host]
		if _, err := fmt.Fprintf(bw, "%s %s\n", host, key); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveKnownPeers atomically replaces the known-peers file at path.
func SaveKnownPeers(path string, peers map[string]PubKey) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := WriteKnownPeers(f, peers); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
