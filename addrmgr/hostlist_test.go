// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// populatedManager returns an address manager holding fresh and tried
// addresses along with the keys of the tried ones.
func populatedManager(t *testing.T, cfg *Config) (*AddrManager, map[string]bool) {
	t.Helper()

	amgr := New(cfg)
	tried := make(map[string]bool)
	for i := 0; i < 60; i++ {
		na := amgr.addAddressByIP(fmt.Sprintf("44.%d.%d.1", i/16, i%16),
			9108)
		if i%3 == 0 {
			if err := amgr.Attempt(na); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if i%4 == 0 {
			if err := amgr.Good(na, 0); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tried[na.Key()] = true
		}
	}
	return amgr, tried
}

func TestHostListRoundTrip(t *testing.T) {
	cfg := &Config{FreshBuckets: 8, FreshBucketSize: 64, TriedBuckets: 4}
	amgr, tried := populatedManager(t, cfg)

	var buf bytes.Buffer
	if err := amgr.Encode(&buf); err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	restored := New(cfg)
	if err := restored.Decode(&buf); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if restored.NumFresh() != amgr.NumFresh() ||
		restored.NumTried() != amgr.NumTried() {

		t.Fatalf("counts differ: fresh %d/%d tried %d/%d",
			restored.NumFresh(), amgr.NumFresh(), restored.NumTried(),
			amgr.NumTried())
	}
	assertInvariants(t, restored)

	for key, ka := range amgr.addrIndex {
		got := restored.addrIndex[key]
		if got == nil {
			t.Fatalf("address %s missing after decode", key)
		}
		if got.Used() != tried[key] || got.RefCount() != ka.RefCount() {
			t.Fatalf("%s: used %v refs %d, want used %v refs %d", key,
				got.Used(), got.RefCount(), tried[key], ka.RefCount())
		}
		if got.Attempts() != ka.Attempts() ||
			!got.LastAttempt().Equal(ka.LastAttempt().Truncate(1e9)) ||
			!got.NetAddress().Timestamp.Equal(ka.NetAddress().Timestamp) {

			t.Fatalf("%s: metadata not restored", key)
		}
		if got.Source().Key() != ka.Source().Key() {
			t.Fatalf("%s: source %s, want %s", key, got.Source(),
				ka.Source())
		}
	}
}

func TestHostListMismatch(t *testing.T) {
	cfg := &Config{FreshBuckets: 8, FreshBucketSize: 64, TriedBuckets: 4}
	amgr, _ := populatedManager(t, cfg)

	var buf bytes.Buffer
	if err := amgr.Encode(&buf); err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	encoded := buf.Bytes()

	// modify decodes the encoded host list, applies fn, and re-encodes it.
	modify := func(fn func(shl *serializedHostList)) []byte {
		var shl serializedHostList
		if err := json.Unmarshal(encoded, &shl); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		fn(&shl)
		b, err := json.Marshal(&shl)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return b
	}
	firstUsed := func(shl *serializedHostList) (int, string) {
		for i, keys := range shl.Used {
			if len(keys) > 0 {
				return i, keys[0]
			}
		}
		t.Fatal("no used addresses")
		return 0, ""
	}
	firstFresh := func(shl *serializedHostList) (int, string) {
		for i, keys := range shl.Fresh {
			if len(keys) > 0 {
				return i, keys[0]
			}
		}
		t.Fatal("no fresh addresses")
		return 0, ""
	}

	tests := []struct {
		name    string
		cfg     *Config
		data    []byte
		wantErr error
	}{{
		name: "version",
		cfg:  cfg,
		data: modify(func(shl *serializedHostList) {
			shl.Version = hostListVersion + 1
		}),
		wantErr: ErrVersionMismatch,
	}, {
		name:    "fresh bucket count",
		cfg:     &Config{FreshBuckets: 16, FreshBucketSize: 64, TriedBuckets: 4},
		data:    encoded,
		wantErr: ErrBucketMismatch,
	}, {
		name:    "tried bucket count",
		cfg:     &Config{FreshBuckets: 8, FreshBucketSize: 64, TriedBuckets: 2},
		data:    encoded,
		wantErr: ErrBucketMismatch,
	}, {
		name:    "malformed json",
		cfg:     cfg,
		data:    []byte("{"),
		wantErr: ErrCorruptHostList,
	}, {
		name: "unknown fresh reference",
		cfg:  cfg,
		data: modify(func(shl *serializedHostList) {
			shl.Fresh[0] = append(shl.Fresh[0], "45.0.0.1:9108")
		}),
		wantErr: ErrCorruptHostList,
	}, {
		name: "duplicate address",
		cfg:  cfg,
		data: modify(func(shl *serializedHostList) {
			shl.Addrs = append(shl.Addrs, shl.Addrs[0])
		}),
		wantErr: ErrCorruptHostList,
	}, {
		name: "fresh and used",
		cfg:  cfg,
		data: modify(func(shl *serializedHostList) {
			_, key := firstUsed(shl)
			shl.Fresh[0] = append(shl.Fresh[0], key)
		}),
		wantErr: ErrCorruptHostList,
	}, {
		name: "wrong used bucket",
		cfg:  cfg,
		data: modify(func(shl *serializedHostList) {
			i, key := firstUsed(shl)
			shl.Used[i] = shl.Used[i][1:]
			j := (i + 1) % len(shl.Used)
			shl.Used[j] = append(shl.Used[j], key)
		}),
		wantErr: ErrCorruptHostList,
	}, {
		name: "unreferenced address",
		cfg:  cfg,
		data: modify(func(shl *serializedHostList) {
			_, key := firstFresh(shl)
			for j := range shl.Fresh {
				keys := shl.Fresh[j][:0]
				for _, k := range shl.Fresh[j] {
					if k != key {
						keys = append(keys, k)
					}
				}
				shl.Fresh[j] = keys
			}
		}),
		wantErr: ErrCorruptHostList,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			restored := New(test.cfg)
			err := restored.Decode(bytes.NewReader(test.data))
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("unexpected error: want %v, got %v",
					test.wantErr, err)
			}
			if restored.NumAddresses() != 0 {
				t.Fatal("address manager not empty after a failed decode")
			}
		})
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	peersFile := filepath.Join(dir, peersFilename)
	if err := os.WriteFile(peersFile, []byte("garbage"), 0600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	amgr := New(&Config{DataDir: dir})
	if err := amgr.Load(); !errors.Is(err, ErrCorruptHostList) {
		t.Fatalf("unexpected error: want %v, got %v", ErrCorruptHostList,
			err)
	}
}
