// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/decred/dcrp2p/sampleconfig"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
)

// TestNormalizeAddresses ensures default ports are appended and duplicates
// removed.
func TestNormalizeAddresses(t *testing.T) {
	got := normalizeAddresses([]string{"127.0.0.1", "127.0.0.1:9108",
		"::1", "[::1]:19108", "example.com"}, "9108")
	want := []string{"127.0.0.1:9108", "[::1]:9108", "[::1]:19108",
		"example.com:9108"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected addresses -- got %v, want %v", got, want)
	}
}

// TestParseCheckpoints ensures checkpoints are parsed, ordered by height and
// malformed ones are rejected.
func TestParseCheckpoints(t *testing.T) {
	const (
		hash1 = "298e5cc3d985bfe7f81dc135f360abe089edd4396b86d2de66b0cef42b21d980"
		hash2 = "000000000000437482b6d47f82f374cde539440ddb108b0a76886f0d87d126b9"
	)

	tests := []struct {
		name    string
		in      []string
		heights []int64
		wantErr bool
	}{{
		name: "none",
	}, {
		name:    "ordered by height",
		in:      []string{"200:" + hash2, "100:" + hash1},
		heights: []int64{100, 200},
	}, {
		name:    "missing separator",
		in:      []string{"100" + hash1},
		wantErr: true,
	}, {
		name:    "zero height",
		in:      []string{"0:" + hash1},
		wantErr: true,
	}, {
		name:    "malformed height",
		in:      []string{"x:" + hash1},
		wantErr: true,
	}, {
		name:    "short hash",
		in:      []string{"100:" + hash1[:10]},
		wantErr: true,
	}, {
		name:    "non-hex hash",
		in:      []string{"100:" + "z" + hash1[1:]},
		wantErr: true,
	}, {
		name:    "duplicate height",
		in:      []string{"100:" + hash1, "100:" + hash2},
		wantErr: true,
	}}

	for _, test := range tests {
		checkpoints, err := parseCheckpoints(test.in)
		if (err != nil) != test.wantErr {
			t.Fatalf("%s: unexpected error state -- got %v, want error %v",
				test.name, err, test.wantErr)
		}
		if test.wantErr {
			continue
		}
		if len(checkpoints) != len(test.heights) {
			t.Fatalf("%s: unexpected number of checkpoints %d", test.name,
				len(checkpoints))
		}
		for i, height := range test.heights {
			if checkpoints[i].Height != height {
				t.Fatalf("%s: unexpected height at index %d -- got %d, "+
					"want %d", test.name, i, checkpoints[i].Height, height)
			}
		}
	}
}

// TestParseWhitelists ensures whitelists accept networks and single addresses.
func TestParseWhitelists(t *testing.T) {
	nets, err := parseWhitelists([]string{"10.0.0.0/8", "192.168.1.7",
		"2001:db8::1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"11.1.2.3", false},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"2001:db8::1", true},
		{"2001:db8::2", false},
	}
	for _, test := range tests {
		ip := net.ParseIP(test.ip)
		var got bool
		for _, ipnet := range nets {
			if ipnet.Contains(ip) {
				got = true
				break
			}
		}
		if got != test.want {
			t.Fatalf("%s: unexpected whitelist result -- got %v, want %v",
				test.ip, got, test.want)
		}
	}

	if _, err := parseWhitelists([]string{"not-an-ip"}); err == nil {
		t.Fatal("malformed whitelist accepted")
	}
}

// TestParseAndSetDebugLevels ensures debug levels are validated and applied.
func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels("info")

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "global level", in: "debug"},
		{name: "subsystem levels", in: "PEER=trace,POOL=warn"},
		{name: "invalid level", in: "loud", wantErr: true},
		{name: "invalid subsystem", in: "NOPE=debug", wantErr: true},
		{name: "missing level", in: "PEER,POOL=warn", wantErr: true},
	}
	for _, test := range tests {
		err := parseAndSetDebugLevels(test.in)
		if (err != nil) != test.wantErr {
			t.Fatalf("%s: unexpected error state -- got %v, want error %v",
				test.name, err, test.wantErr)
		}
	}

	if err := parseAndSetDebugLevels("PEER=trace,POOL=warn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level := peerLog.Level(); level != slog.LevelTrace {
		t.Fatalf("unexpected PEER level %v", level)
	}
	if level := poolLog.Level(); level != slog.LevelWarn {
		t.Fatalf("unexpected POOL level %v", level)
	}
}

// TestFetchExternalIP ensures the reply of the external IP service is parsed.
func TestFetchExternalIP(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{{
		name:   "ipv4",
		status: http.StatusOK,
		body:   "203.0.113.9\n",
		want:   "203.0.113.9",
	}, {
		name:   "ipv6",
		status: http.StatusOK,
		body:   "2001:db8::5",
		want:   "2001:db8::5",
	}, {
		name:    "malformed",
		status:  http.StatusOK,
		body:    "<html>",
		wantErr: true,
	}, {
		name:    "server error",
		status:  http.StatusInternalServerError,
		wantErr: true,
	}}

	for _, test := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(test.status)
			w.Write([]byte(test.body))
		}))
		ip, err := fetchExternalIP(context.Background(), srv.Client(), srv.URL)
		srv.Close()
		if (err != nil) != test.wantErr {
			t.Fatalf("%s: unexpected error state -- got %v, want error %v",
				test.name, err, test.wantErr)
		}
		if test.wantErr {
			continue
		}
		if !ip.Equal(net.ParseIP(test.want)) {
			t.Fatalf("%s: unexpected address -- got %v, want %v", test.name,
				ip, test.want)
		}
	}
}

// TestSampleConfig ensures every option in the sample config file is known
// to the config parser.
func TestSampleConfig(t *testing.T) {
	optionRE := regexp.MustCompile(`^;\s*([a-z]+=.*)$`)
	var conf strings.Builder
	for _, line := range strings.Split(sampleconfig.Dcrp2pd(), "\n") {
		if m := optionRE.FindStringSubmatch(line); m != nil {
			line = m[1]
		}
		conf.WriteString(line)
		conf.WriteString("\n")
	}

	cfg := defaultConfig()
	parser := newConfigParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).Parse(strings.NewReader(conf.String()))
	if err != nil {
		t.Fatalf("failed to parse sample config: %v", err)
	}
	if !cfg.Encrypt || cfg.MaxOrphanTxs != 100 {
		t.Fatal("sample config options were not applied")
	}
}
