// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

var (
	backendLog = slog.NewBackend(io.Discard)
	testLog    = backendLog.Logger("TEST")
)

// TestLogProgress ensures the logging functionality works as expected via a
// test logger.
func TestLogProgress(t *testing.T) {
	testBlocks := []wire.MsgBlock{{
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100000,
			Timestamp: time.Unix(1293623863, 0), // 2010-12-29 11:57:43 +0000 UTC
		},
		Transactions: make([]*wire.MsgTx, 4),
	}, {
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100001,
			Timestamp: time.Unix(1293624163, 0), // 2010-12-29 12:02:43 +0000 UTC
		},
		Transactions: make([]*wire.MsgTx, 2),
	}, {
		Header: wire.BlockHeader{
			Version:   1,
			Height:    100002,
			Timestamp: time.Unix(1293624463, 0), // 2010-12-29 12:07:43 +0000 UTC
		},
		Transactions: make([]*wire.MsgTx, 3),
	}}

	tests := []struct {
		name               string
		reset              bool
		inputBlock         *wire.MsgBlock
		forceLog           bool
		inputLastLogTime   time.Time
		wantReceivedBlocks uint64
		wantReceivedTxns   uint64
	}{{
		name:               "round 1, block 0, last log time < 10 secs ago, not forced",
		inputBlock:         &testBlocks[0],
		inputLastLogTime:   time.Now(),
		wantReceivedBlocks: 1,
		wantReceivedTxns:   4,
	}, {
		name:               "round 1, block 1, last log time < 10 secs ago, not forced",
		inputBlock:         &testBlocks[1],
		inputLastLogTime:   time.Now(),
		wantReceivedBlocks: 2,
		wantReceivedTxns:   6,
	}, {
		name:             "round 1, block 2, last log time < 10 secs ago, forced",
		inputBlock:       &testBlocks[2],
		forceLog:         true,
		inputLastLogTime: time.Now(),
	}, {
		name:               "round 2, block 0, last log time < 10 secs ago, not forced",
		reset:              true,
		inputBlock:         &testBlocks[0],
		inputLastLogTime:   time.Now(),
		wantReceivedBlocks: 1,
		wantReceivedTxns:   4,
	}, {
		name:             "round 2, block 1, last log time > 10 secs ago, not forced",
		inputBlock:       &testBlocks[1],
		inputLastLogTime: time.Now().Add(-11 * time.Second),
	}, {
		name:             "round 2, block 2, last log time > 10 secs ago, forced",
		inputBlock:       &testBlocks[2],
		forceLog:         true,
		inputLastLogTime: time.Now().Add(-11 * time.Second),
	}}

	progressLogger := New("Processed", testLog)
	for _, test := range tests {
		if test.reset {
			progressLogger = New("Processed", testLog)
		}
		progressLogger.SetLastLogTime(test.inputLastLogTime)
		progressLogger.LogProgress(test.inputBlock, test.forceLog)
		want := &Logger{
			receivedBlocks:  test.wantReceivedBlocks,
			receivedTxns:    test.wantReceivedTxns,
			lastLogTime:     progressLogger.lastLogTime,
			progressAction:  progressLogger.progressAction,
			subsystemLogger: progressLogger.subsystemLogger,
		}
		if !reflect.DeepEqual(progressLogger, want) {
			t.Errorf("%s:\nwant: %+v\ngot: %+v\n", test.name, want,
				progressLogger)
		}
	}
}

// TestLogHeaderProgress ensures the logging functionality for headers works as
// expected via a test logger.
func TestLogHeaderProgress(t *testing.T) {
	tests := []struct {
		name                string
		reset               bool
		numHeaders          uint64
		forceLog            bool
		lastLogTime         time.Time
		wantReceivedHeaders uint64
	}{{
		name:                "round 1, batch 1, last log time < 10 secs ago, not forced",
		numHeaders:          2000,
		lastLogTime:         time.Now(),
		wantReceivedHeaders: 2000,
	}, {
		name:                "round 1, batch 2, last log time < 10 secs ago, not forced",
		numHeaders:          2000,
		lastLogTime:         time.Now(),
		wantReceivedHeaders: 4000,
	}, {
		name:        "round 1, batch 3, last log time < 10 secs ago, forced",
		numHeaders:  1500,
		forceLog:    true,
		lastLogTime: time.Now(),
	}, {
		name:                "round 2, batch 1, last log time < 10 secs ago, not forced",
		reset:               true,
		numHeaders:          2000,
		lastLogTime:         time.Now(),
		wantReceivedHeaders: 2000,
	}, {
		name:        "round 2, batch 2, last log time > 10 secs ago, not forced",
		numHeaders:  2000,
		lastLogTime: time.Now().Add(-11 * time.Second),
	}}

	progressLogger := New("Processed", testLog)
	var height int64
	for _, test := range tests {
		if test.reset {
			progressLogger = New("Processed", testLog)
		}
		height += int64(test.numHeaders)
		progressLogger.SetLastLogTime(test.lastLogTime)
		progressLogger.LogHeaderProgress(test.numHeaders, height, test.forceLog)
		if progressLogger.receivedHeaders != test.wantReceivedHeaders {
			t.Errorf("%s: unexpected received headers -- got %d, want %d",
				test.name, progressLogger.receivedHeaders,
				test.wantReceivedHeaders)
		}
	}
}
