// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"

	"github.com/decred/dcrp2p/netwire"
	"github.com/decred/dcrp2p/peer"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various pool events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTBlockAccepted indicates a block received from a peer was accepted
	// by the chain.  The data is a *wire.MsgBlock.
	NTBlockAccepted NotificationType = iota

	// NTTxAccepted indicates a transaction received from a peer was
	// accepted by the mempool.  The data is a *wire.MsgTx.
	NTTxAccepted

	// NTPeerConnected indicates a connection to or from a peer was
	// established.  The data is a *peer.Peer.
	NTPeerConnected

	// NTPeerOpen indicates the handshake with a peer completed.  The data
	// is a *peer.Peer.
	NTPeerOpen

	// NTPeerClosed indicates a peer disconnected.  The data is a
	// *peer.Peer.
	NTPeerClosed

	// NTReject indicates a peer rejected a message.  The data is a
	// *RejectNtfnsData.
	NTReject

	// NTBan indicates a peer was banned.  The data is a *peer.Peer.
	NTBan
)

// notificationTypeStrings is a map of notification types back to their
// constant names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTBlockAccepted: "NTBlockAccepted",
	NTTxAccepted:    "NTTxAccepted",
	NTPeerConnected: "NTPeerConnected",
	NTPeerOpen:      "NTPeerOpen",
	NTPeerClosed:    "NTPeerClosed",
	NTReject:        "NTReject",
	NTBan:           "NTBan",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// RejectNtfnsData is the structure for data indicating information about a
// reject message received from a peer.
type RejectNtfnsData struct {
	Peer   *peer.Peer
	Reject *netwire.MsgReject
}

// Notification defines notification that is sent to the caller via the
// callback function provided during the call to New and consists of a
// notification type as well as associated data that depends on the type as
// follows:
//   - NTBlockAccepted:     *wire.MsgBlock
//   - NTTxAccepted:        *wire.MsgTx
//   - NTPeerConnected:     *peer.Peer
//   - NTPeerOpen:          *peer.Peer
//   - NTPeerClosed:        *peer.Peer
//   - NTReject:            *RejectNtfnsData
//   - NTBan:               *peer.Peer
type Notification struct {
	Type NotificationType
	Data interface{}
}

// sendNotification sends a notification with the passed type and data if the
// caller requested notifications by providing a callback function in the call
// to New.
func (p *Pool) sendNotification(typ NotificationType, data interface{}) {
	if p.cfg.Notifications == nil {
		return
	}

	n := Notification{Type: typ, Data: data}
	p.cfg.Notifications(&n)
}
