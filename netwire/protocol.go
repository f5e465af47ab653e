// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netwire

import "github.com/decred/dcrd/wire"

const (
	// ProtocolVersion is the protocol version spoken by this package.  It
	// is pinned below the versions that retired the legacy addr and reject
	// messages since both are part of this protocol.
	ProtocolVersion uint32 = 8

	// SendHeadersVersion is the protocol version which added the
	// sendheaders message.
	SendHeadersVersion uint32 = 3

	// FeeFilterVersion is the protocol version which added the feefilter
	// message.
	FeeFilterVersion uint32 = 5
)

const (
	// SFNodeNetwork indicates a peer serves the full block chain.
	SFNodeNetwork = wire.SFNodeNetwork

	// SFNodeBloom indicates a peer serves bloom filtered connections.
	SFNodeBloom = wire.SFNodeBloom

	// SFNodeCompact indicates a peer serves compact blocks.
	SFNodeCompact wire.ServiceFlag = 1 << 16

	// SFNodeEncrypt indicates a peer accepts encrypted transport sessions.
	SFNodeEncrypt wire.ServiceFlag = 1 << 17
)

const (
	// InvTypeFilteredBlock requests a merkleblock for a block hash.
	InvTypeFilteredBlock wire.InvType = 3

	// InvTypeCmpctBlock requests a compact block for a block hash.
	InvTypeCmpctBlock wire.InvType = 4
)

// InvTypeString returns a human readable name for inventory types including
// the ones defined by this package.
func InvTypeString(t wire.InvType) string {
	switch t {
	case InvTypeFilteredBlock:
		return "MSG_FILTERED_BLOCK"
	case InvTypeCmpctBlock:
		return "MSG_CMPCT_BLOCK"
	}
	return t.String()
}
