// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
	"github.com/decred/dcrp2p/netwire"
	"github.com/decred/dcrp2p/peer"
)

// fakeChain is a chain that connects every block extending its tip and keeps
// the others as orphans.
type fakeChain struct {
	mtx      sync.Mutex
	main     []*wire.MsgBlock
	heights  map[chainhash.Hash]int64
	orphans  map[chainhash.Hash]*wire.MsgBlock
	rejected map[chainhash.Hash]*VerifyError
}

func newFakeChain(genesis *wire.MsgBlock) *fakeChain {
	return &fakeChain{
		main:     []*wire.MsgBlock{genesis},
		heights:  map[chainhash.Hash]int64{genesis.BlockHash(): 0},
		orphans:  make(map[chainhash.Hash]*wire.MsgBlock),
		rejected: make(map[chainhash.Hash]*VerifyError),
	}
}

// reject makes the chain fail the block with the provided error.
func (c *fakeChain) reject(hash chainhash.Hash, err *VerifyError) {
	c.mtx.Lock()
	c.rejected[hash] = err
	c.mtx.Unlock()
}

func (c *fakeChain) tip() (chainhash.Hash, int64) {
	height := int64(len(c.main) - 1)
	return c.main[height].BlockHash(), height
}

func (c *fakeChain) BestBlock() (chainhash.Hash, int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.tip()
}

func (c *fakeChain) HaveBlock(hash *chainhash.Hash) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	_, ok := c.heights[*hash]
	if !ok {
		_, ok = c.orphans[*hash]
	}
	return ok
}

func (c *fakeChain) ProcessBlock(block *wire.MsgBlock) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	hash := block.BlockHash()
	if err, ok := c.rejected[hash]; ok {
		return false, err
	}
	if _, ok := c.heights[hash]; ok {
		return false, NewVerifyError(netwire.RejectDuplicate, "duplicate block", 0)
	}
	if tipHash, _ := c.tip(); block.Header.PrevBlock != tipHash {
		c.orphans[hash] = block
		return true, nil
	}

	// Connect the block followed by the orphans that now extend the tip.
	for block != nil {
		hash := block.BlockHash()
		delete(c.orphans, hash)
		c.heights[hash] = int64(len(c.main))
		c.main = append(c.main, block)

		var next *wire.MsgBlock
		for _, orphan := range c.orphans {
			if orphan.Header.PrevBlock == hash {
				next = orphan
				break
			}
		}
		block = next
	}
	return false, nil
}

func (c *fakeChain) OrphanRoot(hash *chainhash.Hash) *chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	orphan, ok := c.orphans[*hash]
	if !ok {
		return nil
	}
	root := *hash
	for {
		parent, ok := c.orphans[orphan.Header.PrevBlock]
		if !ok {
			return &root
		}
		root = orphan.Header.PrevBlock
		orphan = parent
	}
}

func (c *fakeChain) BlockLocator(hash *chainhash.Hash) []*chainhash.Hash {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	_, height := c.tip()
	if hash != nil {
		h, ok := c.heights[*hash]
		if !ok {
			return []*chainhash.Hash{hash}
		}
		height = h
	}
	locator := make([]*chainhash.Hash, 0, height+1)
	for ; height >= 0; height-- {
		hash := c.main[height].BlockHash()
		locator = append(locator, &hash)
	}
	return locator
}

func (c *fakeChain) BlockByHash(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	height, ok := c.heights[*hash]
	if !ok {
		return nil, fmt.Errorf("block %v not found", hash)
	}
	return c.main[height], nil
}

// locate returns the main chain blocks following the first known block of
// the locator up to the stop hash.
func (c *fakeChain) locate(locator []*chainhash.Hash, hashStop *chainhash.Hash, max int) []*wire.MsgBlock {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var start int64
	for _, hash := range locator {
		if height, ok := c.heights[*hash]; ok {
			start = height + 1
			break
		}
	}
	var blocks []*wire.MsgBlock
	for height := start; height < int64(len(c.main)); height++ {
		block := c.main[height]
		blocks = append(blocks, block)
		if len(blocks) == max || block.BlockHash() == *hashStop {
			break
		}
	}
	return blocks
}

func (c *fakeChain) LocateBlocks(locator []*chainhash.Hash, hashStop *chainhash.Hash, maxHashes uint32) []chainhash.Hash {
	blocks := c.locate(locator, hashStop, int(maxHashes))
	hashes := make([]chainhash.Hash, 0, len(blocks))
	for _, block := range blocks {
		hashes = append(hashes, block.BlockHash())
	}
	return hashes
}

func (c *fakeChain) LocateHeaders(locator []*chainhash.Hash, hashStop *chainhash.Hash) []wire.BlockHeader {
	blocks := c.locate(locator, hashStop, wire.MaxBlockHeadersPerMsg)
	headers := make([]wire.BlockHeader, 0, len(blocks))
	for _, block := range blocks {
		headers = append(headers, block.Header)
	}
	return headers
}

// fakeMempool is a mempool accepting every transaction that was not marked as
// rejected.
type fakeMempool struct {
	mtx     sync.Mutex
	txs     map[chainhash.Hash]*wire.MsgTx
	rejects map[chainhash.Hash]struct{}
}

func newFakeMempool() *fakeMempool {
	return &fakeMempool{
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		rejects: make(map[chainhash.Hash]struct{}),
	}
}

// add adds the transactions to the pool.
func (mp *fakeMempool) add(txs ...*wire.MsgTx) {
	mp.mtx.Lock()
	for _, tx := range txs {
		mp.txs[tx.TxHash()] = tx
	}
	mp.mtx.Unlock()
}

// reject marks the transaction as recently rejected.
func (mp *fakeMempool) reject(hash chainhash.Hash) {
	mp.mtx.Lock()
	mp.rejects[hash] = struct{}{}
	mp.mtx.Unlock()
}

func (mp *fakeMempool) AddTx(tx *wire.MsgTx, _ int32) ([]chainhash.Hash, error) {
	hash := tx.TxHash()
	mp.mtx.Lock()
	defer mp.mtx.Unlock()
	if _, ok := mp.rejects[hash]; ok {
		return nil, NewVerifyError(netwire.RejectInvalid, "rejected", 0)
	}
	mp.txs[hash] = tx
	return nil, nil
}

func (mp *fakeMempool) HaveTx(hash *chainhash.Hash) bool {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()
	_, ok := mp.txs[*hash]
	return ok
}

func (mp *fakeMempool) HasReject(hash *chainhash.Hash) bool {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()
	_, ok := mp.rejects[*hash]
	return ok
}

func (mp *fakeMempool) FetchTx(hash *chainhash.Hash) (*wire.MsgTx, error) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()
	tx, ok := mp.txs[*hash]
	if !ok {
		return nil, fmt.Errorf("transaction %v not found", hash)
	}
	return tx, nil
}

func (mp *fakeMempool) TxHashes() []chainhash.Hash {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()
	hashes := make([]chainhash.Hash, 0, len(mp.txs))
	for hash := range mp.txs {
		hashes = append(hashes, hash)
	}
	return hashes
}

func (mp *fakeMempool) FeeRate(hash *chainhash.Hash) int64 {
	if mp.HaveTx(hash) {
		return 1e4
	}
	return 0
}

func (mp *fakeMempool) BlockConnected(block *wire.MsgBlock) {
	mp.mtx.Lock()
	for _, tx := range block.Transactions {
		delete(mp.txs, tx.TxHash())
	}
	mp.mtx.Unlock()
}

// errNoNetwork is returned by the default dial and lookup functions of the
// test pools.
var errNoNetwork = errors.New("network disabled")

// newTestPool returns a simnet pool backed by a fake chain and mempool.  The
// modify function may adjust the configuration before the pool is created.
func newTestPool(t *testing.T, modify func(*Config)) (*Pool, *fakeChain) {
	t.Helper()

	params := chaincfg.SimNetParams()
	chain := newFakeChain(params.GenesisBlock)
	cfg := &Config{
		ChainParams: params,
		Chain:       chain,
		Mempool:     newFakeMempool(),
		AddrManager: addrmgr.New(&addrmgr.Config{DataDir: t.TempDir()}),
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errNoNetwork
		},
		Lookup: func(string) ([]net.IP, error) {
			return nil, errNoNetwork
		},
		NoDNSSeed:        true,
		Services:         wire.SFNodeNetwork,
		UserAgentName:    "pooltest",
		UserAgentVersion: "1.0.0",
	}
	if modify != nil {
		modify(cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	return p, chain
}

// testPeer returns an outbound server peer for the address which is never
// connected.  Messages queued to it are dropped.
func testPeer(t *testing.T, p *Pool, addr string) *serverPeer {
	t.Helper()

	sp := newServerPeer(p, false)
	op, err := peer.NewOutboundPeer(p.newPeerConfig(sp), addr)
	if err != nil {
		t.Fatalf("NewOutboundPeer: unexpected error: %v", err)
	}
	sp.Peer = op
	return sp
}

// assertDisconnected ensures the peer was asked to disconnect.
func assertDisconnected(t *testing.T, sp *serverPeer) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		sp.WaitForDisconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("peer %s was not disconnected", sp)
	}
}

// testChain returns blocks extending the genesis block of the pool.
func testChain(p *Pool, n int) []*wire.MsgBlock {
	prev := &p.cfg.ChainParams.GenesisBlock.Header
	blocks := make([]*wire.MsgBlock, 0, n)
	for i := 1; i <= n; i++ {
		block := testBlock(uint32(i), prev, testTx(uint32(i)))
		blocks = append(blocks, block)
		prev = &block.Header
	}
	return blocks
}

// TestNewConfig ensures invalid configurations are rejected.
func TestNewConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{{
		name:   "no chain parameters",
		modify: func(cfg *Config) { cfg.ChainParams = nil },
	}, {
		name:   "no chain",
		modify: func(cfg *Config) { cfg.Chain = nil },
	}, {
		name:   "no address manager",
		modify: func(cfg *Config) { cfg.AddrManager = nil },
	}, {
		name:   "no dial function",
		modify: func(cfg *Config) { cfg.Dial = nil },
	}, {
		name: "unordered checkpoints",
		modify: func(cfg *Config) {
			cfg.Checkpoints = []Checkpoint{{Height: 10}, {Height: 5}}
		},
	}}

	for _, test := range tests {
		params := chaincfg.SimNetParams()
		cfg := &Config{
			ChainParams: params,
			Chain:       newFakeChain(params.GenesisBlock),
			Mempool:     newFakeMempool(),
			AddrManager: addrmgr.New(&addrmgr.Config{}),
			Dial: func(context.Context, string, string) (net.Conn, error) {
				return nil, errNoNetwork
			},
		}
		test.modify(cfg)
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: unexpected error -- got %v, want %v", test.name,
				err, ErrInvalidConfig)
		}
	}

	// Disabled features are not advertised.
	p, _ := newTestPool(t, func(cfg *Config) {
		cfg.Services = wire.SFNodeNetwork | wire.SFNodeBloom |
			netwire.SFNodeCompact
		cfg.NoBloom = true
		cfg.NoCompact = true
	})
	if p.cfg.Services != wire.SFNodeNetwork {
		t.Fatalf("unexpected services %v", p.cfg.Services)
	}
}

// TestDuplicateInvRequests ensures an item announced by several peers is only
// requested from one of them at a time.
func TestDuplicateInvRequests(t *testing.T) {
	p, _ := newTestPool(t, nil)
	mp := p.mempool.(*fakeMempool)
	peerA := testPeer(t, p, "10.0.0.2:18555")
	peerB := testPeer(t, p, "10.0.0.3:18555")

	block := testChain(p, 1)[0]
	blockHash := block.BlockHash()
	tx, rejectedTx := testTx(100), testTx(101)
	txHash, rejectedTxHash := tx.TxHash(), rejectedTx.TxHash()
	mp.reject(rejectedTxHash)

	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &blockHash))
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txHash))
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &rejectedTxHash))

	p.handleInvMsg(&invMsg{inv: inv, sp: peerA})
	if _, ok := peerA.requestedBlocks[blockHash]; !ok {
		t.Fatal("block was not requested from the first peer")
	}
	if _, ok := peerA.requestedTxns[txHash]; !ok {
		t.Fatal("transaction was not requested from the first peer")
	}
	if _, ok := p.requestedTxns[rejectedTxHash]; ok {
		t.Fatal("rejected transaction was requested")
	}

	p.handleInvMsg(&invMsg{inv: inv, sp: peerB})
	if len(peerB.requestedBlocks) != 0 || len(peerB.requestedTxns) != 0 {
		t.Fatal("pending items were requested from the second peer")
	}
	if len(p.requestedBlocks) != 1 || len(p.requestedTxns) != 1 {
		t.Fatalf("unexpected number of requests -- blocks %d, txns %d",
			len(p.requestedBlocks), len(p.requestedTxns))
	}

	// A notfound from a peer that was not asked does not release the
	// requests.
	notFound := wire.NewMsgNotFound()
	notFound.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &blockHash))
	notFound.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txHash))
	p.handleNotFoundMsg(&notFoundMsg{notFound: notFound, sp: peerB})
	if len(p.requestedBlocks) != 1 || len(p.requestedTxns) != 1 {
		t.Fatal("requests released by a notfound from another peer")
	}

	// The items are requested from the second peer once the first one
	// reports them as not found.
	p.handleNotFoundMsg(&notFoundMsg{notFound: notFound, sp: peerA})
	if len(p.requestedBlocks) != 0 || len(p.requestedTxns) != 0 {
		t.Fatal("requests were not released by notfound")
	}
	p.handleInvMsg(&invMsg{inv: inv, sp: peerB})
	if _, ok := peerB.requestedBlocks[blockHash]; !ok {
		t.Fatal("block was not requested from the second peer")
	}
	if _, ok := peerB.requestedTxns[txHash]; !ok {
		t.Fatal("transaction was not requested from the second peer")
	}
}

// TestInvWhileSyncing ensures announcements from peers other than the loader
// are ignored while the pool is not current.
func TestInvWhileSyncing(t *testing.T) {
	p, _ := newTestPool(t, nil)
	loader := testPeer(t, p, "10.0.0.2:18555")
	other := testPeer(t, p, "10.0.0.3:18555")
	p.loader = loader
	p.headersFirst = true

	block := testChain(p, 1)[0]
	blockHash := block.BlockHash()
	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &blockHash))

	p.handleInvMsg(&invMsg{inv: inv, sp: other})
	p.handleInvMsg(&invMsg{inv: inv, sp: loader})
	if len(p.requestedBlocks) != 0 {
		t.Fatal("block requested outside of the header list")
	}
	if !other.IsKnownInventory(wire.NewInvVect(wire.InvTypeBlock, &blockHash)) {
		t.Fatal("announced block not marked as known")
	}
}

// TestHeadersFirstSync ensures the headers received during the checkpoint
// sync are validated as a batch.
func TestHeadersFirstSync(t *testing.T) {
	const checkpointHeight = 5

	newSyncPool := func(t *testing.T, checkpoint *chainhash.Hash) (*Pool, *serverPeer, []*wire.MsgBlock) {
		p, _ := newTestPool(t, nil)
		blocks := testChain(p, checkpointHeight)
		hash := blocks[checkpointHeight-1].BlockHash()
		if checkpoint != nil {
			hash = *checkpoint
		}
		p.cfg.Checkpoints = []Checkpoint{{Height: checkpointHeight, Hash: hash}}

		sp := testPeer(t, p, "10.0.0.2:18555")
		if err := p.banMgr.AddPeer(sp.Peer); err != nil {
			t.Fatalf("AddPeer: unexpected error: %v", err)
		}
		genesisHash := p.cfg.ChainParams.GenesisHash
		p.loader = sp
		p.nextCheckpoint = p.findNextHeaderCheckpoint(0)
		p.resetHeaderState(&genesisHash, 0)
		p.headersFirst = true
		return p, sp, blocks
	}
	headersOf := func(blocks ...*wire.MsgBlock) *wire.MsgHeaders {
		msg := wire.NewMsgHeaders()
		for _, block := range blocks {
			header := block.Header
			msg.AddBlockHeader(&header)
		}
		return msg
	}

	t.Run("partial batch", func(t *testing.T) {
		p, sp, blocks := newSyncPool(t, nil)
		p.handleHeadersMsg(&headersMsg{headers: headersOf(blocks[:3]...), sp: sp})
		if p.headerList.Len() != 4 {
			t.Fatalf("unexpected header list length %d", p.headerList.Len())
		}
		if len(p.requestedBlocks) != 0 {
			t.Fatal("blocks requested before the checkpoint header")
		}
	})

	t.Run("reaches checkpoint", func(t *testing.T) {
		p, sp, blocks := newSyncPool(t, nil)
		p.handleHeadersMsg(&headersMsg{headers: headersOf(blocks[:3]...), sp: sp})
		p.handleHeadersMsg(&headersMsg{headers: headersOf(blocks[3:]...), sp: sp})
		if p.headerList.Len() != checkpointHeight {
			t.Fatalf("unexpected header list length %d", p.headerList.Len())
		}
		for _, block := range blocks {
			hash := block.BlockHash()
			if _, ok := sp.requestedBlocks[hash]; !ok {
				t.Fatalf("block %v was not requested", hash)
			}
		}
		if p.startHeader != nil {
			t.Fatal("start header not advanced past the fetched blocks")
		}
	})

	t.Run("bad previous block", func(t *testing.T) {
		p, sp, blocks := newSyncPool(t, nil)
		msg := headersOf(blocks[0], blocks[2])
		p.handleHeadersMsg(&headersMsg{headers: msg, sp: sp})
		if p.headerList.Len() != 1 {
			t.Fatalf("headers of a bad batch were appended: %d",
				p.headerList.Len())
		}
		assertDisconnected(t, sp)
		if score := p.banMgr.BanScore(sp.Peer); score != 20 {
			t.Fatalf("unexpected ban score %d", score)
		}
	})

	t.Run("bad height", func(t *testing.T) {
		p, sp, blocks := newSyncPool(t, nil)
		msg := headersOf(blocks[0])
		msg.Headers[0].Height = 7
		p.handleHeadersMsg(&headersMsg{headers: msg, sp: sp})
		if p.headerList.Len() != 1 {
			t.Fatalf("header with a bad height was appended")
		}
		assertDisconnected(t, sp)
	})

	t.Run("checkpoint mismatch", func(t *testing.T) {
		var otherHash chainhash.Hash
		otherHash[0] = 0x01
		p, sp, blocks := newSyncPool(t, &otherHash)
		p.handleHeadersMsg(&headersMsg{headers: headersOf(blocks...), sp: sp})
		if p.headerList.Len() != 1 {
			t.Fatalf("headers not matching the checkpoint were appended")
		}
		assertDisconnected(t, sp)
		if !p.addrManager.IsBanned("10.0.0.2") {
			t.Fatal("peer sending a bad checkpoint was not banned")
		}
	})
}

// TestBlockResult ensures processed blocks update the request state and
// orphans trigger a request for their missing ancestors.
func TestBlockResult(t *testing.T) {
	var accepted []*wire.MsgBlock
	p, chain := newTestPool(t, func(cfg *Config) {
		cfg.Notifications = func(n *Notification) {
			if n.Type == NTBlockAccepted {
				accepted = append(accepted, n.Data.(*wire.MsgBlock))
			}
		}
	})
	sp := testPeer(t, p, "10.0.0.2:18555")
	blocks := testChain(p, 3)

	process := func(block *wire.MsgBlock) {
		hash := block.BlockHash()
		p.requestedBlocks[hash] = struct{}{}
		sp.requestedBlocks[hash] = struct{}{}
		isOrphan, err := chain.ProcessBlock(block)
		p.handleBlockResult(&blockResultMsg{block: block, hash: hash,
			sp: sp, isOrphan: isOrphan, err: err})
		if _, ok := p.requestedBlocks[hash]; ok {
			t.Fatalf("block %v still requested after processing", hash)
		}
	}

	// The final block is an orphan until its ancestors arrive.
	process(blocks[2])
	if len(accepted) != 0 {
		t.Fatal("orphan block reported as accepted")
	}
	orphanHash := blocks[2].BlockHash()
	if root := chain.OrphanRoot(&orphanHash); root == nil || *root != orphanHash {
		t.Fatalf("unexpected orphan root %v", root)
	}

	process(blocks[0])
	process(blocks[1])
	if _, height := chain.BestBlock(); height != 3 {
		t.Fatalf("unexpected best height %d", height)
	}
	if len(accepted) != 2 {
		t.Fatalf("unexpected number of accepted blocks %d", len(accepted))
	}
	if sp.LastBlock() != 2 {
		t.Fatalf("unexpected peer height %d", sp.LastBlock())
	}

	// Rejected blocks are not reported as accepted.
	next := testBlock(4, &blocks[2].Header, testTx(4))
	chain.reject(next.BlockHash(), NewVerifyError(netwire.RejectInvalid,
		"bad block", 100))
	process(next)
	if len(accepted) != 2 {
		t.Fatal("rejected block reported as accepted")
	}
}

// remotePeer is the remote end of a pool connection driven by the tests.
type remotePeer struct {
	t    *testing.T
	conn net.Conn
	msgs chan netwire.Message
}

// pipeConn wraps one end of an in-memory pipe and reports TCP addresses.
type pipeConn struct {
	net.Conn
	laddr, raddr net.Addr
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.laddr }
func (c *pipeConn) RemoteAddr() net.Addr { return c.raddr }

// pipe returns the local and remote ends of a connection to the remote
// address.
func pipe(remote *net.TCPAddr) (*pipeConn, *pipeConn) {
	local := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: remote.Port}
	localEnd, remoteEnd := net.Pipe()
	return &pipeConn{Conn: localEnd, laddr: local, raddr: remote},
		&pipeConn{Conn: remoteEnd, laddr: remote, raddr: local}
}

func (r *remotePeer) write(msg netwire.Message) {
	err := netwire.WriteMessage(r.conn, msg, netwire.ProtocolVersion,
		wire.SimNet)
	if err != nil {
		r.t.Errorf("failed to write %s: %v", msg.Command(), err)
	}
}

func (r *remotePeer) read() netwire.Message {
	msg, _, err := netwire.ReadMessage(r.conn, netwire.ProtocolVersion,
		wire.SimNet)
	if err != nil {
		r.t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

// handshake answers the version exchange of an outbound pool peer and starts
// collecting the messages it sends.
func (r *remotePeer) handshake(lastBlock int32) {
	r.t.Helper()

	if msg := r.read(); msg.Command() != wire.CmdVersion {
		r.t.Fatalf("unexpected first message %s", msg.Command())
	}
	me := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.2"), 18555,
		wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 18555, 0)
	version := wire.NewMsgVersion(me, you, 0x5eed, lastBlock)
	version.ProtocolVersion = int32(netwire.ProtocolVersion)
	version.Services = wire.SFNodeNetwork
	r.write(version)
	r.write(wire.NewMsgVerAck())
	if msg := r.read(); msg.Command() != wire.CmdVerAck {
		r.t.Fatalf("unexpected message %s instead of verack", msg.Command())
	}

	go func() {
		defer close(r.msgs)
		for {
			msg, _, err := netwire.ReadMessage(r.conn,
				netwire.ProtocolVersion, wire.SimNet)
			if err != nil {
				return
			}
			r.msgs <- msg
		}
	}()
}

// waitFor returns the next message with the provided command, skipping the
// others.
func (r *remotePeer) waitFor(cmd string) netwire.Message {
	r.t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-r.msgs:
			if !ok {
				r.t.Fatalf("disconnected while waiting for %s", cmd)
			}
			if msg.Command() == cmd {
				return msg
			}
		case <-timeout:
			r.t.Fatalf("timeout waiting for %s", cmd)
		}
	}
}

// TestPoolSyncFromPeer ensures the pool connects to its configured peer,
// starts syncing from it and accepts the announced block.
func TestPoolSyncFromPeer(t *testing.T) {
	remoteAddr := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 18555}
	localEnd, remoteEnd := pipe(remoteAddr)
	ntfns := make(chan *Notification, 100)
	p, chain := newTestPool(t, func(cfg *Config) {
		cfg.ConnectPeers = []string{remoteAddr.String()}
		cfg.Dial = func(_ context.Context, _, addr string) (net.Conn, error) {
			if addr != remoteAddr.String() {
				return nil, errNoNetwork
			}
			return localEnd, nil
		}
		cfg.Notifications = func(n *Notification) {
			select {
			case ntfns <- n:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for the pool to stop")
		}
	}()

	remote := &remotePeer{t: t, conn: remoteEnd,
		msgs: make(chan netwire.Message, 100)}
	remote.handshake(1)

	// The pool syncs from its only full node peer.
	remote.waitFor(wire.CmdGetBlocks)
	block := testChain(p, 1)[0]
	blockHash := block.BlockHash()
	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &blockHash))
	remote.write(inv)

	getData := remote.waitFor(wire.CmdGetData).(*wire.MsgGetData)
	if len(getData.InvList) != 1 || getData.InvList[0].Hash != blockHash ||
		getData.InvList[0].Type != wire.InvTypeBlock {

		t.Fatalf("unexpected getdata %v", getData.InvList)
	}
	remote.write(block)

	timeout := time.After(5 * time.Second)
	for accepted := false; !accepted; {
		select {
		case n := <-ntfns:
			accepted = n.Type == NTBlockAccepted
		case <-timeout:
			t.Fatal("timeout waiting for the block to be accepted")
		}
	}
	if hash, height := chain.BestBlock(); hash != blockHash || height != 1 {
		t.Fatalf("unexpected best block %v (%d)", hash, height)
	}

	stats, err := p.Stats()
	if err != nil {
		t.Fatalf("Stats: unexpected error: %v", err)
	}
	if stats.Peers != 1 || stats.Outbound != 1 || stats.BestHeight != 1 ||
		stats.InFlightBlocks != 0 {

		t.Fatalf("unexpected stats %+v", stats)
	}
}

// TestRequeueTxnsOnDisconnect ensures a transaction in flight from a peer that
// disconnects is requested from another peer that announced it.
func TestRequeueTxnsOnDisconnect(t *testing.T) {
	addrA := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 18555}
	addrB := &net.TCPAddr{IP: net.ParseIP("10.0.0.3"), Port: 18555}
	localA, remoteEndA := pipe(addrA)
	localB, remoteEndB := pipe(addrB)
	var dialMtx sync.Mutex
	conns := map[string]net.Conn{
		addrA.String(): localA,
		addrB.String(): localB,
	}
	p, _ := newTestPool(t, func(cfg *Config) {
		cfg.ConnectPeers = []string{addrA.String(), addrB.String()}
		cfg.Dial = func(_ context.Context, _, addr string) (net.Conn, error) {
			dialMtx.Lock()
			defer dialMtx.Unlock()
			conn, ok := conns[addr]
			if !ok {
				return nil, errNoNetwork
			}
			delete(conns, addr)
			return conn, nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for the pool to stop")
		}
	}()

	remoteA := &remotePeer{t: t, conn: remoteEndA,
		msgs: make(chan netwire.Message, 100)}
	remoteB := &remotePeer{t: t, conn: remoteEndB,
		msgs: make(chan netwire.Message, 100)}
	remoteA.handshake(0)
	remoteB.handshake(0)

	txHash := chainhash.Hash{0x7e}
	inv := wire.NewMsgInv()
	inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txHash))
	assertGetData := func(r *remotePeer) {
		t.Helper()
		getData := r.waitFor(wire.CmdGetData).(*wire.MsgGetData)
		if len(getData.InvList) != 1 || getData.InvList[0].Hash != txHash ||
			getData.InvList[0].Type != wire.InvTypeTx {

			t.Fatalf("unexpected getdata %v", getData.InvList)
		}
	}

	// The first announcement is requested.
	remoteA.write(inv)
	assertGetData(remoteA)

	// The second announcement is only remembered while the first request is
	// in flight.  The pong shows the inv was handled since both go through
	// the same input handler.
	remoteB.write(inv)
	remoteB.write(wire.NewMsgPing(0xb0b))
	remoteB.waitFor(wire.CmdPong)

	// Dropping the first peer moves the request to the second.
	remoteEndA.Close()
	assertGetData(remoteB)

	stats, err := p.Stats()
	if err != nil {
		t.Fatalf("Stats: unexpected error: %v", err)
	}
	if stats.Peers != 1 || stats.InFlightTxns != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
