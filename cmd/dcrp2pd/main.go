// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
	"github.com/decred/dcrp2p/internal/memchain"
	"github.com/decred/dcrp2p/internal/pool"
	"github.com/decred/dcrp2p/internal/version"
	"github.com/decred/dcrp2p/netwire"
	"github.com/decred/dcrp2p/peer"
	"github.com/decred/dcrp2p/peerauth"
)

const (
	// userAgentName is the user agent name advertised to peers.
	userAgentName = "dcrp2pd"

	// statsInterval is the interval between logs of the pool state.
	statsInterval = 5 * time.Minute
)

// logClosure is a closure that can be printed with %v to be used to
// generate expensive-to-create data for a detailed log level and avoid doing
// the work if the data isn't printed.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// handleNotification logs the events of the pool.
func handleNotification(n *pool.Notification) {
	switch n.Type {
	case pool.NTBlockAccepted:
		block := n.Data.(*wire.MsgBlock)
		p2pdLog.Debugf("Accepted block %v (height %d)", block.BlockHash(),
			block.Header.Height)
		p2pdLog.Tracef("%v", newLogClosure(func() string {
			return spew.Sdump(&block.Header)
		}))

	case pool.NTTxAccepted:
		tx := n.Data.(*wire.MsgTx)
		p2pdLog.Tracef("Accepted transaction %v", tx.TxHash())

	case pool.NTPeerOpen:
		p := n.Data.(*peer.Peer)
		p2pdLog.Debugf("Peer %s ready (%s)", p, p.UserAgent())

	case pool.NTReject:
		data := n.Data.(*pool.RejectNtfnsData)
		p2pdLog.Debugf("Peer %s rejected %v", data.Peer, data.Reject)

	case pool.NTBan:
		p := n.Data.(*peer.Peer)
		p2pdLog.Infof("Banned peer %s", p)
	}
}

// logStats periodically logs a summary of the pool state until the context
// is canceled.
func logStats(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats, err := p.Stats()
			if err != nil {
				return
			}
			p2pdLog.Infof("Peers %d (%d outbound), best height %d, sync peer "+
				"%q, %d blocks and %d transactions in flight", stats.Peers,
				stats.Outbound, stats.BestHeight, stats.Loader,
				stats.InFlightBlocks, stats.InFlightTxns)

		case <-ctx.Done():
			return
		}
	}
}

// advertiseAddresses records the addresses the node is reachable at in the
// address manager.  Explicit external addresses take precedence over every
// discovery method.
func advertiseAddresses(ctx context.Context, cfg *config, amgr *addrmgr.AddrManager, listeners []net.Listener, services wire.ServiceFlag) error {
	if len(cfg.ExternalIPs) != 0 {
		return addExternalIPs(amgr, cfg.ExternalIPs, cfg.params.DefaultPort,
			services)
	}

	// Add bound addresses to address manager to be advertised to peers.
	for _, listener := range listeners {
		addr := listener.Addr().String()
		err := addLocalAddress(amgr, addr, services)
		if err != nil {
			amgrLog.Warnf("Skipping bound address %s: %v", addr, err)
		}
	}

	port, ok := listenPort(listeners)
	if !ok {
		return nil
	}
	if cfg.Upnp {
		if err := mapUpnpPort(amgr, port, services); err != nil {
			p2pdLog.Warnf("%v", err)
		}
	}
	if cfg.ExternalIPURL != "" {
		err := addHTTPExternalIP(ctx, amgr, http.DefaultClient,
			cfg.ExternalIPURL, port, services)
		if err != nil {
			p2pdLog.Warnf("Unable to discover the external address: %v", err)
		}
	}
	return nil
}

// saveKnownPeers writes the identities the address manager learned to the
// known-peers file.
func saveKnownPeers(path string, amgr *addrmgr.AddrManager) error {
	known := amgr.KnownPeers()
	peers := make(map[string]peerauth.PubKey, len(known))
	for host, key := range known {
		peers[host] = peerauth.PubKey(key)
	}
	return peerauth.SaveKnownPeers(path, peers)
}

// dcrp2pdMain is the real main function for dcrp2pd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func dcrp2pdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	cfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer p2pdLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	p2pdLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	p2pdLog.Infof("Home dir: %s", cfg.HomeDir)
	p2pdLog.Infof("Active network: %s", cfg.params.Name)
	if cfg.NoFileLogging {
		p2pdLog.Info("File logging disabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		p2pdLog.Errorf("Unable to create data directory: %v", err)
		return err
	}

	// Load the host list.
	amgr := addrmgr.New(&addrmgr.Config{
		DataDir: cfg.DataDir,
		Lookup:  cfg.lookup,
	})
	if err := amgr.Load(); err != nil {
		p2pdLog.Errorf("Unable to load the host list: %v", err)
		return err
	}

	// Return now if a shutdown signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	chain := memchain.New(&memchain.Config{
		ChainParams: cfg.params,
		Checkpoints: cfg.checkpoints,
	})
	mempool := memchain.NewMempool(&memchain.MempoolConfig{
		ChainParams:   cfg.params,
		Chain:         chain,
		MaxOrphanTxs:  cfg.MaxOrphanTxs,
		MinRelayTxFee: int64(cfg.minRelayTxFee),
	})

	services := wire.SFNodeNetwork | wire.SFNodeBloom | netwire.SFNodeCompact
	if cfg.Encrypt {
		services |= netwire.SFNodeEncrypt
	}
	var listeners []net.Listener
	if !cfg.DisableListen {
		listeners, err = initListeners(ctx, cfg.Listeners)
		if err != nil {
			p2pdLog.Errorf("Unable to listen: %v", err)
			return err
		}
		if len(listeners) == 0 {
			err := errors.New("no valid listen address")
			p2pdLog.Errorf("%v", err)
			return err
		}
		err = advertiseAddresses(ctx, cfg, amgr, listeners, services)
		if err != nil {
			p2pdLog.Errorf("%v", err)
			return err
		}
	}

	p, err := pool.New(&pool.Config{
		ChainParams:       cfg.params,
		Chain:             chain,
		Mempool:           mempool,
		AddrManager:       amgr,
		Checkpoints:       cfg.checkpoints,
		Listeners:         listeners,
		Dial:              cfg.dialAddr,
		Lookup:            cfg.lookup,
		Proxy:             cfg.Proxy,
		MaxPeers:          cfg.MaxPeers,
		TargetOutbound:    cfg.TargetOutbound,
		ConnectPeers:      cfg.ConnectPeers,
		PersistentPeers:   cfg.AddPeers,
		NoDNSSeed:         cfg.NoDNSSeed,
		Services:          services,
		NoOnion:           cfg.NoOnion,
		DisableBanning:    cfg.DisableBanning,
		BanThreshold:      cfg.BanThreshold,
		BanDuration:       cfg.BanDuration,
		Whitelist:         cfg.whitelists,
		DisableRelayTx:    cfg.BlocksOnly,
		NoCompact:         cfg.NoCompact,
		NoBloom:           cfg.NoBloom,
		Encrypt:           cfg.Encrypt,
		EncryptTimeout:    cfg.EncryptTimeout,
		AllowPlaintext:    cfg.AllowPlaintext,
		IdentityKey:       cfg.identityKey,
		AuthorizedKeys:    cfg.authorizedKeys,
		KnownPeers:        cfg.knownPeers,
		RequireAuth:       cfg.RequireAuth,
		UserAgentName:     userAgentName,
		UserAgentVersion:  version.UserAgentVersion(),
		UserAgentComments: cfg.UserAgentComments,
		Notifications:     handleNotification,
	})
	if err != nil {
		for _, listener := range listeners {
			listener.Close()
		}
		p2pdLog.Errorf("Unable to start the pool: %v", err)
		return err
	}
	if cfg.identityKey != nil {
		p2pdLog.Infof("Identity key: %v", peerauth.SerializePubKey(
			cfg.identityKey))
	}

	go logStats(ctx, p)
	p.Run(ctx)

	if cfg.identityKey != nil {
		if err := saveKnownPeers(cfg.KnownPeersFile, amgr); err != nil {
			p2pdLog.Errorf("Unable to save known peers: %v", err)
		}
	}
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := dcrp2pdMain(); err != nil {
		os.Exit(1)
	}
}
