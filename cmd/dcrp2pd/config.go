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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrp2p/connmgr"
	"github.com/decred/dcrp2p/internal/pool"
	"github.com/decred/dcrp2p/internal/version"
	"github.com/decred/dcrp2p/peer"
	"github.com/decred/dcrp2p/peerauth"
	"github.com/decred/dcrp2p/sampleconfig"
	"github.com/decred/go-socks/socks"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename     = "dcrp2pd.conf"
	defaultDataDirname        = "data"
	defaultLogLevel           = "info"
	defaultLogDirname         = "logs"
	defaultLogFilename        = "dcrp2pd.log"
	defaultLogSize            = 10 * 1024 // KiB
	defaultMaxLogRolls        = 8
	defaultKnownPeersFilename = "known_peers"
	defaultAuthPeersFilename  = "authorized_peers"
	defaultMaxPeers           = 125
	defaultTargetOutbound     = 8
	defaultBanDuration        = time.Hour * 24
	defaultBanThreshold       = 100
	defaultMaxOrphanTxs       = 100
	defaultMinRelayTxFee      = 1e-4
	defaultEncryptTimeout     = peer.DefaultEncryptTimeout
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("dcrp2pd", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for dcrp2pd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store the host list"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	LogSize       int64  `long:"logsize" description:"Maximum size in KiB of a log file before it is rotated"`
	MaxLogRolls   int    `long:"maxlogrolls" description:"Maximum number of rotated log files to keep"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network selection.
	TestNet bool `long:"testnet" description:"Use the test network"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network"`
	RegNet  bool `long:"regnet" description:"Use the regression test network"`

	// Peer connections.
	Listeners         []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 9108, testnet: 19108)"`
	DisableListen     bool          `long:"nolisten" description:"Disable listening for incoming connections"`
	ConnectPeers      []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	AddPeers          []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	MaxPeers          int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	TargetOutbound    int           `long:"targetoutbound" description:"Number of outbound peers to maintain"`
	DisableBanning    bool          `long:"nobanning" description:"Disable banning of misbehaving peers"`
	BanDuration       time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1s"`
	BanThreshold      uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers"`
	Whitelists        []string      `long:"whitelist" description:"Add an IP network or IP that will not be banned (eg. 192.168.1.0/24 or ::1)"`
	NoDNSSeed         bool          `long:"nodnsseed" description:"Disable DNS seeding for peers"`
	ExternalIPs       []string      `long:"externalip" description:"Add a public-facing IP to the list of local external IPs that we will advertise to other peers"`
	Upnp              bool          `long:"upnp" description:"Use UPnP to map our listening port outside of NAT"`
	ExternalIPURL     string        `long:"externalipurl" description:"URL of a service that replies with the public-facing IP when no external IP is known"`
	AddCheckpoints    []string      `long:"addcheckpoint" description:"Add a custom checkpoint.  Format: '<height>:<hash>'"`
	UserAgentComments []string      `long:"uacomment" description:"Comment to add to the user agent"`

	// Proxies.
	Proxy          string `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	OnionProxy     string `long:"onion" description:"Connect to tor hidden services via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	OnionProxyUser string `long:"onionuser" description:"Username for onion proxy server"`
	OnionProxyPass string `long:"onionpass" default-mask:"-" description:"Password for onion proxy server"`
	NoOnion        bool   `long:"noonion" description:"Disable connecting to tor hidden services"`
	TorIsolation   bool   `long:"torisolation" description:"Enable Tor stream isolation by randomizing user credentials for each connection"`

	// Encryption and authentication.
	Encrypt        bool          `long:"encrypt" description:"Negotiate the encrypted transport with peers"`
	EncryptTimeout time.Duration `long:"encrypttimeout" description:"How long to wait for a peer to answer the encrypted transport negotiation"`
	AllowPlaintext bool          `long:"allowplaintext" description:"Continue in plaintext with peers that do not negotiate the encrypted transport"`
	IdentityKey    string        `long:"identitykey" default-mask:"-" description:"Hex encoded identity private key used to authenticate with peers"`
	KnownPeersFile string        `long:"knownpeers" description:"File mapping peer addresses to their identity keys (default: <datadir>/known_peers)"`
	AuthPeersFile  string        `long:"authpeers" description:"File listing the identity keys of authorized peers (default: <datadir>/authorized_peers)"`
	RequireAuth    bool          `long:"requireauth" description:"Only allow inbound peers that authenticate with an authorized identity key"`

	// Relay policy.
	NoCompact     bool    `long:"nocompact" description:"Disable compact block relay"`
	NoBloom       bool    `long:"nobloom" description:"Disable bloom filtering support"`
	BlocksOnly    bool    `long:"blocksonly" description:"Do not accept transactions from remote peers"`
	MinRelayTxFee float64 `long:"minrelaytxfee" description:"The minimum transaction fee in DCR/kB to be considered a non-zero fee"`
	MaxOrphanTxs  int     `long:"maxorphantx" description:"Max number of orphan transactions to keep in memory"`

	// The following fields are derived from the above fields and are not
	// settable via the command line or config file.
	params         *chaincfg.Params
	minRelayTxFee  dcrutil.Amount
	whitelists     []net.IPNet
	checkpoints    []pool.Checkpoint
	identityKey    *secp256k1.PrivateKey
	knownPeers     map[string]peerauth.PubKey
	authorizedKeys []peerauth.PubKey
	dial           func(context.Context, string, string) (net.Conn, error)
	lookup         func(string) ([]net.IP, error)
	onionDial      func(context.Context, string, string) (net.Conn, error)
}

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	if path[0] == '~' {
		var homeDir string
		if home, err := os.UserHomeDir(); err == nil {
			homeDir = home
		}
		path = filepath.Join(homeDir, path[1:])
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// parseCheckpoints parses checkpoints in the '<height>:<hash>' format and
// returns them ordered by height.  Duplicate heights are rejected.
func parseCheckpoints(checkpointStrings []string) ([]pool.Checkpoint, error) {
	if len(checkpointStrings) == 0 {
		return nil, nil
	}
	checkpoints := make([]pool.Checkpoint, 0, len(checkpointStrings))
	seen := make(map[int64]struct{}, len(checkpointStrings))
	for _, cpString := range checkpointStrings {
		parts := strings.Split(cpString, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("unable to parse checkpoint %q -- use "+
				"the syntax <height>:<hash>", cpString)
		}
		height, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || height <= 0 {
			return nil, fmt.Errorf("unable to parse checkpoint %q due to "+
				"malformed height", cpString)
		}
		if len(parts[1]) != chainhash.HashSize*2 {
			return nil, fmt.Errorf("unable to parse checkpoint %q due to "+
				"malformed hash", cpString)
		}
		hash, err := chainhash.NewHashFromStr(parts[1])
		if err != nil {
			return nil, fmt.Errorf("unable to parse checkpoint %q due to "+
				"malformed hash", cpString)
		}
		if _, ok := seen[height]; ok {
			return nil, fmt.Errorf("duplicate checkpoint at height %d",
				height)
		}
		seen[height] = struct{}{}
		checkpoints = append(checkpoints, pool.Checkpoint{
			Height: height,
			Hash:   *hash,
		})
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Height < checkpoints[j].Height
	})
	return checkpoints, nil
}

// parseWhitelists parses IP networks and single IPs into networks.
func parseWhitelists(whitelists []string) ([]net.IPNet, error) {
	nets := make([]net.IPNet, 0, len(whitelists))
	for _, addr := range whitelists {
		_, ipnet, err := net.ParseCIDR(addr)
		if err != nil {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, fmt.Errorf("the whitelist value of '%s' is "+
					"invalid", addr)
			}
			var bits int
			if ip.To4() == nil {
				// IPv6
				bits = 128
			} else {
				bits = 32
			}
			ipnet = &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(bits, bits),
			}
		}
		nets = append(nets, *ipnet)
	}
	return nets, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile writes the commented sample config to the passed
// path, creating the parent directories as needed.
func createDefaultConfigFile(destPath string) error {
	err := os.MkdirAll(filepath.Dir(destPath), 0700)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(sampleconfig.Dcrp2pd()), 0600)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// defaultConfig returns a config with every option set to its default.
func defaultConfig() config {
	return config{
		HomeDir:        defaultHomeDir,
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		LogSize:        defaultLogSize,
		MaxLogRolls:    defaultMaxLogRolls,
		DebugLevel:     defaultLogLevel,
		MaxPeers:       defaultMaxPeers,
		TargetOutbound: defaultTargetOutbound,
		BanDuration:    defaultBanDuration,
		BanThreshold:   defaultBanThreshold,
		EncryptTimeout: defaultEncryptTimeout,
		MinRelayTxFee:  defaultMinRelayTxFee,
		MaxOrphanTxs:   defaultMaxOrphanTxs,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in dcrp2pd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take precedence.
func loadConfig(appName string) (*config, []string, error) {
	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := defaultConfig()
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version.String())
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// changes.
	cfg := defaultConfig()
	if preCfg.HomeDir != "" {
		cfg.HomeDir = cleanAndExpandPath(preCfg.HomeDir)
		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		} else {
			cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		}
	}

	// Create a default config file when one does not already exist.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(cfg.ConfigFile) {
		err := createDefaultConfigFile(cfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: "+
				"%v\n", err)
		}
	}

	// Load additional config from file.  A missing default config file is
	// not an error.
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var pErr *os.PathError
		if !errors.As(err, &pErr) || preCfg.ConfigFile != defaultConfigFile {
			str := "%s: failed to parse config file %s: %w"
			return nil, nil, fmt.Errorf(str, appName, cfg.ConfigFile, err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.params = chaincfg.MainNetParams()
	if cfg.TestNet {
		numNets++
		cfg.params = chaincfg.TestNet3Params()
	}
	if cfg.SimNet {
		numNets++
		cfg.params = chaincfg.SimNetParams()
	}
	if cfg.RegNet {
		numNets++
		cfg.params = chaincfg.RegNetParams()
	}
	if numNets > 1 {
		str := "%s: the testnet, regnet, and simnet params can't be used " +
			"together -- choose one of the three"
		return nil, nil, fmt.Errorf(str, appName)
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		cfg.params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		logPath := filepath.Join(cfg.LogDir, defaultLogFilename)
		err := initLogRotator(logPath, cfg.LogSize, cfg.MaxLogRolls)
		if err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", appName, err)
	}

	if cfg.MaxPeers < 0 || cfg.TargetOutbound < 0 {
		str := "%s: the maxpeers and targetoutbound options may not be " +
			"negative"
		return nil, nil, fmt.Errorf(str, appName)
	}
	if cfg.BanDuration < time.Second {
		str := "%s: the banduration option may not be less than 1s -- " +
			"parsed [%v]"
		return nil, nil, fmt.Errorf(str, appName, cfg.BanDuration)
	}

	cfg.whitelists, err = parseWhitelists(cfg.Whitelists)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", appName, err)
	}

	// --addpeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		str := "%s: the --addpeer and --connect options can not be mixed"
		return nil, nil, fmt.Errorf(str, appName)
	}

	// --proxy or --connect without --listen disables listening.
	if (cfg.Proxy != "" || len(cfg.ConnectPeers) > 0) &&
		len(cfg.Listeners) == 0 {

		cfg.DisableListen = true
	}

	// Connect means no DNS seeding.
	if len(cfg.ConnectPeers) > 0 {
		cfg.NoDNSSeed = true
	}

	// Add the default listener if none were specified.  The default listener
	// is all addresses on the listen port for the network we are to connect
	// to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{net.JoinHostPort("", cfg.params.DefaultPort)}
	}

	// Add default port to all listener, added peer and connect-only peer
	// addresses if needed and remove duplicate addresses.
	cfg.Listeners = normalizeAddresses(cfg.Listeners, cfg.params.DefaultPort)
	cfg.AddPeers = normalizeAddresses(cfg.AddPeers, cfg.params.DefaultPort)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers,
		cfg.params.DefaultPort)

	cfg.checkpoints, err = parseCheckpoints(cfg.AddCheckpoints)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", appName, err)
	}

	cfg.minRelayTxFee, err = dcrutil.NewAmount(cfg.MinRelayTxFee)
	if err != nil || cfg.minRelayTxFee < 0 {
		str := "%s: invalid minrelaytxfee %v"
		return nil, nil, fmt.Errorf(str, appName, cfg.MinRelayTxFee)
	}

	// Encryption and authentication.
	if cfg.IdentityKey != "" {
		if !cfg.Encrypt {
			str := "%s: the --identitykey option requires --encrypt"
			return nil, nil, fmt.Errorf(str, appName)
		}
		cfg.identityKey, err = peerauth.ParseIdentityKey(cfg.IdentityKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", appName, err)
		}
	}
	if cfg.RequireAuth && cfg.identityKey == nil {
		str := "%s: the --requireauth option requires --identitykey"
		return nil, nil, fmt.Errorf(str, appName)
	}
	if cfg.KnownPeersFile == "" {
		cfg.KnownPeersFile = filepath.Join(cfg.DataDir,
			defaultKnownPeersFilename)
	}
	if cfg.AuthPeersFile == "" {
		cfg.AuthPeersFile = filepath.Join(cfg.DataDir,
			defaultAuthPeersFilename)
	}
	cfg.KnownPeersFile = cleanAndExpandPath(cfg.KnownPeersFile)
	cfg.AuthPeersFile = cleanAndExpandPath(cfg.AuthPeersFile)
	if cfg.identityKey != nil {
		cfg.knownPeers, err = peerauth.LoadKnownPeers(cfg.KnownPeersFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", appName, err)
		}
		cfg.authorizedKeys, err = peerauth.LoadAuthorizedPeers(
			cfg.AuthPeersFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", appName, err)
		}
	}

	// Tor stream isolation requires either proxy or onion proxy to be set.
	if cfg.TorIsolation && cfg.Proxy == "" && cfg.OnionProxy == "" {
		str := "%s: Tor stream isolation requires either proxy or onion " +
			"proxy to be set"
		return nil, nil, fmt.Errorf(str, appName)
	}

	// Setup dial and DNS resolution (lookup) functions depending on the
	// specified options.  The default is to use the standard net.Dialer
	// function as well as the system DNS resolver.  When a proxy is
	// specified, the dial function is set to the proxy specific dial
	// function and the lookup is set to use tor (unless --noonion is
	// specified in which case the system DNS resolver is used).
	var dialer net.Dialer
	cfg.dial = dialer.DialContext
	cfg.lookup = net.LookupIP
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			str := "%s: proxy address '%s' is invalid: %w"
			return nil, nil, fmt.Errorf(str, appName, cfg.Proxy, err)
		}

		proxy := &socks.Proxy{
			Addr:         cfg.Proxy,
			Username:     cfg.ProxyUser,
			Password:     cfg.ProxyPass,
			TorIsolation: cfg.TorIsolation,
		}
		cfg.dial = proxy.DialContext
		if !cfg.NoOnion {
			proxyAddr := cfg.Proxy
			cfg.lookup = func(host string) ([]net.IP, error) {
				return connmgr.TorLookupIP(context.Background(), host,
					proxyAddr)
			}
		}
	}

	// Setup onion address dial function depending on the specified options.
	// The default is to use the same dial function selected above.  However,
	// when an onion-specific proxy is specified, the onion address dial
	// function is set to use the onion-specific proxy while leaving the
	// normal dial function as selected above.  This allows .onion address
	// traffic to be routed through a different proxy than normal traffic.
	if cfg.OnionProxy != "" {
		_, _, err := net.SplitHostPort(cfg.OnionProxy)
		if err != nil {
			str := "%s: onion proxy address '%s' is invalid: %w"
			return nil, nil, fmt.Errorf(str, appName, cfg.OnionProxy, err)
		}

		onionProxy := &socks.Proxy{
			Addr:         cfg.OnionProxy,
			Username:     cfg.OnionProxyUser,
			Password:     cfg.OnionProxyPass,
			TorIsolation: cfg.TorIsolation,
		}
		cfg.onionDial = onionProxy.DialContext
	} else {
		cfg.onionDial = cfg.dial
	}

	// Specifying --noonion means the onion address dial function results in
	// an error.
	if cfg.NoOnion {
		cfg.onionDial = func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("tor has been disabled")
		}
	}

	return &cfg, remainingArgs, nil
}

// dialAddr connects to the address through the onion dial function for onion
// addresses and the regular dial function otherwise.
func (cfg *config) dialAddr(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err == nil && strings.HasSuffix(host, ".onion") {
		return cfg.onionDial(ctx, network, addr)
	}
	return cfg.dial(ctx, network, addr)
}
