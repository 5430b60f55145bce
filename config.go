// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/mnconf"
	"github.com/decred/mnd/internal/version"
	"github.com/decred/mnd/sampleconfig"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "mnd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "mnd.log"
	defaultMaxPeers       = 125
	defaultBanDuration    = time.Hour * 24
	defaultBanThreshold   = 100
	defaultRPCCertFile    = "rpc.cert"
)

var (
	defaultHomeDir     = dcrutil.AppDataDir("mnd", false)
	defaultConfigFile  = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir     = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir      = filepath.Join(defaultHomeDir, defaultLogDirname)
	defaultMNConfFile  = filepath.Join(defaultHomeDir, mnconf.DefaultFilename)
	defaultRPCCertPath = filepath.Join(dcrutil.AppDataDir("dcrd", false),
		defaultRPCCertFile)
)

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// config defines the configuration options for mnd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory" env:"MND_APPDATA"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network selection.
	TestNet bool `long:"testnet" description:"Use the test network"`
	RegNet  bool `long:"regnet" description:"Use the regression test network"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network"`

	// Peer settings.
	Listeners      []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 9108, testnet: 19108)"`
	DisableListen  bool          `long:"nolisten" description:"Disable listening for incoming connections -- NOTE: Listening is automatically disabled if the --connect or --proxy options are used without also specifying listen interfaces via --listen"`
	AddPeers       []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers   []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	MaxPeers       int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	DisableBanning bool          `long:"nobanning" description:"Disable banning of misbehaving peers"`
	BanDuration    time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1 second"`
	BanThreshold   uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers."`
	Whitelists     []string      `long:"whitelist" description:"Add an IP network or IP that will not be banned. (eg. 192.168.1.0/24 or ::1)"`
	Proxy          string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// Chain backend settings.
	RPCServer string `long:"rpcserver" description:"Hostname/IP and port of the dcrd RPC server providing the block chain"`
	RPCUser   string `short:"u" long:"rpcuser" description:"Username for the dcrd RPC server"`
	RPCPass   string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for the dcrd RPC server"`
	RPCCert   string `long:"rpccert" description:"File containing the certificate of the dcrd RPC server"`
	NoRPCTLS  bool   `long:"norpctls" description:"Connect to the dcrd RPC server without TLS -- NOTE: This is only allowed for loopback addresses"`

	// Masternode settings.
	Masternode        bool   `long:"masternode" description:"Run a masternode"`
	MNPrivKey         string `long:"mnprivkey" default-mask:"-" description:"Operator private key of the masternode"`
	MNConf            string `long:"mnconf" description:"Path to the masternode definition file"`
	MNAlias           string `long:"mnalias" description:"Alias of the masternode definition to run"`
	ExternalIP        string `long:"externalip" description:"Address the masternode is reachable at"`
	Collateral        string `long:"collateral" description:"Collateral outpoint held by this node in the form <txid>:<index>"`
	CollateralKey     string `long:"collateralkey" default-mask:"-" description:"Private key of the collateral output held by this node"`
	NoMNPayments      bool   `long:"nomnpayments" description:"Do not check blocks for masternode payments"`
	EnforceMNPayments bool   `long:"enforcemnpayments" description:"Reject blocks missing the required masternode payment"`

	// The following fields are derived from the options above.
	params        *params
	whitelists    []netip.Prefix
	externalAddr  netip.AddrPort
	operatorKey   *secp256k1.PrivateKey
	collateral    *wire.OutPoint
	collateralKey *secp256k1.PrivateKey
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
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

// parseWhitelist parses an IP network or a single IP, which is treated as a
// network containing only itself.
func parseWhitelist(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseCollateral parses an outpoint in the form <txid>:<index>.
func parseCollateral(s string) (*wire.OutPoint, error) {
	txid, index, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errors.New("missing output index")
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil || len(txid) != chainhash.MaxHashStringSize {
		return nil, fmt.Errorf("invalid transaction hash %q", txid)
	}
	idx, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid output index %q", index)
	}
	return wire.NewOutPoint(hash, uint32(idx), wire.TxTreeRegular), nil
}

// createDefaultConfigFile creates a default config file at the provided path
// from the commented sample configuration.
func createDefaultConfigFile(cfgFile string) error {
	// Create the destination directory if it does not exist.
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0700); err != nil {
		return err
	}
	return os.WriteFile(cfgFile, []byte(sampleconfig.Mnd()), 0600)
}

// configureMasternode derives the masternode keys, collateral, and external
// address from the masternode options.
func configureMasternode(cfg *config) error {
	chainParams := cfg.params.Params
	if cfg.ExternalIP != "" {
		host := normalizeAddress(cfg.ExternalIP, chainParams.DefaultPort)
		addr, err := netip.ParseAddrPort(host)
		if err != nil {
			return fmt.Errorf("invalid --externalip option %q: %w",
				cfg.ExternalIP, err)
		}
		cfg.externalAddr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}

	if !cfg.Masternode {
		if cfg.MNPrivKey != "" || cfg.MNAlias != "" || cfg.CollateralKey != "" {
			return errors.New("the --mnprivkey, --mnalias, and " +
				"--collateralkey options require --masternode")
		}
		return nil
	}

	if cfg.Collateral != "" {
		op, err := parseCollateral(cfg.Collateral)
		if err != nil {
			return fmt.Errorf("invalid --collateral option: %w", err)
		}
		cfg.collateral = op
	}

	// Options given explicitly take precedence over the definition.
	if cfg.MNAlias != "" {
		entries, err := mnconf.Read(cfg.MNConf, chainParams)
		if err != nil {
			return err
		}
		entry, ok := mnconf.Find(entries, cfg.MNAlias)
		if !ok {
			return fmt.Errorf("masternode alias %q is not defined in %s",
				cfg.MNAlias, cfg.MNConf)
		}
		if cfg.MNPrivKey == "" {
			cfg.MNPrivKey = entry.PrivKey
		}
		if !cfg.externalAddr.IsValid() {
			cfg.externalAddr = entry.Addr
		}
		if cfg.collateral == nil {
			op := entry.Outpoint()
			cfg.collateral = &op
		}
	}

	if cfg.MNPrivKey == "" {
		return errors.New("the --masternode option requires --mnprivkey " +
			"or --mnalias")
	}
	key, err := mnconf.DecodePrivateKey(cfg.MNPrivKey, chainParams.PrivateKeyID)
	if err != nil {
		return fmt.Errorf("invalid masternode private key: %w", err)
	}
	cfg.operatorKey = key

	if cfg.CollateralKey != "" {
		if cfg.collateral == nil {
			return errors.New("the --collateralkey option requires " +
				"--collateral or --mnalias")
		}
		key, err := mnconf.DecodePrivateKey(cfg.CollateralKey,
			chainParams.PrivateKeyID)
		if err != nil {
			return fmt.Errorf("invalid collateral private key: %w", err)
		}
		cfg.collateralKey = key
	}
	return nil
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
// The above results in mnd functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig(appName string) (*config, []string, error) {
	return parseConfig(appName, os.Args[1:])
}

// parseConfig implements loadConfig over the provided command line
// arguments.
func parseConfig(appName string, args []string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:      defaultHomeDir,
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		MaxPeers:     defaultMaxPeers,
		BanDuration:  defaultBanDuration,
		BanThreshold: defaultBanThreshold,
		MNConf:       defaultMNConfFile,
		params:       &mainNetParams,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory if specified.  Since the home directory is
	// updated, other variables need to be updated to reflect the new
	// changes.
	if preCfg.HomeDir != defaultHomeDir {
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
		if preCfg.MNConf == defaultMNConfFile {
			cfg.MNConf = filepath.Join(cfg.HomeDir, mnconf.DefaultFilename)
		}
	} else {
		cfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	}

	// Create a default config file when one does not exist and the user did
	// not specify an override.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(cfg.ConfigFile) {
		if err := createDefaultConfigFile(cfg.ConfigFile); err != nil {
			str := fmt.Sprintf("failed to create default config file: %v",
				err)
			return nil, nil, errSuppressUsage(str)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			err = fmt.Errorf("error parsing config file: %w", err)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet {
		numNets++
		cfg.params = &testNet3Params
	}
	if cfg.RegNet {
		numNets++
		cfg.params = &regNetParams
	}
	if cfg.SimNet {
		numNets++
		cfg.params = &simNetParams
	}
	if numNets > 1 {
		return nil, nil, errors.New("the testnet, regnet, and simnet " +
			"params can't be used together -- choose one of the three")
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	netName := cfg.params.Name
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), netName)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), netName)
	cfg.MNConf = cleanAndExpandPath(cfg.MNConf)

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := initLogRotator(logFile); err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, err
	}

	if cfg.MaxPeers < 0 {
		str := "the maxpeers option may not be less than 0 -- parsed [%d]"
		return nil, nil, fmt.Errorf(str, cfg.MaxPeers)
	}

	// Don't allow ban durations that are too short.
	if cfg.BanDuration < time.Second {
		str := "the banduration option may not be less than 1s -- parsed [%v]"
		return nil, nil, fmt.Errorf(str, cfg.BanDuration)
	}

	// Validate any given whitelisted IP addresses and networks.
	for _, s := range cfg.Whitelists {
		prefix, err := parseWhitelist(s)
		if err != nil {
			str := "the whitelist value of '%s' is invalid"
			return nil, nil, fmt.Errorf(str, s)
		}
		cfg.whitelists = append(cfg.whitelists, prefix)
	}

	// --addpeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		return nil, nil, errors.New("the --addpeer and --connect options " +
			"can not be mixed")
	}

	// Connecting only to specific peers or through a proxy means no
	// listening unless listeners were requested explicitly.
	if (len(cfg.ConnectPeers) > 0 || cfg.Proxy != "") && len(cfg.Listeners) == 0 {
		cfg.DisableListen = true
	}

	// Add the default listener if none were specified.  The default
	// listener is all addresses on the listen port for the network we are
	// to connect to.
	if len(cfg.Listeners) == 0 && !cfg.DisableListen {
		cfg.Listeners = []string{net.JoinHostPort("", cfg.params.DefaultPort)}
	}
	if cfg.DisableListen {
		cfg.Listeners = nil
	}

	// Add default port to all listener and peer addresses if needed and
	// remove duplicate addresses.
	port := cfg.params.DefaultPort
	cfg.Listeners = normalizeAddresses(cfg.Listeners, port)
	cfg.AddPeers = normalizeAddresses(cfg.AddPeers, port)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers, port)

	if cfg.Proxy != "" {
		if _, _, err := net.SplitHostPort(cfg.Proxy); err != nil {
			str := "the proxy address '%s' is invalid: %v"
			return nil, nil, fmt.Errorf(str, cfg.Proxy, err)
		}
	}

	// Chain backend defaults.
	if cfg.RPCServer == "" {
		cfg.RPCServer = net.JoinHostPort("localhost", cfg.params.rpcPort)
	}
	cfg.RPCServer = normalizeAddress(cfg.RPCServer, cfg.params.rpcPort)
	if cfg.RPCCert == "" {
		cfg.RPCCert = defaultRPCCertPath
	}
	cfg.RPCCert = cleanAndExpandPath(cfg.RPCCert)
	if cfg.NoRPCTLS {
		host, _, _ := net.SplitHostPort(cfg.RPCServer)
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			str := "the --norpctls option may only be used with a loopback " +
				"rpcserver address -- parsed [%s]"
			return nil, nil, fmt.Errorf(str, cfg.RPCServer)
		}
	}

	if cfg.NoMNPayments && cfg.EnforceMNPayments {
		return nil, nil, errors.New("the --nomnpayments and " +
			"--enforcemnpayments options can not be used together")
	}

	if err := configureMasternode(&cfg); err != nil {
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		mndLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
