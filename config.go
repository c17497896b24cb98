// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package swapwatch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	flags "github.com/jessevdk/go-flags"
	"github.com/swapwatch/swapwatch/build"
	"github.com/swapwatch/swapwatch/monitoring"
	"github.com/swapwatch/swapwatch/zmqntfn"
)

const (
	defaultConfigFilename = "swapwatch.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "swapwatch.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultNetwork        = "mainnet"
	defaultRPCHost        = "localhost"

	// defaultRescanFrom disables the startup rescan.
	defaultRescanFrom = -1

	// Set defaults for a health check which ensures that we have a
	// working connection to our chain backend.
	defaultChainInterval = time.Minute
	defaultChainTimeout  = time.Second * 30
	defaultChainBackoff  = time.Minute * 2
	defaultChainAttempts = 3

	// defaultStatusInterval is how often the chain status is logged.
	defaultStatusInterval = 10 * time.Minute
)

var (
	// DefaultSwapwatchDir is the default directory where swapwatch tries
	// to find its configuration file and store its logs.
	DefaultSwapwatchDir = btcutil.AppDataDir("swapwatch", false)

	// DefaultConfigFile is the default full path of swapwatch's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultSwapwatchDir, defaultConfigFilename,
	)

	defaultLogDir = filepath.Join(DefaultSwapwatchDir, defaultLogDirname)

	// networkParams maps the supported network names to their
	// parameters and bitcoind's default RPC port.
	networkParams = map[string]struct {
		params  *chaincfg.Params
		rpcPort string
	}{
		"mainnet": {&chaincfg.MainNetParams, "8332"},
		"testnet": {&chaincfg.TestNet3Params, "18332"},
		"regtest": {&chaincfg.RegressionNetParams, "18443"},
		"signet":  {&chaincfg.SigNetParams, "38332"},
		"simnet":  {&chaincfg.SimNetParams, "18554"},
	}
)

// Bitcoind holds the configuration of the bitcoind backend.
//
//nolint:ll
type Bitcoind struct {
	RPCHost string `long:"rpchost" description:"The daemon's rpc listening address. If a port is omitted, then the default port for the selected chain parameters will be used."`
	RPCUser string `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`

	ZMQPubRawTx       string        `long:"zmqpubrawtx" description:"The address listening for ZMQ connections to deliver raw transaction notifications"`
	ZMQPubRawBlock    string        `long:"zmqpubrawblock" description:"The address listening for ZMQ connections to deliver raw block notifications"`
	ZMQPubHashBlock   string        `long:"zmqpubhashblock" description:"The address listening for ZMQ connections to deliver block hash notifications, used when raw block notifications are unavailable"`
	ZMQConnectTimeout time.Duration `long:"zmqconnecttimeout" description:"The maximum time to wait for a ZMQ subscription to be established. Valid time units are {ms, s}."`
}

// CheckConfig contains the configuration of a single health check.
//
//nolint:ll
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run a health check."`
	Attempts int           `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`
	Timeout  time.Duration `long:"timeout" description:"The amount of time we allow the health check to take before failing due to timeout."`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to back-off between failed health checks."`
}

// HealthCheckConfig contains the configuration of the health checks.
//
//nolint:ll
type HealthCheckConfig struct {
	ChainCheck *CheckConfig `group:"chainbackend" namespace:"chainbackend"`
}

// Config defines the configuration options for swapwatch.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	SwapwatchDir string `long:"swapwatchdir" description:"The base directory that contains swapwatch's configuration file and logs."`
	ConfigFile   string `short:"C" long:"configfile" description:"Path to configuration file"`

	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The bitcoin network the node runs on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`

	RescanFrom int32 `long:"rescanfrom" description:"Report relevant transactions confirmed from this height up to the current tip on startup. -1 disables the rescan."`

	WatchInputs    []string `long:"watchinput" description:"Report transactions spending an output of this txid. Can be specified multiple times."`
	WatchScripts   []string `long:"watchscript" description:"Report transactions paying to this hex encoded output script. Can be specified multiple times."`
	WatchAddresses []string `long:"watchaddress" description:"Report transactions paying to this address. Can be specified multiple times."`

	StatusInterval time.Duration `long:"statusinterval" description:"How often to log the chain tip and the number of transactions awaiting confirmation. Set to 0 to disable."`

	ZMQDiscover bool `long:"zmqdiscover" description:"Ask bitcoind for its ZMQ endpoints instead of using the configured ones"`

	Bitcoind *Bitcoind `group:"Bitcoind" namespace:"bitcoind"`

	Prometheus *monitoring.Prometheus `group:"Prometheus" namespace:"prometheus"`

	HealthChecks *HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams *chaincfg.Params

	// watchInputs and watchScripts are the parsed watch options.
	watchInputs  []chainhash.Hash
	watchScripts [][]byte
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		SwapwatchDir:   DefaultSwapwatchDir,
		ConfigFile:     DefaultConfigFile,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     build.LogLevel,
		Network:        defaultNetwork,
		RescanFrom:     defaultRescanFrom,
		StatusInterval: defaultStatusInterval,
		Bitcoind: &Bitcoind{
			RPCHost:           defaultRPCHost,
			ZMQConnectTimeout: zmqntfn.DefaultConnectTimeout,
		},
		Prometheus: monitoring.DefaultConfig(),
		HealthChecks: &HealthCheckConfig{
			ChainCheck: &CheckConfig{
				Interval: defaultChainInterval,
				Timeout:  defaultChainTimeout,
				Attempts: defaultChainAttempts,
				Backoff:  defaultChainBackoff,
			},
		},
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their swapwatchdir, then we should assume they intend to
	// use the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.SwapwatchDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultSwapwatchDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		swpwLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {

	// If the provided swapwatch directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	swapwatchDir := CleanAndExpandPath(cfg.SwapwatchDir)
	if swapwatchDir != DefaultSwapwatchDir {
		cfg.LogDir = filepath.Join(swapwatchDir, defaultLogDirname)
	}
	cfg.SwapwatchDir = swapwatchDir
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			build.SortedSubsystems(subsystemLoggers))
		os.Exit(0)
	}

	netCfg, ok := networkParams[cfg.Network]
	if !ok {
		return nil, mkErr(usageMessage, "unknown network %q",
			cfg.Network)
	}
	cfg.ActiveNetParams = netCfg.params

	// Append the network type to the log directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.ActiveNetParams.Name)

	if cfg.MaxLogFiles < 0 || cfg.MaxLogFileSize < 1 {
		return nil, mkErr(usageMessage, "maxlogfiles must be "+
			"non-negative and maxlogfilesize must be positive")
	}

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(
		cfg.DebugLevel, &subLogManager{loggers: subsystemLoggers},
	)
	if err != nil {
		return nil, mkErr(usageMessage, "%v", err)
	}

	// If the RPC host doesn't carry a port, use the network's default.
	if _, _, err := net.SplitHostPort(cfg.Bitcoind.RPCHost); err != nil {
		cfg.Bitcoind.RPCHost = net.JoinHostPort(
			cfg.Bitcoind.RPCHost, netCfg.rpcPort,
		)
	}

	if err := checkZMQConfig(&cfg); err != nil {
		return nil, mkErr(usageMessage, "%v", err)
	}

	if cfg.RescanFrom < defaultRescanFrom {
		return nil, mkErr(usageMessage, "rescanfrom must be a height "+
			"or -1, got %d", cfg.RescanFrom)
	}

	if err := parseWatchOptions(&cfg); err != nil {
		return nil, mkErr(usageMessage, "%v", err)
	}

	if cfg.StatusInterval < 0 {
		return nil, mkErr(usageMessage, "statusinterval must not be "+
			"negative")
	}

	if cfg.HealthChecks.ChainCheck.Attempts < 0 {
		return nil, mkErr(usageMessage, "healthcheck attempts must "+
			"not be negative")
	}

	return &cfg, nil
}

// mkErr formats a configuration error and appends the usage hint.
func mkErr(usageMessage, format string, args ...interface{}) error {
	return fmt.Errorf("%v: %v", fmt.Sprintf(format, args...),
		usageMessage)
}

// checkZMQConfig checks the notification endpoints. Without discovery the
// raw transaction endpoint and at least one block endpoint are required.
func checkZMQConfig(cfg *Config) error {
	if cfg.Bitcoind.ZMQConnectTimeout <= 0 {
		return errors.New("zmqconnecttimeout must be positive")
	}

	if cfg.ZMQDiscover {
		return nil
	}

	b := cfg.Bitcoind
	if b.ZMQPubRawTx == "" {
		return errors.New("zmqpubrawtx must be set unless zmqdiscover " +
			"is enabled")
	}
	if b.ZMQPubRawBlock == "" && b.ZMQPubHashBlock == "" {
		return errors.New("zmqpubrawblock or zmqpubhashblock must be " +
			"set unless zmqdiscover is enabled")
	}

	if b.ZMQPubRawBlock != "" {
		err := checkZMQOptions(b.ZMQPubRawBlock, b.ZMQPubRawTx)
		if err != nil {
			return err
		}
	}
	if b.ZMQPubHashBlock != "" && b.ZMQPubHashBlock == b.ZMQPubRawTx {
		return errors.New("zmqpubhashblock and zmqpubrawtx must be set " +
			"to different addresses")
	}

	return nil
}

// checkZMQOptions ensures that the provided addresses to use as the hosts for
// ZMQ rawblock and rawtx notifications are different.
func checkZMQOptions(zmqBlockHost, zmqTxHost string) error {
	if zmqBlockHost == zmqTxHost {
		return errors.New("zmqpubrawblock and zmqpubrawtx must be set " +
			"to different addresses")
	}

	return nil
}

// parseWatchOptions decodes the watch options into the txids and scripts
// the watch set is seeded with.
func parseWatchOptions(cfg *Config) error {
	for _, input := range cfg.WatchInputs {
		txid, err := chainhash.NewHashFromStr(input)
		if err != nil {
			return fmt.Errorf("invalid watchinput %q: %w", input, err)
		}
		cfg.watchInputs = append(cfg.watchInputs, *txid)
	}

	for _, script := range cfg.WatchScripts {
		pkScript, err := hex.DecodeString(script)
		if err != nil || len(pkScript) == 0 {
			return fmt.Errorf("invalid watchscript %q", script)
		}
		cfg.watchScripts = append(cfg.watchScripts, pkScript)
	}

	for _, addrStr := range cfg.WatchAddresses {
		addr, err := btcutil.DecodeAddress(addrStr, cfg.ActiveNetParams)
		if err != nil {
			return fmt.Errorf("invalid watchaddress %q: %w", addrStr,
				err)
		}
		if !addr.IsForNet(cfg.ActiveNetParams) {
			return fmt.Errorf("watchaddress %q is not a %v address",
				addrStr, cfg.ActiveNetParams.Name)
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return fmt.Errorf("watchaddress %q: %w", addrStr, err)
		}
		cfg.watchScripts = append(cfg.watchScripts, pkScript)
	}

	return nil
}

// zmqDescriptors returns the configured notification endpoints.
func (c *Config) zmqDescriptors() []zmqntfn.Descriptor {
	var descs []zmqntfn.Descriptor
	add := func(filter zmqntfn.FilterType, address string) {
		if address == "" {
			return
		}
		descs = append(descs, zmqntfn.NewDescriptor(filter, address))
	}

	add(zmqntfn.RawTx, c.Bitcoind.ZMQPubRawTx)
	add(zmqntfn.RawBlock, c.Bitcoind.ZMQPubRawBlock)
	add(zmqntfn.HashBlock, c.Bitcoind.ZMQPubHashBlock)

	return descs
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
