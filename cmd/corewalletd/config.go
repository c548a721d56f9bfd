// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/corewallet/internal/cfgutil"
	"github.com/btcsuite/corewallet/netparams"
	"github.com/btcsuite/corewallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "corewalletd.conf"
	defaultLogFilename    = "corewalletd.log"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultWalletFilename = "wallet.db"
	defaultPoolSize       = 100
)

var (
	defaultAppDataDir = btcutil.AppDataDir("corewalletd", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
)

// config defines the configuration options for the wallet daemon.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for wallet config, database and logs"`
	Create      bool   `long:"create" description:"Create a new wallet if one does not exist"`
	TestNet3    bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SimNet      bool   `long:"simnet" description:"Use the simulation test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogFiles int    `long:"maxlogfiles" description:"Maximum log files to keep (0 for no rotation)"`

	// Chain server.
	RPCConnect       string `short:"c" long:"rpcconnect" description:"Hostname[:port] of btcd RPC server"`
	BtcdUsername     string `long:"btcdusername" description:"Username for btcd RPC authentication"`
	BtcdPassword     string `long:"btcdpassword" default-mask:"-" description:"Password for btcd RPC authentication"`
	CAFile           string `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with btcd"`
	DisableClientTLS bool   `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: only allowed when connecting to localhost"`

	// Spending policy.
	FallbackFee   *cfgutil.AmountFlag `long:"fallbackfee" description:"Fee rate per kilobyte used when the chain server has no estimate"`
	MaxFee        *cfgutil.AmountFlag `long:"maxfee" description:"Ceiling on the absolute fee of a single transaction"`
	MinRelayFee   *cfgutil.AmountFlag `long:"minrelaytxfee" description:"Minimum relay fee rate used for dust determination"`
	SpendZeroConf bool                `long:"spendzeroconf" description:"Allow spending unconfirmed change outputs"`
	SignalRBF     bool                `long:"rbf" description:"Signal BIP125 replaceability on created transactions"`
	KeypoolSize   uint32              `long:"keypoolsize" description:"Number of pregenerated keys kept per keypool branch"`
	RescanHeight  int32               `long:"rescanheight" description:"Force a rescan from this height at startup (-1 disables)"`
	Profile       string              `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, *netparams.Params, error) {
	cfg := config{
		ConfigFile:   defaultConfigFile,
		AppDataDir:   defaultAppDataDir,
		DebugLevel:   defaultLogLevel,
		MaxLogFiles:  defaultMaxLogFiles,
		FallbackFee:  cfgutil.NewAmountFlag(wallet.DefaultFallbackFeePerKB),
		MaxFee:       cfgutil.NewAmountFlag(wallet.DefaultMaxFeeAmount),
		MinRelayFee:  cfgutil.NewAmountFlag(txrules.DefaultRelayFeePerKb),
		KeypoolSize:  defaultPoolSize,
		RescanHeight: -1,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		// Missing config files are only an error when one was
		// explicitly requested.
		if preCfg.ConfigFile != defaultConfigFile {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	activeNet := &netparams.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if cfg.RegTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return nil, nil, fmt.Errorf("the testnet, simnet, and regtest " +
			"params may not be used together -- choose one")
	}

	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)

	if cfg.RPCConnect == "" {
		cfg.RPCConnect = "localhost"
	}
	cfg.RPCConnect, err = cfgutil.NormalizeAddress(
		cfg.RPCConnect, activeNet.RPCClientPort,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid rpcconnect network "+
			"address: %v", err)
	}

	localhostListeners := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	rpcConnectHost, _, err := net.SplitHostPort(cfg.RPCConnect)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DisableClientTLS {
		if _, ok := localhostListeners[rpcConnectHost]; !ok {
			return nil, nil, fmt.Errorf("the --noclienttls option "+
				"may not be used when connecting to non "+
				"localhost address %s", rpcConnectHost)
		}
	} else {
		if cfg.CAFile == "" {
			cfg.CAFile = filepath.Join(
				btcutil.AppDataDir("btcd", false), "rpc.cert",
			)
		}
		cfg.CAFile = cleanAndExpandPath(cfg.CAFile)
		exists, err := cfgutil.FileExists(cfg.CAFile)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			return nil, nil, fmt.Errorf("the CA certificate file "+
				"%s does not exist", cfg.CAFile)
		}
	}

	if cfg.MaxFee.Amount <= 0 {
		return nil, nil, fmt.Errorf("maxfee must be positive")
	}

	return &cfg, activeNet, nil
}

// networkDir returns the directory name of a network directory to hold the
// wallet database.
func networkDir(dataDir string, chainParams *netparams.Params) string {
	netname := chainParams.Name
	// For now, we must always name the testnet data directory as "testnet"
	// and not "testnet3" or any other version, as the chaincfg testnet3
	// paramaters will likely be switched to being named "testnet3" in the
	// future.  This is done to future proof that change, and an upgrade
	// plan to move the testnet3 data directory can be worked out later.
	if chainParams.Net == wire.TestNet3 {
		netname = "testnet"
	}
	return filepath.Join(dataDir, netname)
}
