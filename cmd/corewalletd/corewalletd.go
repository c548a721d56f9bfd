// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/corewallet/build"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/internal/cfgutil"
	"github.com/btcsuite/corewallet/wallet"
	"github.com/btcsuite/corewallet/wkeymgr"
)

var (
	cfg          *config
	shutdownChan = make(chan struct{})
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	tcfg, activeNet, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg

	// Initialize logging before any subsystem emits output.
	netDir := networkDir(cfg.AppDataDir, activeNet)
	if cfg.MaxLogFiles > 0 {
		logPath := filepath.Join(netDir, "logs", defaultLogFilename)
		if err := build.InitLogRotator(logPath, cfg.MaxLogFiles); err != nil {
			return err
		}
		defer build.CloseLogRotator()
	}
	useLoggers()
	setLogLevels(cfg.DebugLevel)

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Read CA certs and create the chain server RPC client.
	var certs []byte
	if !cfg.DisableClientTLS {
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			log.Errorf("Cannot open CA file: %v", err)
			return err
		}
	} else {
		log.Info("Chain server client TLS is disabled")
	}
	rpcClient, err := chain.NewRPCClient(&chain.RPCClientConfig{
		Conn: &rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			User:         cfg.BtcdUsername,
			Pass:         cfg.BtcdPassword,
			Certificates: certs,
			DisableTLS:   cfg.DisableClientTLS,
			Endpoint:     "ws",
		},
		Chain:             activeNet.Params,
		ReconnectAttempts: 3,
	})
	if err != nil {
		log.Errorf("Cannot create chain server RPC client: %v", err)
		return err
	}
	if err := rpcClient.Start(); err != nil {
		log.Errorf("Cannot connect to the chain server: %v", err)
		return err
	}
	defer rpcClient.Stop()

	// Create the wallet database when requested and it does not exist
	// yet.  The chain tip becomes the birthday of a freshly generated
	// seed so future rescans have a lower bound.
	dbPath := filepath.Join(netDir, defaultWalletFilename)
	dbExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return err
	}
	if !dbExists {
		if !cfg.Create {
			err := fmt.Errorf("the wallet does not exist, run "+
				"with the --create option to initialize and "+
				"create it at %s", dbPath)
			log.Error(err)
			return err
		}
		var tip *wkeymgr.BlockStamp
		if stamp, err := rpcClient.BestBlock(); err == nil {
			tip = stamp
		}
		if err := createWallet(cfg, activeNet, tip); err != nil {
			log.Errorf("Cannot create the wallet: %v", err)
			return err
		}
	}

	db, err := walletdb.Open("bdb", dbPath, true, defaultDBTimeout)
	if err != nil {
		log.Errorf("Cannot open the wallet database: %v", err)
		return err
	}
	defer db.Close()

	policy := wallet.DefaultPolicy()
	policy.RelayFeePerKB = cfg.MinRelayFee.Amount
	policy.FallbackFeePerKB = cfg.FallbackFee.Amount
	policy.MaxFeeAmount = cfg.MaxFee.Amount
	policy.SpendZeroConf = cfg.SpendZeroConf
	policy.SignalRBF = cfg.SignalRBF

	w, err := wallet.Open(db, &wallet.Config{
		Chain:       rpcClient,
		ChainParams: activeNet.Params,
		Policy:      &policy,
		PoolSize:    cfg.KeypoolSize,
	})
	if err != nil {
		log.Errorf("Cannot open the wallet: %v", err)
		return err
	}
	defer w.Close()

	w.Start()

	if cfg.RescanHeight >= 0 {
		go func() {
			err := w.RescanFromHeight(cfg.RescanHeight)
			if err != nil {
				log.Errorf("Rescan failed: %v", err)
			}
		}()
	}

	// Shutdown the wallet and its chain client when an interrupt is
	// received.  The rescan abort is part of wallet Stop.
	addInterruptHandler(func() {
		w.Stop()
		w.WaitForShutdown()
		rpcClient.Stop()
		rpcClient.WaitForShutdown()
	})

	<-shutdownChan
	log.Info("Shutdown complete")
	return nil
}
