// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/corewallet/build"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wallet"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
)

// Loggers per subsystem.  All of them route through the shared backend
// constructed by the build package.
var (
	log       = build.NewSubLogger("CWLT")
	walletLog = build.NewSubLogger("WLLT")
	txstLog   = build.NewSubLogger("TXST")
	keysLog   = build.NewSubLogger("KMGR")
	chainLog  = build.NewSubLogger("CHNS")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"CWLT": log,
	"WLLT": walletLog,
	"TXST": txstLog,
	"KMGR": keysLog,
	"CHNS": chainLog,
}

// useLoggers hands every library package its subsystem logger.
func useLoggers() {
	wallet.UseLogger(walletLog)
	wtxstore.UseLogger(txstLog)
	wkeymgr.UseLogger(keysLog)
	chain.UseLogger(chainLog)
	rpcclient.UseLogger(chainLog)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for _, logger := range subsystemLoggers {
		build.SetLogLevel(logger, logLevel)
	}
}
