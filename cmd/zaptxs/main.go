// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/corewallet/wkeymgr"
	"github.com/btcsuite/corewallet/wtxstore"
	flags "github.com/jessevdk/go-flags"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("corewalletd", false)

// Flags.
var opts = struct {
	Force    bool   `short:"f" description:"Force removal without prompt"`
	DbPath   string `long:"db" description:"Path to wallet database"`
	Tx       string `long:"tx" description:"Drop only the transaction with this hash"`
	TestNet3 bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SimNet   bool   `long:"simnet" description:"Use the simulation test network"`
}{
	Force:  false,
	DbPath: filepath.Join(datadir, defaultNet, "wallet.db"),
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

var (
	// Namespace keys.
	wkeymgrNamespace  = []byte("wkeymgr")
	wtxstoreNamespace = []byte("wtxstore")
)

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func netParams() *chaincfg.Params {
	switch {
	case opts.TestNet3:
		return &chaincfg.TestNet3Params
	case opts.SimNet:
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	fmt.Println("Database path:", opts.DbPath)
	_, err := os.Stat(opts.DbPath)
	if os.IsNotExist(err) {
		fmt.Println("Database file does not exist")
		return 1
	}

	var zapHash *chainhash.Hash
	if opts.Tx != "" {
		zapHash, err = chainhash.NewHashFromStr(opts.Tx)
		if err != nil {
			fmt.Println("Invalid transaction hash:", err)
			return 1
		}
	}

	prompt := "Drop all wallet transaction history? [y/N] "
	if zapHash != nil {
		prompt = fmt.Sprintf("Drop transaction %v? [y/N] ", zapHash)
	}
	for !opts.Force {
		fmt.Print(prompt)

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			// Exit on EOF.
			return 0
		}
		err := scanner.Err()
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}

		fmt.Println("Enter yes or no.")
	}

	db, err := walletdb.Open("bdb", opts.DbPath, true, 60*time.Second)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	if zapHash != nil {
		fmt.Println("Dropping transaction", zapHash)
	} else {
		fmt.Println("Dropping transaction history")
	}
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wtxstoreNamespace)
		if ns == nil {
			return fmt.Errorf("missing transaction store namespace")
		}
		store, err := wtxstore.Open(ns, &wtxstore.Config{
			ChainParams: netParams(),
		})
		if err != nil {
			return err
		}

		// Dropping a single transaction leaves the sync position
		// alone; the record returns on its own if it is mined.
		if zapHash != nil {
			return store.RemoveTx(ns, zapHash)
		}

		if err := store.DropTransactionHistory(ns); err != nil {
			return err
		}

		// Roll the sync position back to the wallet's start block so
		// the next rescan rebuilds the dropped history.
		kns := tx.ReadWriteBucket(wkeymgrNamespace)
		if kns == nil {
			return fmt.Errorf("missing key manager namespace")
		}
		mgr, err := wkeymgr.Open(kns, &wkeymgr.Config{
			ChainParams: netParams(),
		})
		if err != nil {
			return err
		}
		defer mgr.Close()
		return mgr.SetSyncedTo(kns, nil)
	})
	if err != nil {
		fmt.Println("Failed to drop transaction history:", err)
		return 1
	}

	return 0
}
