// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/corewallet/internal/cfgutil"
	"github.com/btcsuite/corewallet/internal/zero"
	"github.com/btcsuite/corewallet/netparams"
	"github.com/btcsuite/corewallet/wallet"
	"github.com/btcsuite/corewallet/wkeymgr"
	"golang.org/x/term"
)

// defaultDBTimeout is how long the bolt driver waits for the database file
// lock before giving up.
const defaultDBTimeout = 60 * time.Second

// promptSeed asks whether an existing seed should be restored and returns
// either the entered seed or a freshly generated one.  Restored seeds are
// read without terminal echo since they are spending credentials.  The
// second return reports whether the seed was restored rather than
// generated.
func promptSeed(reader *bufio.Reader) ([]byte, bool, error) {
	for {
		fmt.Print("Do you have an existing wallet seed you want to " +
			"use? (n/no/y/yes) [no]: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "n", "no":
			seed, err := hdkeychain.GenerateSeed(
				hdkeychain.RecommendedSeedLen,
			)
			if err != nil {
				return nil, false, err
			}

			fmt.Println("Your wallet generation seed is:")
			fmt.Printf("%x\n", seed)
			fmt.Println("IMPORTANT: Keep the seed in a safe " +
				"place as you will NOT be able to restore " +
				"your wallet without it.")
			return seed, false, nil

		case "y", "yes":
			fmt.Print("Enter existing wallet seed (hex): ")
			seedLine, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return nil, false, err
			}
			seed, err := hex.DecodeString(strings.TrimSpace(
				string(seedLine)))
			if err != nil || len(seed) < hdkeychain.MinSeedBytes ||
				len(seed) > hdkeychain.MaxSeedBytes {

				fmt.Printf("Invalid seed: must be a "+
					"hexadecimal string with between %d "+
					"and %d bytes\n",
					hdkeychain.MinSeedBytes,
					hdkeychain.MaxSeedBytes)
				continue
			}
			return seed, true, nil

		default:
			fmt.Println("Enter yes or no.")
		}
	}
}

// createWallet prompts for the information needed to generate a new wallet
// and creates the wallet database accordingly.  The birthday stamp bounds
// the range future rescans must cover: a freshly generated seed cannot have
// transaction history before the current tip, while a restored seed must be
// scanned from the genesis block.
func createWallet(cfg *config, activeNet *netparams.Params,
	tip *wkeymgr.BlockStamp) error {

	netDir := networkDir(cfg.AppDataDir, activeNet)
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return err
	}
	dbPath := filepath.Join(netDir, defaultWalletFilename)

	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("the wallet database file %s already "+
			"exists", dbPath)
	}

	reader := bufio.NewReader(os.Stdin)
	seed, restored, err := promptSeed(reader)
	if err != nil {
		return err
	}
	defer zero.Bytes(seed)

	birthday := tip
	if restored || birthday == nil {
		birthday = &wkeymgr.BlockStamp{
			Height:    0,
			Hash:      *activeNet.GenesisHash,
			Timestamp: activeNet.GenesisBlock.Header.Timestamp,
		}
	}

	fmt.Println("Creating the wallet...")
	db, err := walletdb.Create("bdb", dbPath, true, defaultDBTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	err = wallet.Create(db, seed, activeNet.Params, birthday)
	if err != nil {
		return err
	}

	fmt.Println("The wallet has been created successfully.")
	return nil
}
