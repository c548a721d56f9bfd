// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// Address book entries are persisted as a tlv stream keyed by the encoded
// address, leaving room for future per-entry fields.
const (
	typeBookLabel   tlv.Type = 1
	typeBookPurpose tlv.Type = 2
)

// AddressBookEntry is a named destination address.  Entries exist both for
// external addresses the owner pays and for the wallet's own receiving
// addresses; an own address with a book entry is treated as a payment
// destination rather than change.
type AddressBookEntry struct {
	// Address is the encoded address.
	Address string

	// Label is the entry's human readable name.
	Label string

	// Purpose records why the entry exists, conventionally "send" for
	// external destinations and "receive" for own addresses.
	Purpose string
}

// SetAddressBookEntry adds or replaces the address book entry for an
// address.
func (w *Wallet) SetAddressBookEntry(addr btcutil.Address, label,
	purpose string) error {

	encoded := addr.EncodeAddress()
	entry := &AddressBookEntry{
		Address: encoded,
		Label:   label,
		Purpose: purpose,
	}
	data, err := serializeBookEntry(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err = walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		ns := dbtx.ReadWriteBucket(addrBookNamespaceKey)
		return ns.Put([]byte(encoded), data)
	})
	if err != nil {
		return err
	}
	w.book[encoded] = entry
	return nil
}

// DeleteAddressBookEntry removes the address book entry for an address.
// Deleting an absent entry is not an error.
func (w *Wallet) DeleteAddressBookEntry(addr btcutil.Address) error {
	encoded := addr.EncodeAddress()

	w.mu.Lock()
	defer w.mu.Unlock()

	err := walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		ns := dbtx.ReadWriteBucket(addrBookNamespaceKey)
		return ns.Delete([]byte(encoded))
	})
	if err != nil {
		return err
	}
	delete(w.book, encoded)
	return nil
}

// AddressBookEntry returns the book entry for an address, if one exists.
func (w *Wallet) AddressBookEntry(addr btcutil.Address) (*AddressBookEntry,
	bool) {

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.book[addr.EncodeAddress()]
	if !ok {
		return nil, false
	}
	e := *entry
	return &e, true
}

// ListAddressBook returns every address book entry, sorted by address.
func (w *Wallet) ListAddressBook() []AddressBookEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := make([]AddressBookEntry, 0, len(w.book))
	for _, entry := range w.book {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address < entries[j].Address
	})
	return entries
}

// loadAddressBook fills the in-memory book from the database during Open.
func (w *Wallet) loadAddressBook(ns walletdb.ReadBucket) error {
	return ns.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		entry, err := deserializeBookEntry(string(k), v)
		if err != nil {
			return err
		}
		w.book[entry.Address] = entry
		return nil
	})
}

func serializeBookEntry(entry *AddressBookEntry) ([]byte, error) {
	label := []byte(entry.Label)
	purpose := []byte(entry.Purpose)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBookLabel, &label),
		tlv.MakePrimitiveRecord(typeBookPurpose, &purpose),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func deserializeBookEntry(addr string, data []byte) (*AddressBookEntry,
	error) {

	var label, purpose []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBookLabel, &label),
		tlv.MakePrimitiveRecord(typeBookPurpose, &purpose),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	return &AddressBookEntry{
		Address: addr,
		Label:   string(label),
		Purpose: string(purpose),
	}, nil
}
