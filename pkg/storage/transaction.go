// ABOUTME: Transaction support for atomic multi-key operations
// ABOUTME: Scoped read and write transactions with copy-on-write atomicity

package storage

import (
	"bytes"
)

// Tx is a transaction obtained from KV.View or KV.Update. It must not be
// used after the function it was passed to returns.
type Tx struct {
	db       *KV
	meta     []byte // Saved meta for rollback
	writable bool
	done     bool
}

// begin starts a write transaction. Caller holds the write lock.
func (db *KV) begin() *Tx {
	return &Tx{
		db:       db,
		meta:     db.saveMeta(),
		writable: true,
	}
}

// commit makes the transaction durable
func (tx *Tx) commit() error {
	return tx.db.updateOrRevert(tx.meta)
}

// abort rolls back the in-memory state to the transaction start
func (tx *Tx) abort() {
	tx.db.loadMeta(tx.meta)
	tx.db.page.temp = tx.db.page.temp[:0]
	tx.db.page.updates = make(map[uint64][]byte)
}

func (tx *Tx) close() {
	tx.done = true
}

// Writable reports whether the transaction can modify the store
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Get retrieves a copy of the value stored under key
func (tx *Tx) Get(key []byte) ([]byte, bool) {
	if tx.done || len(key) == 0 {
		return nil, false
	}
	val, ok := tx.db.tree.Get(key)
	if !ok {
		return nil, false
	}
	return bytes.Clone(val), true
}

// Has reports whether key exists
func (tx *Tx) Has(key []byte) bool {
	if tx.done || len(key) == 0 {
		return false
	}
	_, ok := tx.db.tree.Get(key)
	return ok
}

// Set inserts or updates a key-value pair
func (tx *Tx) Set(key []byte, val []byte) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if len(key) == 0 || len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(val) > MaxValueSize {
		return ErrValueTooLarge
	}
	tx.db.tree.Insert(key, val)
	return nil
}

// Del deletes a key, reporting whether it existed
func (tx *Tx) Del(key []byte) (bool, error) {
	if err := tx.checkWritable(); err != nil {
		return false, err
	}
	if len(key) == 0 {
		return false, nil
	}
	return tx.db.tree.Delete(key), nil
}

// Scan performs a range scan from start until callback returns false.
// Keys and values are only valid during the callback.
func (tx *Tx) Scan(start []byte, callback func(key, val []byte) bool) error {
	if tx.done {
		return ErrTxClosed
	}
	tx.db.tree.Scan(start, callback)
	return nil
}

// ScanPrefix calls callback for every key starting with prefix, in key
// order, until callback returns false.
func (tx *Tx) ScanPrefix(prefix []byte, callback func(key, val []byte) bool) error {
	return tx.Scan(prefix, func(key, val []byte) bool {
		if !HasPrefix(key, prefix) {
			return false
		}
		return callback(key, val)
	})
}

func (tx *Tx) checkWritable() error {
	if tx.done {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrReadOnlyTx
	}
	return nil
}
