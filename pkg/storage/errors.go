package storage

import "errors"

var (
	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("storage: database closed")

	// ErrTxClosed is returned when a transaction is used after its scope ended
	ErrTxClosed = errors.New("storage: transaction closed")

	// ErrReadOnlyTx is returned when a read transaction attempts a write
	ErrReadOnlyTx = errors.New("storage: write in read-only transaction")

	// ErrKeyTooLarge is returned for empty keys or keys above MaxKeySize
	ErrKeyTooLarge = errors.New("storage: key empty or too large")

	// ErrValueTooLarge is returned for values above MaxValueSize
	ErrValueTooLarge = errors.New("storage: value too large")
)
