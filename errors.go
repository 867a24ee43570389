package pagekv

import "errors"

// Error kinds surfaced by the core.
var (
	// ErrKeyNotFound is returned when a lookup or move finds no matching key.
	ErrKeyNotFound = errors.New("pagekv: key not found")

	// ErrDuplicateKey is returned when an insert without duplicate support
	// collides with an existing key.
	ErrDuplicateKey = errors.New("pagekv: duplicate key")

	// ErrCursorIsNil is returned by an operation that requires a positioned
	// cursor when the cursor is Nil. Informational: callers may treat a
	// NEXT on a Nil cursor as FIRST, and PREVIOUS as LAST.
	ErrCursorIsNil = errors.New("pagekv: cursor is nil")

	// ErrLimitsReached is returned when a move within the duplicate cache
	// runs past its first or last entry.
	ErrLimitsReached = errors.New("pagekv: limits reached")

	// ErrTxnConflict is returned when a key is owned by a still-open writer
	// transaction that is not the caller's own.
	ErrTxnConflict = errors.New("pagekv: transaction conflict")

	// ErrKeyErasedInTxn is returned when the requested key was erased by a
	// pending (uncommitted) transaction.
	ErrKeyErasedInTxn = errors.New("pagekv: key erased in transaction")

	// ErrIO wraps a device I/O failure. Fatal for the current operation.
	ErrIO = errors.New("pagekv: i/o error")

	// ErrOutOfMemory is fatal for the current operation, not the process.
	ErrOutOfMemory = errors.New("pagekv: out of memory")

	// ErrInvalidParameter is returned for malformed arguments.
	ErrInvalidParameter = errors.New("pagekv: invalid parameter")

	// ErrClosed is returned by Txn operations once the transaction has been
	// committed or aborted.
	ErrClosed = errors.New("pagekv: closed")
)
