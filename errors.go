package loam

import "errors"

// All sentinel errors live here so callers have one place to look for
// errors.Is targets.
var (
	// ErrKeyNotFound is returned when a key has no visible version at
	// the read timestamp.
	ErrKeyNotFound = errors.New("key not found")

	// ErrConflict is returned by Commit when another transaction
	// committed a write to a key this one read.
	ErrConflict = errors.New("transaction conflict, please retry")

	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("database is closed")

	// ErrDBAlreadyOpen is returned when another process holds the
	// directory lock.
	ErrDBAlreadyOpen = errors.New("database is already open by another process")

	// ErrBlockedWrites is returned while writes are stopped during a
	// forced flush or shutdown.
	ErrBlockedWrites = errors.New("writes are blocked, try again later")

	// ErrTxnTooBig means a transaction exceeds the batch limits and
	// must be split by the caller.
	ErrTxnTooBig = errors.New("transaction too big")

	// ErrBatchTooBig means a write batch can never fit a value log
	// segment or the memtable arena.
	ErrBatchTooBig = errors.New("batch exceeds maximum size")

	// ErrReadOnlyTxn is returned when writing through a read-only
	// transaction.
	ErrReadOnlyTxn = errors.New("cannot write in a read-only transaction")

	// ErrDiscardedTxn is returned when using a finished transaction.
	ErrDiscardedTxn = errors.New("transaction has been discarded")

	// ErrEmptyKey rejects nil or empty user keys.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrInvalidKey rejects oversized user keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue rejects oversized values.
	ErrInvalidValue = errors.New("invalid value")

	// ErrBadMagic means the manifest does not start with our magic or
	// carries an incompatible version.
	ErrBadMagic = errors.New("manifest has bad magic or version")

	// ErrCorruptManifest means a manifest change set could not be
	// applied during replay.
	ErrCorruptManifest = errors.New("manifest corrupted")

	// errFillTables signals that a compaction pick found nothing to do.
	errFillTables = errors.New("unable to fill tables")

	// ErrEncryptionKeyMismatch means an on-disk file was written with
	// a different encryption key than the one configured.
	ErrEncryptionKeyMismatch = errors.New("encryption key mismatch")

	// Configuration validation errors.
	ErrInvalidPath          = errors.New("invalid database path")
	ErrInvalidMemTableSize  = errors.New("invalid memtable size")
	ErrInvalidNumCompactors = errors.New("need at least two compactors")
	ErrInvalidMaxLevels     = errors.New("invalid max levels")
	ErrInvalidBlockSize     = errors.New("invalid block size")
	ErrInvalidValueThresh   = errors.New("invalid value threshold")
	ErrInvalidEncryptionKey = errors.New("encryption key must be 16, 24 or 32 bytes")
)
