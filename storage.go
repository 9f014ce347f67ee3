package odb

import "errors"

// ErrBucketNotFound is returned by storageBucket.DeleteBucket when the bucket doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// ErrConflict is returned by a storage backend when a writable transaction
// cannot be committed because the underlying data changed since it began.
// The executor retries the whole outermost transaction on this error.
var ErrConflict = errors.New("storage conflict")

// storage represents an ordered key-value backend with nested buckets (Bolt, in-memory).
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction. All changes made through it
// become visible atomically on Commit, or are discarded on Rollback.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a top-level bucket, or nil if it doesn't exist.
	Bucket(name []byte) storageBucket

	// CreateBucket creates a top-level bucket if it doesn't exist.
	CreateBucket(name []byte) (storageBucket, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	// Bolt can only answer before Commit or Rollback.
	Size() int64
}

// storageBucket represents a bucket: a sorted collection of keys, each holding
// either a value or a nested bucket.
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found or if the key holds a bucket.
	Get(key []byte) []byte

	// Put stores a key-value pair. Neither key nor value may be modified afterwards.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Bucket returns a nested bucket, or nil if it doesn't exist.
	Bucket(name []byte) storageBucket

	// CreateBucket creates a nested bucket if it doesn't exist.
	CreateBucket(name []byte) (storageBucket, error)

	// DeleteBucket deletes a nested bucket with everything inside it.
	DeleteBucket(name []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() storageCursor

	// KeyCount returns the number of direct keys (values and nested buckets).
	KeyCount() int
}

// storageCursor iterates over a sorted bucket. Keys that hold nested buckets
// are returned with a nil value.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)
}

func cursorStart(c storageCursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Last()
	} else {
		return c.First()
	}
}

func cursorAdvance(c storageCursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	} else {
		return c.Next()
	}
}

func isBucketEmpty(b storageBucket) bool {
	k, _ := b.Cursor().First()
	return k == nil
}
