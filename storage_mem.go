package odb

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// memStorage is a transient in-memory storage with nested buckets.
//
// Writers don't block each other. Every transaction works on a private deep
// copy of the data, and a writable transaction fails to commit with
// ErrConflict if another writer has committed since it began.
type memStorage struct {
	mu      sync.Mutex
	root    *memBucket
	version uint64
	closed  bool
}

// newMemStorage returns a transient in-memory storage implementation.
func newMemStorage() storage {
	return &memStorage{root: &memBucket{}}
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	return &memTx{
		base:     s,
		writable: writable,
		version:  s.version,
		root:     s.root.clone(),
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.root = nil
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	version  uint64
	root     *memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) rootHandle() memBucketHandle {
	if tx.closed {
		panic("tx is closed")
	}
	return memBucketHandle{tx: tx, b: tx.root}
}

func (tx *memTx) Bucket(name []byte) storageBucket {
	return tx.rootHandle().Bucket(name)
}

func (tx *memTx) CreateBucket(name []byte) (storageBucket, error) {
	return tx.rootHandle().CreateBucket(name)
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	tx.closed = true
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		return fmt.Errorf("storage closed")
	}
	if tx.base.version != tx.version {
		return ErrConflict
	}
	tx.base.root = tx.root
	tx.base.version++
	return nil
}

func (tx *memTx) Rollback() error {
	tx.closed = true
	return nil
}

func (tx *memTx) Size() int64 {
	if tx.root == nil {
		return 0
	}
	return tx.root.size()
}

type memBucket struct {
	items []memKV // sorted by key
}

type memKV struct {
	key   []byte
	value []byte
	child *memBucket
}

func (b *memBucket) clone() *memBucket {
	if b == nil {
		return nil
	}
	out := &memBucket{items: make([]memKV, len(b.items))}
	for i, kv := range b.items {
		out.items[i] = memKV{
			key:   kv.key,
			value: kv.value,
			child: kv.child.clone(),
		}
	}
	return out
}

func (b *memBucket) size() int64 {
	var n int64
	for _, kv := range b.items {
		n += int64(len(kv.key) + len(kv.value))
		if kv.child != nil {
			n += kv.child.size()
		}
	}
	return n
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	i, ok := b.find(key)
	if !ok || b.b.items[i].child != nil {
		return nil
	}
	return b.b.items[i].value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if len(key) == 0 {
		return fmt.Errorf("key required")
	}
	if value == nil {
		value = []byte{}
	}
	key = slices.Clone(key)
	value = slices.Clone(value)

	i, ok := b.find(key)
	if ok {
		if b.b.items[i].child != nil {
			return fmt.Errorf("incompatible value: key %x holds a bucket", key)
		}
		b.b.items[i].value = value
		return nil
	}
	b.b.items = slices.Insert(b.b.items, i, memKV{key: key, value: value})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	if b.b.items[i].child != nil {
		return fmt.Errorf("incompatible value: key %x holds a bucket", key)
	}
	b.b.items = slices.Delete(b.b.items, i, i+1)
	return nil
}

func (b memBucketHandle) Bucket(name []byte) storageBucket {
	i, ok := b.find(name)
	if !ok || b.b.items[i].child == nil {
		return nil
	}
	return memBucketHandle{tx: b.tx, b: b.b.items[i].child}
}

func (b memBucketHandle) CreateBucket(name []byte) (storageBucket, error) {
	if !b.tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	if len(name) == 0 {
		return nil, fmt.Errorf("bucket name required")
	}
	i, ok := b.find(name)
	if ok {
		if b.b.items[i].child == nil {
			return nil, fmt.Errorf("incompatible value: key %x holds a value", name)
		}
		return memBucketHandle{tx: b.tx, b: b.b.items[i].child}, nil
	}
	child := &memBucket{}
	b.b.items = slices.Insert(b.b.items, i, memKV{key: slices.Clone(name), child: child})
	return memBucketHandle{tx: b.tx, b: child}, nil
}

func (b memBucketHandle) DeleteBucket(name []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	i, ok := b.find(name)
	if !ok || b.b.items[i].child == nil {
		return ErrBucketNotFound
	}
	b.b.items = slices.Delete(b.b.items, i, i+1)
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: b.b, pos: -1}
}

func (b memBucketHandle) KeyCount() int { return len(b.b.items) }

func (b memBucketHandle) find(key []byte) (idx int, ok bool) {
	items := b.b.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

// memCursor holds a position in the bucket's item slice. Items modified
// during iteration may be skipped or visited twice, same as with Bolt.
type memCursor struct {
	b   *memBucket
	pos int
}

func (c *memCursor) at() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.b.items) {
		return nil, nil
	}
	kv := c.b.items[c.pos]
	if kv.child != nil {
		return kv.key, nil
	}
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.at()
}

func (c *memCursor) Last() ([]byte, []byte) {
	c.pos = len(c.b.items) - 1
	return c.at()
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	items := c.b.items
	c.pos = sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, seek) >= 0
	})
	return c.at()
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	c.pos++
	return c.at()
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	if c.pos > len(c.b.items) {
		c.pos = len(c.b.items)
	}
	c.pos--
	return c.at()
}
