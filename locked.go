package odb

import "sync"

// Locked serializes access to a DB: readers share a lock, while executions
// and schema syncs hold it exclusively.
type Locked struct {
	db   *DB
	lock sync.RWMutex
}

func NewLocked(db *DB) *Locked {
	return &Locked{db: db}
}

func (l *Locked) DB() *DB {
	return l.db
}

func (l *Locked) Read(f func(tx *Tx) error) error {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.db.Read(f)
}

func (l *Locked) Execute(txns ...*Transaction) (any, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.db.Execute(txns...)
}

func (l *Locked) ExecuteWith(opt ExecOptions, txns ...*Transaction) (any, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.db.ExecuteWith(opt, txns...)
}

func (l *Locked) Sync(schema *Schema, opt SyncOptions) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.db.Sync(schema, opt)
}
