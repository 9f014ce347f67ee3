package odb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/odb/journal"
)

const trackTxns = true

type DB struct {
	store   storage
	bdb     *bbolt.DB
	logf    func(format string, args ...any)
	logger  *slog.Logger
	verbose bool

	conflictRetries int
	dispatchChanges bool
	recordCacheSize int
	journal         *journal.Journal

	catLock sync.RWMutex
	cat     *catalog

	// schema generations loaded by Sync, guarded by the writer
	generation atomic.Uint64

	handlersLock sync.Mutex
	handlers     []func(cs *ChangeSet)

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	Logf      func(format string, args ...any)
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// ReadOnly skips schema synchronization on open.
	ReadOnly bool

	// Evolving honors field and extent renames during the sync on open.
	Evolving bool

	// DispatchChanges enables OnCommit handlers.
	DispatchChanges bool

	// ConflictRetries is the number of attempts made when the storage
	// reports a conflict on commit. Defaults to 3.
	ConflictRetries int

	RecordCacheSize int

	// JournalDir enables appending every committed ChangeSet to a journal.
	JournalDir string
}

// Open opens (or creates) a Bolt-backed database and synchronizes it with
// schema, which may be nil to use whatever the database holds.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	bopt := new(bbolt.Options)
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("odb: %w", err)
	}
	db, err := openStorage(newBoltStorage(bdb), schema, opt)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	db.bdb = bdb
	return db, nil
}

// OpenMemory opens a database that lives in memory only. Concurrent writers
// are optimistic: the later commit fails with a conflict and is retried.
func OpenMemory(schema *Schema, opt Options) (*DB, error) {
	return openStorage(newMemStorage(), schema, opt)
}

func openStorage(store storage, schema *Schema, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Logf == nil {
		opt.Logf = func(format string, args ...any) {
			opt.Logger.Debug(fmt.Sprintf(format, args...))
		}
	}
	if opt.ConflictRetries == 0 {
		opt.ConflictRetries = defaultConflictRetries
	}
	if opt.RecordCacheSize <= 0 {
		opt.RecordCacheSize = defaultRecordCacheSize
	}

	db := &DB{
		store:           store,
		logf:            opt.Logf,
		logger:          opt.Logger,
		verbose:         opt.Verbose,
		conflictRetries: opt.ConflictRetries,
		dispatchChanges: opt.DispatchChanges,
		recordCacheSize: opt.RecordCacheSize,
		cat:             newCatalog(),
	}

	if opt.JournalDir != "" {
		j := journal.New(opt.JournalDir, journal.Options{
			FileName:         "odb-*.wal",
			DebugName:        "odb",
			JournalInvariant: changeSetJournal,
			NoSync:           opt.IsTesting,
			Logger:           opt.Logger,
			Verbose:          opt.Verbose,
		})
		if err := j.StartWriting(); err != nil {
			return nil, fmt.Errorf("odb: journal: %w", err)
		}
		db.journal = j
	}

	if err := db.bootstrap(schema, opt); err != nil {
		db.closeJournal()
		return nil, err
	}
	return db, nil
}

func (db *DB) bootstrap(schema *Schema, opt Options) error {
	stx, err := db.store.BeginTx(!opt.ReadOnly)
	if err != nil {
		return fmt.Errorf("odb: begin: %w", err)
	}
	defer stx.Rollback()

	s := newSession(db, stx)
	cat, err := s.loadCatalog(schema)
	if err != nil {
		return err
	}
	s.cat, s.catalogForked = cat, true
	if opt.ReadOnly || schema == nil {
		db.setCatalog(cat)
		return nil
	}

	if err := s.sync(schema, SyncOptions{Evolving: opt.Evolving}); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("odb: commit: %w", err)
	}
	db.setCatalog(s.cat)
	return nil
}

func (db *DB) catalog() *catalog {
	db.catLock.RLock()
	defer db.catLock.RUnlock()
	return db.cat
}

func (db *DB) setCatalog(cat *catalog) {
	db.catLock.Lock()
	defer db.catLock.Unlock()
	db.cat = cat
}

func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

// Schema returns the schema the database was last synchronized with, or nil.
func (db *DB) Schema() *Schema {
	return db.catalog().schema
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

// ExtentNames lists the extents of the database, sorted by name.
func (db *DB) ExtentNames() []string {
	return db.catalog().names()
}

func (db *DB) Close() {
	db.closeJournal()
	err := db.store.Close()
	if err != nil {
		panic(fmt.Errorf("odb: closing: %w", err))
	}
}

func (db *DB) closeJournal() {
	if db.journal == nil {
		return
	}
	if err := db.journal.FinishWriting(); err != nil {
		db.logger.LogAttrs(context.Background(), slog.LevelError, "odb: closing journal", slog.Any("err", err))
	}
}

// OnCommit registers f to receive the ChangeSet of every committed outermost
// transaction. Handlers only run when Options.DispatchChanges is set.
func (db *DB) OnCommit(f func(cs *ChangeSet)) {
	db.handlersLock.Lock()
	defer db.handlersLock.Unlock()
	db.handlers = append(db.handlers, f)
}

func (db *DB) dispatch(cs *ChangeSet) {
	if !db.dispatchChanges || cs == nil {
		return
	}
	db.handlersLock.Lock()
	handlers := slices.Clone(db.handlers)
	db.handlersLock.Unlock()
	for _, f := range handlers {
		f(cs)
	}
}

func (db *DB) appendJournal(cs *ChangeSet) {
	if db.journal == nil {
		return
	}
	err := db.journal.WriteRecord(db.journal.Now(), encodeMsgpack(cs))
	if err == nil {
		err = db.journal.Commit()
	}
	if err != nil {
		db.logger.LogAttrs(context.Background(), slog.LevelError, "odb: journal append failed", slog.String("tx", cs.ID.String()), slog.Any("err", err))
	}
}

// changeSetJournal marks journals holding msgpack-encoded ChangeSets, so
// that a directory written by anything else is refused.
var changeSetJournal = [32]byte{'o', 'd', 'b', ' ', 'c', 'h', 'a', 'n', 'g', 'e', 's', 'e', 't', 's', ' ', 'v', '1'}

// ReadJournal returns the change sets recorded in the journal directory,
// oldest first. An uncommitted tail is ignored.
func ReadJournal(dir string) ([]*ChangeSet, error) {
	j := journal.New(dir, journal.Options{FileName: "odb-*.wal", DebugName: "odb", JournalInvariant: changeSetJournal})
	recs, err := j.Records()
	if err != nil {
		return nil, err
	}
	result := make([]*ChangeSet, 0, len(recs))
	for _, rec := range recs {
		cs := new(ChangeSet)
		if err := decodeMsgpack(rec.Data, cs); err != nil {
			return nil, fmt.Errorf("odb: journal record %d: %w", rec.ID, err)
		}
		result = append(result, cs)
	}
	return result, nil
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
