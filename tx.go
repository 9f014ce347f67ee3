package odb

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Tx gives transaction bodies and readers access to the database. A Tx
// passed to a transaction body is writable; one obtained from DB.Read is not.
type Tx struct {
	s *session
	t *Transaction

	startTime time.Time
	stack     string
}

// Read runs f in a read-only snapshot of the database.
func (db *DB) Read(f func(tx *Tx) error) error {
	tx, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Close()
	return f(tx)
}

// BeginRead starts a read-only Tx, which must be closed.
func (db *DB) BeginRead() (*Tx, error) {
	stx, err := db.store.BeginTx(false)
	if err != nil {
		return nil, fmt.Errorf("odb: failed to start reading: %w", err)
	}
	db.ReaderCount.Add(1)
	db.ReadCount.Add(1)
	tx := &Tx{
		s:         newSession(db, stx),
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
		db.addTx(tx)
	}
	return tx, nil
}

// Close ends a read-only Tx. Closing a Tx given to a transaction body is a no-op.
func (tx *Tx) Close() {
	if tx.t != nil || tx.s.stx == nil {
		return
	}
	tx.s.db.ReaderCount.Add(-1)
	if trackTxns {
		tx.s.db.removeTx(tx)
	}
	ensure(tx.s.stx.Rollback())
	tx.s.stx = nil
}

func (tx *Tx) DB() *DB {
	return tx.s.db
}

func (tx *Tx) IsWritable() bool {
	return tx.t != nil
}

// Transaction returns the innermost executing transaction, or nil for a read-only Tx.
func (tx *Tx) Transaction() *Transaction {
	return tx.s.current()
}

func (tx *Tx) checkWritable() error {
	if tx.t == nil {
		return ErrReadOnly
	}
	return nil
}

func (tx *Tx) extent(name string) (*extent, error) {
	return tx.s.cat.lookup(name)
}

// Execute runs txns as a nested transaction of the current one. On failure,
// everything the nested transaction did is undone and the error returned,
// and the current transaction may carry on.
func (tx *Tx) Execute(txns ...*Transaction) (any, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, nil
	}
	t := txns[0]
	if len(txns) > 1 {
		t = Combination(txns...)
	}
	if err := tx.s.run(t); err != nil {
		return nil, err
	}
	return t.result, nil
}

type oidOpt uint64

// WithOID makes Create use the given oid instead of the next free one.
func WithOID(oid uint64) any {
	return oidOpt(oid)
}

// Create creates an entity and returns its oid.
func (tx *Tx) Create(extent string, fields Fields, opts ...any) (uint64, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	var oid uint64
	for _, o := range opts {
		switch o := o.(type) {
		case oidOpt:
			oid = uint64(o)
		default:
			panic(fmt.Errorf("invalid option %T %v", o, o))
		}
	}
	ext, err := tx.extent(extent)
	if err != nil {
		return 0, err
	}
	vals, err := tx.s.prepareFields(ext, fields, true)
	if err != nil {
		return 0, err
	}
	return tx.s.createEntity(ext, vals, oid, 0)
}

// Update changes the given fields of an entity.
func (tx *Tx) Update(extent string, oid uint64, fields Fields) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	vals, err := tx.s.prepareFields(ext, fields, false)
	if err != nil {
		return err
	}
	return tx.s.updateEntity(ext, oid, vals, 0, false, false)
}

// Delete deletes an entity, honoring the on-delete policy of every field
// that references it.
func (tx *Tx) Delete(extent string, oid uint64) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	return tx.s.cascadeDelete(ext, oid)
}

func (tx *Tx) checkRev(extent string, oid uint64, expected int64) error {
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	rev, err := tx.s.rev(ext, oid)
	if err != nil {
		return err
	}
	if rev != expected {
		return entityErrf(extent, oid, ErrTransactionExpired, "rev %d, expected %d", rev, expected)
	}
	return nil
}

// wouldChange reports whether applying fields would change the entity.
func (tx *Tx) wouldChange(extent string, oid uint64, fields Fields) (bool, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return false, err
	}
	vals, err := tx.s.prepareFields(ext, fields, false)
	if err != nil {
		return false, err
	}
	rec := tx.s.loadRecord(ext, oid)
	if rec == nil {
		return false, entityErr(extent, oid, ErrEntityDoesNotExist)
	}
	for fid, v := range vals {
		if !rec.field(fid).Equal(v) {
			return true, nil
		}
	}
	return false, nil
}

// Fields returns all declared fields of an entity. Unset fields are Unassigned.
func (tx *Tx) Fields(extent string, oid uint64) (Fields, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return nil, err
	}
	return tx.s.fields(ext, oid)
}

// Field returns a single field of an entity.
func (tx *Tx) Field(extent string, oid uint64, field string) (Value, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return Value{}, err
	}
	fid, err := ext.fieldID(field)
	if err != nil {
		return Value{}, err
	}
	rec := tx.s.loadRecord(ext, oid)
	if rec == nil {
		return Value{}, entityErr(extent, oid, ErrEntityDoesNotExist)
	}
	return tx.s.present(rec.field(fid)), nil
}

func (tx *Tx) Rev(extent string, oid uint64) (int64, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return 0, err
	}
	return tx.s.rev(ext, oid)
}

func (tx *Tx) Exists(extent string, oid uint64) (bool, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return false, err
	}
	return tx.s.entityExists(ext, oid), nil
}

// Len returns the number of entities in the extent.
func (tx *Tx) Len(extent string) (int, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return 0, err
	}
	return tx.s.count(ext), nil
}

// OIDs lists the oids of all entities of the extent in ascending order.
func (tx *Tx) OIDs(extent string) ([]uint64, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return nil, err
	}
	return tx.s.oids(ext), nil
}

// Links lists the referrers of an entity. Empty filterExtent and filterField
// match every extent and field.
func (tx *Tx) Links(extent string, oid uint64, filterExtent, filterField string) ([]Link, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return nil, err
	}
	return tx.s.links(ext, oid, filterExtent, filterField)
}

// LinkCount returns the number of references to an entity.
func (tx *Tx) LinkCount(extent string, oid uint64) (int, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return 0, err
	}
	return tx.s.linkCount(ext, oid)
}

// Find returns the oids of entities whose fields equal criteria, ascending.
func (tx *Tx) Find(extent string, criteria Fields) ([]uint64, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return nil, err
	}
	return tx.s.find(ext, criteria)
}

// FindOne returns the single entity matching criteria, or 0 if none does.
func (tx *Tx) FindOne(extent string, criteria Fields) (uint64, error) {
	oids, err := tx.Find(extent, criteria)
	if err != nil || len(oids) == 0 {
		return 0, err
	}
	return oids[0], nil
}

// OrderedOIDs lists all entities sorted by the given fields using an index.
// Prefix a field with "-" to sort it in descending order.
func (tx *Tx) OrderedOIDs(extent string, sort ...string) ([]uint64, error) {
	ext, err := tx.extent(extent)
	if err != nil {
		return nil, err
	}
	return tx.s.orderedOIDs(ext, sort)
}

// Relax suspends uniqueness checks of the index on fields until the current
// transaction calls Enforce or finishes.
func (tx *Tx) Relax(extent string, fields ...string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	idx, err := tx.s.lookupIndex(ext, fields)
	if err != nil {
		return err
	}
	tx.s.relax(tx.s.current(), idx)
	return nil
}

// Enforce re-validates entries added to the index while it was relaxed and
// fails with a KeyCollisionError if uniqueness is violated.
func (tx *Tx) Enforce(extent string, fields ...string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	idx, err := tx.s.lookupIndex(ext, fields)
	if err != nil {
		return err
	}
	return tx.s.enforce(tx.s.current(), idx)
}

// CreateIndex adds an index on fields to the extent and populates it.
// Requesting a unique index where a non-unique one exists upgrades it.
func (tx *Tx) CreateIndex(extent string, unique bool, fields ...string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.s.forkCatalog()
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	spec, err := ext.specIDs(fields)
	if err != nil {
		return err
	}

	existed, wasUnique := false, false
	if idx := ext.indices[specKey(spec)]; idx != nil {
		existed, wasUnique = true, idx.unique
	}
	before := make(map[string]bool, len(ext.indices))
	for k, idx := range ext.indices {
		before[k] = idx.unique
	}
	if _, err := tx.s.createIndex(ext, spec, unique); err != nil {
		return err
	}
	if existed && wasUnique == unique {
		return nil
	}

	extID := ext.id
	tx.s.recordInversion(func() error {
		ext := tx.s.extentByID(extID)
		for _, idx := range ext.sortedIndices() {
			if _, ok := before[idx.key]; !ok {
				tx.s.dropIndex(idx)
			}
		}
		for _, idx := range ext.sortedIndices() {
			if u := before[idx.key]; idx.unique != u {
				tx.s.setUnique(idx, u)
			}
		}
		tx.s.saveExtentMeta(ext)
		return nil
	})
	return nil
}

// DropIndex removes the index on fields.
func (tx *Tx) DropIndex(extent string, fields ...string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.s.forkCatalog()
	ext, err := tx.extent(extent)
	if err != nil {
		return err
	}
	idx, err := tx.s.lookupIndex(ext, fields)
	if err != nil {
		return err
	}
	spec, unique := idx.spec, idx.unique
	tx.s.dropIndex(idx)
	tx.s.saveExtentMeta(ext)

	extID := ext.id
	tx.s.recordInversion(func() error {
		_, err := tx.s.createIndex(tx.s.extentByID(extID), spec, unique)
		return err
	})
	return nil
}

// ExtentNames lists the extents visible to this transaction, sorted by name.
func (tx *Tx) ExtentNames() []string {
	return tx.s.cat.names()
}

// ExtentInfo describes an extent as stored in the database.
type ExtentInfo struct {
	Name    string
	ID      uint64
	Fields  []string
	Indices []IndexInfo
	NextOID uint64
	Count   int
}

type IndexInfo struct {
	Fields []string
	Unique bool
}

func (tx *Tx) Extent(name string) (*ExtentInfo, error) {
	ext, err := tx.extent(name)
	if err != nil {
		return nil, err
	}
	info := &ExtentInfo{
		Name:    ext.name,
		ID:      ext.id,
		NextOID: tx.s.nextOID(ext),
		Count:   tx.s.count(ext),
	}
	for _, fid := range ext.sortedFieldIDs() {
		info.Fields = append(info.Fields, ext.fieldName(fid))
	}
	for _, idx := range ext.sortedIndices() {
		info.Indices = append(info.Indices, IndexInfo{ext.specNames(idx.spec), idx.unique})
	}
	return info, nil
}
