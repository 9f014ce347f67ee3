package odb

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultRecordCacheSize = 1024

// session wraps a single storage transaction. A writable session also holds
// the execution state of one outermost transaction tree.
type session struct {
	db   *DB
	stx  storageTx
	cat  *catalog
	root storageBucket

	// decoded records; a nil record marks a known-missing entity
	records *lru.Cache[entityKey, *record]

	stack     []*Transaction
	detached  bool
	bulk      bool
	strict    bool
	poisoned  bool
	poisonErr error
	relaxed   map[relaxKey]*relaxation

	// set once the session has its own copy of the catalog to modify
	catalogForked bool
}

func newSession(db *DB, stx storageTx) *session {
	s := &session{
		db:      db,
		stx:     stx,
		cat:     db.catalog(),
		root:    stx.Bucket(rootBucketName),
		records: must(lru.New[entityKey, *record](db.recordCacheSize)),
		relaxed: make(map[relaxKey]*relaxation),
	}
	return s
}

// extentByID is used by inversions, which must see the catalog of the
// session at the time they run.
func (s *session) extentByID(id uint64) *extent {
	ext := s.cat.byID[id]
	if ext == nil {
		panic(fmt.Errorf("extent #%d disappeared", id))
	}
	return ext
}

func (s *session) writable() bool {
	return s.stx.Writable()
}

func (s *session) ensureRoot() storageBucket {
	if s.root == nil {
		s.root = must(s.stx.CreateBucket(rootBucketName))
	}
	return s.root
}

func (s *session) extentsBucket() storageBucket {
	if s.root == nil {
		return nil
	}
	return s.root.Bucket(extentsBucketName)
}

func (s *session) extentBucket(ext *extent) storageBucket {
	eb := s.extentsBucket()
	if eb == nil {
		return nil
	}
	return eb.Bucket(extentKey(ext.id))
}

func (s *session) mustExtentBucket(ext *extent) storageBucket {
	b := s.extentBucket(ext)
	if b == nil {
		panic(fmt.Errorf("%s: missing extent bucket", ext.name))
	}
	return b
}

func (s *session) entitiesBucket(ext *extent) storageBucket {
	b := s.extentBucket(ext)
	if b == nil {
		return nil
	}
	return b.Bucket(entitiesBucketName)
}

func (s *session) indicesBucket(ext *extent) storageBucket {
	b := s.extentBucket(ext)
	if b == nil {
		return nil
	}
	return b.Bucket(indicesBucketName)
}

func (s *session) indexBucket(idx *index) storageBucket {
	b := s.indicesBucket(idx.ext)
	if b == nil {
		return nil
	}
	return b.Bucket(idx.bucketName())
}

func (s *session) counter(ext *extent, key []byte) uint64 {
	b := s.extentBucket(ext)
	if b == nil {
		return 0
	}
	cb := b.Bucket(countersBucketName)
	if cb == nil {
		return 0
	}
	raw := cb.Get(key)
	if raw == nil {
		return 0
	}
	if len(raw) != 8 {
		panic(dataErrf(raw, 0, nil, "%s: invalid counter %s", ext.name, key))
	}
	return binary.BigEndian.Uint64(raw)
}

func (s *session) setCounter(ext *extent, key []byte, v uint64) {
	cb := s.mustExtentBucket(ext).Bucket(countersBucketName)
	ensure(cb.Put(key, binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)))
}

func (s *session) nextOID(ext *extent) uint64 {
	v := s.counter(ext, nextOIDKey)
	if v == 0 {
		return 1
	}
	return v
}

func (s *session) count(ext *extent) int {
	return int(s.counter(ext, countKey))
}

func (s *session) adjustCount(ext *extent, delta int) {
	s.setCounter(ext, countKey, uint64(s.count(ext)+delta))
}

// loadRecord returns a private copy of the entity record, or nil if the
// entity doesn't exist.
func (s *session) loadRecord(ext *extent, oid uint64) *record {
	k := entityKey{ext.id, oid}
	if rec, ok := s.records.Get(k); ok {
		if rec == nil {
			return nil
		}
		return rec.clone()
	}

	var rec *record
	if b := s.entitiesBucket(ext); b != nil {
		if raw := b.Get(oidKey(oid)); raw != nil {
			rec = new(record)
			if err := decodeMsgpack(raw, rec); err != nil {
				panic(entityErrf(ext.name, oid, err, "cannot decode record"))
			}
			if rec.Fields == nil {
				rec.Fields = make(map[uint64]Value)
			}
		}
	}
	s.records.Add(k, rec)
	if rec == nil {
		return nil
	}
	return rec.clone()
}

func (s *session) entityExists(ext *extent, oid uint64) bool {
	return s.loadRecord(ext, oid) != nil
}

func (s *session) saveRecord(ext *extent, oid uint64, rec *record) {
	b := s.mustExtentBucket(ext).Bucket(entitiesBucketName)
	ensure(b.Put(oidKey(oid), encodeMsgpack(rec)))
	s.records.Add(entityKey{ext.id, oid}, rec.clone())
	if s.db.verbose {
		s.db.logf("db: PUT %s/%d rev=%d fields=%s links=%d", ext.name, oid, rec.Rev, s.formatFields(ext, rec.Fields), rec.LinkCount)
	}
}

func (s *session) deleteRecord(ext *extent, oid uint64) {
	b := s.mustExtentBucket(ext).Bucket(entitiesBucketName)
	ensure(b.Delete(oidKey(oid)))
	s.records.Add(entityKey{ext.id, oid}, nil)
	if s.db.verbose {
		s.db.logf("db: DEL %s/%d", ext.name, oid)
	}
}

// oids lists all entities of the extent in ascending order.
func (s *session) oids(ext *extent) []uint64 {
	b := s.entitiesBucket(ext)
	if b == nil {
		return nil
	}
	var result []uint64
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		result = append(result, decodeOIDKey(k))
	}
	return result
}

// present fills in extent names of entity references for the caller.
func (s *session) present(v Value) Value {
	switch v.kind {
	case KindEntity:
		v.s = s.cat.extentName(uint64(v.n))
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = s.present(item)
		}
		v.list = items
	}
	return v
}

// resolve fills in extent ids of entity references supplied by the caller.
func (s *session) resolve(v Value) (Value, error) {
	switch v.kind {
	case KindEntity:
		if v.s != "" {
			ext, err := s.cat.lookup(v.s)
			if err != nil {
				return v, err
			}
			v.n = int64(ext.id)
		} else {
			ext, err := s.cat.lookupID(uint64(v.n))
			if err != nil {
				return v, err
			}
			v.s = ext.name
		}
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			r, err := s.resolve(item)
			if err != nil {
				return v, err
			}
			items[i] = r
		}
		v.list = items
	}
	return v, nil
}

func (s *session) formatFields(ext *extent, fields map[uint64]Value) string {
	var buf []byte
	buf = append(buf, '{')
	for i, id := range sortedKeys(fields) {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, ext.fieldName(id)...)
		buf = append(buf, '=')
		buf = append(buf, s.present(fields[id]).String()...)
	}
	buf = append(buf, '}')
	return string(buf)
}
