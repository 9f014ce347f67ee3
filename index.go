package odb

import (
	"slices"
)

// Indices are stored as nested buckets under odb/extents/<id>/indices/<specKey>:
// one bucket level per indexed field, named by the value key, and the
// innermost bucket holding the oids.

func (idx *index) values(rec *record) []Value {
	vals := make([]Value, len(idx.spec))
	for i, f := range idx.spec {
		vals[i] = rec.field(f)
	}
	return vals
}

func sameKeys(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(valueKey(a[i])) != string(valueKey(b[i])) {
			return false
		}
	}
	return true
}

func (s *session) ensureIndexBucket(idx *index) storageBucket {
	ib := must(s.mustExtentBucket(idx.ext).CreateBucket(indicesBucketName))
	return must(ib.CreateBucket(idx.bucketName()))
}

// leaf descends to the innermost bucket for the given values, or returns nil.
func (s *session) leaf(idx *index, vals []Value) storageBucket {
	b := s.indexBucket(idx)
	for _, v := range vals {
		if b == nil {
			return nil
		}
		b = b.Bucket(valueKey(v))
	}
	return b
}

// addIndexEntry adds oid under vals. Unless the index is relaxed, force is
// set or inversions are being replayed, a unique index that already holds
// another oid there fails with a KeyCollisionError, and the buckets created
// on the way down are pruned. A replay passes through intermediate states
// on its way back to a state that was valid.
func (s *session) addIndexEntry(idx *index, oid uint64, vals []Value, force bool) error {
	relaxed := s.isRelaxed(idx)

	b := s.ensureIndexBucket(idx)
	var firstCreatedParent storageBucket
	var firstCreatedName []byte
	for _, v := range vals {
		k := valueKey(v)
		child := b.Bucket(k)
		if child == nil {
			child = must(b.CreateBucket(k))
			if firstCreatedParent == nil {
				firstCreatedParent, firstCreatedName = b, k
			}
		}
		b = child
	}

	if idx.unique && !relaxed && !force && !s.detached {
		if other, found := otherOID(b, oid); found {
			if firstCreatedParent != nil {
				ensure(firstCreatedParent.DeleteBucket(firstCreatedName))
			}
			keyCollisionsTotal.Inc()
			return s.keyCollision(idx, vals, other)
		}
	}

	ensure(b.Put(oidKey(oid), emptyValue))
	if relaxed {
		s.logRelaxedAdd(idx, oid, vals)
	}
	if s.db.verbose {
		s.db.logf("db: INDEX ADD %v %v => %d", idx, s.presentAll(vals), oid)
	}
	return nil
}

// removeIndexEntry removes oid from under vals and prunes empty buckets bottom-up.
func (s *session) removeIndexEntry(idx *index, oid uint64, vals []Value) {
	root := s.indexBucket(idx)
	if root == nil {
		return
	}
	path := make([]storageBucket, 0, len(vals)+1)
	path = append(path, root)
	b := root
	for _, v := range vals {
		b = b.Bucket(valueKey(v))
		if b == nil {
			return
		}
		path = append(path, b)
	}
	ensure(b.Delete(oidKey(oid)))

	for i := len(vals); i > 0; i-- {
		if !isBucketEmpty(path[i]) {
			break
		}
		ensure(path[i-1].DeleteBucket(valueKey(vals[i-1])))
	}
	if s.db.verbose {
		s.db.logf("db: INDEX DEL %v %v => %d", idx, s.presentAll(vals), oid)
	}
}

// validateIndexEntry fails if the leaf for vals holds more than one oid.
func (s *session) validateIndexEntry(idx *index, oid uint64, vals []Value) error {
	b := s.leaf(idx, vals)
	if b == nil {
		return nil
	}
	if other, found := otherOID(b, oid); found {
		return s.keyCollision(idx, vals, other)
	}
	return nil
}

func otherOID(leaf storageBucket, oid uint64) (uint64, bool) {
	c := leaf.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if o := decodeOIDKey(k); o != oid {
			return o, true
		}
	}
	return 0, false
}

func (s *session) keyCollision(idx *index, vals []Value, other uint64) error {
	return &KeyCollisionError{
		Extent: idx.ext.name,
		Fields: idx.ext.specNames(idx.spec),
		Values: s.presentAll(vals),
		OID:    other,
	}
}

func (s *session) presentAll(vals []Value) []Value {
	result := make([]Value, len(vals))
	for i, v := range vals {
		result[i] = s.present(v)
	}
	return result
}

// collectOIDs appends every oid stored at or below b, n levels above the leaves.
func collectOIDs(b storageBucket, levels int, reverse []bool, result []uint64) []uint64 {
	c := b.Cursor()
	rev := false
	if levels > 0 && len(reverse) > 0 {
		rev = reverse[0]
	}
	for k, v := cursorStart(c, rev); k != nil; k, v = cursorAdvance(c, rev) {
		if levels == 0 {
			result = append(result, decodeOIDKey(k))
			continue
		}
		if v != nil {
			continue
		}
		child := b.Bucket(k)
		if child == nil {
			continue
		}
		var next []bool
		if len(reverse) > 1 {
			next = reverse[1:]
		}
		result = collectOIDs(child, levels-1, next, result)
	}
	return result
}

// createIndex registers a new index, or upgrades an existing one to unique,
// and populates it from the stored entities.
func (s *session) createIndex(ext *extent, spec []uint64, unique bool) (*index, error) {
	key := specKey(spec)
	if idx := ext.indices[key]; idx != nil {
		if unique && !idx.unique {
			if err := s.makeUnique(idx); err != nil {
				return nil, err
			}
		}
		return idx, nil
	}

	im := &indexMeta{Spec: slices.Clone(spec), Unique: unique}
	ext.meta.Indices = append(ext.meta.Indices, im)
	idx := ext.registerIndex(im)

	s.ensureIndexBucket(idx)
	eb := s.entitiesBucket(ext)
	if eb != nil {
		for _, oid := range s.oids(ext) {
			rec := s.loadRecord(ext, oid)
			if err := s.addIndexEntry(idx, oid, idx.values(rec), false); err != nil {
				s.dropIndex(idx)
				return nil, err
			}
		}
	}
	if s.db.verbose {
		s.db.logf("db: CREATE INDEX %v", idx)
	}
	if err := s.promoteSupersetIndices(ext); err != nil {
		return nil, err
	}
	s.saveExtentMeta(ext)
	return idx, nil
}

func (s *session) dropIndex(idx *index) {
	ext := idx.ext
	if ib := s.indicesBucket(ext); ib != nil {
		err := ib.DeleteBucket(idx.bucketName())
		if err != ErrBucketNotFound {
			ensure(err)
		}
	}
	ext.meta.Indices = slices.DeleteFunc(ext.meta.Indices, func(im *indexMeta) bool {
		return specKey(im.Spec) == idx.key
	})
	ext.rebuildIndices()
	if s.db.verbose {
		s.db.logf("db: DROP INDEX %v", idx)
	}
}

// promoteSupersetIndices makes every non-unique index unique if its field
// set includes the field set of some unique index. It is idempotent, and
// runs both on index creation and on schema sync.
func (s *session) promoteSupersetIndices(ext *extent) error {
	for _, idx := range ext.sortedIndices() {
		if idx.unique {
			continue
		}
		for _, u := range ext.sortedIndices() {
			if u.unique && u != idx && idx.containsAll(u.spec) {
				if err := s.makeUnique(idx); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func (s *session) makeUnique(idx *index) error {
	for _, oid := range s.oids(idx.ext) {
		rec := s.loadRecord(idx.ext, oid)
		if err := s.validateIndexEntry(idx, oid, idx.values(rec)); err != nil {
			return err
		}
	}
	s.setUnique(idx, true)
	s.saveExtentMeta(idx.ext)
	if s.db.verbose {
		s.db.logf("db: UNIQUE %v", idx)
	}
	return nil
}

func (s *session) setUnique(idx *index, unique bool) {
	idx.unique = unique
	for _, im := range idx.ext.meta.Indices {
		if specKey(im.Spec) == idx.key {
			im.Unique = unique
		}
	}
}
