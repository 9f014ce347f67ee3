package odb

import "slices"

type relaxKey struct {
	ext  uint64
	spec string
}

// relaxation suspends uniqueness checks of one index while any of its
// holders is executing. Entries added in the meantime are logged and
// re-validated on enforce.
type relaxation struct {
	holders []*Transaction
	added   []relaxedAdd
}

type relaxedAdd struct {
	oid  uint64
	vals []Value
}

func (s *session) isRelaxed(idx *index) bool {
	r := s.relaxed[relaxKey{idx.ext.id, idx.key}]
	return r != nil && len(r.holders) > 0
}

func (s *session) logRelaxedAdd(idx *index, oid uint64, vals []Value) {
	r := s.relaxed[relaxKey{idx.ext.id, idx.key}]
	r.added = append(r.added, relaxedAdd{oid, vals})
}

// lookupIndex finds an index by its field list, in declared order or as a set.
func (s *session) lookupIndex(ext *extent, fields []string) (*index, error) {
	spec, err := ext.specIDs(fields)
	if err != nil {
		return nil, err
	}
	if idx := ext.indices[specKey(spec)]; idx != nil {
		return idx, nil
	}
	if p, ok := ext.normalized[sortedSpecKey(spec)]; ok && p.n == len(p.idx.spec) {
		return p.idx, nil
	}
	return nil, &ExtentError{Extent: ext.name, Index: fields, Err: ErrIndexDoesNotExist}
}

// relax suspends uniqueness of idx for t until t enforces it or finishes.
func (s *session) relax(t *Transaction, idx *index) {
	k := relaxKey{idx.ext.id, idx.key}
	r := s.relaxed[k]
	if r == nil {
		r = &relaxation{}
		s.relaxed[k] = r
	}
	if !slices.Contains(r.holders, t) {
		r.holders = append(r.holders, t)
		t.relaxed = append(t.relaxed, k)
	}
	if s.db.verbose {
		s.db.logf("db: RELAX %v", idx)
	}
}

// enforce re-validates every entry added while idx was relaxed. On success,
// t stops holding the relaxation, and uniqueness checks resume once no
// holders remain. On failure the relaxation stays in place.
func (s *session) enforce(t *Transaction, idx *index) error {
	return s.enforceKey(t, relaxKey{idx.ext.id, idx.key})
}

// enforceKey looks the index up in the current catalog, since a CreateIndex
// or sync since the relax may have replaced it or changed its uniqueness.
func (s *session) enforceKey(t *Transaction, k relaxKey) error {
	r := s.relaxed[k]
	if r == nil {
		return nil
	}
	idx := s.cat.indexByKey(k)
	if idx != nil && idx.unique {
		for _, a := range r.added {
			if !s.hasIndexEntry(idx, a.oid, a.vals) {
				continue
			}
			if err := s.validateIndexEntry(idx, a.oid, a.vals); err != nil {
				keyCollisionsTotal.Inc()
				return err
			}
		}
	}
	s.release(t, k)
	if s.db.verbose && idx != nil {
		s.db.logf("db: ENFORCE %v", idx)
	}
	return nil
}

// enforceAll enforces every relaxation t still holds.
func (s *session) enforceAll(t *Transaction) error {
	for _, k := range slices.Clone(t.relaxed) {
		if err := s.enforceKey(t, k); err != nil {
			return err
		}
	}
	return nil
}

// releaseRelaxations drops t from every relaxation it holds, without
// validation. Runs whenever t finishes, whether it succeeded or not.
func (s *session) releaseRelaxations(t *Transaction) {
	for _, k := range slices.Clone(t.relaxed) {
		s.release(t, k)
	}
	t.relaxed = nil
}

func (s *session) release(t *Transaction, k relaxKey) {
	t.relaxed = slices.DeleteFunc(t.relaxed, func(x relaxKey) bool { return x == k })
	r := s.relaxed[k]
	if r == nil {
		return
	}
	r.holders = slices.DeleteFunc(r.holders, func(h *Transaction) bool { return h == t })
	if len(r.holders) == 0 {
		delete(s.relaxed, k)
	}
}

func (s *session) hasIndexEntry(idx *index, oid uint64, vals []Value) bool {
	b := s.leaf(idx, vals)
	return b != nil && b.Get(oidKey(oid)) != nil
}
