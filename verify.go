package odb

import (
	"fmt"
	"slices"
	"strings"
)

// VerifyError lists every inconsistency found by Tx.Verify.
type VerifyError struct {
	Problems []string
}

func (e *VerifyError) Error() string {
	if len(e.Problems) == 1 {
		return "odb: verify: " + e.Problems[0]
	}
	return fmt.Sprintf("odb: verify: %d problems:\n%s", len(e.Problems), strings.Join(e.Problems, "\n"))
}

type verifier struct {
	s        *session
	problems []string
}

func (v *verifier) failf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// Verify checks that counters, index trees and link tables agree with the
// stored entities, reporting every violation at once.
func (tx *Tx) Verify() error {
	v := &verifier{s: tx.s}
	for _, ext := range tx.s.cat.ordered {
		v.verifyExtent(ext)
	}
	if len(v.problems) > 0 {
		return &VerifyError{Problems: v.problems}
	}
	return nil
}

func (v *verifier) verifyExtent(ext *extent) {
	s := v.s
	oids := s.oids(ext)
	if n := s.count(ext); n != len(oids) {
		v.failf("%s: count = %d, but %d entities stored", ext.name, n, len(oids))
	}
	if len(oids) > 0 && s.nextOID(ext) <= oids[len(oids)-1] {
		v.failf("%s: next_oid = %d, but entity %d exists", ext.name, s.nextOID(ext), oids[len(oids)-1])
	}

	for _, oid := range oids {
		rec := s.loadRecord(ext, oid)
		for _, idx := range ext.sortedIndices() {
			if !s.hasIndexEntry(idx, oid, idx.values(rec)) {
				v.failf("%s/%d: missing from %v", ext.name, oid, idx)
			}
		}
		v.verifyOutgoing(ext, oid, rec)
		v.verifyIncoming(ext, oid, rec)
	}

	for _, idx := range ext.sortedIndices() {
		if b := s.indexBucket(idx); b != nil {
			v.verifyIndexLevel(idx, b, nil)
		}
	}
}

func (v *verifier) verifyOutgoing(ext *extent, oid uint64, rec *record) {
	s := v.s
	for _, fid := range sortedKeys(rec.Fields) {
		if !ext.declares(fid) {
			continue
		}
		for _, t := range refTargets(rec.Fields[fid]) {
			text := s.cat.byID[t.ext]
			if text == nil {
				v.failf("%s/%d.%s: references unknown extent #%d", ext.name, oid, ext.fieldName(fid), t.ext)
				continue
			}
			trec := s.loadRecord(text, t.oid)
			if trec == nil {
				v.failf("%s/%d.%s: references missing %s/%d", ext.name, oid, ext.fieldName(fid), text.name, t.oid)
				continue
			}
			if _, found := slices.BinarySearch(trec.linkOIDs(ext.id, fid), oid); !found {
				v.failf("%s/%d: no link back to %s/%d.%s", text.name, t.oid, ext.name, oid, ext.fieldName(fid))
			}
		}
	}
}

func (v *verifier) verifyIncoming(ext *extent, oid uint64, rec *record) {
	s := v.s
	self := entityKey{ext.id, oid}
	total := 0
	for _, ls := range rec.Links {
		total += len(ls.OIDs)
		rext := s.cat.byID[ls.Extent]
		if rext == nil {
			v.failf("%s/%d: linked from unknown extent #%d", ext.name, oid, ls.Extent)
			continue
		}
		for _, r := range ls.OIDs {
			rrec := s.loadRecord(rext, r)
			if rrec == nil {
				v.failf("%s/%d: linked from missing %s/%d", ext.name, oid, rext.name, r)
				continue
			}
			if !slices.Contains(refTargets(rrec.field(ls.Field)), self) {
				v.failf("%s/%d: stale link from %s/%d.%s", ext.name, oid, rext.name, r, rext.fieldName(ls.Field))
			}
		}
	}
	if total != rec.LinkCount {
		v.failf("%s/%d: link count = %d, but %d links stored", ext.name, oid, rec.LinkCount, total)
	}
}

// verifyIndexLevel walks an index tree, checking that every oid at a leaf
// exists and holds the values along the path.
func (v *verifier) verifyIndexLevel(idx *index, b storageBucket, path [][]byte) {
	s := v.s
	if len(path) == len(idx.spec) {
		var n int
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
			oid := decodeOIDKey(k)
			rec := s.loadRecord(idx.ext, oid)
			if rec == nil {
				v.failf("%v: entry for missing entity %d", idx, oid)
				continue
			}
			for i, f := range idx.spec {
				if string(valueKey(rec.field(f))) != string(path[i]) {
					v.failf("%v: stale entry for %s/%d", idx, idx.ext.name, oid)
					break
				}
			}
		}
		if n == 0 {
			v.failf("%v: empty leaf left behind", idx)
		} else if n > 1 && idx.unique {
			v.failf("%v: %d entities share one key", idx, n)
		}
		return
	}

	c := b.Cursor()
	for k, val := c.First(); k != nil; k, val = c.Next() {
		if val != nil {
			v.failf("%v: unexpected value at level %d", idx, len(path))
			continue
		}
		if _, err := decodeValueKey(k); err != nil {
			v.failf("%v: %v", idx, err)
			continue
		}
		v.verifyIndexLevel(idx, b.Bucket(k), append(path, k))
	}
}
