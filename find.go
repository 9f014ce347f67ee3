package odb

import (
	"slices"
	"strings"
)

type criterion struct {
	field uint64
	val   Value
}

// find returns the oids of entities whose fields equal all criteria, in
// ascending order. Missing fields compare as Unassigned.
func (s *session) find(ext *extent, criteria Fields) ([]uint64, error) {
	if len(criteria) == 0 {
		return s.oids(ext), nil
	}

	crit := make([]criterion, 0, len(criteria))
	for _, name := range sortedKeys(criteria) {
		fid, err := ext.fieldID(name)
		if err != nil {
			return nil, err
		}
		v := criteria[name]
		if fd := ext.fieldDefs[fid]; fd != nil {
			if cv, err := fd.Type.Convert(v); err == nil {
				v = cv
			}
		}
		v, err = s.resolve(v)
		if err != nil {
			return nil, err
		}
		crit = append(crit, criterion{fid, v})
	}

	var candidates []uint64
	if len(crit) == 1 && crit[0].val.IsEntity() {
		candidates = s.referrers(ext, crit[0].field, crit[0].val)
	} else if p, ok := s.bestPrefix(ext, crit); ok {
		vals := make([]Value, p.n)
		for i, f := range p.idx.spec[:p.n] {
			for _, c := range crit {
				if c.field == f {
					vals[i] = c.val
				}
			}
		}
		if b := s.leaf(p.idx, vals); b != nil {
			candidates = collectOIDs(b, len(p.idx.spec)-p.n, nil, nil)
		}
		slices.Sort(candidates)
		candidates = slices.Compact(candidates)
		if s.db.verbose {
			s.db.logf("db: FIND %s via %v", ext.name, p.idx)
		}
	} else {
		candidates = s.oids(ext)
	}

	var result []uint64
	for _, oid := range candidates {
		rec := s.loadRecord(ext, oid)
		if rec == nil {
			continue
		}
		if matches(rec, crit) {
			result = append(result, oid)
		}
	}
	return result, nil
}

func matches(rec *record, crit []criterion) bool {
	for _, c := range crit {
		if !rec.field(c.field).Equal(c.val) {
			return false
		}
	}
	return true
}

// referrers returns the entities of ext whose field references target,
// using the target's link table.
func (s *session) referrers(ext *extent, field uint64, target Value) []uint64 {
	text := s.cat.byID[target.extentID()]
	if text == nil {
		return nil
	}
	rec := s.loadRecord(text, target.OID())
	if rec == nil {
		return nil
	}
	return slices.Clone(rec.linkOIDs(ext.id, field))
}

// bestPrefix picks an index prefix whose field set equals the criteria
// fields, or else the longest prefix covered by the criteria.
func (s *session) bestPrefix(ext *extent, crit []criterion) (indexPrefix, bool) {
	spec := make([]uint64, len(crit))
	for i, c := range crit {
		spec[i] = c.field
	}
	if p, ok := ext.normalized[sortedSpecKey(spec)]; ok {
		return p, true
	}

	var best indexPrefix
	found := false
	for _, idx := range ext.sortedIndices() {
		n := 0
		for _, f := range idx.spec {
			if !slices.ContainsFunc(crit, func(c criterion) bool { return c.field == f }) {
				break
			}
			n++
		}
		if n == 0 {
			continue
		}
		if !found || n > best.n || (n == best.n && n == len(idx.spec) && best.n != len(best.idx.spec)) {
			best = indexPrefix{idx, n}
			found = true
		}
	}
	return best, found
}

// orderedOIDs lists every entity of ext sorted by the given fields, each
// optionally prefixed with "-" for descending order. It requires an index
// whose spec starts with those fields.
func (s *session) orderedOIDs(ext *extent, sortSpec []string) ([]uint64, error) {
	if len(sortSpec) == 0 {
		return s.oids(ext), nil
	}
	names := make([]string, len(sortSpec))
	reverse := make([]bool, len(sortSpec))
	for i, f := range sortSpec {
		names[i], reverse[i] = strings.CutPrefix(f, "-")
	}
	spec, err := ext.specIDs(names)
	if err != nil {
		return nil, err
	}
	p, ok := ext.partial[specKey(spec)]
	if !ok {
		return nil, &ExtentError{Extent: ext.name, Index: names, Err: ErrIndexDoesNotExist}
	}
	b := s.indexBucket(p.idx)
	if b == nil {
		return nil, nil
	}
	return collectOIDs(b, len(p.idx.spec), reverse, nil), nil
}
