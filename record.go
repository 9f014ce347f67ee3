package odb

import (
	"cmp"
	"slices"
)

// record is the stored form of an entity: odb/extents/<id>/entities/<oid>.
type record struct {
	Rev       int64            `msgpack:"r"`
	Fields    map[uint64]Value `msgpack:"f"`
	Links     []linkSet        `msgpack:"l,omitempty"`
	LinkCount int              `msgpack:"lc,omitempty"`
}

// linkSet lists the oids of Extent entities whose Field references the
// record's entity. Link sets are sorted by (Extent, Field), oids ascending.
type linkSet struct {
	Extent uint64   `msgpack:"e"`
	Field  uint64   `msgpack:"f"`
	OIDs   []uint64 `msgpack:"o"`
}

func (rec *record) clone() *record {
	c := &record{
		Rev:       rec.Rev,
		Fields:    make(map[uint64]Value, len(rec.Fields)),
		LinkCount: rec.LinkCount,
	}
	for k, v := range rec.Fields {
		c.Fields[k] = v.clone()
	}
	if rec.Links != nil {
		c.Links = make([]linkSet, len(rec.Links))
		for i, ls := range rec.Links {
			c.Links[i] = linkSet{ls.Extent, ls.Field, slices.Clone(ls.OIDs)}
		}
	}
	return c
}

func (rec *record) field(id uint64) Value {
	return rec.Fields[id]
}

func compareLinkSet(ls linkSet, ext, field uint64) int {
	if c := cmp.Compare(ls.Extent, ext); c != 0 {
		return c
	}
	return cmp.Compare(ls.Field, field)
}

// addLink returns false if the link was already present.
func (rec *record) addLink(ext, field, oid uint64) bool {
	i, found := slices.BinarySearchFunc(rec.Links, [2]uint64{ext, field}, func(ls linkSet, k [2]uint64) int {
		return compareLinkSet(ls, k[0], k[1])
	})
	if !found {
		rec.Links = slices.Insert(rec.Links, i, linkSet{Extent: ext, Field: field})
	}
	ls := &rec.Links[i]
	j, found := slices.BinarySearch(ls.OIDs, oid)
	if found {
		return false
	}
	ls.OIDs = slices.Insert(ls.OIDs, j, oid)
	rec.LinkCount++
	return true
}

// removeLink returns false if the link wasn't present.
func (rec *record) removeLink(ext, field, oid uint64) bool {
	i, found := slices.BinarySearchFunc(rec.Links, [2]uint64{ext, field}, func(ls linkSet, k [2]uint64) int {
		return compareLinkSet(ls, k[0], k[1])
	})
	if !found {
		return false
	}
	ls := &rec.Links[i]
	j, found := slices.BinarySearch(ls.OIDs, oid)
	if !found {
		return false
	}
	ls.OIDs = slices.Delete(ls.OIDs, j, j+1)
	if len(ls.OIDs) == 0 {
		rec.Links = slices.Delete(rec.Links, i, i+1)
	}
	rec.LinkCount--
	return true
}

func (rec *record) linkOIDs(ext, field uint64) []uint64 {
	i, found := slices.BinarySearchFunc(rec.Links, [2]uint64{ext, field}, func(ls linkSet, k [2]uint64) int {
		return compareLinkSet(ls, k[0], k[1])
	})
	if !found {
		return nil
	}
	return rec.Links[i].OIDs
}

// entityKey identifies an entity within the database.
type entityKey struct {
	ext uint64
	oid uint64
}

func compareEntityKeys(a, b entityKey) int {
	if c := cmp.Compare(a.ext, b.ext); c != 0 {
		return c
	}
	return cmp.Compare(a.oid, b.oid)
}

// refTargets returns the distinct entities referenced by v, in order of appearance.
func refTargets(v Value) []entityKey {
	var result []entityKey
	v.refs(func(ref Value) {
		k := entityKey{ref.extentID(), ref.oid}
		if !slices.Contains(result, k) {
			result = append(result, k)
		}
	})
	return result
}
