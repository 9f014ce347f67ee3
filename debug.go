package odb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpExtentHeaders = DumpFlags(1 << iota)
	DumpEntities
	DumpStats
	DumpIndices
	DumpIndexEntries
	DumpLinks

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var dumpSep2 = strings.Repeat("-", 60)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the database contents for debugging and tests.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, ext := range tx.s.cat.ordered {
		tx.dumpExtent(&buf, f, ext)
	}
	return buf.String()
}

func (tx *Tx) dumpExtent(w *strings.Builder, f DumpFlags, ext *extent) {
	s := tx.s
	prefix := ext.name
	st := tx.s.extentStats(ext)

	if f.Contains(DumpExtentHeaders) {
		fmt.Fprintln(w, rpadf('=', "=== %s ", prefix))
		fmt.Fprintf(w, "%s (#%d, %d entities, next %d)\n", prefix, ext.id, st.Entities, s.nextOID(ext))
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, links = %d, data_size = %d\n", prefix, st.IndexEntries, st.Links, st.DataSize)
	}

	if f.Contains(DumpEntities) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		for _, oid := range s.oids(ext) {
			tx.dumpEntity(w, prefix, f, ext, oid)
		}
	}

	if f.Contains(DumpIndices) {
		for _, idx := range ext.sortedIndices() {
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s.%s\n", prefix, strings.TrimPrefix(idx.String(), ext.name+"."))
			if f.Contains(DumpIndexEntries) {
				tx.dumpIndexEntries(w, prefix, idx)
			}
		}
	}
}

func (tx *Tx) dumpEntity(w *strings.Builder, prefix string, f DumpFlags, ext *extent, oid uint64) {
	rec := tx.s.loadRecord(ext, oid)
	fmt.Fprintf(w, "%s/%d = (r%d) %s\n", prefix, oid, rec.Rev, tx.s.formatFields(ext, declaredOnly(ext, rec.Fields)))
	if f.Contains(DumpLinks) {
		for _, ls := range rec.Links {
			rext := tx.s.cat.byID[ls.Extent]
			fmt.Fprintf(w, "%s/%d <- %s.%s %v\n", prefix, oid, tx.s.cat.extentName(ls.Extent), fieldNameOrID(rext, ls.Field), ls.OIDs)
		}
	}
}

func (tx *Tx) dumpIndexEntries(w *strings.Builder, prefix string, idx *index) {
	b := tx.s.indexBucket(idx)
	if b == nil {
		return
	}
	var walk func(b storageBucket, path []string)
	walk = func(b storageBucket, path []string) {
		c := b.Cursor()
		if len(path) == len(idx.spec) {
			var oids []uint64
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				oids = append(oids, decodeOIDKey(k))
			}
			fmt.Fprintf(w, "%s: (%s) => %v\n", prefix, strings.Join(path, ", "), oids)
			return
		}
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				continue
			}
			val, err := decodeValueKey(k)
			label := tx.s.present(val).String()
			if err != nil {
				label = "** " + hexstr(k)
			}
			walk(b.Bucket(k), append(path, label))
		}
	}
	walk(b, nil)
}

func declaredOnly(ext *extent, fields map[uint64]Value) map[uint64]Value {
	result := make(map[uint64]Value, len(fields))
	for fid, v := range fields {
		if ext.declares(fid) {
			result[fid] = v
		}
	}
	return result
}

func rpadf(pad rune, format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	return rpad(s, 80, pad)
}
