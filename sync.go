package odb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// SyncOptions control schema synchronization.
type SyncOptions struct {
	// Evolving honors WasNamed renames of extents and fields. Without it,
	// a renamed field is a new field, and the old one is dropped.
	Evolving bool
}

// Sync reconciles the stored extents with schema: creates and drops
// extents and fields and rebuilds indices to match the declared keys.
func (db *DB) Sync(schema *Schema, opt SyncOptions) error {
	db.PendingWriterCount.Add(1)
	stx, err := db.store.BeginTx(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		return fmt.Errorf("odb: begin: %w", err)
	}
	defer stx.Rollback()

	s := newSession(db, stx)
	if err := s.sync(schema, opt); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		if err == ErrConflict {
			return &BackendConflictError{Attempts: 1, Err: err}
		}
		return fmt.Errorf("odb: commit: %w", err)
	}
	db.setCatalog(s.cat)
	return nil
}

// loadCatalog reads extent metadata from storage, attaching the matching
// definitions of scm (which may be nil).
func (s *session) loadCatalog(scm *Schema) (*catalog, error) {
	cat := newCatalog()
	cat.schema = scm
	cat.root.Format = formatVersion
	if s.root == nil {
		return cat, nil
	}
	if raw := s.root.Get(metaKey); raw != nil {
		if err := decodeMsgpack(raw, &cat.root); err != nil {
			return nil, fmt.Errorf("odb: cannot decode root meta: %w", err)
		}
		if cat.root.Format > formatVersion {
			return nil, fmt.Errorf("odb: unsupported format %d", cat.root.Format)
		}
	}
	eb := s.root.Bucket(extentsBucketName)
	if eb == nil {
		return cat, nil
	}
	c := eb.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			continue
		}
		raw := eb.Bucket(k).Get(metaKey)
		if raw == nil {
			return nil, fmt.Errorf("odb: extent %s has no meta", hexstr(k))
		}
		meta := new(extentMeta)
		if err := decodeMsgpack(raw, meta); err != nil {
			return nil, fmt.Errorf("odb: extent %s: cannot decode meta: %w", hexstr(k), err)
		}
		if meta.Fields == nil {
			meta.Fields = make(map[string]uint64)
		}
		var def *ExtentDef
		if scm != nil {
			def = scm.ExtentNamed(meta.Name)
		}
		cat.add(newExtent(meta, def))
	}
	return cat, nil
}

// forkCatalog gives the session a private catalog before it changes any
// extent metadata. Other sessions keep using the shared one until commit.
func (s *session) forkCatalog() {
	if s.catalogForked {
		return
	}
	s.cat = must(s.loadCatalog(s.cat.schema))
	s.catalogForked = true
}

func (s *session) saveRootMeta() {
	ensure(s.ensureRoot().Put(metaKey, encodeMsgpack(&s.cat.root)))
}

func (s *session) saveExtentMeta(ext *extent) {
	ensure(s.mustExtentBucket(ext).Put(metaKey, encodeMsgpack(ext.meta)))
}

func (s *session) createExtent(name string, def *ExtentDef) *extent {
	s.cat.root.LastExtentID++
	meta := &extentMeta{
		ID:     s.cat.root.LastExtentID,
		Name:   name,
		Fields: make(map[string]uint64),
	}
	eb := must(s.ensureRoot().CreateBucket(extentsBucketName))
	b := must(eb.CreateBucket(extentKey(meta.ID)))
	must(b.CreateBucket(countersBucketName))
	must(b.CreateBucket(entitiesBucketName))
	must(b.CreateBucket(indicesBucketName))

	ext := newExtent(meta, def)
	s.cat.add(ext)
	s.saveExtentMeta(ext)
	s.saveRootMeta()
	s.logSync("odb: created extent", ext)
	return ext
}

// deleteExtent drops an extent with all its entities. Fails if entities of
// extents that are not being dropped still reference it.
func (s *session) deleteExtent(ext *extent, dropping map[uint64]bool) error {
	for _, oid := range s.oids(ext) {
		rec := s.loadRecord(ext, oid)
		for _, ls := range rec.Links {
			if !dropping[ls.Extent] {
				return extentErrf(ext.name, ErrDeleteRestricted, "still referenced by %s.%s of %d entities", s.cat.extentName(ls.Extent), fieldNameOrID(s.cat.byID[ls.Extent], ls.Field), len(ls.OIDs))
			}
		}
	}
	ensure(s.extentsBucket().DeleteBucket(extentKey(ext.id)))
	s.records.Purge()
	s.cat.remove(ext)
	s.logSync("odb: dropped extent", ext)
	return nil
}

func (s *session) logSync(msg string, ext *extent) {
	s.db.logger.LogAttrs(context.Background(), slog.LevelInfo, msg, slog.String("extent", ext.name), slog.Uint64("id", ext.id))
}

// sync reconciles the catalog with scm.
func (s *session) sync(scm *Schema, opt SyncOptions) error {
	s.forkCatalog()
	s.cat.schema = scm

	declared := make(map[string]*ExtentDef)
	for _, def := range scm.Extents() {
		declared[def.Name()] = def
	}

	if opt.Evolving {
		for _, def := range scm.Extents() {
			old := def.wasNamed
			if old == "" || s.cat.byName[def.Name()] != nil || declared[old] != nil {
				continue
			}
			if ext := s.cat.byName[old]; ext != nil {
				s.cat.remove(ext)
				ext.meta.Name = def.Name()
				ext.name = def.Name()
				s.cat.add(ext)
				s.saveExtentMeta(ext)
				s.logSync("odb: renamed extent", ext)
			}
		}
	}

	dropping := make(map[uint64]bool)
	for _, ext := range s.cat.ordered {
		if declared[ext.name] == nil {
			dropping[ext.id] = true
		}
	}
	for _, ext := range slices.Clone(s.cat.ordered) {
		if dropping[ext.id] {
			s.stripLinksFrom(ext, 0)
		}
	}
	for _, ext := range slices.Clone(s.cat.ordered) {
		if dropping[ext.id] {
			if err := s.deleteExtent(ext, dropping); err != nil {
				return err
			}
		}
	}

	for _, def := range scm.Extents() {
		if s.cat.byName[def.Name()] == nil {
			s.createExtent(def.Name(), def)
		}
	}

	for _, def := range scm.Extents() {
		if err := s.syncExtent(s.cat.byName[def.Name()], def, opt); err != nil {
			return err
		}
	}

	s.cat.root.Version = scm.Version
	s.cat.root.Source = scm.Source
	s.saveRootMeta()
	gen := s.db.generation.Add(1)
	s.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "odb: schema synchronized", slog.Int("version", scm.Version), slog.Uint64("generation", gen), slog.Int("extents", len(s.cat.ordered)))
	return nil
}

func (s *session) syncExtent(ext *extent, def *ExtentDef, opt SyncOptions) error {
	meta := ext.meta
	fields := make(map[string]uint64, len(def.fields))
	for _, fd := range def.fields {
		if id, ok := meta.Fields[fd.Name]; ok {
			fields[fd.Name] = id
		} else if id, ok := meta.Fields[fd.WasNamed]; ok && opt.Evolving && fd.WasNamed != "" && def.byName[fd.WasNamed] == nil {
			fields[fd.Name] = id
			if s.db.verbose {
				s.db.logf("db: RENAME FIELD %s.%s => %s", ext.name, fd.WasNamed, fd.Name)
			}
		} else {
			meta.LastFieldID++
			fields[fd.Name] = meta.LastFieldID
		}
	}
	kept := make(map[uint64]bool, len(fields))
	for _, id := range fields {
		kept[id] = true
	}
	for name, id := range meta.Fields {
		if !kept[id] {
			s.stripLinksFrom(ext, id)
			if s.db.verbose {
				s.db.logf("db: DROP FIELD %s.%s", ext.name, name)
			}
		}
	}
	meta.Fields = fields

	meta.EntityFields = meta.EntityFields[:0]
	for _, fd := range def.fields {
		if _, ok := fd.Type.(refType); ok {
			meta.EntityFields = append(meta.EntityFields, fields[fd.Name])
		}
	}
	slices.Sort(meta.EntityFields)

	ext = newExtent(meta, def)
	s.cat.add(ext)

	desired := make(map[string]bool)
	for _, idef := range def.indices {
		spec, err := ext.specIDs(idef.Fields)
		if err != nil {
			return err
		}
		desired[specKey(spec)] = desired[specKey(spec)] || idef.Unique
	}
	for _, idx := range ext.sortedIndices() {
		unique, ok := desired[idx.key]
		if !ok {
			s.dropIndex(idx)
		} else if idx.unique && !unique {
			s.setUnique(idx, false)
		}
	}
	for _, idef := range def.indices {
		spec := must(ext.specIDs(idef.Fields))
		if _, err := s.createIndex(ext, spec, desired[specKey(spec)]); err != nil {
			return err
		}
	}
	if err := s.promoteSupersetIndices(ext); err != nil {
		return err
	}
	s.saveExtentMeta(ext)
	return nil
}
