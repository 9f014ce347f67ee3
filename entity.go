package odb

import (
	"slices"
	"strconv"
)

// undoLog collects compensating actions for a single entity operation. On
// failure they run in reverse, restoring counters, index trees and link
// tables before the error propagates.
type undoLog []func()

func (u *undoLog) add(f func()) {
	*u = append(*u, f)
}

func (u undoLog) run() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}

// prepareFields converts field names to ids, converts values to field types
// and resolves entity references. For creates, missing fields get their
// defaults or Unassigned.
func (s *session) prepareFields(ext *extent, fields Fields, forCreate bool) (map[uint64]Value, error) {
	result := make(map[uint64]Value, len(ext.fieldIDs))
	for name, v := range fields {
		fid, err := ext.fieldID(name)
		if err != nil {
			return nil, err
		}
		if fd := ext.fieldDefs[fid]; fd != nil {
			v, err = fd.Type.Convert(v)
			if err != nil {
				return nil, withField(err, ext.name, name)
			}
		}
		v, err = s.resolve(v)
		if err != nil {
			return nil, err
		}
		result[fid] = v.clone()
	}
	if forCreate {
		for fid := range ext.fieldNames {
			if _, ok := result[fid]; ok {
				continue
			}
			var v Value
			if fd := ext.fieldDefs[fid]; fd != nil && !fd.Default.IsUnassigned() {
				var err error
				v, err = s.resolve(fd.Default)
				if err != nil {
					return nil, err
				}
			}
			result[fid] = v
		}
	}
	return result, nil
}

func withField(err error, ext, field string) error {
	if fe, ok := err.(*FieldError); ok {
		c := *fe
		c.Extent, c.Field = ext, field
		return &c
	}
	return err
}

// createEntity stores a new entity. If oid is 0, the next oid is assigned.
func (s *session) createEntity(ext *extent, fields map[uint64]Value, oid uint64, rev int64) (uint64, error) {
	next := s.nextOID(ext)
	if oid == 0 {
		oid = next
	} else if s.entityExists(ext, oid) {
		return 0, entityErr(ext.name, oid, ErrEntityExists)
	}

	var undo undoLog
	if oid >= next {
		s.setCounter(ext, nextOIDKey, oid+1)
		undo.add(func() { s.setCounter(ext, nextOIDKey, next) })
	}

	rec := &record{Rev: rev, Fields: fields}
	s.saveRecord(ext, oid, rec)
	undo.add(func() { s.deleteRecord(ext, oid) })

	for _, fid := range sortedKeys(fields) {
		targets := refTargets(fields[fid])
		if len(targets) == 0 || !ext.declares(fid) {
			continue
		}
		if err := s.addFieldLinks(ext, oid, fid, targets); err != nil {
			undo.run()
			return 0, err
		}
		undo.add(func() { s.removeFieldLinks(ext, oid, fid, targets) })
	}

	for _, idx := range ext.sortedIndices() {
		vals := idx.values(rec)
		if err := s.addIndexEntry(idx, oid, vals, false); err != nil {
			undo.run()
			return 0, err
		}
		undo.add(func() { s.removeIndexEntry(idx, oid, vals) })
	}

	s.adjustCount(ext, 1)

	if s.db.verbose {
		s.db.logf("db: CREATE %s/%d => %s", ext.name, oid, s.formatFields(ext, fields))
	}

	extID := ext.id
	s.recordInversion(func() error {
		ext := s.extentByID(extID)
		if err := s.deleteEntity(ext, oid, nil); err != nil {
			return err
		}
		if oid >= next {
			s.setCounter(ext, nextOIDKey, next)
		}
		return nil
	})
	s.recordChange(OpCreate, ext, oid)
	s.recordValidation(ext, oid)
	return oid, nil
}

// updateEntity applies changes to an existing entity. With replace, changes
// become the complete field map. The revision is bumped unless hasRev is set.
func (s *session) updateEntity(ext *extent, oid uint64, changes map[uint64]Value, rev int64, hasRev, replace bool) error {
	old := s.loadRecord(ext, oid)
	if old == nil {
		return entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}

	newFields := make(map[uint64]Value, len(old.Fields)+len(changes))
	if !replace {
		for k, v := range old.Fields {
			newFields[k] = v
		}
	}
	for k, v := range changes {
		newFields[k] = v
	}
	newRec := &record{Fields: newFields}

	var undo undoLog

	type indexChange struct {
		idx              *index
		oldVals, newVals []Value
	}
	var changed []indexChange
	for _, idx := range ext.sortedIndices() {
		ov, nv := idx.values(old), idx.values(newRec)
		if !sameKeys(ov, nv) {
			changed = append(changed, indexChange{idx, ov, nv})
		}
	}
	for _, ic := range changed {
		s.removeIndexEntry(ic.idx, oid, ic.oldVals)
		undo.add(func() { ensure(s.addIndexEntry(ic.idx, oid, ic.oldVals, true)) })
	}
	for _, ic := range changed {
		if err := s.addIndexEntry(ic.idx, oid, ic.newVals, false); err != nil {
			undo.run()
			return err
		}
		undo.add(func() { s.removeIndexEntry(ic.idx, oid, ic.newVals) })
	}

	fieldIDs := sortedKeys(old.Fields)
	for _, fid := range sortedKeys(newFields) {
		if _, ok := old.Fields[fid]; !ok {
			fieldIDs = append(fieldIDs, fid)
		}
	}
	for _, fid := range fieldIDs {
		if !ext.declares(fid) {
			continue
		}
		ot, nt := refTargets(old.Fields[fid]), refTargets(newFields[fid])
		stale := subtractKeys(ot, nt)
		fresh := subtractKeys(nt, ot)
		if len(stale) > 0 {
			s.removeFieldLinks(ext, oid, fid, stale)
			undo.add(func() { ensure(s.addFieldLinks(ext, oid, fid, stale)) })
		}
		if len(fresh) > 0 {
			if err := s.addFieldLinks(ext, oid, fid, fresh); err != nil {
				undo.run()
				return err
			}
			undo.add(func() { s.removeFieldLinks(ext, oid, fid, fresh) })
		}
	}

	// links to self may have changed the stored record
	cur := s.loadRecord(ext, oid)
	cur.Fields = newFields
	if hasRev {
		cur.Rev = rev
	} else {
		cur.Rev = old.Rev + 1
	}
	s.saveRecord(ext, oid, cur)

	if s.db.verbose {
		s.db.logf("db: UPDATE %s/%d rev %d => %d", ext.name, oid, old.Rev, cur.Rev)
	}

	extID, oldFields, oldRev := ext.id, old.Fields, old.Rev
	s.recordInversion(func() error {
		return s.updateEntity(s.extentByID(extID), oid, oldFields, oldRev, true, true)
	})
	s.recordChange(OpUpdate, ext, oid)
	s.recordValidation(ext, oid)
	return nil
}

// deleteEntity removes an entity, its index entries and its outgoing links.
// It fails with DeleteRestrictedError if any entity other than itself and
// those in known still references it.
func (s *session) deleteEntity(ext *extent, oid uint64, known map[entityKey]bool) error {
	rec := s.loadRecord(ext, oid)
	if rec == nil {
		return entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}

	self := entityKey{ext.id, oid}
	var violations []Restriction
	for _, ls := range rec.Links {
		for _, r := range ls.OIDs {
			k := entityKey{ls.Extent, r}
			if k == self || known[k] {
				continue
			}
			rext := s.cat.byID[ls.Extent]
			violations = append(violations, Restriction{
				ReferrerExtent: s.cat.extentName(ls.Extent),
				ReferrerOID:    r,
				Field:          fieldNameOrID(rext, ls.Field),
				TargetExtent:   ext.name,
				TargetOID:      oid,
			})
		}
	}
	if len(violations) > 0 {
		return &DeleteRestrictedError{Violations: violations}
	}

	for _, idx := range ext.sortedIndices() {
		s.removeIndexEntry(idx, oid, idx.values(rec))
	}
	for _, fid := range sortedKeys(rec.Fields) {
		if ext.declares(fid) {
			s.removeFieldLinks(ext, oid, fid, refTargets(rec.Fields[fid]))
		}
	}
	s.deleteRecord(ext, oid)
	s.adjustCount(ext, -1)

	if s.db.verbose {
		s.db.logf("db: DELETE %s/%d", ext.name, oid)
	}

	extID, fields, rev := ext.id, rec.Fields, rec.Rev
	s.recordInversion(func() error {
		_, err := s.createEntity(s.extentByID(extID), fields, oid, rev)
		return err
	})
	s.recordChange(OpDelete, ext, oid)
	return nil
}

func fieldNameOrID(ext *extent, field uint64) string {
	if ext == nil {
		return "#" + strconv.FormatUint(field, 10)
	}
	return ext.fieldName(field)
}

// fields returns the declared fields of the entity. Stored fields that are
// no longer declared are omitted, and declared fields missing from the
// record are Unassigned.
func (s *session) fields(ext *extent, oid uint64) (Fields, error) {
	rec := s.loadRecord(ext, oid)
	if rec == nil {
		return nil, entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}
	result := make(Fields, len(ext.fieldNames))
	for fid, name := range ext.fieldNames {
		result[name] = s.present(rec.Fields[fid])
	}
	return result, nil
}

func (s *session) rev(ext *extent, oid uint64) (int64, error) {
	rec := s.loadRecord(ext, oid)
	if rec == nil {
		return 0, entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}
	return rec.Rev, nil
}

func subtractKeys(a, b []entityKey) []entityKey {
	var result []entityKey
	for _, k := range a {
		if !slices.Contains(b, k) {
			result = append(result, k)
		}
	}
	return result
}
