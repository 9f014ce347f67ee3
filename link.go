package odb

import "slices"

// Link describes the referrers of an entity coming from one field of one extent.
type Link struct {
	Extent string
	Field  string
	OIDs   []uint64
}

// addLink records that field of referrer references target. Fails if the
// target doesn't exist.
func (s *session) addLink(target entityKey, referrerExt *extent, field uint64, referrer uint64) error {
	text, err := s.cat.lookupID(target.ext)
	if err != nil {
		return err
	}
	rec := s.loadRecord(text, target.oid)
	if rec == nil {
		return entityErr(text.name, target.oid, ErrEntityDoesNotExist)
	}
	if rec.addLink(referrerExt.id, field, referrer) {
		s.saveRecord(text, target.oid, rec)
	}
	return nil
}

// removeLink is a no-op if the target is already gone.
func (s *session) removeLink(target entityKey, referrerExt *extent, field uint64, referrer uint64) {
	text := s.cat.byID[target.ext]
	if text == nil {
		return
	}
	rec := s.loadRecord(text, target.oid)
	if rec == nil {
		return
	}
	if rec.removeLink(referrerExt.id, field, referrer) {
		s.saveRecord(text, target.oid, rec)
	}
}

// addFieldLinks adds links for every target referenced by v. On failure,
// links added so far are removed again.
func (s *session) addFieldLinks(ext *extent, oid uint64, field uint64, targets []entityKey) error {
	for i, t := range targets {
		if err := s.addLink(t, ext, field, oid); err != nil {
			for _, added := range targets[:i] {
				s.removeLink(added, ext, field, oid)
			}
			return err
		}
	}
	return nil
}

func (s *session) removeFieldLinks(ext *extent, oid uint64, field uint64, targets []entityKey) {
	for _, t := range targets {
		s.removeLink(t, ext, field, oid)
	}
}

func (s *session) linkCount(ext *extent, oid uint64) (int, error) {
	rec := s.loadRecord(ext, oid)
	if rec == nil {
		return 0, entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}
	return rec.LinkCount, nil
}

// links lists the referrers of the entity, optionally restricted to one
// referring extent and field (empty strings match everything).
func (s *session) links(ext *extent, oid uint64, filterExtent, filterField string) ([]Link, error) {
	rec := s.loadRecord(ext, oid)
	if rec == nil {
		return nil, entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}

	var fext *extent
	if filterExtent != "" {
		var err error
		fext, err = s.cat.lookup(filterExtent)
		if err != nil {
			return nil, err
		}
		if filterField != "" {
			if _, err := fext.fieldID(filterField); err != nil {
				return nil, err
			}
		}
	}

	var result []Link
	for _, ls := range rec.Links {
		rext := s.cat.byID[ls.Extent]
		if rext == nil {
			continue
		}
		if fext != nil && rext != fext {
			continue
		}
		fname := rext.fieldName(ls.Field)
		if filterField != "" && fname != filterField {
			continue
		}
		result = append(result, Link{
			Extent: rext.name,
			Field:  fname,
			OIDs:   slices.Clone(ls.OIDs),
		})
	}
	return result, nil
}

// stripLinksFrom removes every link held by entities of other extents that
// originates from the given extent and field (any field if field is 0).
// Used when dropping extents and fields.
func (s *session) stripLinksFrom(ext *extent, field uint64) {
	for _, oid := range s.oids(ext) {
		rec := s.loadRecord(ext, oid)
		for fid, v := range rec.Fields {
			if field != 0 && fid != field {
				continue
			}
			for _, t := range refTargets(v) {
				s.removeLink(t, ext, fid, oid)
			}
		}
	}
}
