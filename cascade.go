package odb

import (
	"slices"
)

// fieldRef is a reference from field of referrer to target.
type fieldRef struct {
	referrer entityKey
	field    uint64
	target   entityKey
	policy   DeletePolicy
}

// cascadeDelete deletes the entity together with everything that cascades
// from it. Referrers that restrict the deletion fail it with a
// DeleteRestrictedError listing all of them, unless they are being deleted
// too. Unassign and Remove referrers get their fields cleared.
func (s *session) cascadeDelete(ext *extent, oid uint64) error {
	target := entityKey{ext.id, oid}
	if !s.entityExists(ext, oid) {
		return entityErr(ext.name, oid, ErrEntityDoesNotExist)
	}

	doomed := map[entityKey]bool{target: true}
	var cascaders []entityKey
	var refs []fieldRef
	queue := []entityKey{target}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		rec := s.loadRecord(s.extentByID(k.ext), k.oid)
		if rec == nil {
			continue
		}
		for _, ls := range rec.Links {
			rext := s.cat.byID[ls.Extent]
			if rext == nil {
				continue
			}
			policy := rext.onDelete(ls.Field)
			for _, r := range ls.OIDs {
				rk := entityKey{ls.Extent, r}
				refs = append(refs, fieldRef{rk, ls.Field, k, policy})
				if policy == Cascade && !doomed[rk] {
					doomed[rk] = true
					cascaders = append(cascaders, rk)
					queue = append(queue, rk)
				}
			}
		}
	}

	var violations []Restriction
	for _, ref := range refs {
		if ref.policy == Restrict && !doomed[ref.referrer] {
			violations = append(violations, s.restriction(ref))
		}
	}
	if len(violations) > 0 {
		return &DeleteRestrictedError{Violations: violations}
	}

	for _, ref := range refs {
		if doomed[ref.referrer] || (ref.policy != Unassign && ref.policy != Remove) {
			continue
		}
		if err := s.clearReference(ref); err != nil {
			return err
		}
	}

	relaxed, err := s.unlinkDoomed(refs, doomed)
	if err != nil {
		return err
	}

	slices.SortFunc(cascaders, compareEntityKeys)
	for _, k := range cascaders {
		cext := s.extentByID(k.ext)
		if !s.entityExists(cext, k.oid) {
			continue
		}
		if err := s.deleteEntity(cext, k.oid, doomed); err != nil {
			return err
		}
	}
	if len(cascaders) > 0 {
		cascadeDeletesTotal.Add(float64(len(cascaders)))
		if s.db.verbose {
			s.db.logf("db: CASCADE %s/%d => %d entities", ext.name, oid, len(cascaders))
		}
	}
	if err := s.deleteEntity(ext, oid, doomed); err != nil {
		return err
	}
	for _, idx := range relaxed {
		if err := s.enforce(s.current(), idx); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) restriction(ref fieldRef) Restriction {
	return Restriction{
		ReferrerExtent: s.cat.extentName(ref.referrer.ext),
		ReferrerOID:    ref.referrer.oid,
		Field:          fieldNameOrID(s.cat.byID[ref.referrer.ext], ref.field),
		TargetExtent:   s.cat.extentName(ref.target.ext),
		TargetOID:      ref.target.oid,
	}
}

// clearReference drops ref.target from the referring field: Remove filters
// it out of lists, anything else makes the field Unassigned.
func (s *session) clearReference(ref fieldRef) error {
	rext := s.extentByID(ref.referrer.ext)
	rec := s.loadRecord(rext, ref.referrer.oid)
	if rec == nil {
		return nil
	}
	v := rec.field(ref.field)
	if !slices.Contains(refTargets(v), ref.target) {
		return nil
	}
	nv := Unassigned()
	if ref.policy == Remove && v.Kind() == KindList {
		var items []Value
		for _, item := range v.List() {
			if item.IsEntity() && (entityKey{item.extentID(), item.OID()}) == ref.target {
				continue
			}
			items = append(items, item)
		}
		nv = List(items...)
	}
	return s.updateEntity(rext, ref.referrer.oid, map[uint64]Value{ref.field: nv}, 0, false, false)
}

// unlinkDoomed sets every field by which a doomed entity references another
// doomed entity to Unassigned. Unique indices covering those fields are
// relaxed meanwhile, since many entities may end up with the same key.
func (s *session) unlinkDoomed(refs []fieldRef, doomed map[entityKey]bool) ([]*index, error) {
	fields := make(map[entityKey][]uint64)
	var order []entityKey
	for _, ref := range refs {
		if !doomed[ref.referrer] || ref.referrer == ref.target {
			continue
		}
		if _, ok := fields[ref.referrer]; !ok {
			order = append(order, ref.referrer)
		}
		if !slices.Contains(fields[ref.referrer], ref.field) {
			fields[ref.referrer] = append(fields[ref.referrer], ref.field)
		}
	}
	if len(order) == 0 {
		return nil, nil
	}
	slices.SortFunc(order, compareEntityKeys)

	t := s.current()
	var relaxed []*index
	if t != nil {
		for _, k := range order {
			ext := s.extentByID(k.ext)
			for _, idx := range ext.sortedIndices() {
				if !idx.unique || slices.Contains(relaxed, idx) || slices.Contains(t.relaxed, relaxKey{ext.id, idx.key}) {
					continue
				}
				if slices.ContainsFunc(fields[k], func(f uint64) bool { return slices.Contains(idx.spec, f) }) {
					s.relax(t, idx)
					relaxed = append(relaxed, idx)
				}
			}
		}
	}

	for _, k := range order {
		ext := s.extentByID(k.ext)
		if !s.entityExists(ext, k.oid) {
			continue
		}
		changes := make(map[uint64]Value, len(fields[k]))
		for _, f := range fields[k] {
			changes[f] = Unassigned()
		}
		if err := s.updateEntity(ext, k.oid, changes, 0, false, false); err != nil {
			return relaxed, err
		}
	}
	return relaxed, nil
}
