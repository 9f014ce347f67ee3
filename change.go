package odb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Op int

const (
	OpNone   Op = 0
	OpCreate Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// Change is one normalized entry of a ChangeSet.
type Change struct {
	Op     Op     `msgpack:"op"`
	Extent string `msgpack:"e"`
	OID    uint64 `msgpack:"oid"`
}

func (chg Change) String() string {
	return fmt.Sprintf("%v %s/%d", chg.Op, chg.Extent, chg.OID)
}

// ChangeSet is everything a committed outermost transaction did, delivered
// to OnCommit handlers and appended to the journal.
type ChangeSet struct {
	ID      uuid.UUID `msgpack:"id"`
	Label   string    `msgpack:"l,omitempty"`
	Time    time.Time `msgpack:"t"`
	Bulk    bool      `msgpack:"b,omitempty"`
	Changes []Change  `msgpack:"c"`
}

// rawChange is recorded by entity operations, one per low-level mutation.
type rawChange struct {
	op  Op
	key entityKey
}

// normalizeChanges collapses the raw changes of one entity into a single
// change: a create followed by updates is a create, a create later deleted
// disappears, anything ending in a delete is a delete, and everything else
// is an update. Entities are listed in order of first appearance.
func normalizeChanges(raw []rawChange) []rawChange {
	type summary struct {
		first, last Op
	}
	var order []entityKey
	byKey := make(map[entityKey]*summary)
	for _, c := range raw {
		sum := byKey[c.key]
		if sum == nil {
			sum = &summary{first: c.op}
			byKey[c.key] = sum
			order = append(order, c.key)
		}
		sum.last = c.op
	}

	result := make([]rawChange, 0, len(order))
	for _, k := range order {
		sum := byKey[k]
		var op Op
		switch {
		case sum.first == OpCreate && sum.last == OpDelete:
			continue
		case sum.first == OpCreate:
			op = OpCreate
		case sum.last == OpDelete:
			op = OpDelete
		default:
			op = OpUpdate
		}
		result = append(result, rawChange{op, k})
	}
	return result
}

func (s *session) changeSet(t *Transaction) *ChangeSet {
	cs := &ChangeSet{
		ID:    t.id,
		Label: t.Label,
		Time:  time.Now().UTC(),
		Bulk:  s.bulk,
	}
	for _, c := range normalizeChanges(t.changes) {
		cs.Changes = append(cs.Changes, Change{
			Op:     c.op,
			Extent: s.cat.extentName(c.key.ext),
			OID:    c.key.oid,
		})
	}
	return cs
}
