/*
Package odb implements an embedded transactional object database on top of
an ordered key-value store (Bolt, or an in-memory store for tests).

We implement:

1. Extents, named collections of entities. An entity is a set of typed
fields identified by an oid that is unique within its extent.

2. Indices over tuples of fields, unique (keys) or not, usable for lookups
and ordered walks. Unique indices can be relaxed for the duration of a
transaction and enforced later.

3. Links, reverse references kept on every referenced entity, so that
referrers can be found and on-delete policies (restrict, cascade, unassign,
remove) applied without scanning.

4. Transactions that nest. A nested transaction that fails is undone by
replaying inversions, and the enclosing one may carry on. An outermost
transaction that fails is rolled back by the store.

5. Schema synchronization, reconciling stored extents, fields and indices
with a declared Schema.

# Technical Details

**Buckets.**
Everything lives under a single root bucket. Each extent gets a bucket keyed
by its numeric id holding metadata, counters, entities and index trees.
Names are only kept in metadata, so renaming an extent or a field touches
nothing but the metadata.

**Records.**
An entity is stored as a msgpack record holding its revision, fields keyed
by field id, and its incoming links grouped by (extent, field).

**Index trees.**
An index is a tree of nested buckets, one level per indexed field. Values are
encoded into order-preserving keys, so a cursor walk visits them in value
order. Leaves hold the oids of matching entities as keys with empty values.
Unassigned sorts below Null, which sorts below every real value.

**Catalog.**
Extent metadata is decoded once into a catalog shared by readers. A writer
that changes metadata works on a private copy, installed on commit.

**Changes.**
Every committed outermost transaction produces a ChangeSet listing the
entities it created, updated and deleted. It is handed to OnCommit handlers
and, if configured, appended to a journal.
*/
package odb
