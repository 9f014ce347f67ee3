package odb

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const formatVersion = 1

var (
	rootBucketName     = []byte("odb")
	metaKey            = []byte("meta")
	extentsBucketName  = []byte("extents")
	countersBucketName = []byte("counters")
	entitiesBucketName = []byte("entities")
	indicesBucketName  = []byte("indices")
	nextOIDKey         = []byte("next_oid")
	countKey           = []byte("count")
	emptyValue         = []byte{}
)

// rootMeta is stored under odb/meta.
type rootMeta struct {
	Format       int    `msgpack:"f"`
	Version      int    `msgpack:"v"`
	Source       string `msgpack:"src"`
	LastExtentID uint64 `msgpack:"le"`
}

// extentMeta is stored under odb/extents/<id>/meta. Field ids are never
// reused, even after a field is dropped.
type extentMeta struct {
	ID           uint64            `msgpack:"id"`
	Name         string            `msgpack:"n"`
	Fields       map[string]uint64 `msgpack:"f"`
	LastFieldID  uint64            `msgpack:"lf"`
	EntityFields []uint64          `msgpack:"ef,omitempty"`
	Indices      []*indexMeta      `msgpack:"i,omitempty"`
}

type indexMeta struct {
	Spec   []uint64 `msgpack:"s"`
	Unique bool     `msgpack:"u,omitempty"`
}

// extent is the in-memory catalog entry built from extentMeta and the
// matching ExtentDef (nil when the database is opened without a schema).
type extent struct {
	id   uint64
	name string
	meta *extentMeta
	def  *ExtentDef

	fieldIDs     map[string]uint64
	fieldNames   map[uint64]string
	fieldDefs    map[uint64]*FieldDef
	entityFields map[uint64]bool

	indices    map[string]*index // by specKey
	partial    map[string]indexPrefix
	normalized map[string]indexPrefix
}

type index struct {
	ext    *extent
	spec   []uint64
	key    string
	unique bool
}

// indexPrefix is the first n fields of idx.
type indexPrefix struct {
	idx *index
	n   int
}

func specKey(spec []uint64) string {
	var buf strings.Builder
	for i, f := range spec {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.FormatUint(f, 10))
	}
	return buf.String()
}

func sortedSpecKey(spec []uint64) string {
	s := slices.Clone(spec)
	slices.Sort(s)
	return specKey(s)
}

func newExtent(meta *extentMeta, def *ExtentDef) *extent {
	ext := &extent{
		id:           meta.ID,
		name:         meta.Name,
		meta:         meta,
		def:          def,
		fieldIDs:     make(map[string]uint64, len(meta.Fields)),
		fieldNames:   make(map[uint64]string, len(meta.Fields)),
		fieldDefs:    make(map[uint64]*FieldDef),
		entityFields: make(map[uint64]bool),
	}
	for name, id := range meta.Fields {
		ext.fieldIDs[name] = id
		ext.fieldNames[id] = name
		if def != nil {
			if fd := def.byName[name]; fd != nil {
				ext.fieldDefs[id] = fd
			}
		}
	}
	for _, id := range meta.EntityFields {
		ext.entityFields[id] = true
	}
	ext.rebuildIndices()
	return ext
}

func (ext *extent) rebuildIndices() {
	ext.indices = make(map[string]*index, len(ext.meta.Indices))
	ext.partial = make(map[string]indexPrefix)
	ext.normalized = make(map[string]indexPrefix)
	for _, im := range ext.meta.Indices {
		ext.registerIndex(im)
	}
}

func (ext *extent) registerIndex(im *indexMeta) *index {
	idx := &index{
		ext:    ext,
		spec:   im.Spec,
		key:    specKey(im.Spec),
		unique: im.Unique,
	}
	ext.indices[idx.key] = idx
	for n := 1; n <= len(idx.spec); n++ {
		prefix := idx.spec[:n]
		pk := specKey(prefix)
		if cur, ok := ext.partial[pk]; !ok || betterPrefix(idx, n, cur) {
			ext.partial[pk] = indexPrefix{idx, n}
		}
		nk := sortedSpecKey(prefix)
		if cur, ok := ext.normalized[nk]; !ok || betterPrefix(idx, n, cur) {
			ext.normalized[nk] = indexPrefix{idx, n}
		}
	}
	return idx
}

// betterPrefix prefers an index whose whole spec is the prefix, then a
// shorter index, then the lower spec key for determinism.
func betterPrefix(idx *index, n int, cur indexPrefix) bool {
	full, curFull := n == len(idx.spec), cur.n == len(cur.idx.spec)
	if full != curFull {
		return full
	}
	if len(idx.spec) != len(cur.idx.spec) {
		return len(idx.spec) < len(cur.idx.spec)
	}
	return idx.key < cur.idx.key
}

func (ext *extent) String() string {
	return ext.name
}

func (ext *extent) fieldID(name string) (uint64, error) {
	id, ok := ext.fieldIDs[name]
	if !ok {
		return 0, fieldErr(ext.name, name, ErrFieldDoesNotExist)
	}
	return id, nil
}

// declares reports whether the field is part of the current extent
// metadata. Records may still hold values of dropped fields; those are
// neither linked nor returned.
func (ext *extent) declares(id uint64) bool {
	_, ok := ext.fieldNames[id]
	return ok
}

func (ext *extent) fieldName(id uint64) string {
	if name, ok := ext.fieldNames[id]; ok {
		return name
	}
	return "#" + strconv.FormatUint(id, 10)
}

func (ext *extent) specNames(spec []uint64) []string {
	names := make([]string, len(spec))
	for i, f := range spec {
		names[i] = ext.fieldName(f)
	}
	return names
}

func (ext *extent) specIDs(names []string) ([]uint64, error) {
	spec := make([]uint64, len(names))
	for i, name := range names {
		id, err := ext.fieldID(name)
		if err != nil {
			return nil, err
		}
		spec[i] = id
	}
	return spec, nil
}

func (ext *extent) sortedFieldIDs() []uint64 {
	ids := make([]uint64, 0, len(ext.fieldNames))
	for id := range ext.fieldNames {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (ext *extent) sortedIndices() []*index {
	result := make([]*index, 0, len(ext.indices))
	for _, idx := range ext.indices {
		result = append(result, idx)
	}
	slices.SortFunc(result, func(a, b *index) int {
		return strings.Compare(a.key, b.key)
	})
	return result
}

func (ext *extent) onDelete(field uint64) DeletePolicy {
	if fd := ext.fieldDefs[field]; fd != nil {
		if rt, ok := fd.Type.(refType); ok {
			return rt.onDelete()
		}
	}
	return Restrict
}

func (idx *index) String() string {
	s := strings.Join(idx.ext.specNames(idx.spec), ",")
	if idx.unique {
		return idx.ext.name + ".key(" + s + ")"
	}
	return idx.ext.name + ".index(" + s + ")"
}

func (idx *index) bucketName() []byte {
	return []byte(idx.key)
}

func (idx *index) containsAll(fields []uint64) bool {
	for _, f := range fields {
		if !slices.Contains(idx.spec, f) {
			return false
		}
	}
	return true
}

func extentKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), id)
}

// catalog is the set of known extents, shared by all sessions of a DB.
type catalog struct {
	schema  *Schema
	root    rootMeta
	byID    map[uint64]*extent
	byName  map[string]*extent
	ordered []*extent
}

func newCatalog() *catalog {
	return &catalog{
		byID:   make(map[uint64]*extent),
		byName: make(map[string]*extent),
	}
}

func (c *catalog) add(ext *extent) {
	c.byID[ext.id] = ext
	c.byName[ext.name] = ext
	c.reorder()
}

func (c *catalog) remove(ext *extent) {
	delete(c.byID, ext.id)
	if c.byName[ext.name] == ext {
		delete(c.byName, ext.name)
	}
	c.reorder()
}

func (c *catalog) reorder() {
	c.ordered = c.ordered[:0]
	for _, ext := range c.byID {
		c.ordered = append(c.ordered, ext)
	}
	slices.SortFunc(c.ordered, func(a, b *extent) int {
		return strings.Compare(a.name, b.name)
	})
}

func (c *catalog) names() []string {
	names := make([]string, len(c.ordered))
	for i, ext := range c.ordered {
		names[i] = ext.name
	}
	return names
}

func (c *catalog) lookup(name string) (*extent, error) {
	ext := c.byName[name]
	if ext == nil {
		return nil, extentErr(name, ErrExtentDoesNotExist)
	}
	return ext, nil
}

func (c *catalog) lookupID(id uint64) (*extent, error) {
	ext := c.byID[id]
	if ext == nil {
		return nil, extentErr(fmt.Sprintf("#%d", id), ErrExtentDoesNotExist)
	}
	return ext, nil
}

func (c *catalog) extentName(id uint64) string {
	if ext := c.byID[id]; ext != nil {
		return ext.name
	}
	return fmt.Sprintf("#%d", id)
}

func (c *catalog) indexByKey(k relaxKey) *index {
	if ext := c.byID[k.ext]; ext != nil {
		return ext.indices[k.spec]
	}
	return nil
}
