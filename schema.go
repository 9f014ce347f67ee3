package odb

import (
	"fmt"
	"slices"
	"strings"
)

// Schema declares extents, their fields, keys and indices. It is reconciled
// against the stored extents by Open and DB.Sync.
type Schema struct {
	Version int
	Source  string

	extents       []*ExtentDef
	extentsByName map[string]*ExtentDef
}

func NewSchema() *Schema {
	return &Schema{
		extentsByName: make(map[string]*ExtentDef),
	}
}

func (scm *Schema) Extents() []*ExtentDef {
	return slices.Clone(scm.extents)
}

func (scm *Schema) ExtentNamed(name string) *ExtentDef {
	return scm.extentsByName[name]
}

type ExtentDef struct {
	name     string
	wasNamed string
	fields   []*FieldDef
	byName   map[string]*FieldDef
	indices  []*IndexDef
}

type IndexDef struct {
	Fields []string
	Unique bool
}

func (idx *IndexDef) String() string {
	s := strings.Join(idx.Fields, ",")
	if idx.Unique {
		return "key(" + s + ")"
	}
	return "index(" + s + ")"
}

type FieldDef struct {
	Name     string
	Type     FieldType
	Required bool
	Default  Value
	WasNamed string
}

type fieldOpt int

const (
	// Required fields must hold a value other than Unassigned or Null when
	// the outermost transaction finishes.
	Required fieldOpt = iota
)

type defaultOpt struct {
	value Value
}

// Default sets the value a field gets when a create doesn't specify it.
func Default(v Value) any {
	return defaultOpt{v}
}

type wasNamedOpt string

// Was records the previous name of a field, honoured by evolving syncs.
func Was(oldName string) any {
	return wasNamedOpt(oldName)
}

// Field declares a field. Options are Required, Default(v) and Was(name).
func Field(name string, typ FieldType, opts ...any) *FieldDef {
	fd := &FieldDef{Name: name, Type: typ}
	for _, o := range opts {
		switch o := o.(type) {
		case fieldOpt:
			switch o {
			case Required:
				fd.Required = true
			default:
				panic(fmt.Errorf("invalid option %v", o))
			}
		case defaultOpt:
			fd.Default = o.value
		case wasNamedOpt:
			fd.WasNamed = string(o)
		default:
			panic(fmt.Errorf("invalid option %T %v", o, o))
		}
	}
	return fd
}

// AddExtent declares an extent with the given fields.
func AddExtent(scm *Schema, name string, fields ...*FieldDef) *ExtentDef {
	if scm.extentsByName[name] != nil {
		panic(fmt.Errorf("extent %s defined twice", name))
	}
	ed := &ExtentDef{
		name:   name,
		byName: make(map[string]*FieldDef),
	}
	for _, fd := range fields {
		ed.addField(fd)
	}
	scm.extents = append(scm.extents, ed)
	scm.extentsByName[name] = ed
	return ed
}

func (ed *ExtentDef) addField(fd *FieldDef) {
	if fd.Name == "" {
		panic(fmt.Errorf("%s: field without name", ed.name))
	}
	if fd.Type == nil {
		panic(fmt.Errorf("%s.%s: field without type", ed.name, fd.Name))
	}
	if ed.byName[fd.Name] != nil {
		panic(fmt.Errorf("%s.%s: field defined twice", ed.name, fd.Name))
	}
	ed.fields = append(ed.fields, fd)
	ed.byName[fd.Name] = fd
}

func (ed *ExtentDef) Name() string         { return ed.name }
func (ed *ExtentDef) Fields() []*FieldDef  { return slices.Clone(ed.fields) }
func (ed *ExtentDef) Indices() []*IndexDef { return slices.Clone(ed.indices) }

func (ed *ExtentDef) FieldNamed(name string) *FieldDef {
	return ed.byName[name]
}

// Key declares a unique index over the given fields.
func (ed *ExtentDef) Key(fields ...string) *ExtentDef {
	return ed.addIndex(fields, true)
}

// Index declares a non-unique index over the given fields.
func (ed *ExtentDef) Index(fields ...string) *ExtentDef {
	return ed.addIndex(fields, false)
}

// WasNamed records the previous name of the extent, honoured by evolving syncs.
func (ed *ExtentDef) WasNamed(oldName string) *ExtentDef {
	ed.wasNamed = oldName
	return ed
}

func (ed *ExtentDef) addIndex(fields []string, unique bool) *ExtentDef {
	if len(fields) == 0 {
		panic(fmt.Errorf("%s: index without fields", ed.name))
	}
	for _, f := range fields {
		if ed.byName[f] == nil {
			panic(fmt.Errorf("%s: index on undefined field %s", ed.name, f))
		}
	}
	for _, idx := range ed.indices {
		if slices.Equal(idx.Fields, fields) {
			idx.Unique = idx.Unique || unique
			return ed
		}
	}
	ed.indices = append(ed.indices, &IndexDef{Fields: slices.Clone(fields), Unique: unique})
	return ed
}

func (ed *ExtentDef) String() string {
	return ed.name
}
