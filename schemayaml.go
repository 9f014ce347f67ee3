package odb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type yamlSchema struct {
	Version int          `yaml:"version"`
	Extents []yamlExtent `yaml:"extents"`
}

type yamlExtent struct {
	Name    string      `yaml:"name"`
	Was     string      `yaml:"was"`
	Fields  []yamlField `yaml:"fields"`
	Keys    [][]string  `yaml:"keys"`
	Indices [][]string  `yaml:"indices"`
}

type yamlField struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Default  any      `yaml:"default"`
	Was      string   `yaml:"was"`
	MinLen   int      `yaml:"min_len"`
	MaxLen   int      `yaml:"max_len"`
	Min      int64    `yaml:"min"`
	Max      int64    `yaml:"max"`
	Extents  []string `yaml:"extents"`
	OnDelete string   `yaml:"on_delete"`
}

// LoadSchemaFile reads a YAML schema declaration from a file.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scm, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scm, nil
}

// ParseSchema builds a schema from its YAML declaration:
//
//	version: 1
//	extents:
//	  - name: User
//	    fields:
//	      - {name: name, type: string, required: true}
//	      - {name: age, type: int}
//	    keys: [[name]]
//
// Field types are string, int, float, bool, bytes, entity and entity_list.
// Entity fields take extents and on_delete (restrict, cascade, unassign, remove).
func ParseSchema(data []byte) (scm *Schema, err error) {
	var ys yamlSchema
	if err := yaml.Unmarshal(data, &ys); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(error); ok {
				err = fmt.Errorf("schema: %w", e)
			} else {
				err = fmt.Errorf("schema: %v", p)
			}
			scm = nil
		}
	}()

	scm = NewSchema()
	scm.Version = ys.Version
	scm.Source = string(data)
	for _, ye := range ys.Extents {
		if ye.Name == "" {
			return nil, fmt.Errorf("schema: extent without name")
		}
		fields := make([]*FieldDef, 0, len(ye.Fields))
		for _, yf := range ye.Fields {
			fd, err := yf.fieldDef()
			if err != nil {
				return nil, fmt.Errorf("schema: %s.%s: %w", ye.Name, yf.Name, err)
			}
			fields = append(fields, fd)
		}
		ed := AddExtent(scm, ye.Name, fields...)
		if ye.Was != "" {
			ed.WasNamed(ye.Was)
		}
		for _, k := range ye.Keys {
			ed.Key(k...)
		}
		for _, k := range ye.Indices {
			ed.Index(k...)
		}
	}
	return scm, nil
}

func (yf *yamlField) fieldDef() (*FieldDef, error) {
	var typ FieldType
	switch yf.Type {
	case "string", "str":
		typ = StringType{MinLen: yf.MinLen, MaxLen: yf.MaxLen}
	case "int", "integer":
		typ = IntType{Min: yf.Min, Max: yf.Max}
	case "float":
		typ = FloatType{}
	case "bool", "boolean":
		typ = BoolType{}
	case "bytes":
		typ = BytesType{}
	case "entity", "entity_list":
		policy, err := ParseDeletePolicy(yf.OnDelete)
		if err != nil {
			return nil, err
		}
		if yf.Type == "entity" {
			typ = EntityType{Extents: yf.Extents, OnDelete: policy}
		} else {
			typ = EntityListType{Extents: yf.Extents, OnDelete: policy}
		}
	default:
		return nil, fmt.Errorf("unknown field type %q", yf.Type)
	}

	fd := &FieldDef{
		Name:     yf.Name,
		Type:     typ,
		Required: yf.Required,
		WasNamed: yf.Was,
	}
	if yf.Default != nil {
		v, err := ValueOf(yf.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		v, err = typ.Convert(v)
		if err == nil {
			err = typ.Validate(v)
		}
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		fd.Default = v
	}
	return fd, nil
}
