package odb

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUnassigned Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindEntity
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindUnassigned:
		return "unassigned"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindEntity:
		return "entity"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a field value. The zero Value is Unassigned, which is distinct
// from Null and sorts below every other value.
//
// Entity values reference another entity. A reference built with Ref carries
// the extent name; once stored, it also carries the extent id, and the id
// takes precedence when comparing.
type Value struct {
	kind Kind
	n    int64  // bool, int; extent id for entities
	oid  uint64 // entities
	f    float64
	s    string // string, bytes; extent name for entities
	list []Value
}

type Fields map[string]Value

func Unassigned() Value         { return Value{} }
func Null() Value               { return Value{kind: KindNull} }
func Int(v int64) Value         { return Value{kind: KindInt, n: v} }
func Float(v float64) Value     { return Value{kind: KindFloat, f: v} }
func String(v string) Value     { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value      { return Value{kind: KindBytes, s: string(v)} }
func List(items ...Value) Value { return Value{kind: KindList, list: append([]Value(nil), items...)} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, n: 1}
	}
	return Value{kind: KindBool}
}

// Ref returns a reference to entity oid of the named extent.
func Ref(extent string, oid uint64) Value {
	return Value{kind: KindEntity, s: extent, oid: oid}
}

func refByID(extentID uint64, oid uint64) Value {
	return Value{kind: KindEntity, n: int64(extentID), oid: oid}
}

// ValueOf converts a plain Go value into a Value. It is used for defaults
// loaded from YAML and for CLI input.
func ValueOf(v any) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return Int(int64(v)), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d does not fit into int64", ErrInvalidValue, v)
		}
		return Int(int64(v)), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	case []any:
		items := make([]Value, len(v))
		for i, item := range v {
			iv, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = iv
		}
		return Value{kind: KindList, list: items}, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

func (v Value) Kind() Kind         { return v.kind }
func (v Value) IsUnassigned() bool { return v.kind == KindUnassigned }
func (v Value) IsNull() bool       { return v.kind == KindNull }
func (v Value) IsEntity() bool     { return v.kind == KindEntity }

// IsSet returns true unless the value is Unassigned or Null.
func (v Value) IsSet() bool { return v.kind > KindNull }

func (v Value) Bool() bool       { return v.kind == KindBool && v.n != 0 }
func (v Value) Int() int64       { return v.n }
func (v Value) Float() float64   { return v.f }
func (v Value) Str() string      { return v.s }
func (v Value) BytesVal() []byte { return []byte(v.s) }
func (v Value) OID() uint64      { return v.oid }
func (v Value) Extent() string   { return v.s }
func (v Value) List() []Value    { return v.list }

func (v Value) extentID() uint64 {
	if v.kind != KindEntity {
		return 0
	}
	return uint64(v.n)
}

// Equal reports whether a and v hold the same value. Entity references are
// compared by extent id when both sides are resolved, by name otherwise.
func (v Value) Equal(a Value) bool {
	if v.kind != a.kind {
		return false
	}
	switch v.kind {
	case KindUnassigned, KindNull:
		return true
	case KindBool, KindInt:
		return v.n == a.n
	case KindFloat:
		return v.f == a.f || (math.IsNaN(v.f) && math.IsNaN(a.f))
	case KindString, KindBytes:
		return v.s == a.s
	case KindEntity:
		if v.oid != a.oid {
			return false
		}
		if v.n != 0 && a.n != 0 {
			return v.n == a.n
		}
		return v.s == a.s
	case KindList:
		if len(v.list) != len(a.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(a.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders values the same way indices do.
func Compare(a, b Value) int {
	return bytes.Compare(appendValueKey(nil, a), appendValueKey(nil, b))
}

func (v Value) String() string {
	var buf strings.Builder
	v.format(&buf)
	return buf.String()
}

func (v Value) format(buf *strings.Builder) {
	switch v.kind {
	case KindUnassigned:
		buf.WriteString("<unassigned>")
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.n, 10))
	case KindFloat:
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		buf.WriteString(strconv.Quote(v.s))
	case KindBytes:
		fmt.Fprintf(buf, "0x%x", v.s)
	case KindEntity:
		if v.s != "" {
			buf.WriteString(v.s)
		} else {
			fmt.Fprintf(buf, "#%d", v.n)
		}
		buf.WriteByte('/')
		buf.WriteString(strconv.FormatUint(v.oid, 10))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteString(", ")
			}
			item.format(buf)
		}
		buf.WriteByte(']')
	default:
		fmt.Fprintf(buf, "<%v>", v.kind)
	}
}

func (v Value) clone() Value {
	if v.kind == KindList {
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.clone()
		}
		v.list = items
	}
	return v
}

// refs calls f for every entity reference held by the value.
func (v Value) refs(f func(ref Value)) {
	switch v.kind {
	case KindEntity:
		f(v)
	case KindList:
		for _, item := range v.list {
			item.refs(f)
		}
	}
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// EncodeMsgpack encodes the value as [kind, payload...]. Entity references
// are stored by extent id only.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case KindUnassigned, KindNull:
		if err := enc.EncodeArrayLen(1); err != nil {
			return err
		}
		return enc.EncodeUint(uint64(v.kind))
	case KindEntity:
		if err := enc.EncodeArrayLen(3); err != nil {
			return err
		}
		if err := enc.EncodeUint(uint64(v.kind)); err != nil {
			return err
		}
		if err := enc.EncodeUint(uint64(v.n)); err != nil {
			return err
		}
		return enc.EncodeUint(v.oid)
	}

	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindBool:
		return enc.EncodeBool(v.n != 0)
	case KindInt:
		return enc.EncodeInt(v.n)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindBytes:
		return enc.EncodeBytes([]byte(v.s))
	case KindList:
		if err := enc.EncodeArrayLen(len(v.list)); err != nil {
			return err
		}
		for _, item := range v.list {
			if err := item.EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("cannot encode value of %v", v.kind)
	}
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("invalid value: array of %d", n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*v = Value{kind: Kind(k)}

	switch v.kind {
	case KindUnassigned, KindNull:
		return skipN(dec, n-1)
	case KindEntity:
		if n != 3 {
			return fmt.Errorf("invalid entity value: array of %d", n)
		}
		ext, err := dec.DecodeUint64()
		if err != nil {
			return err
		}
		v.n = int64(ext)
		v.oid, err = dec.DecodeUint64()
		return err
	}

	if n != 2 {
		return fmt.Errorf("invalid %v value: array of %d", v.kind, n)
	}
	switch v.kind {
	case KindBool:
		b, err := dec.DecodeBool()
		if b {
			v.n = 1
		}
		return err
	case KindInt:
		v.n, err = dec.DecodeInt64()
		return err
	case KindFloat:
		v.f, err = dec.DecodeFloat64()
		return err
	case KindString:
		v.s, err = dec.DecodeString()
		return err
	case KindBytes:
		b, err := dec.DecodeBytes()
		v.s = string(b)
		return err
	case KindList:
		cnt, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		if cnt > 0 {
			v.list = make([]Value, cnt)
			for i := range v.list {
				if err := v.list[i].DecodeMsgpack(dec); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid value kind %d", k)
	}
}

func skipN(dec *msgpack.Decoder, n int) error {
	for ; n > 0; n-- {
		if err := dec.Skip(); err != nil {
			return err
		}
	}
	return nil
}
