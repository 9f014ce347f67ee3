package odb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value keys are order-preserving binary encodings of values, used as bucket
// names at every index level. The leading tag byte orders kinds, so
// Unassigned sorts below Null, which sorts below every real value.
const (
	keyTagUnassigned byte = 0x01 + iota
	keyTagNull
	keyTagBool
	keyTagInt
	keyTagFloat
	keyTagString
	keyTagBytes
	keyTagEntity
	keyTagList
)

func appendValueKey(buf []byte, v Value) []byte {
	switch v.kind {
	case KindUnassigned:
		return append(buf, keyTagUnassigned)
	case KindNull:
		return append(buf, keyTagNull)
	case KindBool:
		return append(buf, keyTagBool, byte(v.n))
	case KindInt:
		buf = append(buf, keyTagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(v.n)^(1<<63))
	case KindFloat:
		buf = append(buf, keyTagFloat)
		return binary.BigEndian.AppendUint64(buf, orderedFloatBits(v.f))
	case KindString:
		buf = append(buf, keyTagString)
		return append(buf, v.s...)
	case KindBytes:
		buf = append(buf, keyTagBytes)
		return append(buf, v.s...)
	case KindEntity:
		buf = append(buf, keyTagEntity)
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.n))
		return binary.BigEndian.AppendUint64(buf, v.oid)
	case KindList:
		buf = append(buf, keyTagList)
		for _, item := range v.list {
			buf = appendVarbytes(buf, appendValueKey(nil, item))
		}
		return buf
	default:
		panic(fmt.Errorf("cannot encode key of %v", v.kind))
	}
}

func valueKey(v Value) []byte {
	return appendValueKey(nil, v)
}

func orderedFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func floatFromOrderedBits(bits uint64) float64 {
	if bits&(1<<63) != 0 {
		return math.Float64frombits(bits &^ (1 << 63))
	}
	return math.Float64frombits(^bits)
}

// decodeValueKey is the inverse of appendValueKey. Entity references come
// back with extent id only.
func decodeValueKey(key []byte) (Value, error) {
	if len(key) == 0 {
		return Value{}, dataErrf(key, 0, nil, "empty value key")
	}
	tag, data := key[0], key[1:]
	switch tag {
	case keyTagUnassigned:
		return Unassigned(), nil
	case keyTagNull:
		return Null(), nil
	case keyTagBool:
		if len(data) != 1 {
			return Value{}, dataErrf(key, 1, nil, "invalid bool key")
		}
		return Bool(data[0] != 0), nil
	case keyTagInt:
		if len(data) != 8 {
			return Value{}, dataErrf(key, 1, nil, "invalid int key")
		}
		return Int(int64(binary.BigEndian.Uint64(data) ^ (1 << 63))), nil
	case keyTagFloat:
		if len(data) != 8 {
			return Value{}, dataErrf(key, 1, nil, "invalid float key")
		}
		return Float(floatFromOrderedBits(binary.BigEndian.Uint64(data))), nil
	case keyTagString:
		return String(string(data)), nil
	case keyTagBytes:
		return Bytes(data), nil
	case keyTagEntity:
		if len(data) != 16 {
			return Value{}, dataErrf(key, 1, nil, "invalid entity key")
		}
		return refByID(binary.BigEndian.Uint64(data[:8]), binary.BigEndian.Uint64(data[8:])), nil
	case keyTagList:
		var items []Value
		d := makeByteDecoder(data)
		for len(d.Buf) > 0 {
			raw, err := d.VarBytes()
			if err != nil {
				return Value{}, err
			}
			item, err := decodeValueKey(raw)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: KindList, list: items}, nil
	default:
		return Value{}, dataErrf(key, 0, nil, "invalid value key tag 0x%02x", tag)
	}
}

func oidKey(oid uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), oid)
}

func decodeOIDKey(key []byte) uint64 {
	if len(key) != 8 {
		panic(fmt.Errorf("invalid oid key %x", key))
	}
	return binary.BigEndian.Uint64(key)
}
