package odb

import (
	"errors"
	"testing"
)

func TestBytesBuilder(t *testing.T) {
	var bb bytesBuilder
	_, _ = bb.Write([]byte{1, 2})
	_ = bb.WriteByte(3)
	deepEqual(t, bb.Buf, []byte{1, 2, 3})
}

func TestByteDecoder(t *testing.T) {
	buf := appendVarbytes(nil, []byte("hello"))
	buf = appendVarbytes(buf, nil)
	deepEqual(t, buf, []byte{5, 'h', 'e', 'l', 'l', 'o', 0})

	d := makeByteDecoder(buf)
	deepEqual(t, string(must(d.VarBytes())), "hello")
	deepEqual(t, len(must(d.VarBytes())), 0)
	isempty(t, d.Buf)

	d = makeByteDecoder([]byte{9, 'x'})
	_, err := d.VarBytes()
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("VarBytes past end err = %v, wanted *DataError", err)
	}

	d = makeByteDecoder([]byte{0x80})
	if _, err := d.Uvarint(); !errors.As(err, &de) {
		t.Fatalf("truncated Uvarint err = %v, wanted *DataError", err)
	}
}
