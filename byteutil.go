package odb

import (
	"encoding/binary"
)

// bytesBuilder collects encoder output into Buf.
type bytesBuilder struct {
	Buf []byte
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

// appendVarbytes appends v prefixed with its uvarint length.
func appendVarbytes(buf []byte, v []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, dataErrf(d.Orig, len(d.Orig)-len(d.Buf), nil, "invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

// VarBytes reads a chunk written by appendVarbytes. The result aliases Orig.
func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.Buf)) {
		return nil, dataErrf(d.Orig, len(d.Orig)-len(d.Buf), nil, "chunk of %d bytes, only %d remaining", n, len(d.Buf))
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}
