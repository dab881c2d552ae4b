package coverage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse decodes a raw record. The first block must be a header.
func Parse(raw []byte) (*Record, error) {
	d := &decoder{buf: raw}
	rec := &Record{}

	if len(raw) == 0 {
		return nil, &MalformedRecordError{Reason: "empty record"}
	}

	sawHeader := false
	for !d.done() {
		start := d.off
		block, err := d.readByte()
		if err != nil {
			return nil, err
		}
		switch block {
		case BlockHeader:
			if err := d.header(); err != nil {
				return nil, err
			}
			sawHeader = true
		case BlockSession:
			if !sawHeader {
				return nil, d.fail(start, "session block before header")
			}
			s, err := d.session()
			if err != nil {
				return nil, err
			}
			rec.Sessions = append(rec.Sessions, s)
		case BlockExecution:
			if !sawHeader {
				return nil, d.fail(start, "execution block before header")
			}
			c, err := d.class()
			if err != nil {
				return nil, err
			}
			rec.Classes = append(rec.Classes, c)
		default:
			return nil, d.fail(start, fmt.Sprintf("unknown block type 0x%02x", block))
		}
	}
	return rec, nil
}

// Encode writes r in the execution data layout, header first.
func Encode(r *Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte(BlockHeader)
	writeUint16(&buf, Magic)
	writeUint16(&buf, FormatVersion)

	for _, s := range r.Sessions {
		buf.WriteByte(BlockSession)
		writeUTF(&buf, s.ID)
		writeInt64(&buf, s.Start)
		writeInt64(&buf, s.Dump)
	}
	for _, c := range r.Classes {
		buf.WriteByte(BlockExecution)
		writeInt64(&buf, c.ID)
		writeUTF(&buf, c.Name)
		writeProbes(&buf, c.Probes)
	}
	return buf.Bytes()
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) done() bool { return d.off >= len(d.buf) }

func (d *decoder) fail(at int, reason string) error {
	return &MalformedRecordError{Offset: at, Reason: reason}
}

func (d *decoder) need(n int) error {
	if n < 0 || d.off+n > len(d.buf) {
		return d.fail(d.off, fmt.Sprintf("unexpected end of data (need %d bytes, have %d)", n, len(d.buf)-d.off))
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) readInt64() (int64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v, nil
}

func (d *decoder) readUTF() (string, error) {
	n, err := d.readUint16()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) readVarint() (int, error) {
	start := d.off
	var v uint32
	for shift := uint(0); ; shift += 7 {
		if shift > 28 {
			return 0, d.fail(start, "var-int too long")
		}
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			break
		}
	}
	if v > 1<<24 {
		return 0, d.fail(start, fmt.Sprintf("probe count %d out of range", v))
	}
	return int(v), nil
}

func (d *decoder) header() error {
	at := d.off
	magic, err := d.readUint16()
	if err != nil {
		return err
	}
	if magic != Magic {
		return d.fail(at, fmt.Sprintf("invalid magic 0x%04x", magic))
	}
	at = d.off
	version, err := d.readUint16()
	if err != nil {
		return err
	}
	if version != FormatVersion {
		return d.fail(at, fmt.Sprintf("unsupported format version 0x%04x", version))
	}
	return nil
}

func (d *decoder) session() (Session, error) {
	var s Session
	var err error
	if s.ID, err = d.readUTF(); err != nil {
		return s, err
	}
	if s.Start, err = d.readInt64(); err != nil {
		return s, err
	}
	if s.Dump, err = d.readInt64(); err != nil {
		return s, err
	}
	return s, nil
}

func (d *decoder) class() (Class, error) {
	var c Class
	var err error
	if c.ID, err = d.readInt64(); err != nil {
		return c, err
	}
	if c.Name, err = d.readUTF(); err != nil {
		return c, err
	}
	if c.Name == "" {
		return c, d.fail(d.off, "empty class name")
	}
	n, err := d.readVarint()
	if err != nil {
		return c, err
	}
	nbytes := (n + 7) / 8
	if err := d.need(nbytes); err != nil {
		return c, err
	}
	c.Probes = make([]bool, n)
	for i := 0; i < n; i++ {
		c.Probes[i] = d.buf[d.off+i/8]&(1<<(uint(i)%8)) != 0
	}
	d.off += nbytes
	return c, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeUTF(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func writeVarint(buf *bytes.Buffer, v int) {
	u := uint32(v)
	for u&^0x7F != 0 {
		buf.WriteByte(byte(0x80 | u&0x7F))
		u >>= 7
	}
	buf.WriteByte(byte(u))
}

func writeProbes(buf *bytes.Buffer, probes []bool) {
	writeVarint(buf, len(probes))
	var cur byte
	for i, p := range probes {
		if p {
			cur |= 1 << (uint(i) % 8)
		}
		if i%8 == 7 {
			buf.WriteByte(cur)
			cur = 0
		}
	}
	if len(probes)%8 != 0 {
		buf.WriteByte(cur)
	}
}
