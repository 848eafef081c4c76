package cachestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/kamusis/nix-query/internal/pkgmeta"
)

var errShort = errors.New("unexpected end of data")

// encoder appends length-prefixed values to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) varint(v int64) {
	e.buf = binary.AppendVarint(e.buf, v)
}

func (e *encoder) str(s string) {
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) flag(b bool) {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) field(f pkgmeta.Field) {
	v, ok := f.Value()
	e.flag(ok)
	if ok {
		e.str(v)
	}
}

// decoder reads values written by encoder. The first failure sticks; later
// reads return zero values so callers check err once.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail(errShort)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail(errShort)
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) str() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if n > uint64(len(d.buf)) {
		d.fail(errShort)
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) flag() bool {
	if d.err != nil {
		return false
	}
	if len(d.buf) == 0 {
		d.fail(errShort)
		return false
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	if b > 1 {
		d.fail(fmt.Errorf("invalid flag byte %d", b))
		return false
	}
	return b == 1
}

func (d *decoder) field() pkgmeta.Field {
	if !d.flag() {
		return pkgmeta.Field{}
	}
	return pkgmeta.Known(d.str())
}

// count reads a collection length, rejecting values that cannot possibly fit
// in the remaining bytes (each element takes at least minSize bytes).
func (d *decoder) count(minSize int) int {
	n := d.uvarint()
	if d.err != nil {
		return 0
	}
	if n > uint64(len(d.buf)/minSize) {
		d.fail(fmt.Errorf("element count %d exceeds remaining data", n))
		return 0
	}
	return int(n)
}

// meta is the uncompressed summary stored ahead of the records.
type meta struct {
	Channel     pkgmeta.Channel
	Fingerprint digest.Digest
	CreatedAt   time.Time
	Records     int
}

func encodeMeta(m meta) []byte {
	var e encoder
	e.str(m.Channel.Name)
	e.str(m.Channel.Root)
	e.uvarint(uint64(len(m.Channel.ExtraAttrs)))
	for _, a := range m.Channel.ExtraAttrs {
		e.str(a)
	}
	e.str(m.Fingerprint.String())
	e.varint(m.CreatedAt.UnixNano())
	e.uvarint(uint64(m.Records))
	return e.buf
}

func decodeMeta(b []byte) (meta, error) {
	d := decoder{buf: b}
	var m meta
	m.Channel.Name = d.str()
	m.Channel.Root = d.str()
	if n := d.count(1); n > 0 {
		m.Channel.ExtraAttrs = make([]string, 0, n)
		for i := 0; i < n; i++ {
			m.Channel.ExtraAttrs = append(m.Channel.ExtraAttrs, d.str())
		}
	}
	m.Fingerprint = digest.Digest(d.str())
	m.CreatedAt = time.Unix(0, d.varint()).UTC()
	m.Records = int(d.uvarint())
	if d.err != nil {
		return meta{}, d.err
	}
	if len(d.buf) != 0 {
		return meta{}, fmt.Errorf("%d trailing bytes after header", len(d.buf))
	}
	if m.Fingerprint != "" {
		if err := m.Fingerprint.Validate(); err != nil {
			return meta{}, fmt.Errorf("invalid fingerprint: %w", err)
		}
	}
	return m, nil
}

func encodeRecords(records []pkgmeta.Record) []byte {
	e := encoder{buf: make([]byte, 0, len(records)*128)}
	e.uvarint(uint64(len(records)))
	for _, r := range records {
		e.str(r.Attr)
		e.field(r.Name)
		e.field(r.Version)
		e.field(r.Description)
		e.field(r.LongDescription)
		e.field(r.Homepage)
		e.field(r.Position)
		e.flag(r.License != nil)
		if r.License != nil {
			e.uvarint(uint64(len(r.License)))
			for _, t := range r.License {
				e.str(t.SPDXID)
				e.str(t.ShortName)
				e.str(t.FullName)
				e.str(t.URL)
				e.flag(t.Free)
			}
		}
		e.flag(r.Broken)
	}
	return e.buf
}

// minRecordSize is the encoding of a record with a one-byte attribute and
// every optional field absent.
const minRecordSize = 2 + 6 + 1 + 1

func decodeRecords(b []byte) ([]pkgmeta.Record, error) {
	d := decoder{buf: b}
	n := d.count(minRecordSize)
	out := make([]pkgmeta.Record, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var r pkgmeta.Record
		r.Attr = d.str()
		r.Name = d.field()
		r.Version = d.field()
		r.Description = d.field()
		r.LongDescription = d.field()
		r.Homepage = d.field()
		r.Position = d.field()
		if d.flag() {
			terms := d.count(5)
			r.License = make(pkgmeta.License, 0, terms)
			for j := 0; j < terms; j++ {
				r.License = append(r.License, pkgmeta.LicenseTerm{
					SPDXID:    d.str(),
					ShortName: d.str(),
					FullName:  d.str(),
					URL:       d.str(),
					Free:      d.flag(),
				})
			}
		}
		r.Broken = d.flag()
		out = append(out, r)
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after records", len(d.buf))
	}
	return out, nil
}

// encodePayload lays out the uncompressed payload: the length-prefixed
// header followed by the records.
func encodePayload(m meta, records []pkgmeta.Record) []byte {
	hdr := encodeMeta(m)
	body := encodeRecords(records)
	var e encoder
	e.buf = make([]byte, 0, binary.MaxVarintLen64+len(hdr)+len(body))
	e.uvarint(uint64(len(hdr)))
	e.buf = append(e.buf, hdr...)
	e.buf = append(e.buf, body...)
	return e.buf
}

// splitPayload separates the header from the encoded records.
func splitPayload(b []byte) (meta, []byte, error) {
	d := decoder{buf: b}
	n := d.uvarint()
	if d.err != nil {
		return meta{}, nil, d.err
	}
	if n > uint64(len(d.buf)) {
		return meta{}, nil, errShort
	}
	m, err := decodeMeta(d.buf[:n])
	if err != nil {
		return meta{}, nil, err
	}
	return m, d.buf[n:], nil
}
