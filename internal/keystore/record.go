package keystore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ibgate-project/ibgate/pkg/errclass"
)

// On-flash layout of one record:
//
//	byte 0       total record length L, header included (9..254)
//	bytes 1..8   credential code, little endian
//	bytes 9..L-1 window spec, NUL terminated; absent when L == 9
//
// A length byte of 0xFF is erased flash and marks the end of data.
const (
	HeaderLen    = 9
	MaxRecordLen = 254
	EndOfData    = 0xFF
	MaxWindowLen = MaxRecordLen - HeaderLen - 1
)

// Record maps a credential code to its access window spec. An empty
// Window grants access at any time.
type Record struct {
	Code   uint64 `json:"code"`
	Window string `json:"window"`
}

// CodeHex renders the code the way feeds and logs print it.
func (r Record) CodeHex() string {
	return fmt.Sprintf("%016X", r.Code)
}

// EncodedLen returns the on-flash size of r.
func (r Record) EncodedLen() int {
	if r.Window == "" {
		return HeaderLen
	}
	return HeaderLen + len(r.Window) + 1
}

// EncodeRecord serializes r.
func EncodeRecord(r Record) ([]byte, error) {
	if len(r.Window) > MaxWindowLen {
		return nil, errclass.ErrRecordInvalid.WithMessagef("code %s: window is %d bytes, limit %d", r.CodeHex(), len(r.Window), MaxWindowLen)
	}
	if bytes.IndexByte([]byte(r.Window), 0) >= 0 {
		return nil, errclass.ErrRecordInvalid.WithMessagef("code %s: window contains NUL", r.CodeHex())
	}
	n := r.EncodedLen()
	b := make([]byte, HeaderLen, n)
	b[0] = byte(n)
	binary.LittleEndian.PutUint64(b[1:HeaderLen], r.Code)
	if r.Window != "" {
		b = append(b, r.Window...)
		b = append(b, 0)
	}
	return b, nil
}

// DecodeRecord parses the record at the start of b and returns it with
// its encoded length. It returns io.EOF when b starts at the end-of-data
// marker.
func DecodeRecord(b []byte) (Record, int, error) {
	if len(b) == 0 {
		return Record{}, 0, io.EOF
	}
	n := int(b[0])
	switch {
	case n == EndOfData:
		return Record{}, 0, io.EOF
	case n < HeaderLen:
		return Record{}, 0, errclass.ErrRecordInvalid.WithMessagef("length byte %d below header size", n)
	case n > len(b):
		return Record{}, 0, errclass.ErrRecordInvalid.WithMessagef("record of %d bytes truncated at %d", n, len(b))
	}
	r := Record{Code: binary.LittleEndian.Uint64(b[1:HeaderLen])}
	w := b[HeaderLen:n]
	if i := bytes.IndexByte(w, 0); i >= 0 {
		w = w[:i]
	}
	r.Window = string(w)
	return r, n, nil
}

// scan walks the records in buf, calling fn for each until fn returns
// false. end is the first free offset, or the offset of the first
// undecodable record when err is non-nil.
func scan(buf []byte, fn func(off int, r Record) bool) (end, count int, err error) {
	off := 0
	for off < len(buf) {
		r, n, err := DecodeRecord(buf[off:])
		if err == io.EOF {
			return off, count, nil
		}
		if err != nil {
			return off, count, fmt.Errorf("offset %d: %w", off, err)
		}
		count++
		if fn != nil && !fn(off, r) {
			return off + n, count, nil
		}
		off += n
	}
	return off, count, nil
}
