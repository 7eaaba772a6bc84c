package protocol

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// reader walks a payload and converts every failure into a DecodeError that
// carries the absolute offset.
type reader struct {
	op   string
	buf  []byte
	off  int
	base int
}

func newReader(op string, buf []byte, base int) *reader {
	return &reader{op: op, buf: buf, base: base}
}

func (r *reader) fail(err error, format string, args ...any) error {
	return &DecodeError{
		Op:     r.op,
		Offset: r.base + r.off,
		Err:    fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...)),
	}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) uvarint(field string) (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		perr := protowire.ParseError(n)
		if errors.Is(perr, io.ErrUnexpectedEOF) {
			return 0, r.fail(ErrTruncated, "%s", field)
		}
		return 0, r.fail(ErrMalformed, "%s: %v", field, perr)
	}
	r.off += n
	return v, nil
}

// count reads a collection length and rejects values that cannot fit in the
// rest of the payload, given each element needs at least minSize bytes.
func (r *reader) count(field string, minSize int) (int, error) {
	start := r.off
	v, err := r.uvarint(field)
	if err != nil {
		return 0, err
	}
	if v > uint64(r.remaining()/minSize) {
		r.off = start
		return 0, r.fail(ErrTruncated, "%s %d exceeds payload", field, v)
	}
	return int(v), nil
}

func (r *reader) varBytes(field string) ([]byte, int, error) {
	start := r.off
	length, err := r.uvarint(field)
	if err != nil {
		return nil, 0, err
	}
	if length > uint64(r.remaining()) {
		r.off = start
		return nil, 0, r.fail(ErrTruncated, "%s length %d", field, length)
	}
	at := r.base + r.off
	v := r.buf[r.off : r.off+int(length)]
	r.off += int(length)
	return v, at, nil
}

func (r *reader) varString(field string) (string, error) {
	start := r.off
	b, _, err := r.varBytes(field)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		r.off = start
		return "", r.fail(ErrMalformed, "%s is not valid utf-8", field)
	}
	return string(b), nil
}

func (r *reader) flags(field string) (byte, error) {
	if r.remaining() < 1 {
		return 0, r.fail(ErrTruncated, "%s", field)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return r.fail(ErrMalformed, "%d trailing bytes", r.remaining())
	}
	return nil
}

func appendVarint(b []byte, v uint64) []byte {
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, v []byte) []byte {
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, v string) []byte {
	return protowire.AppendString(b, v)
}
