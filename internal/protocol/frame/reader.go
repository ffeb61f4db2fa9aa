package frame

import (
	"errors"
	"io"
)

// Reader decodes frames from a byte stream, buffering partial reads.
// Codec errors are returned one at a time with the offending bytes dropped, so the
// next ReadFrame resumes at the following candidate start marker.
type Reader struct {
	r      io.Reader
	limits Limits
	buf    []byte
	chunk  []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	limits = limits.withDefaults()
	return &Reader{
		r:      r,
		limits: limits,
		chunk:  make([]byte, 1024),
	}
}

// Buffered returns the count of bytes held but not yet decoded.
func (d *Reader) Buffered() int {
	return len(d.buf)
}

// Reset drops buffered bytes, used after the underlying connection is replaced.
func (d *Reader) Reset(r io.Reader) {
	d.r = r
	d.buf = d.buf[:0]
}

func (d *Reader) ReadFrame() (Frame, error) {
	for {
		f, n, err := parse(d.buf, d.limits)
		switch {
		case err == nil:
			d.consume(n)
			return f, nil
		case errors.Is(err, errNeedMore):
			if err := d.fill(); err != nil {
				return Frame{}, err
			}
		case errors.Is(err, ErrImplausibleLength):
			d.buf = d.buf[:0]
			return Frame{}, err
		default:
			d.consume(n)
			return Frame{}, err
		}
	}
}

func (d *Reader) fill() error {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
	}
	if err != nil {
		if n > 0 && errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.EOF) && len(d.buf) > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func (d *Reader) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
