package codec

import (
	"bufio"
	"hash"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

// maxVarintLen64 is the longest valid uvarint encoding of a uint64.
const maxVarintLen64 = 10

// Cursor is a positioned, forward-only view over an input stream. Every
// byte it hands out is counted and fed to the active checksums.
type Cursor struct {
	r      *bufio.Reader
	off    int64
	crc    hash.Hash32
	digest hash.Hash64
	one    [1]byte
}

// NewCursor wraps r. A *bufio.Reader is used as is.
func NewCursor(r io.Reader) *Cursor {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Cursor{r: br, crc: crc32.NewIEEE()}
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int64 { return c.off }

func (c *Cursor) track(p []byte) {
	c.off += int64(len(p))
	_, _ = c.crc.Write(p)
	if c.digest != nil {
		_, _ = c.digest.Write(p)
	}
}

func (c *Cursor) readFull(p []byte) (int, error) {
	n, err := io.ReadFull(c.r, p)
	c.track(p[:n])
	return n, err
}

func (c *Cursor) readByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	c.one[0] = b
	c.track(c.one[:])
	return b, nil
}

// Decoder reads a header followed by records from a Cursor.
type Decoder struct {
	cur    *Cursor
	header Header
	order  orderCodec
	limits Limits
	ready  bool

	// start offset and kind of the record being decoded, for error context
	recStart int64
	recKind  RecordKind
}

// NewDecoder returns a decoder over r. Zero limits fall back to
// DefaultLimits.
func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{cur: NewCursor(r), limits: limits.withDefaults()}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.cur.off }

// RecordOffset returns the offset at which the most recent record began.
func (d *Decoder) RecordOffset() int64 { return d.recStart }

// Header returns the header read by ReadHeader.
func (d *Decoder) Header() Header { return d.header }

// ReadHeader consumes and validates the stream header. It must be called
// exactly once, before Next.
func (d *Decoder) ReadHeader() (Header, error) {
	var buf [HeaderSize]byte
	n, err := d.cur.readFull(buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, Corruptf(CorruptHeaderInvalid, 0, 0, "stream ended after %d header bytes", n)
		}
		return Header{}, errors.Wrap(err, "read stream header")
	}
	h, err := ParseHeader(buf[:])
	if err != nil {
		return Header{}, err
	}
	if h.Flags.Has(FlagStreamDigest) {
		d.cur.digest = murmur3.New64()
		_, _ = d.cur.digest.Write(buf[:])
	}
	d.header = h
	d.order = h.Order.binary()
	d.ready = true
	return h, nil
}

// Next decodes one record. A clean end of input before any byte of a new
// record yields io.EOF; every other failure is a *CorruptStreamError or a
// wrapped I/O error from the underlying reader.
func (d *Decoder) Next() (*Record, error) {
	if !d.ready {
		return nil, errors.New("codec: Next called before ReadHeader")
	}
	d.recStart = d.cur.off
	d.recKind = 0
	d.cur.crc.Reset()

	tag, err := d.cur.readByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, d.ioError(err)
	}
	kind := RecordKind(tag)
	if !kind.Valid() {
		return nil, Corruptf(CorruptBadTag, d.recStart, 0, "unknown record tag 0x%02x", tag)
	}
	d.recKind = kind

	r := &Record{Kind: kind}
	switch kind {
	case KindData:
		if r.Key, err = d.readBytes(d.limits.MaxKeyLen, "key"); err != nil {
			return nil, err
		}
		if r.Value, err = d.readBytes(d.limits.MaxValueLen, "value"); err != nil {
			return nil, err
		}
	case KindTreeStart:
		if r.Name, err = d.readString("tree name"); err != nil {
			return nil, err
		}
		if r.VolumeID, err = d.readString("volume id"); err != nil {
			return nil, err
		}
	case KindVolumeInfo:
		if r.Name, err = d.readString("volume name"); err != nil {
			return nil, err
		}
		if r.PageSize, err = d.readUint32("page size"); err != nil {
			return nil, err
		}
	case KindCounter:
		if r.Name, err = d.readString("counter name"); err != nil {
			return nil, err
		}
		if r.Count, err = d.readUint64("counter value"); err != nil {
			return nil, err
		}
	case KindEnd:
		if d.header.Flags.Has(FlagStreamDigest) {
			want := d.cur.digest.Sum64()
			if r.Digest, err = d.readUint64("stream digest"); err != nil {
				return nil, err
			}
			if err := d.checkCRC(); err != nil {
				return nil, err
			}
			if r.Digest != want {
				return nil, Corruptf(CorruptBadChecksum, d.recStart, kind,
					"stream digest %016x, computed %016x", r.Digest, want)
			}
			return r, nil
		}
	}

	if err := d.checkCRC(); err != nil {
		return nil, err
	}
	return r, nil
}

// AtEOF reports whether the input is exhausted. It consumes at most one
// byte.
func (d *Decoder) AtEOF() (bool, error) {
	_, err := d.cur.readByte()
	if err == nil {
		return false, nil
	}
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, d.ioError(err)
}

func (d *Decoder) checkCRC() error {
	if !d.header.Flags.Has(FlagRecordCRC) {
		return nil
	}
	want := d.cur.crc.Sum32()
	got, err := d.readUint32("record checksum")
	if err != nil {
		return err
	}
	if got != want {
		return Corruptf(CorruptBadChecksum, d.recStart, d.recKind, "record crc %08x, computed %08x", got, want)
	}
	return nil
}

func (d *Decoder) readUvarint(field string) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < maxVarintLen64; i++ {
		b, err := d.cur.readByte()
		if err != nil {
			return 0, d.readError(err, field)
		}
		if b < 0x80 {
			if i == maxVarintLen64-1 && b > 1 {
				break
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, Corruptf(CorruptLengthOverflow, d.recStart, d.recKind, "%s length varint overflows 64 bits", field)
}

func (d *Decoder) readBytes(limit uint64, field string) ([]byte, error) {
	n, err := d.readUvarint(field)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, Corruptf(CorruptLengthOverflow, d.recStart, d.recKind, "%s length %d exceeds limit %d", field, n, limit)
	}
	b := make([]byte, n)
	if _, err := d.cur.readFull(b); err != nil {
		return nil, d.readError(err, field)
	}
	return b, nil
}

func (d *Decoder) readString(field string) (string, error) {
	b, err := d.readBytes(d.limits.MaxNameLen, field)
	return string(b), err
}

func (d *Decoder) readUint32(field string) (uint32, error) {
	var b [4]byte
	if _, err := d.cur.readFull(b[:]); err != nil {
		return 0, d.readError(err, field)
	}
	return d.order.Uint32(b[:]), nil
}

func (d *Decoder) readUint64(field string) (uint64, error) {
	var b [8]byte
	if _, err := d.cur.readFull(b[:]); err != nil {
		return 0, d.readError(err, field)
	}
	return d.order.Uint64(b[:]), nil
}

// readError classifies a failure inside a record: running out of input is
// truncation, anything else comes from the transport.
func (d *Decoder) readError(err error, field string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Corruptf(CorruptTruncated, d.recStart, d.recKind, "stream ended inside %s at offset %d", field, d.cur.off)
	}
	return d.ioError(err)
}

func (d *Decoder) ioError(err error) error {
	return errors.Wrapf(err, "read stream at offset %d", d.cur.off)
}
