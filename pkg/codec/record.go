package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordKind is the one-byte tag that starts every record.
type RecordKind uint8

const (
	KindData       RecordKind = 1
	KindTreeStart  RecordKind = 2
	KindTreeEnd    RecordKind = 3
	KindVolumeInfo RecordKind = 4
	KindCounter    RecordKind = 5
	KindEnd        RecordKind = 6
)

// Valid reports whether k is a tag this format defines.
func (k RecordKind) Valid() bool {
	return k >= KindData && k <= KindEnd
}

func (k RecordKind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindTreeStart:
		return "TREE_START"
	case KindTreeEnd:
		return "TREE_END"
	case KindVolumeInfo:
		return "VOLUME_INFO"
	case KindCounter:
		return "COUNTER"
	case KindEnd:
		return "END"
	default:
		return fmt.Sprintf("0x%02x", uint8(k))
	}
}

// Record is one framed unit of a stream. Which fields are meaningful
// depends on Kind:
//
//	DATA         Key, Value
//	TREE_START   Name (tree), VolumeID
//	VOLUME_INFO  Name (volume), PageSize
//	COUNTER      Name, Count
//	END          Digest (only with FlagStreamDigest)
type Record struct {
	Kind     RecordKind
	Key      []byte
	Value    []byte
	Name     string
	VolumeID string
	PageSize uint32
	Count    uint64
	Digest   uint64
}

// Limits bounds every length prefix a decoder will honor.
type Limits struct {
	MaxNameLen  uint64
	MaxKeyLen   uint64
	MaxValueLen uint64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxNameLen:  1 << 10,
		MaxKeyLen:   64 << 10,
		MaxValueLen: 64 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxNameLen == 0 {
		l.MaxNameLen = d.MaxNameLen
	}
	if l.MaxKeyLen == 0 {
		l.MaxKeyLen = d.MaxKeyLen
	}
	if l.MaxValueLen == 0 {
		l.MaxValueLen = d.MaxValueLen
	}
	return l
}

// Check reports the first field of r that exceeds the limits.
func (l Limits) Check(r *Record) error {
	l = l.withDefaults()
	switch r.Kind {
	case KindData:
		if uint64(len(r.Key)) > l.MaxKeyLen {
			return fmt.Errorf("key length %d exceeds %d", len(r.Key), l.MaxKeyLen)
		}
		if uint64(len(r.Value)) > l.MaxValueLen {
			return fmt.Errorf("value length %d exceeds %d", len(r.Value), l.MaxValueLen)
		}
	case KindTreeStart:
		if uint64(len(r.VolumeID)) > l.MaxNameLen {
			return fmt.Errorf("volume id length %d exceeds %d", len(r.VolumeID), l.MaxNameLen)
		}
		fallthrough
	case KindVolumeInfo, KindCounter:
		if uint64(len(r.Name)) > l.MaxNameLen {
			return fmt.Errorf("name length %d exceeds %d", len(r.Name), l.MaxNameLen)
		}
	}
	return nil
}

// Encoder turns records into bytes for one stream. It holds no I/O state.
type Encoder struct {
	header Header
	order  orderCodec
}

// NewEncoder returns an encoder for streams carrying header h.
func NewEncoder(h Header) *Encoder {
	return &Encoder{header: h, order: h.Order.binary()}
}

// Header returns the header this encoder was created for.
func (e *Encoder) Header() Header { return e.header }

// AppendHeader appends the stream header to dst.
func (e *Encoder) AppendHeader(dst []byte) []byte {
	return AppendHeader(dst, e.header)
}

// AppendRecord appends the encoding of r to dst. It is total over valid
// records. For END with FlagStreamDigest, r.Digest must already hold the
// digest of every preceding byte plus the END tag.
func (e *Encoder) AppendRecord(dst []byte, r *Record) []byte {
	start := len(dst)
	dst = append(dst, byte(r.Kind))

	switch r.Kind {
	case KindData:
		dst = appendBytes(dst, r.Key)
		dst = appendBytes(dst, r.Value)
	case KindTreeStart:
		dst = appendString(dst, r.Name)
		dst = appendString(dst, r.VolumeID)
	case KindVolumeInfo:
		dst = appendString(dst, r.Name)
		dst = e.order.AppendUint32(dst, r.PageSize)
	case KindCounter:
		dst = appendString(dst, r.Name)
		dst = e.order.AppendUint64(dst, r.Count)
	case KindEnd:
		if e.header.Flags.Has(FlagStreamDigest) {
			dst = e.order.AppendUint64(dst, r.Digest)
		}
	}

	if e.header.Flags.Has(FlagRecordCRC) {
		dst = e.order.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
	}
	return dst
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}
