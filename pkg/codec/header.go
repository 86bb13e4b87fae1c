package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies a treedump stream.
var Magic = [4]byte{'T', 'D', 'M', 'P'}

const (
	// Version is the only format version this package reads and writes.
	Version uint16 = 1

	// HeaderSize is magic(4) + version(2) + byteOrder(1) + flags(1).
	HeaderSize = 8
)

// ByteOrder selects how fixed-width integers are laid out after the header.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = 0
	BigEndian    ByteOrder = 1
)

// orderCodec is satisfied by binary.LittleEndian and binary.BigEndian.
type orderCodec interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (o ByteOrder) binary() orderCodec {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "little-endian"
	case BigEndian:
		return "big-endian"
	default:
		return fmt.Sprintf("byte-order(%d)", uint8(o))
	}
}

// ParseByteOrder accepts "little", "big" and their "-endian" forms.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "", "little", "little-endian", "le":
		return LittleEndian, nil
	case "big", "big-endian", "be":
		return BigEndian, nil
	}
	return 0, fmt.Errorf("unknown byte order %q", s)
}

// Flags declares the optional integrity features present in a stream.
type Flags uint8

const (
	// FlagRecordCRC appends a CRC32 (IEEE) of tag+payload to every record.
	FlagRecordCRC Flags = 1 << iota
	// FlagStreamDigest appends a murmur3 64-bit digest of the whole stream
	// to the END record.
	FlagStreamDigest

	knownFlags = FlagRecordCRC | FlagStreamDigest
)

// DefaultFlags enables both per-record and stream-level integrity checks.
const DefaultFlags = FlagRecordCRC | FlagStreamDigest

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// Header is the fixed-layout prologue of every stream.
type Header struct {
	Version uint16
	Order   ByteOrder
	Flags   Flags
}

// NewHeader returns a current-version header.
func NewHeader(order ByteOrder, flags Flags) Header {
	return Header{Version: Version, Order: order, Flags: flags}
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, Magic[:]...)
	dst = h.Order.binary().AppendUint16(dst, h.Version)
	return append(dst, byte(h.Order), byte(h.Flags))
}

// ParseHeader validates an 8 byte header. The version field is read in the
// byte order declared at offset 6.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, Corruptf(CorruptHeaderInvalid, 0, 0, "header is %d bytes, need %d", len(b), HeaderSize)
	}
	if !bytes.Equal(b[0:4], Magic[:]) {
		return Header{}, Corruptf(CorruptHeaderInvalid, 0, 0, "bad magic %q", b[0:4])
	}
	order := ByteOrder(b[6])
	if order != LittleEndian && order != BigEndian {
		return Header{}, Corruptf(CorruptHeaderInvalid, 6, 0, "unknown byte order %d", b[6])
	}
	h := Header{
		Version: order.binary().Uint16(b[4:6]),
		Order:   order,
		Flags:   Flags(b[7]),
	}
	if h.Version != Version {
		return Header{}, Corruptf(CorruptHeaderInvalid, 4, 0, "unsupported version %d", h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return Header{}, Corruptf(CorruptHeaderInvalid, 7, 0, "unknown flags %#02x", uint8(h.Flags))
	}
	return h, nil
}
