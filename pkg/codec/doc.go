// Package codec defines the treedump stream format.
//
// A stream is an 8 byte header followed by a sequence of tagged records. The
// codec only turns records into bytes and back; it never talks to a store
// and never decides whether a record is legal in its position. That is the
// job of package stream.
//
// # Header
//
//	[Magic "TDMP"(4)][Version(2)][ByteOrder(1)][Flags(1)]
//
// Version and every fixed-width integer after the header use the byte order
// declared at offset 6 (0 = little-endian, 1 = big-endian).
//
// # Records
//
//	[Kind(1)][Payload][CRC32(4), if FlagRecordCRC]
//
// Payloads per kind:
//
//	DATA         keyLen uvarint, key, valLen uvarint, value
//	TREE_START   nameLen uvarint, name, volLen uvarint, volumeId
//	TREE_END     (empty)
//	VOLUME_INFO  nameLen uvarint, name, pageSize u32
//	COUNTER      nameLen uvarint, name, value u64
//	END          digest u64, if FlagStreamDigest
//
// Length prefixes are unsigned LEB128 varints and are checked against
// Limits before anything is allocated.
//
// # Integrity
//
// With FlagRecordCRC each record ends with an IEEE CRC32 over its tag and
// payload. With FlagStreamDigest the END record carries a murmur3 64-bit
// digest over every byte from the start of the header up to and including
// the END tag.
//
// # Errors
//
// Every decode failure caused by the bytes themselves is a
// *CorruptStreamError whose Kind is one of CorruptHeaderInvalid,
// CorruptTruncated, CorruptBadTag, CorruptBadChecksum or
// CorruptLengthOverflow. Errors from the underlying reader are wrapped and
// passed through unchanged.
package codec
