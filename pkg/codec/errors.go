package codec

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrCorruptStream matches every CorruptStreamError through errors.Is.
var ErrCorruptStream = errors.New("corrupt import stream")

// CorruptionKind discriminates the ways an import stream can be malformed.
type CorruptionKind uint8

const (
	CorruptHeaderInvalid CorruptionKind = iota + 1
	CorruptTruncated
	CorruptBadTag
	CorruptBadChecksum
	CorruptLengthOverflow
	CorruptStructural
	CorruptTrailingData
)

func (k CorruptionKind) String() string {
	switch k {
	case CorruptHeaderInvalid:
		return "header invalid"
	case CorruptTruncated:
		return "truncated"
	case CorruptBadTag:
		return "bad tag"
	case CorruptBadChecksum:
		return "bad checksum"
	case CorruptLengthOverflow:
		return "length overflow"
	case CorruptStructural:
		return "structural violation"
	case CorruptTrailingData:
		return "trailing data"
	default:
		return fmt.Sprintf("corruption(%d)", uint8(k))
	}
}

// CorruptStreamError is returned whenever decoded bytes cannot be explained
// by a valid write sequence. Bad bytes and well-formed records in the wrong
// place are reported through the same type; Kind tells them apart.
type CorruptStreamError struct {
	Kind   CorruptionKind
	Offset int64      // byte offset of the offending unit, -1 if unknown
	Record RecordKind // record being decoded or applied, 0 if unknown
	Msg    string
	Err    error
}

func (e *CorruptStreamError) Error() string {
	msg := "corrupt import stream: " + e.Kind.String()
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Record != 0 {
		msg += fmt.Sprintf(" in %s record", e.Record)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStreamError) Unwrap() error { return e.Err }

func (e *CorruptStreamError) Is(target error) bool {
	return target == ErrCorruptStream
}

// Corruptf builds a CorruptStreamError with a formatted message.
func Corruptf(kind CorruptionKind, offset int64, rec RecordKind, format string, args ...interface{}) *CorruptStreamError {
	return &CorruptStreamError{
		Kind:   kind,
		Offset: offset,
		Record: rec,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// CorruptionKindOf reports the corruption kind carried by err, if any.
func CorruptionKindOf(err error) (CorruptionKind, bool) {
	var ce *CorruptStreamError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
