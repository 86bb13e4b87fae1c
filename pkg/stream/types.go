package stream

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/ksuid"
	"github.com/ssargent/treedump/pkg/codec"
)

// ErrFieldTooLarge is returned by the Writer when a key, value or name
// exceeds the configured limits. Nothing is written in that case.
var ErrFieldTooLarge = errors.New("field exceeds stream limits")

// TrailingPolicy decides what a load does with bytes after END.
type TrailingPolicy uint8

const (
	// TrailingIgnore stops reading at END. The stream may be embedded in a
	// larger container.
	TrailingIgnore TrailingPolicy = iota
	// TrailingReject fails the load with CorruptTrailingData.
	TrailingReject
)

func (p TrailingPolicy) String() string {
	switch p {
	case TrailingIgnore:
		return "ignore"
	case TrailingReject:
		return "reject"
	default:
		return fmt.Sprintf("trailing(%d)", uint8(p))
	}
}

// ParseTrailingPolicy accepts "ignore" or "reject".
func ParseTrailingPolicy(s string) (TrailingPolicy, error) {
	switch s {
	case "", "ignore":
		return TrailingIgnore, nil
	case "reject":
		return TrailingReject, nil
	}
	return 0, fmt.Errorf("unknown trailing data policy %q", s)
}

// WriteOptions configures a Writer or a save. The zero value writes a
// little-endian stream with per-record CRCs and a stream digest.
type WriteOptions struct {
	Order               codec.ByteOrder
	DisableRecordCRC    bool
	DisableStreamDigest bool
	Compress            bool // wrap the stream in S2 framing
	Limits              codec.Limits
	Metrics             *Metrics
	Logger              *log.Logger
	Verbose             bool // log every tree boundary
}

func (o WriteOptions) flags() codec.Flags {
	f := codec.DefaultFlags
	if o.DisableRecordCRC {
		f &^= codec.FlagRecordCRC
	}
	if o.DisableStreamDigest {
		f &^= codec.FlagStreamDigest
	}
	return f
}

// LoadOptions configures a Loader.
type LoadOptions struct {
	Limits       codec.Limits
	TrailingData TrailingPolicy
	Metrics      *Metrics
	Logger       *log.Logger
	Verbose      bool // log every tree boundary
}

func loggerOrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

// LoadResult summarizes a load. It is returned even when the load fails and
// then describes what had been applied before the failure.
type LoadResult struct {
	RunID       ksuid.KSUID
	Header      codec.Header
	Compressed  bool
	Volumes     []VolumeInfo
	Trees       int
	DataRecords int64
	Counters    int
	BytesRead   int64
	Duration    time.Duration
}

// SaveResult summarizes a save.
type SaveResult struct {
	RunID       ksuid.KSUID
	Volumes     int
	Trees       int
	DataRecords int64
	Counters    int
	Bytes       int64 // uncompressed stream bytes
	Duration    time.Duration
}

// StoreError wraps a failure reported by the target store during a load.
type StoreError struct {
	Op     string
	Volume string
	Tree   string
	Offset int64
	Err    error
}

func (e *StoreError) Error() string {
	where := strings.Trim(e.Volume+"/"+e.Tree, "/")
	if where != "" {
		return fmt.Sprintf("target store %s %s (stream offset %d): %v", e.Op, where, e.Offset, e.Err)
	}
	return fmt.Sprintf("target store %s (stream offset %d): %v", e.Op, e.Offset, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
