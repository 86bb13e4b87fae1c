package stream

import (
	"hash"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"
	"github.com/spaolacci/murmur3"
	"github.com/ssargent/treedump/pkg/codec"
)

// WriterStats counts what a Writer has emitted so far.
type WriterStats struct {
	Volumes     int
	Trees       int
	DataRecords int64
	Counters    int
	Bytes       int64 // uncompressed, header included
}

// Writer serializes records into a stream. Each record is encoded into a
// reused buffer and handed to the sink immediately. Calls in an order the
// loader would reject panic before anything is written.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	sink    io.Writer
	s2w     *s2.Writer
	enc     *codec.Encoder
	limits  codec.Limits
	digest  hash.Hash64
	metrics *Metrics
	buf     []byte

	treeOpen bool
	finished bool
	stats    WriterStats
}

// NewWriter writes the stream header to w and returns a Writer for the
// records that follow. With opts.Compress the stream is S2-framed; Finish
// closes the framing but never closes w.
func NewWriter(w io.Writer, opts WriteOptions) (*Writer, error) {
	h := codec.NewHeader(opts.Order, opts.flags())
	sw := &Writer{
		sink:    w,
		enc:     codec.NewEncoder(h),
		limits:  opts.Limits,
		metrics: opts.Metrics,
		buf:     make([]byte, 0, 4096),
	}
	if opts.Compress {
		sw.s2w = s2.NewWriter(w)
		sw.sink = sw.s2w
	}
	if h.Flags.Has(codec.FlagStreamDigest) {
		sw.digest = murmur3.New64()
	}

	sw.buf = sw.enc.AppendHeader(sw.buf[:0])
	if sw.digest != nil {
		_, _ = sw.digest.Write(sw.buf)
	}
	if err := sw.flush(); err != nil {
		return nil, errors.Wrap(err, "write stream header")
	}
	return sw, nil
}

// Header returns the header written at the start of the stream.
func (w *Writer) Header() codec.Header { return w.enc.Header() }

// Stats returns the counts accumulated so far.
func (w *Writer) Stats() WriterStats { return w.stats }

// WriteVolumeInfo emits VOLUME_INFO. It must not be called inside a tree.
func (w *Writer) WriteVolumeInfo(name string, pageSize uint32) error {
	w.mustBeOutsideTree("WriteVolumeInfo")
	if err := w.write(&codec.Record{Kind: codec.KindVolumeInfo, Name: name, PageSize: pageSize}); err != nil {
		return err
	}
	w.stats.Volumes++
	return nil
}

// WriteTreeStart opens a tree bracket.
func (w *Writer) WriteTreeStart(volumeID, name string) error {
	w.mustBeOutsideTree("WriteTreeStart")
	if err := w.write(&codec.Record{Kind: codec.KindTreeStart, Name: name, VolumeID: volumeID}); err != nil {
		return err
	}
	w.treeOpen = true
	w.stats.Trees++
	return nil
}

// WriteData emits one key/value pair into the open tree.
func (w *Writer) WriteData(key, value []byte) error {
	w.mustBeInsideTree("WriteData")
	if err := w.write(&codec.Record{Kind: codec.KindData, Key: key, Value: value}); err != nil {
		return err
	}
	w.stats.DataRecords++
	return nil
}

// WriteTreeEnd closes the open tree bracket.
func (w *Writer) WriteTreeEnd() error {
	w.mustBeInsideTree("WriteTreeEnd")
	if err := w.write(&codec.Record{Kind: codec.KindTreeEnd}); err != nil {
		return err
	}
	w.treeOpen = false
	return nil
}

// WriteCounter emits COUNTER. It must not be called inside a tree.
func (w *Writer) WriteCounter(name string, value uint64) error {
	w.mustBeOutsideTree("WriteCounter")
	if err := w.write(&codec.Record{Kind: codec.KindCounter, Name: name, Count: value}); err != nil {
		return err
	}
	w.stats.Counters++
	return nil
}

// Finish emits END and flushes any compression framing. No further calls
// are allowed afterwards.
func (w *Writer) Finish() error {
	w.mustBeOutsideTree("Finish")
	end := &codec.Record{Kind: codec.KindEnd}
	if w.digest != nil {
		_, _ = w.digest.Write([]byte{byte(codec.KindEnd)})
		end.Digest = w.digest.Sum64()
	}
	if err := w.write(end); err != nil {
		return err
	}
	w.finished = true
	if w.s2w != nil {
		if err := w.s2w.Close(); err != nil {
			return errors.Wrap(err, "close compressed stream")
		}
	}
	return nil
}

func (w *Writer) write(r *codec.Record) error {
	if err := w.limits.Check(r); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s record", r.Kind), ErrFieldTooLarge)
	}
	w.buf = w.enc.AppendRecord(w.buf[:0], r)
	if w.digest != nil && r.Kind != codec.KindEnd {
		_, _ = w.digest.Write(w.buf)
	}
	n := len(w.buf)
	if err := w.flush(); err != nil {
		return errors.Wrapf(err, "write %s record", r.Kind)
	}
	w.metrics.recordSaved(r.Kind, n)
	return nil
}

func (w *Writer) flush() error {
	n, err := w.sink.Write(w.buf)
	w.stats.Bytes += int64(n)
	if err == nil && n < len(w.buf) {
		err = io.ErrShortWrite
	}
	return err
}

func (w *Writer) mustBeOutsideTree(op string) {
	if w.finished {
		panic("stream: " + op + " called after Finish")
	}
	if w.treeOpen {
		panic("stream: " + op + " called while a tree is open")
	}
}

func (w *Writer) mustBeInsideTree(op string) {
	if w.finished {
		panic("stream: " + op + " called after Finish")
	}
	if !w.treeOpen {
		panic("stream: " + op + " called with no open tree")
	}
}
