package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"
	"github.com/ssargent/treedump/pkg/codec"
)

// Stream identifier chunks that open S2 and Snappy framed streams.
var (
	s2StreamID     = []byte("\xff\x06\x00\x00S2sTwO")
	snappyStreamID = []byte("\xff\x06\x00\x00sNaPpY")
)

// eofReader remembers whether the underlying reader ran out of bytes.
type eofReader struct {
	r   io.Reader
	eof bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		e.eof = true
	}
	return n, err
}

// input is the decoded view of a load's reader.
type input struct {
	io.Reader
	raw        *eofReader
	compressed bool
}

// openInput peeks at r and transparently unwraps S2/Snappy framing.
func openInput(r io.Reader) (*input, error) {
	raw := &eofReader{r: r}
	br := bufio.NewReader(raw)
	peek, err := br.Peek(len(s2StreamID))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read stream")
	}
	if bytes.Equal(peek, s2StreamID) || bytes.Equal(peek, snappyStreamID) {
		return &input{Reader: bufio.NewReader(s2.NewReader(br)), raw: raw, compressed: true}, nil
	}
	return &input{Reader: br, raw: raw}, nil
}

// classify reports damaged compression framing as stream corruption. S2
// reports a frame cut short by the end of input as ErrCorrupt, so that case
// is a truncation; a failed frame checksum is a bad checksum.
func (in *input) classify(err error, offset int64) error {
	if !in.compressed {
		return err
	}
	switch {
	case errors.Is(err, s2.ErrCRC):
		return &codec.CorruptStreamError{
			Kind:   codec.CorruptBadChecksum,
			Offset: offset,
			Msg:    "compressed frame checksum mismatch",
			Err:    err,
		}
	case errors.Is(err, s2.ErrCorrupt) && in.raw.eof:
		return &codec.CorruptStreamError{
			Kind:   codec.CorruptTruncated,
			Offset: offset,
			Msg:    "compressed stream ended inside a frame",
			Err:    err,
		}
	case errors.Is(err, s2.ErrCorrupt):
		return &codec.CorruptStreamError{
			Kind:   codec.CorruptBadChecksum,
			Offset: offset,
			Msg:    "compressed framing is damaged",
			Err:    err,
		}
	}
	return err
}
