package stream

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/ksuid"
)

// Saver exports the contents of a SourceStore as a stream.
type Saver struct {
	src    SourceStore
	sel    TreeSelector
	opts   WriteOptions
	logger *log.Logger
}

// NewSaver returns a Saver over src. A nil selector exports every volume,
// including volumes without trees, and every tree.
func NewSaver(src SourceStore, sel TreeSelector, opts WriteOptions) *Saver {
	return &Saver{src: src, sel: sel, opts: opts, logger: loggerOrDiscard(opts.Logger)}
}

// RunSave writes the selected trees of src, followed by every counter, to w.
func RunSave(ctx context.Context, w io.Writer, src SourceStore, sel TreeSelector, opts WriteOptions) (*SaveResult, error) {
	return NewSaver(src, sel, opts).Save(ctx, w)
}

// Save writes one complete stream to w. With a selector, volumes without a
// selected tree are skipped. On error the stream is left without END, which a loader rejects.
func (s *Saver) Save(ctx context.Context, w io.Writer) (*SaveResult, error) {
	start := time.Now()
	res := &SaveResult{RunID: ksuid.New()}

	err := s.save(ctx, w, res)
	res.Duration = time.Since(start)
	if err != nil {
		s.logger.Printf("save %s failed: %v", res.RunID, err)
	} else {
		s.logger.Printf("save %s finished: %d volumes, %d trees, %d records, %d counters, %d bytes in %s",
			res.RunID, res.Volumes, res.Trees, res.DataRecords, res.Counters, res.Bytes, res.Duration)
	}
	s.opts.Metrics.observeRun("save", start, err, 0)
	return res, err
}

func (s *Saver) save(ctx context.Context, w io.Writer, res *SaveResult) error {
	sw, err := NewWriter(w, s.opts)
	if err != nil {
		return err
	}
	defer func() {
		st := sw.Stats()
		res.Volumes, res.Trees, res.DataRecords, res.Counters, res.Bytes = st.Volumes, st.Trees, st.DataRecords, st.Counters, st.Bytes
	}()

	volumes, err := s.src.Volumes()
	if err != nil {
		return errors.Wrap(err, "list volumes")
	}
	for _, vol := range volumes {
		if err := ctx.Err(); err != nil {
			return err
		}
		trees, err := s.src.Trees(vol.Name)
		if err != nil {
			return errors.Wrapf(err, "list trees of volume %s", vol.Name)
		}
		var selected []string
		for _, t := range trees {
			if s.sel == nil || s.sel(vol.Name, t) {
				selected = append(selected, t)
			}
		}
		if len(selected) == 0 && s.sel != nil {
			continue
		}

		if err := sw.WriteVolumeInfo(vol.Name, vol.PageSize); err != nil {
			return err
		}
		for _, t := range selected {
			if err := s.saveTree(ctx, sw, vol.Name, t); err != nil {
				return err
			}
		}
	}

	counters, err := s.src.Counters()
	if err != nil {
		return errors.Wrap(err, "list counters")
	}
	for _, c := range counters {
		if err := sw.WriteCounter(c.Name, c.Value); err != nil {
			return err
		}
	}
	return sw.Finish()
}

func (s *Saver) saveTree(ctx context.Context, sw *Writer, volumeID, tree string) error {
	if err := sw.WriteTreeStart(volumeID, tree); err != nil {
		return err
	}
	if s.opts.Verbose {
		s.logger.Printf("save: tree %s/%s started at offset %d", volumeID, tree, sw.Stats().Bytes)
	}
	err := s.src.Scan(ctx, volumeID, tree, func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sw.WriteData(key, value)
	})
	if err != nil {
		return errors.Wrapf(err, "scan tree %s/%s", volumeID, tree)
	}
	return sw.WriteTreeEnd()
}
