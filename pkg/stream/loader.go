package stream

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/ksuid"
	"github.com/ssargent/treedump/pkg/codec"
)

// loadState is the position of a load in the stream grammar.
type loadState uint8

const (
	stateExpectHeader loadState = iota
	stateOutsideTree
	stateInsideTree
	stateDone
)

func (s loadState) String() string {
	switch s {
	case stateExpectHeader:
		return "expect-header"
	case stateOutsideTree:
		return "outside-tree"
	case stateInsideTree:
		return "inside-tree"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Loader replays import streams against a TargetStore. One Loader may run
// several loads one after another; each Load call is sequential.
type Loader struct {
	target  TargetStore
	opts    LoadOptions
	logger  *log.Logger
	metrics *Metrics
}

// NewLoader returns a Loader that applies records to target.
func NewLoader(target TargetStore, opts LoadOptions) *Loader {
	return &Loader{
		target:  target,
		opts:    opts,
		logger:  loggerOrDiscard(opts.Logger),
		metrics: opts.Metrics,
	}
}

// RunLoad reads one stream from r and applies it to target.
func RunLoad(ctx context.Context, r io.Reader, target TargetStore, opts LoadOptions) (*LoadResult, error) {
	return NewLoader(target, opts).Load(ctx, r)
}

// Load consumes the stream in r. It stops at the first problem: corrupt or
// misplaced input is reported as *codec.CorruptStreamError, target failures
// as *StoreError, and cancellation of ctx as ctx.Err(). Records applied
// before the failure stay applied.
func (l *Loader) Load(ctx context.Context, r io.Reader) (*LoadResult, error) {
	start := time.Now()
	run := &loadRun{
		Loader: l,
		result: &LoadResult{RunID: ksuid.New()},
	}

	err := run.run(ctx, r)
	run.result.Duration = time.Since(start)
	if run.dec != nil {
		run.result.BytesRead = run.dec.Offset()
	}

	if err != nil {
		if kind, ok := codec.CorruptionKindOf(err); ok {
			l.metrics.corruption(kind)
		}
		l.logger.Printf("load %s failed in state %s: %v", run.result.RunID, run.state, err)
	} else {
		l.logger.Printf("load %s finished: %d trees, %d records, %d counters in %s",
			run.result.RunID, run.result.Trees, run.result.DataRecords, run.result.Counters, run.result.Duration)
	}
	l.metrics.observeRun("load", start, err, run.result.BytesRead)
	return run.result, err
}

// loadRun holds the state of a single Load call.
type loadRun struct {
	*Loader
	result *LoadResult
	in     *input
	dec    *codec.Decoder
	state  loadState
	tree   TreeHandle
}

func (lr *loadRun) run(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := openInput(r)
	if err != nil {
		return err
	}
	lr.in = in
	lr.result.Compressed = in.compressed
	lr.dec = codec.NewDecoder(in, lr.opts.Limits)

	h, err := lr.dec.ReadHeader()
	if err != nil {
		return lr.in.classify(err, 0)
	}
	lr.result.Header = h
	lr.state = stateOutsideTree

	for lr.state != stateDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := lr.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lr.prematureEOF()
			}
			return lr.in.classify(err, lr.dec.RecordOffset())
		}
		if err := lr.apply(rec); err != nil {
			return err
		}
		lr.metrics.recordLoaded(rec.Kind)
	}

	if lr.opts.TrailingData == TrailingReject {
		eof, err := lr.dec.AtEOF()
		if err != nil {
			return lr.in.classify(err, lr.dec.Offset())
		}
		if !eof {
			return codec.Corruptf(codec.CorruptTrailingData, lr.dec.Offset()-1, 0, "unexpected bytes after END record")
		}
	}
	return nil
}

// apply performs the transition for rec in the current state.
func (lr *loadRun) apply(rec *codec.Record) error {
	switch lr.state {
	case stateOutsideTree:
		switch rec.Kind {
		case codec.KindTreeStart:
			h, err := lr.target.OpenTree(rec.VolumeID, rec.Name)
			if err != nil {
				return lr.storeError("open tree", rec.VolumeID, rec.Name, err)
			}
			lr.tree = h
			lr.state = stateInsideTree
			lr.result.Trees++
			if lr.opts.Verbose {
				lr.logger.Printf("load %s: tree %s/%s opened at offset %d", lr.result.RunID, rec.VolumeID, rec.Name, lr.dec.RecordOffset())
			}
		case codec.KindVolumeInfo:
			info := VolumeInfo{Name: rec.Name, PageSize: rec.PageSize}
			if reg, ok := lr.target.(VolumeRegistrar); ok {
				if err := reg.RegisterVolume(info); err != nil {
					return lr.storeError("register volume", rec.Name, "", err)
				}
			}
			lr.result.Volumes = append(lr.result.Volumes, info)
		case codec.KindCounter:
			if err := lr.target.SetCounter(rec.Name, rec.Count); err != nil {
				return lr.storeError("set counter", "", rec.Name, err)
			}
			lr.result.Counters++
		case codec.KindEnd:
			lr.state = stateDone
		default:
			return lr.structural(rec.Kind, "%s record outside of a tree; expected TREE_START, VOLUME_INFO, COUNTER or END", rec.Kind)
		}

	case stateInsideTree:
		switch rec.Kind {
		case codec.KindData:
			if err := lr.target.Put(lr.tree, rec.Key, rec.Value); err != nil {
				return lr.storeError("put", lr.tree.VolumeID(), lr.tree.TreeName(), err)
			}
			lr.result.DataRecords++
		case codec.KindTreeEnd:
			if err := lr.target.CloseTree(lr.tree); err != nil {
				return lr.storeError("close tree", lr.tree.VolumeID(), lr.tree.TreeName(), err)
			}
			lr.tree = nil
			lr.state = stateOutsideTree
		default:
			return lr.structural(rec.Kind, "%s record inside open tree %s/%s; expected DATA or TREE_END",
				rec.Kind, lr.tree.VolumeID(), lr.tree.TreeName())
		}

	default:
		return errors.AssertionFailedf("record %s applied in state %s", rec.Kind, lr.state)
	}
	return nil
}

func (lr *loadRun) prematureEOF() error {
	if lr.state == stateInsideTree {
		return codec.Corruptf(codec.CorruptTruncated, lr.dec.Offset(), 0,
			"stream ended inside tree %s/%s without TREE_END or END", lr.tree.VolumeID(), lr.tree.TreeName())
	}
	return codec.Corruptf(codec.CorruptTruncated, lr.dec.Offset(), 0, "stream ended without END record")
}

func (lr *loadRun) structural(kind codec.RecordKind, format string, args ...interface{}) error {
	return codec.Corruptf(codec.CorruptStructural, lr.dec.RecordOffset(), kind, format, args...)
}

func (lr *loadRun) storeError(op, volume, tree string, err error) error {
	lr.metrics.storeError(op)
	return &StoreError{Op: op, Volume: volume, Tree: tree, Offset: lr.dec.RecordOffset(), Err: err}
}
