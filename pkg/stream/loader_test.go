package stream_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/treedump/pkg/codec"
	"github.com/ssargent/treedump/pkg/stream"
)

// rawStream encodes records directly, bypassing the Writer's call-order
// checks, so that structurally invalid streams can be built.
func rawStream(recs ...*codec.Record) []byte {
	enc := codec.NewEncoder(codec.NewHeader(codec.LittleEndian, 0))
	buf := enc.AppendHeader(nil)
	for _, r := range recs {
		buf = enc.AppendRecord(buf, r)
	}
	return buf
}

var (
	recTreeStart = &codec.Record{Kind: codec.KindTreeStart, Name: "orders", VolumeID: "vol1"}
	recData      = &codec.Record{Kind: codec.KindData, Key: []byte("A001"), Value: []byte("widget")}
	recTreeEnd   = &codec.Record{Kind: codec.KindTreeEnd}
	recVolume    = &codec.Record{Kind: codec.KindVolumeInfo, Name: "vol1", PageSize: 16384}
	recCounter   = &codec.Record{Kind: codec.KindCounter, Name: "seq", Count: 9}
	recEnd       = &codec.Record{Kind: codec.KindEnd}
)

func requireCorruption(t *testing.T, err error, want codec.CorruptionKind) *codec.CorruptStreamError {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, codec.ErrCorruptStream)
	var ce *codec.CorruptStreamError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, want, ce.Kind, "error: %v", err)
	return ce
}

func TestLoad_ConcreteScenario(t *testing.T) {
	data := scenarioStream(t, stream.WriteOptions{})

	rec := &recordingStore{}
	// hide RegisterVolume so only the core TargetStore calls are seen
	target := struct{ stream.TargetStore }{rec}

	res, err := stream.RunLoad(context.Background(), bytes.NewReader(data), target, stream.LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"openTree(vol1,orders)",
		"put(vol1/orders,A001,widget)",
		"closeTree(vol1/orders)",
	}, rec.calls)
	assert.Equal(t, 1, res.Trees)
	assert.Equal(t, int64(1), res.DataRecords)
	assert.Equal(t, []stream.VolumeInfo{{Name: "vol1", PageSize: 16384}}, res.Volumes)
	assert.Equal(t, int64(len(data)), res.BytesRead)
	assert.False(t, res.Compressed)
	assert.Equal(t, codec.DefaultFlags, res.Header.Flags)
	assert.False(t, res.RunID.IsNil())
}

func TestLoad_VolumeRegistrar(t *testing.T) {
	data := scenarioStream(t, stream.WriteOptions{})
	rec := &recordingStore{}

	_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), rec, stream.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "registerVolume(vol1,16384)", rec.calls[0])
}

func TestLoad_Structural(t *testing.T) {
	testCases := []struct {
		name      string
		recs      []*codec.Record
		wantKind  codec.CorruptionKind
		wantCalls []string
	}{
		{
			name:     "DATA before any TREE_START",
			recs:     []*codec.Record{recData, recEnd},
			wantKind: codec.CorruptStructural,
		},
		{
			name:     "TREE_END outside a tree",
			recs:     []*codec.Record{recTreeEnd, recEnd},
			wantKind: codec.CorruptStructural,
		},
		{
			name:      "nested TREE_START",
			recs:      []*codec.Record{recTreeStart, recTreeStart},
			wantKind:  codec.CorruptStructural,
			wantCalls: []string{"openTree(vol1,orders)"},
		},
		{
			name:      "END inside a tree",
			recs:      []*codec.Record{recTreeStart, recData, recEnd},
			wantKind:  codec.CorruptStructural,
			wantCalls: []string{"openTree(vol1,orders)", "put(vol1/orders,A001,widget)"},
		},
		{
			name:      "COUNTER inside a tree",
			recs:      []*codec.Record{recTreeStart, recCounter},
			wantKind:  codec.CorruptStructural,
			wantCalls: []string{"openTree(vol1,orders)"},
		},
		{
			name:      "VOLUME_INFO inside a tree",
			recs:      []*codec.Record{recTreeStart, recVolume},
			wantKind:  codec.CorruptStructural,
			wantCalls: []string{"openTree(vol1,orders)"},
		},
		{
			name:      "stream ends inside a tree",
			recs:      []*codec.Record{recTreeStart, recData},
			wantKind:  codec.CorruptTruncated,
			wantCalls: []string{"openTree(vol1,orders)", "put(vol1/orders,A001,widget)"},
		},
		{
			name:      "stream ends without END",
			recs:      []*codec.Record{recCounter},
			wantKind:  codec.CorruptTruncated,
			wantCalls: []string{"setCounter(seq,9)"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &recordingStore{}
			_, err := stream.RunLoad(context.Background(), bytes.NewReader(rawStream(tc.recs...)), store, stream.LoadOptions{})
			requireCorruption(t, err, tc.wantKind)
			assert.Equal(t, tc.wantCalls, store.calls)
		})
	}
}

func TestLoad_StructuralErrorCarriesPosition(t *testing.T) {
	data := rawStream(recCounter, recData)
	_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), &recordingStore{}, stream.LoadOptions{})

	ce := requireCorruption(t, err, codec.CorruptStructural)
	assert.Equal(t, codec.KindData, ce.Record)
	// header, then COUNTER: tag + len + "seq" + u64
	assert.Equal(t, int64(codec.HeaderSize+1+1+3+8), ce.Offset)
	assert.Contains(t, err.Error(), "DATA record outside of a tree")
}

func TestLoad_HeaderRejectedBeforeAnyRecord(t *testing.T) {
	valid := scenarioStream(t, stream.WriteOptions{})

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty input", nil},
		{"bad magic", append([]byte("XDMP"), valid[4:]...)},
		{"wrong version", func() []byte {
			b := append([]byte(nil), valid...)
			b[4] = 9
			return b
		}()},
		{"records without header", valid[codec.HeaderSize:]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &recordingStore{}
			_, err := stream.RunLoad(context.Background(), bytes.NewReader(tc.data), store, stream.LoadOptions{})
			requireCorruption(t, err, codec.CorruptHeaderInvalid)
			assert.Empty(t, store.calls)
		})
	}
}

func TestLoad_TruncationNeverSucceeds(t *testing.T) {
	configs := map[string]stream.WriteOptions{
		"default":   {},
		"no checks": {DisableRecordCRC: true, DisableStreamDigest: true},
	}

	for name, opts := range configs {
		t.Run(name, func(t *testing.T) {
			data := writeStream(t, opts, func(w *stream.Writer) {
				require.NoError(t, w.WriteVolumeInfo("vol1", 4096))
				require.NoError(t, w.WriteTreeStart("vol1", "orders"))
				require.NoError(t, w.WriteData([]byte("A001"), []byte("widget")))
				require.NoError(t, w.WriteData([]byte("A002"), []byte("gadget")))
				require.NoError(t, w.WriteTreeEnd())
				require.NoError(t, w.WriteCounter("orders.seq", 2))
				require.NoError(t, w.Finish())
			})

			for cut := codec.HeaderSize; cut < len(data); cut++ {
				_, err := stream.RunLoad(context.Background(), bytes.NewReader(data[:cut]), &recordingStore{}, stream.LoadOptions{})
				kind, ok := codec.CorruptionKindOf(err)
				require.True(t, ok, "cut at %d: %v", cut, err)
				assert.Contains(t, []codec.CorruptionKind{codec.CorruptTruncated, codec.CorruptStructural}, kind, "cut at %d", cut)
			}
		})
	}
}

func TestLoad_FlippedTagIsBadTag(t *testing.T) {
	var buf bytes.Buffer
	var starts []int
	w, err := stream.NewWriter(&buf, stream.WriteOptions{})
	require.NoError(t, err)

	mark := func() { starts = append(starts, buf.Len()) }
	mark()
	require.NoError(t, w.WriteVolumeInfo("vol1", 4096))
	mark()
	require.NoError(t, w.WriteTreeStart("vol1", "orders"))
	mark()
	require.NoError(t, w.WriteData([]byte("A001"), []byte("widget")))
	mark()
	require.NoError(t, w.WriteTreeEnd())
	mark()
	require.NoError(t, w.WriteCounter("seq", 1))
	mark()
	require.NoError(t, w.Finish())
	data := buf.Bytes()

	for _, start := range starts {
		for _, tag := range []byte{0x00, 0x07, 0xee} {
			corrupt := append([]byte(nil), data...)
			corrupt[start] = tag

			_, err := stream.RunLoad(context.Background(), bytes.NewReader(corrupt), &recordingStore{}, stream.LoadOptions{})
			ce := requireCorruption(t, err, codec.CorruptBadTag)
			assert.Equal(t, int64(start), ce.Offset)
		}
	}
}

func TestLoad_Checksums(t *testing.T) {
	t.Run("record crc", func(t *testing.T) {
		data := scenarioStream(t, stream.WriteOptions{DisableStreamDigest: true})
		pos := bytes.Index(data, []byte("widget"))
		data[pos] = 'W'

		store := &recordingStore{}
		_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), store, stream.LoadOptions{})
		ce := requireCorruption(t, err, codec.CorruptBadChecksum)
		assert.Equal(t, codec.KindData, ce.Record)
		assert.NotContains(t, store.calls, "put(vol1/orders,A001,Widget)")
	})

	t.Run("stream digest", func(t *testing.T) {
		data := scenarioStream(t, stream.WriteOptions{DisableRecordCRC: true})
		pos := bytes.Index(data, []byte("widget"))
		data[pos] = 'W'

		_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), &recordingStore{}, stream.LoadOptions{})
		ce := requireCorruption(t, err, codec.CorruptBadChecksum)
		assert.Equal(t, codec.KindEnd, ce.Record)
	})
}

func TestLoad_LengthOverflow(t *testing.T) {
	data := writeStream(t, stream.WriteOptions{}, func(w *stream.Writer) {
		require.NoError(t, w.WriteTreeStart("v", "t"))
		require.NoError(t, w.WriteData(bytes.Repeat([]byte("k"), 100), nil))
		require.NoError(t, w.WriteTreeEnd())
		require.NoError(t, w.Finish())
	})

	opts := stream.LoadOptions{Limits: codec.Limits{MaxKeyLen: 10}}
	_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), &recordingStore{}, opts)
	requireCorruption(t, err, codec.CorruptLengthOverflow)
}

func TestLoad_TrailingData(t *testing.T) {
	data := append(scenarioStream(t, stream.WriteOptions{}), 0x00, 0x01)

	t.Run("ignored by default", func(t *testing.T) {
		res, err := stream.RunLoad(context.Background(), bytes.NewReader(data), &recordingStore{}, stream.LoadOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)-2), res.BytesRead)
	})

	t.Run("rejected when configured", func(t *testing.T) {
		opts := stream.LoadOptions{TrailingData: stream.TrailingReject}
		_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), &recordingStore{}, opts)
		ce := requireCorruption(t, err, codec.CorruptTrailingData)
		assert.Equal(t, int64(len(data)-2), ce.Offset)
	})

	t.Run("reject accepts a clean end", func(t *testing.T) {
		clean := scenarioStream(t, stream.WriteOptions{})
		opts := stream.LoadOptions{TrailingData: stream.TrailingReject}
		_, err := stream.RunLoad(context.Background(), bytes.NewReader(clean), &recordingStore{}, opts)
		require.NoError(t, err)
	})
}

func TestLoad_StoreErrorsArePropagated(t *testing.T) {
	diskFull := errors.New("disk full")
	data := scenarioStream(t, stream.WriteOptions{})

	testCases := []struct {
		failOn string
		op     string
	}{
		{"registerVolume(vol1,16384)", "register volume"},
		{"openTree(vol1,orders)", "open tree"},
		{"put(vol1/orders,A001,widget)", "put"},
		{"closeTree(vol1/orders)", "close tree"},
	}

	for _, tc := range testCases {
		t.Run(tc.op, func(t *testing.T) {
			store := &recordingStore{failOn: tc.failOn, failErr: diskFull}
			_, err := stream.RunLoad(context.Background(), bytes.NewReader(data), store, stream.LoadOptions{})

			require.Error(t, err)
			assert.ErrorIs(t, err, diskFull)
			assert.NotErrorIs(t, err, codec.ErrCorruptStream)

			var se *stream.StoreError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.op, se.Op)
			assert.Equal(t, tc.failOn, store.calls[len(store.calls)-1], "load must stop at the failing call")
		})
	}
}

// cancellingStore cancels the load's context on its first Put.
type cancellingStore struct {
	recordingStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Put(h stream.TreeHandle, key, value []byte) error {
	s.cancel()
	return s.recordingStore.Put(h, key, value)
}

func TestLoad_Cancellation(t *testing.T) {
	data := scenarioStream(t, stream.WriteOptions{})

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		store := &recordingStore{}
		_, err := stream.RunLoad(ctx, bytes.NewReader(data), store, stream.LoadOptions{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, store.calls)
	})

	t.Run("between records", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := &cancellingStore{cancel: cancel}
		_, err := stream.RunLoad(ctx, bytes.NewReader(data), store, stream.LoadOptions{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, "put(vol1/orders,A001,widget)", store.calls[len(store.calls)-1])
	})
}

func TestLoad_Compressed(t *testing.T) {
	data := scenarioStream(t, stream.WriteOptions{Compress: true})

	store := &recordingStore{}
	res, err := stream.RunLoad(context.Background(), bytes.NewReader(data), store, stream.LoadOptions{})
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Contains(t, store.calls, "put(vol1/orders,A001,widget)")
}

func TestLoad_CompressedTruncation(t *testing.T) {
	data := writeStream(t, stream.WriteOptions{Compress: true}, func(w *stream.Writer) {
		require.NoError(t, w.WriteVolumeInfo("vol1", 4096))
		require.NoError(t, w.WriteTreeStart("vol1", "orders"))
		require.NoError(t, w.WriteData([]byte("A001"), []byte("widget")))
		require.NoError(t, w.WriteTreeEnd())
		require.NoError(t, w.Finish())
	})

	// past the 10-byte stream identifier every cut loses part of a frame
	for cut := 11; cut < len(data); cut++ {
		_, err := stream.RunLoad(context.Background(), bytes.NewReader(data[:cut]), &recordingStore{}, stream.LoadOptions{})
		kind, ok := codec.CorruptionKindOf(err)
		require.True(t, ok, "cut at %d: %v", cut, err)
		assert.Contains(t, []codec.CorruptionKind{codec.CorruptTruncated, codec.CorruptStructural}, kind, "cut at %d: %v", cut, err)
	}
}

func TestLoad_CompressedFrameDamage(t *testing.T) {
	data := scenarioStream(t, stream.WriteOptions{Compress: true})
	// stream identifier (10 bytes), then the first frame: type and length
	// (4 bytes) followed by its payload checksum
	damaged := append([]byte(nil), data...)
	damaged[10+4] ^= 0xff

	_, err := stream.RunLoad(context.Background(), bytes.NewReader(damaged), &recordingStore{}, stream.LoadOptions{})
	requireCorruption(t, err, codec.CorruptBadChecksum)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestLoad_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := stream.NewMetrics(reg)
	opts := stream.LoadOptions{Metrics: metrics}

	_, err := stream.RunLoad(context.Background(), bytes.NewReader(scenarioStream(t, stream.WriteOptions{})), &recordingStore{}, opts)
	require.NoError(t, err)
	_, err = stream.RunLoad(context.Background(), bytes.NewReader(rawStream(recData)), &recordingStore{}, opts)
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "treedump_records_loaded_total", map[string]string{"kind": "DATA"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "treedump_records_loaded_total", map[string]string{"kind": "END"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "treedump_corrupt_streams_total", map[string]string{"kind": "structural violation"}))
}
