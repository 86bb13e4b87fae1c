package stream_test

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/treedump/pkg/codec"
	"github.com/ssargent/treedump/pkg/memstore"
	"github.com/ssargent/treedump/pkg/stream"
)

// dump renders every tree and counter of a store for comparison.
func dump(t *testing.T, s stream.SourceStore) []string {
	t.Helper()
	var out []string
	vols, err := s.Volumes()
	require.NoError(t, err)
	for _, v := range vols {
		trees, err := s.Trees(v.Name)
		require.NoError(t, err)
		for _, tree := range trees {
			out = append(out, fmt.Sprintf("tree %s/%s", v.Name, tree))
			err := s.Scan(context.Background(), v.Name, tree, func(k, val []byte) error {
				out = append(out, fmt.Sprintf("  %q=%q", k, val))
				return nil
			})
			require.NoError(t, err)
		}
	}
	cs, err := s.Counters()
	require.NoError(t, err)
	for _, c := range cs {
		out = append(out, fmt.Sprintf("counter %s=%d", c.Name, c.Value))
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	configs := map[string]stream.WriteOptions{
		"default":    {},
		"big endian": {Order: codec.BigEndian},
		"no checks":  {DisableRecordCRC: true, DisableStreamDigest: true},
		"compressed": {Compress: true},
	}

	for name, opts := range configs {
		t.Run(name, func(t *testing.T) {
			src := populate(t)
			h, err := src.OpenTree("vol2", "blobs")
			require.NoError(t, err)
			require.NoError(t, src.Put(h, []byte{0x00, 0xff}, bytes.Repeat([]byte{0xab}, 70000)))
			require.NoError(t, src.Put(h, []byte("empty"), nil))
			require.NoError(t, src.CloseTree(h))

			var buf bytes.Buffer
			saved, err := stream.RunSave(context.Background(), &buf, src, nil, opts)
			require.NoError(t, err)

			dst := memstore.New(8)
			loaded, err := stream.RunLoad(context.Background(), &buf, dst, stream.LoadOptions{TrailingData: stream.TrailingReject})
			require.NoError(t, err)

			assert.Equal(t, dump(t, src), dump(t, dst))
			assert.Equal(t, saved.Trees, loaded.Trees)
			assert.Equal(t, saved.DataRecords, loaded.DataRecords)
			assert.Equal(t, saved.Counters, loaded.Counters)
			assert.Equal(t, saved.Bytes, loaded.BytesRead)
			assert.Equal(t, opts.Compress, loaded.Compressed)
			assert.Equal(t, opts.Order, loaded.Header.Order)

			vols, err := dst.Volumes()
			require.NoError(t, err)
			assert.Contains(t, vols, stream.VolumeInfo{Name: "vol1", PageSize: 16384})
			assert.Contains(t, vols, stream.VolumeInfo{Name: "empty", PageSize: 4096})
			assert.Equal(t, saved.Volumes, len(loaded.Volumes))
		})
	}
}

func TestRoundTrip_VerboseLogging(t *testing.T) {
	var logs strings.Builder
	logger := log.New(&logs, "", 0)

	var buf bytes.Buffer
	_, err := stream.RunSave(context.Background(), &buf, populate(t), nil, stream.WriteOptions{Logger: logger, Verbose: true})
	require.NoError(t, err)
	_, err = stream.RunLoad(context.Background(), &buf, memstore.New(4), stream.LoadOptions{Logger: logger, Verbose: true})
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "save: tree vol1/orders started")
	assert.Contains(t, out, "tree vol1/orders opened at offset")
	assert.Contains(t, out, "finished: 3 trees, 3 records, 2 counters")
}
