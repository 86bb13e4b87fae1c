package stream_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssargent/treedump/pkg/stream"
)

// recordingStore is a TargetStore that logs every call and can be told to
// fail one of them.
type recordingStore struct {
	calls   []string
	failOn  string
	failErr error
}

type recordingHandle struct{ volume, tree string }

func (h *recordingHandle) VolumeID() string { return h.volume }
func (h *recordingHandle) TreeName() string { return h.tree }

func (s *recordingStore) record(call string) error {
	s.calls = append(s.calls, call)
	if s.failOn != "" && call == s.failOn {
		return s.failErr
	}
	return nil
}

func (s *recordingStore) OpenTree(volumeID, name string) (stream.TreeHandle, error) {
	if err := s.record(fmt.Sprintf("openTree(%s,%s)", volumeID, name)); err != nil {
		return nil, err
	}
	return &recordingHandle{volume: volumeID, tree: name}, nil
}

func (s *recordingStore) Put(h stream.TreeHandle, key, value []byte) error {
	return s.record(fmt.Sprintf("put(%s/%s,%s,%s)", h.VolumeID(), h.TreeName(), key, value))
}

func (s *recordingStore) CloseTree(h stream.TreeHandle) error {
	return s.record(fmt.Sprintf("closeTree(%s/%s)", h.VolumeID(), h.TreeName()))
}

func (s *recordingStore) SetCounter(name string, value uint64) error {
	return s.record(fmt.Sprintf("setCounter(%s,%d)", name, value))
}

func (s *recordingStore) RegisterVolume(info stream.VolumeInfo) error {
	return s.record(fmt.Sprintf("registerVolume(%s,%d)", info.Name, info.PageSize))
}

// writeStream runs fn against a fresh Writer and returns the bytes.
func writeStream(t *testing.T, opts stream.WriteOptions, fn func(w *stream.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := stream.NewWriter(&buf, opts)
	require.NoError(t, err)
	fn(w)
	return buf.Bytes()
}

// scenarioStream is VOLUME_INFO, one tree with one entry, END.
func scenarioStream(t *testing.T, opts stream.WriteOptions) []byte {
	return writeStream(t, opts, func(w *stream.Writer) {
		require.NoError(t, w.WriteVolumeInfo("vol1", 16384))
		require.NoError(t, w.WriteTreeStart("vol1", "orders"))
		require.NoError(t, w.WriteData([]byte("A001"), []byte("widget")))
		require.NoError(t, w.WriteTreeEnd())
		require.NoError(t, w.Finish())
	})
}
