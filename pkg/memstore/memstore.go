// Package memstore is an in-memory volume/tree store. It implements both
// sides of package stream, so it serves as a load target for verification
// runs and as a source for exports in tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/ssargent/treedump/pkg/bptree"
	"github.com/ssargent/treedump/pkg/stream"
)

var (
	ErrForeignHandle = errors.New("memstore: tree handle was not issued by this store")
	ErrTreeClosed    = errors.New("memstore: tree handle is closed")
	ErrTreeNotFound  = errors.New("memstore: tree not found")
)

type tree struct {
	volume string
	name   string
	data   *bptree.BPlusTree[[]byte]
}

func lessTree(a, b *tree) bool {
	if a.volume != b.volume {
		return a.volume < b.volume
	}
	return a.name < b.name
}

type handle struct {
	store  *Store
	tree   *tree
	closed bool
}

func (h *handle) VolumeID() string { return h.tree.volume }
func (h *handle) TreeName() string { return h.tree.name }

// Store keeps every tree in a B+Tree and catalogs trees by (volume, name).
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	order    int
	volumes  map[string]stream.VolumeInfo
	catalog  *btree.BTreeG[*tree]
	counters map[string]uint64
}

// New returns an empty store whose trees use the given B+Tree order.
func New(order int) *Store {
	return &Store{
		order:    order,
		volumes:  make(map[string]stream.VolumeInfo),
		catalog:  btree.NewG[*tree](8, lessTree),
		counters: make(map[string]uint64),
	}
}

func (s *Store) lookup(volume, name string) (*tree, bool) {
	return s.catalog.Get(&tree{volume: volume, name: name})
}

// RegisterVolume records the volume's metadata.
func (s *Store) RegisterVolume(info stream.VolumeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[info.Name] = info
	return nil
}

// OpenTree returns a handle on the named tree, creating it if needed.
func (s *Store) OpenTree(volumeID, name string) (stream.TreeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lookup(volumeID, name)
	if !ok {
		t = &tree{volume: volumeID, name: name, data: bptree.NewBPlusTree[[]byte](s.order)}
		s.catalog.ReplaceOrInsert(t)
	}
	return &handle{store: s, tree: t}, nil
}

func (s *Store) handle(h stream.TreeHandle) (*handle, error) {
	mh, ok := h.(*handle)
	if !ok || mh.store != s {
		return nil, ErrForeignHandle
	}
	if mh.closed {
		return nil, ErrTreeClosed
	}
	return mh, nil
}

// Put stores a copy of value under key.
func (s *Store) Put(h stream.TreeHandle, key, value []byte) error {
	mh, err := s.handle(h)
	if err != nil {
		return err
	}
	mh.tree.data.Insert(key, append([]byte(nil), value...))
	return nil
}

// CloseTree invalidates the handle.
func (s *Store) CloseTree(h stream.TreeHandle) error {
	mh, err := s.handle(h)
	if err != nil {
		return err
	}
	mh.closed = true
	return nil
}

// SetCounter stores a named counter value.
func (s *Store) SetCounter(name string, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] = value
	return nil
}

// Volumes lists registered volumes and volumes that only own trees, by name.
func (s *Store) Volumes() ([]stream.VolumeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]stream.VolumeInfo, len(s.volumes))
	for name, info := range s.volumes {
		seen[name] = info
	}
	s.catalog.Ascend(func(t *tree) bool {
		if _, ok := seen[t.volume]; !ok {
			seen[t.volume] = stream.VolumeInfo{Name: t.volume}
		}
		return true
	})

	out := make([]stream.VolumeInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Trees lists the trees of a volume by name.
func (s *Store) Trees(volumeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	s.catalog.AscendGreaterOrEqual(&tree{volume: volumeID}, func(t *tree) bool {
		if t.volume != volumeID {
			return false
		}
		names = append(names, t.name)
		return true
	})
	return names, nil
}

// Scan walks a tree in key order.
func (s *Store) Scan(ctx context.Context, volumeID, name string, fn func(key, value []byte) error) error {
	s.mu.RLock()
	t, ok := s.lookup(volumeID, name)
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrTreeNotFound, "%s/%s", volumeID, name)
	}

	var err error
	t.data.Ascend(func(k, v []byte) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		err = fn(k, v)
		return err == nil
	})
	return err
}

// Counters lists every counter by name.
func (s *Store) Counters() ([]stream.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]stream.Counter, 0, len(s.counters))
	for name, v := range s.counters {
		out = append(out, stream.Counter{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the value stored under key in the named tree.
func (s *Store) Get(volumeID, name string, key []byte) ([]byte, bool) {
	s.mu.RLock()
	t, ok := s.lookup(volumeID, name)
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.data.Search(key)
}

// Len returns the number of keys in the named tree.
func (s *Store) Len(volumeID, name string) int {
	s.mu.RLock()
	t, ok := s.lookup(volumeID, name)
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.data.Len()
}

// Counter returns a counter value.
func (s *Store) Counter(name string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.counters[name]
	return v, ok
}
