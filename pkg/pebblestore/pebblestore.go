package pebblestore

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/ssargent/treedump/pkg/stream"
)

// Key prefixes. Volume and tree names are length-prefixed so no name can
// collide with another or with the user key that follows it.
const (
	prefixVolume  = 'v' // v | volume                     -> pageSize u32
	prefixTree    = 't' // t | len vol | vol | tree        -> (empty)
	prefixData    = 'd' // d | len vol | vol | len tree | tree | key -> value
	prefixCounter = 'c' // c | name                       -> value u64
)

// DefaultBatchSize is the number of bytes buffered per open tree before the
// batch is committed.
const DefaultBatchSize = 4 << 20

var (
	ErrForeignHandle = errors.New("pebblestore: tree handle was not issued by this store")
	ErrTreeClosed    = errors.New("pebblestore: tree handle is closed")
	ErrTreeNotFound  = errors.New("pebblestore: tree not found")
)

// Options configures a Store.
type Options struct {
	// Sync makes every batch commit durable before it returns.
	Sync bool
	// BatchSize overrides DefaultBatchSize.
	BatchSize int
}

// Store keeps volumes, trees and counters in a single Pebble database.
//
// Puts into an open tree are buffered in a batch. Closing the Store commits
// the batches of trees that were never closed, so an aborted load leaves
// every record it applied in the database.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	batchSize int

	mu   sync.Mutex
	open map[*handle]struct{}
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble database %s", path)
	}
	s := &Store{
		db:        db,
		writeOpts: pebble.NoSync,
		batchSize: opts.BatchSize,
		open:      make(map[*handle]struct{}),
	}
	if opts.Sync {
		s.writeOpts = pebble.Sync
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	return s, nil
}

// Close commits the batches of trees still open, then closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	pending := make([]*handle, 0, len(s.open))
	for h := range s.open {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	var err error
	for _, h := range pending {
		err = errors.CombineErrors(err, s.finish(h))
	}
	return errors.CombineErrors(err, s.db.Close())
}

// OpenTrees reports how many tree handles have not been closed.
func (s *Store) OpenTrees() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

type handle struct {
	store  *Store
	volume string
	tree   string
	prefix []byte
	batch  *pebble.Batch
}

func (h *handle) VolumeID() string { return h.volume }
func (h *handle) TreeName() string { return h.tree }

func appendName(dst []byte, name string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(name)))
	return append(dst, name...)
}

func volumeKey(volume string) []byte {
	return append([]byte{prefixVolume}, volume...)
}

func treeKey(volume, tree string) []byte {
	return append(appendName([]byte{prefixTree}, volume), tree...)
}

func dataPrefix(volume, tree string) []byte {
	return appendName(appendName([]byte{prefixData}, volume), tree)
}

func counterKey(name string) []byte {
	return append([]byte{prefixCounter}, name...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// RegisterVolume stores the volume's page size.
func (s *Store) RegisterVolume(info stream.VolumeInfo) error {
	v := binary.BigEndian.AppendUint32(nil, info.PageSize)
	return s.db.Set(volumeKey(info.Name), v, s.writeOpts)
}

// OpenTree records the tree in the catalog and starts a write batch for it.
func (s *Store) OpenTree(volumeID, name string) (stream.TreeHandle, error) {
	if err := s.db.Set(treeKey(volumeID, name), nil, s.writeOpts); err != nil {
		return nil, err
	}
	h := &handle{
		store:  s,
		volume: volumeID,
		tree:   name,
		prefix: dataPrefix(volumeID, name),
		batch:  s.db.NewBatch(),
	}
	s.mu.Lock()
	s.open[h] = struct{}{}
	s.mu.Unlock()
	return h, nil
}

func (s *Store) handle(h stream.TreeHandle) (*handle, error) {
	ph, ok := h.(*handle)
	if !ok || ph.store != s {
		return nil, ErrForeignHandle
	}
	if ph.batch == nil {
		return nil, ErrTreeClosed
	}
	return ph, nil
}

// Put buffers key/value in the tree's batch, committing it once it grows
// past the batch size.
func (s *Store) Put(h stream.TreeHandle, key, value []byte) error {
	ph, err := s.handle(h)
	if err != nil {
		return err
	}
	k := append(ph.prefix[:len(ph.prefix):len(ph.prefix)], key...)
	if err := ph.batch.Set(k, value, nil); err != nil {
		return err
	}
	if ph.batch.Len() >= s.batchSize {
		if err := ph.batch.Commit(s.writeOpts); err != nil {
			return errors.Wrap(err, "commit batch")
		}
		ph.batch.Reset()
	}
	return nil
}

// CloseTree commits the remaining batch and invalidates the handle.
func (s *Store) CloseTree(h stream.TreeHandle) error {
	ph, err := s.handle(h)
	if err != nil {
		return err
	}
	return s.finish(ph)
}

func (s *Store) finish(ph *handle) error {
	s.mu.Lock()
	delete(s.open, ph)
	s.mu.Unlock()

	b := ph.batch
	ph.batch = nil
	if err := b.Commit(s.writeOpts); err != nil {
		_ = b.Close()
		return errors.Wrapf(err, "commit batch of %s/%s", ph.volume, ph.tree)
	}
	return b.Close()
}

// SetCounter stores a named counter value.
func (s *Store) SetCounter(name string, value uint64) error {
	return s.db.Set(counterKey(name), binary.BigEndian.AppendUint64(nil, value), s.writeOpts)
}

func (s *Store) iterate(prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key()[len(prefix):], it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return err
	}
	return it.Close()
}

// Volumes lists registered volumes and volumes that only own trees, by name.
func (s *Store) Volumes() ([]stream.VolumeInfo, error) {
	var out []stream.VolumeInfo
	seen := make(map[string]int)

	err := s.iterate([]byte{prefixVolume}, func(k, v []byte) error {
		if len(v) != 4 {
			return errors.Newf("volume %q: malformed page size entry", k)
		}
		seen[string(k)] = len(out)
		out = append(out, stream.VolumeInfo{Name: string(k), PageSize: binary.BigEndian.Uint32(v)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate([]byte{prefixTree}, func(k, _ []byte) error {
		n, sz := binary.Uvarint(k)
		if sz <= 0 || uint64(len(k)-sz) < n {
			return errors.Newf("malformed tree catalog key %x", k)
		}
		vol := string(k[sz : sz+int(n)])
		if _, ok := seen[vol]; !ok {
			seen[vol] = len(out)
			out = append(out, stream.VolumeInfo{Name: vol})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortVolumes(out)
	return out, nil
}

// Trees lists the trees of a volume by name.
func (s *Store) Trees(volumeID string) ([]string, error) {
	var names []string
	err := s.iterate(appendName([]byte{prefixTree}, volumeID), func(k, _ []byte) error {
		names = append(names, string(k))
		return nil
	})
	return names, err
}

// Scan walks a tree in key order.
func (s *Store) Scan(ctx context.Context, volumeID, tree string, fn func(key, value []byte) error) error {
	_, closer, err := s.db.Get(treeKey(volumeID, tree))
	if errors.Is(err, pebble.ErrNotFound) {
		return errors.Wrapf(ErrTreeNotFound, "%s/%s", volumeID, tree)
	}
	if err != nil {
		return err
	}
	_ = closer.Close()

	return s.iterate(dataPrefix(volumeID, tree), func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(k, v)
	})
}

// Counters lists every counter by name.
func (s *Store) Counters() ([]stream.Counter, error) {
	var out []stream.Counter
	err := s.iterate([]byte{prefixCounter}, func(k, v []byte) error {
		if len(v) != 8 {
			return errors.Newf("counter %q: malformed value", k)
		}
		out = append(out, stream.Counter{Name: string(k), Value: binary.BigEndian.Uint64(v)})
		return nil
	})
	return out, err
}

// Get returns a copy of the value stored under key in the named tree.
func (s *Store) Get(volumeID, tree string, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(append(dataPrefix(volumeID, tree), key...))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func sortVolumes(vs []stream.VolumeInfo) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Name < vs[j].Name })
}
