package stream

import "context"

// TreeHandle identifies a tree opened on a TargetStore for the duration of
// one TREE_START/TREE_END bracket.
type TreeHandle interface {
	VolumeID() string
	TreeName() string
}

// TargetStore receives the records of a load. Errors it returns are
// propagated as *StoreError and never reported as stream corruption.
type TargetStore interface {
	OpenTree(volumeID, name string) (TreeHandle, error)
	Put(h TreeHandle, key, value []byte) error
	CloseTree(h TreeHandle) error
	SetCounter(name string, value uint64) error
}

// VolumeRegistrar is implemented by targets that want VOLUME_INFO records.
type VolumeRegistrar interface {
	RegisterVolume(info VolumeInfo) error
}

// SourceStore is walked by a save.
type SourceStore interface {
	Volumes() ([]VolumeInfo, error)
	Trees(volumeID string) ([]string, error)
	// Scan calls fn for every entry of the tree in ascending key order and
	// stops at the first error fn returns.
	Scan(ctx context.Context, volumeID, tree string, fn func(key, value []byte) error) error
	Counters() ([]Counter, error)
}

// VolumeInfo describes a volume as carried by a VOLUME_INFO record.
type VolumeInfo struct {
	Name     string
	PageSize uint32
}

// Counter is a named 64-bit value such as a sequence generator.
type Counter struct {
	Name  string
	Value uint64
}
