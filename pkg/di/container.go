// Package di provides dependency injection container
package di

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssargent/treedump/pkg/bptree"
	"github.com/ssargent/treedump/pkg/config"
	"github.com/ssargent/treedump/pkg/memstore"
	"github.com/ssargent/treedump/pkg/pebblestore"
	"github.com/ssargent/treedump/pkg/stream"
)

// Store is a store that can be both the target of a load and the source of
// a save.
type Store interface {
	stream.TargetStore
	stream.SourceStore
	Close() error
}

// StoreFactory opens the store described by a configuration.
type StoreFactory interface {
	OpenStore(cfg *config.Config) (Store, error)
}

// StoreFactoryFunc adapts a function to StoreFactory.
type StoreFactoryFunc func(cfg *config.Config) (Store, error)

// OpenStore calls f.
func (f StoreFactoryFunc) OpenStore(cfg *config.Config) (Store, error) { return f(cfg) }

// Container holds all the dependencies for the application
type Container struct {
	storeFactories map[string]StoreFactory
	registry       *prometheus.Registry
	metrics        *stream.Metrics
}

// NewContainer creates a new dependency injection container
func NewContainer() *Container {
	registry := prometheus.NewRegistry()
	return &Container{
		storeFactories: map[string]StoreFactory{
			config.BackendPebble: StoreFactoryFunc(openPebble),
			config.BackendMemory: StoreFactoryFunc(openMemory),
		},
		registry: registry,
		metrics:  stream.NewMetrics(registry),
	}
}

// GetStoreFactory returns the factory for a backend name
func (c *Container) GetStoreFactory(backend string) (StoreFactory, error) {
	f, ok := c.storeFactories[backend]
	if !ok {
		return nil, fmt.Errorf("no store factory for backend %q", backend)
	}
	return f, nil
}

// SetStoreFactory allows overriding a backend's factory (for testing)
func (c *Container) SetStoreFactory(backend string, factory StoreFactory) {
	c.storeFactories[backend] = factory
}

// GetRegistry returns the registry the stream metrics are registered on
func (c *Container) GetRegistry() *prometheus.Registry {
	return c.registry
}

// GetMetrics returns the shared stream metrics
func (c *Container) GetMetrics() *stream.Metrics {
	return c.metrics
}

func openPebble(cfg *config.Config) (Store, error) {
	s, err := pebblestore.Open(filepath.Join(cfg.DataDir, "pebble"), pebblestore.Options{
		Sync:      cfg.Store.Sync,
		BatchSize: cfg.Store.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// memoryStore lives only as long as the process.
type memoryStore struct {
	*memstore.Store
}

func (memoryStore) Close() error { return nil }

func openMemory(*config.Config) (Store, error) {
	return memoryStore{memstore.New(bptree.DefaultOrder)}, nil
}
