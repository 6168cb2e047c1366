package publish

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/cfg"
	"github.com/pgpulse/pgpulse/notify"
)

// Bus delivers decoded change events.
type Bus interface {
	Subscribe(filter notify.Filter) (<-chan notify.Event, func())
}

// RegistryConfig configures the sink registry.
type RegistryConfig struct {
	ProcessID   string
	NodeID      uint64
	SinkConfigs []cfg.SinkConfiguration
}

// Registry owns one worker per configured sink and fans hub events out to
// all of them.
type Registry struct {
	processID string
	nodeID    uint64
	workers   []*Worker

	cancelBus func()
	running   atomic.Bool
	mu        sync.Mutex
}

// NewRegistry builds workers for every configured sink.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		processID: config.ProcessID,
		nodeID:    config.NodeID,
		workers:   make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.addSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				_ = worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("Sink registry initialized")
	return registry, nil
}

func (r *Registry) addSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		_ = snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables, nil)
	if err != nil {
		_ = snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Sink:        snk,
		Transformer: trans,
		Filter:      filter,
		TopicPrefix: config.TopicPrefix,
		QueueSize:   config.QueueSize,
	})
	if err != nil {
		_ = snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added change-event sink")
	return nil
}

// Start starts all workers and subscribes to the bus. Error-marker events
// are not republished; they are a local diagnostic.
func (r *Registry) Start(bus Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("sink registry already running")
	}
	for _, worker := range r.workers {
		worker.Start()
	}

	if len(r.workers) > 0 && bus != nil {
		events, cancel := bus.Subscribe(notify.Filter{})
		r.cancelBus = cancel
		go r.pump(events)
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}
	if r.cancelBus != nil {
		r.cancelBus()
		r.cancelBus = nil
	}
	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
	log.Info().Msg("Sink registry stopped")
}

func (r *Registry) pump(events <-chan notify.Event) {
	for ev := range events {
		if ev.Err != "" {
			continue
		}
		change := ChangeEvent{
			Table:      ev.Table,
			Operation:  ev.Op,
			Condition:  ev.Condition,
			Hash:       ev.Hash,
			ProcessID:  r.processID,
			NodeID:     r.nodeID,
			ObservedAt: time.Now().UnixMilli(),
		}
		for _, worker := range r.workers {
			worker.Enqueue(change)
		}
	}
}

// SinkFactory creates a Sink from its configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer.
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format.
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

func createTransformer(format string) (Transformer, error) {
	if format == "" {
		format = "json"
	}

	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
