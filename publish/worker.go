package publish

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgpulse/pgpulse/telemetry"
)

const (
	// Default bounded queue size per sink
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before dropping an event
	DefaultMaxRetries = 10
)

// WorkerConfig configures one sink worker.
type WorkerConfig struct {
	Name            string        // Sink name (metrics, logs)
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event encoder
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g. "pgpulse")
	QueueSize       int           // Bounded queue capacity
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts before dropping the event
}

// Worker drains a bounded event queue into one sink. Events arriving while
// the queue is full are dropped and counted; change notifications are
// re-queryable signals, not a durable log, so losing one under backpressure
// is acceptable.
type Worker struct {
	config WorkerConfig
	queue  chan ChangeEvent

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a sink worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan ChangeEvent, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Enqueue offers an event to the worker without blocking. Full queue drops
// the event.
func (w *Worker) Enqueue(event ChangeEvent) {
	if !w.config.Filter.Match(event.Table, event.Operation) {
		return
	}

	select {
	case w.queue <- event:
	default:
		telemetry.SinkQueueDropsTotal.With(w.config.Name).Inc()
		log.Warn().
			Str("sink", w.config.Name).
			Str("table", event.Table).
			Msg("Sink queue full, dropping change event")
	}
}

// Start starts the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("sink", w.config.Name).Msg("Starting sink worker")
	go w.drainLoop()
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Sink worker stopped")
}

func (w *Worker) drainLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event := <-w.queue:
			if err := w.publishEvent(event); err != nil {
				telemetry.SinkPublishTotal.With(w.config.Name, "dropped").Inc()
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Str("table", event.Table).
					Msg("Dropping change event after retries")
			}
		}
	}
}

func (w *Worker) publishEvent(event ChangeEvent) error {
	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return fmt.Errorf("transform event: %w", err)
	}

	topic := w.buildTopic(event)
	key := event.Table
	if event.Hash != "" {
		key = event.Table + ":" + event.Hash
	}

	if err := w.publishWithRetry(topic, key, data); err != nil {
		return err
	}
	telemetry.SinkPublishTotal.With(w.config.Name, "sent").Inc()
	return nil
}

func (w *Worker) buildTopic(event ChangeEvent) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", event.Table, event.Operation)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, event.Table, event.Operation)
}

// publishWithRetry publishes with exponential backoff until the retry budget
// is spent or the worker stops.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish change event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for d, returning false if the worker stopped first.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
