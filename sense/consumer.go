package sense

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/scientisst/gosense/scientisst"
	"github.com/sirupsen/logrus"
)

// Consumer receives the frames of an acquisition on its own goroutine.
// OnInit is called when the consumer is added, OnStart before the first
// batch and OnStop after the last one.
type Consumer interface {
	OnInit() error
	OnStart() error
	OnRead(frames []scientisst.Frame)
	OnStop() error
}

// Factory builds a named Consumer
type Factory func(log *logrus.Logger) (Consumer, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a consumer available by name. It panics if the name is
// already taken.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("sense: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("sense: Register called twice for consumer " + name)
	}
	registry[name] = f
}

// New builds the consumer registered as name
func New(name string, log *logrus.Logger) (Consumer, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown consumer %q (registered: %v)", name, Registered())
	}
	return f(log)
}

// Registered returns the sorted names of the registered consumers
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type worker struct {
	name     string
	consumer Consumer
	queue    chan []scientisst.Frame
	done     chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (w *worker) run(log *logrus.Logger) {
	defer close(w.done)
	for frames := range w.queue {
		w.consumer.OnRead(frames)
		w.delivered.Add(uint64(len(frames)))
	}
	log.Debugf("Consumer %v drained its queue", w.name)
}

// Runner fans batches of frames out to consumers. Every consumer owns a
// bounded queue, a full queue drops the batch for that consumer only.
type Runner struct {
	log       *logrus.Logger
	queueSize int

	mu      sync.Mutex
	workers []*worker
	started bool
	stopped bool
}

// NewRunner returns a Runner whose consumer queues hold queueSize batches
func NewRunner(log *logrus.Logger, queueSize int) *Runner {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Runner{log: log, queueSize: queueSize}
}

// Add initializes c and attaches it to the runner. Consumers can only be
// added before Start.
func (r *Runner) Add(name string, c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return fmt.Errorf("consumer %v added to a running runner", name)
	}
	if err := c.OnInit(); err != nil {
		return fmt.Errorf("initializing consumer %v: %w", name, err)
	}
	r.workers = append(r.workers, &worker{
		name:     name,
		consumer: c,
		queue:    make(chan []scientisst.Frame, r.queueSize),
		done:     make(chan struct{}),
	})
	return nil
}

// Start calls OnStart of every consumer and starts their goroutines. A
// consumer failing to start is left out.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return errors.New("runner already started")
	}

	var errs []error
	running := r.workers[:0]
	for _, w := range r.workers {
		if err := w.consumer.OnStart(); err != nil {
			r.log.Errorf("Consumer %v failed to start: %v", w.name, err)
			errs = append(errs, fmt.Errorf("starting consumer %v: %w", w.name, err))
			w.consumer.OnStop()
			continue
		}
		go w.run(r.log)
		running = append(running, w)
	}
	r.workers = running
	r.started = true
	return errors.Join(errs...)
}

// Put hands frames to every consumer without blocking
func (r *Runner) Put(frames []scientisst.Frame) {
	if len(frames) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	for _, w := range r.workers {
		select {
		case w.queue <- frames:
		default:
			if w.dropped.Add(uint64(len(frames))) == uint64(len(frames)) {
				r.log.Warnf("Consumer %v can not keep up, dropping frames", w.name)
			}
		}
	}
}

// Stop lets every consumer finish its queue, then calls OnStop
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.stopped = true
	workers := r.workers
	for _, w := range workers {
		close(w.queue)
	}
	r.mu.Unlock()

	var errs []error
	for _, w := range workers {
		<-w.done
		if err := w.consumer.OnStop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping consumer %v: %w", w.name, err))
		}
		if n := w.dropped.Load(); n > 0 {
			r.log.Warnf("Consumer %v dropped %d frames", w.name, n)
		}
		r.log.Debugf("Consumer %v stopped after %d frames", w.name, w.delivered.Load())
	}
	return errors.Join(errs...)
}

// ConsumerStats are the frame counters of one consumer
type ConsumerStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the counters of the consumers
func (r *Runner) Stats() []ConsumerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]ConsumerStats, 0, len(r.workers))
	for _, w := range r.workers {
		stats = append(stats, ConsumerStats{
			Name:      w.name,
			Delivered: w.delivered.Load(),
			Dropped:   w.dropped.Load(),
		})
	}
	return stats
}
