package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/storage"
)

// Recorder defaults.
const (
	DefaultFlushInterval  = 5 * time.Second
	DefaultFlushBatchSize = 128
	DefaultMaxPending     = 4096

	defaultQueueDepth = 1024
)

// Access is one pending access-count update: which engram was read, and
// when.
type Access struct {
	ID string
	At time.Time
}

// FlushFunc applies a batch of access updates to the store and the live
// indexes. It runs on the recorder's worker goroutine; implementations
// take the engine's exclusive lock for the duration of the call and must
// not retain the slice after returning. A returned error keeps the batch
// queued for retry.
type FlushFunc func(batch []Access) error

// RecorderConfig sets the batching behavior of a Recorder.
type RecorderConfig struct {
	// FlushInterval is the longest an update waits before a flush.
	FlushInterval time.Duration
	// BatchSize triggers an immediate flush once this many updates
	// accumulate.
	BatchSize int
	// MaxPending bounds the updates retained across failed flushes;
	// beyond it the oldest updates are dropped.
	MaxPending int
	// QueueDepth is the capacity of the intake channel. Records arriving
	// while it is full are dropped.
	QueueDepth int
}

// Recorder batches access-count updates so a burst of reads does not turn
// into a burst of writes. Reads hand their update to a bounded channel and
// return immediately; a single worker accumulates updates and flushes them
// when the batch fills or the interval elapses. Failed flushes are retried
// on the next tick with the batch retained, up to MaxPending updates.
type Recorder struct {
	cfg   RecorderConfig
	flush FlushFunc
	log   *zap.Logger

	ch     chan Access
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Worker-owned; no lock.
	buf      []Access
	failing  bool
	finalErr error

	mu       sync.Mutex
	flushed  uint64
	dropped  uint64
	retained int
}

// RecorderStats counts the recorder's work so far.
type RecorderStats struct {
	Flushed  uint64 `json:"flushed"`
	Dropped  uint64 `json:"dropped"`
	Retained int    `json:"retained"`
	Queued   int    `json:"queued"`
}

// NewRecorder creates a recorder and starts its worker. flush must be
// non-nil; a nil logger means no logging. Zero config fields take the
// package defaults.
func NewRecorder(cfg RecorderConfig, flush FlushFunc, logger *zap.Logger) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultFlushBatchSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		cfg:    cfg,
		flush:  flush,
		log:    logger,
		ch:     make(chan Access, cfg.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record queues an access-count update for the engram, stamped with the
// current time. It never blocks; if the queue is full the update is
// dropped and counted.
func (r *Recorder) Record(id string) {
	select {
	case r.ch <- Access{ID: id, At: storage.Now()}:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Debug("access queue full, dropping update", zap.String("engram_id", id))
	}
}

// Stats returns the recorder's counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{
		Flushed:  r.flushed,
		Dropped:  r.dropped,
		Retained: r.retained,
		Queued:   len(r.ch),
	}
}

// Close drains the queue, flushes what remains, and stops the worker. It
// returns the final flush error, if any. Updates recorded after Close may
// be lost.
func (r *Recorder) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.finalErr
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			err := r.flushNow()
			if err != nil && len(r.buf) > 0 {
				r.mu.Lock()
				r.dropped += uint64(len(r.buf))
				r.retained = 0
				r.mu.Unlock()
				r.log.Warn("discarding access updates at shutdown",
					zap.Int("updates", len(r.buf)), zap.Error(err))
			}
			r.finalErr = err
			return

		case a := <-r.ch:
			r.buf = append(r.buf, a)
			if r.failing {
				// While the store is failing, only the ticker retries;
				// keep the retained window bounded in the meantime.
				r.trimRetained()
				r.mu.Lock()
				r.retained = len(r.buf)
				r.mu.Unlock()
			} else if len(r.buf) >= r.cfg.BatchSize {
				r.flushNow()
			}

		case <-ticker.C:
			if len(r.buf) > 0 {
				r.flushNow()
			}
		}
	}
}

// drain moves whatever is still queued into the batch buffer.
func (r *Recorder) drain() {
	for {
		select {
		case a := <-r.ch:
			r.buf = append(r.buf, a)
		default:
			return
		}
	}
}

// flushNow hands the buffered batch to the flush callback. On success the
// buffer is released; on failure it is retained for retry, trimmed to
// MaxPending.
func (r *Recorder) flushNow() error {
	if len(r.buf) == 0 {
		return nil
	}
	if err := r.flush(r.buf); err != nil {
		r.failing = true
		r.log.Warn("access flush failed, retaining batch",
			zap.Int("updates", len(r.buf)), zap.Error(err))
		r.trimRetained()
		r.mu.Lock()
		r.retained = len(r.buf)
		r.mu.Unlock()
		return err
	}

	r.failing = false
	r.mu.Lock()
	r.flushed += uint64(len(r.buf))
	r.retained = 0
	r.mu.Unlock()
	r.buf = nil
	return nil
}

// trimRetained drops the oldest buffered updates beyond MaxPending.
func (r *Recorder) trimRetained() {
	overflow := len(r.buf) - r.cfg.MaxPending
	if overflow <= 0 {
		return
	}
	r.buf = r.buf[overflow:]
	r.mu.Lock()
	r.dropped += uint64(overflow)
	r.mu.Unlock()
	r.log.Warn("access retry buffer full, dropping oldest",
		zap.Int("dropped", overflow), zap.Int("retained", len(r.buf)))
}
