package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bundles the memory subsystem settings: the scoring formula, the
// access batcher, and the optional background recalculation.
type Config struct {
	// HalfLife is the recency decay time scale; DefaultHalfLife when
	// zero.
	HalfLife time.Duration
	// Weights blend the importance signals; an all-zero value takes
	// DefaultWeights.
	Weights Weights
	// RecalcInterval is the cadence of the background importance pass;
	// 0 disables it.
	RecalcInterval time.Duration
	// FlushInterval, FlushBatchSize and MaxPending configure the access
	// recorder; zero fields take the recorder defaults.
	FlushInterval  time.Duration
	FlushBatchSize int
	MaxPending     int
}

// DefaultConfig returns the standard memory settings. Background
// recalculation is off until an interval is configured.
func DefaultConfig() *Config {
	return &Config{
		HalfLife:       DefaultHalfLife,
		Weights:        DefaultWeights(),
		RecalcInterval: 0,
		FlushInterval:  DefaultFlushInterval,
		FlushBatchSize: DefaultFlushBatchSize,
		MaxPending:     DefaultMaxPending,
	}
}

// Manager owns the memory subsystem's moving parts: it scores engrams,
// batches access updates through its recorder, and periodically asks the
// engine to recompute importance. The engine supplies the two callbacks;
// both run under the engine's exclusive lock.
type Manager struct {
	cfg    Config
	scorer *Scorer
	rec    *Recorder
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	passes   uint64
	failures uint64
}

// ManagerStats counts the manager's background work.
type ManagerStats struct {
	RecalcPasses   uint64        `json:"recalc_passes"`
	RecalcFailures uint64        `json:"recalc_failures"`
	Recorder       RecorderStats `json:"recorder"`
}

// New creates a manager and starts its access recorder. A nil config
// takes DefaultConfig; a nil logger means no logging. flush applies
// batched access updates and must be non-nil.
func New(cfg *Config, flush FlushFunc, logger *zap.Logger) *Manager {
	var c Config
	if cfg != nil {
		c = *cfg
	} else {
		c = *DefaultConfig()
	}
	if c.HalfLife <= 0 {
		c.HalfLife = DefaultHalfLife
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    c,
		scorer: NewScorer(c.Weights, c.HalfLife),
		rec: NewRecorder(RecorderConfig{
			FlushInterval: c.FlushInterval,
			BatchSize:     c.FlushBatchSize,
			MaxPending:    c.MaxPending,
		}, flush, logger),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Scorer returns the importance scorer built from the config.
func (m *Manager) Scorer() *Scorer {
	return m.scorer
}

// RecordAccess queues an access-count update for the engram.
func (m *Manager) RecordAccess(id string) {
	m.rec.Record(id)
}

// Start launches the periodic importance recalculation loop. It is a
// no-op when the interval is zero or the manager is already started.
func (m *Manager) Start(recalc func(context.Context) error) {
	if m.cfg.RecalcInterval <= 0 {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.recalcLoop(recalc)
}

func (m *Manager) recalcLoop(recalc func(context.Context) error) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RecalcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := recalc(m.ctx); err != nil {
				m.mu.Lock()
				m.failures++
				m.mu.Unlock()
				m.log.Warn("importance recalculation failed", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.passes++
			m.mu.Unlock()
		}
	}
}

// Stop halts the recalculation loop, then shuts the recorder down after a
// final flush. It returns the final flush error, if any.
func (m *Manager) Stop() error {
	m.cancel()
	m.wg.Wait()
	return m.rec.Close()
}

// Stats returns the manager's counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	passes, failures := m.passes, m.failures
	m.mu.Unlock()
	return ManagerStats{
		RecalcPasses:   passes,
		RecalcFailures: failures,
		Recorder:       m.rec.Stats(),
	}
}
