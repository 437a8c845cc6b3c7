package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// batchSink collects flushed batches and can be switched into a failing
// mode.
type batchSink struct {
	mu      sync.Mutex
	batches [][]Access
	fail    bool
}

func (s *batchSink) flush(batch []Access) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	cp := make([]Access, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *batchSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

// ids returns every flushed engram id in delivery order.
func (s *batchSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, a := range b {
			out = append(out, a.ID)
		}
	}
	return out
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	sink := &batchSink{}
	r := NewRecorder(RecorderConfig{
		FlushInterval: time.Hour,
		BatchSize:     3,
		MaxPending:    100,
		QueueDepth:    100,
	}, sink.flush, zap.NewNop())
	defer r.Close()

	start := time.Now().UTC()
	r.Record("a")
	r.Record("b")
	r.Record("c")

	assert.Eventually(t, func() bool {
		return r.Stats().Flushed == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, sink.ids())

	sink.mu.Lock()
	first := sink.batches[0][0]
	sink.mu.Unlock()
	assert.False(t, first.At.IsZero())
	assert.Equal(t, time.UTC, first.At.Location())
	assert.False(t, first.At.Before(start.Truncate(time.Millisecond)))
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	sink := &batchSink{}
	r := NewRecorder(RecorderConfig{
		FlushInterval: 20 * time.Millisecond,
		BatchSize:     1000,
		MaxPending:    100,
		QueueDepth:    100,
	}, sink.flush, zap.NewNop())
	defer r.Close()

	r.Record("a")
	r.Record("b")

	assert.Eventually(t, func() bool {
		return r.Stats().Flushed == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sink.ids())
}

func TestRecorder_CloseFlushesRemainder(t *testing.T) {
	sink := &batchSink{}
	r := NewRecorder(RecorderConfig{
		FlushInterval: time.Hour,
		BatchSize:     1000,
		MaxPending:    100,
		QueueDepth:    100,
	}, sink.flush, zap.NewNop())

	r.Record("a")
	r.Record("b")
	require.NoError(t, r.Close())

	assert.Equal(t, []string{"a", "b"}, sink.ids())
	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Flushed)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestRecorder_RetriesFailedFlush(t *testing.T) {
	sink := &batchSink{fail: true}
	r := NewRecorder(RecorderConfig{
		FlushInterval: 15 * time.Millisecond,
		BatchSize:     2,
		MaxPending:    100,
		QueueDepth:    100,
	}, sink.flush, zap.NewNop())
	defer r.Close()

	r.Record("a")
	r.Record("b")

	// The batch survives the failed flush.
	assert.Eventually(t, func() bool {
		return r.Stats().Retained == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.ids())

	sink.setFail(false)
	assert.Eventually(t, func() bool {
		s := r.Stats()
		return s.Flushed == 2 && s.Retained == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sink.ids())
	assert.Equal(t, uint64(0), r.Stats().Dropped)
}

func TestRecorder_OverflowDropsOldest(t *testing.T) {
	sink := &batchSink{fail: true}
	r := NewRecorder(RecorderConfig{
		FlushInterval: 15 * time.Millisecond,
		BatchSize:     2,
		MaxPending:    3,
		QueueDepth:    100,
	}, sink.flush, zap.NewNop())
	defer r.Close()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Record(id)
	}

	// Five updates against a retry window of three: the two oldest go.
	assert.Eventually(t, func() bool {
		s := r.Stats()
		return s.Dropped == 2 && s.Retained == 3
	}, 2*time.Second, 5*time.Millisecond)

	sink.setFail(false)
	assert.Eventually(t, func() bool {
		return r.Stats().Flushed == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c", "d", "e"}, sink.ids())
}

func TestRecorder_QueueFullDrops(t *testing.T) {
	sink := &batchSink{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := func(batch []Access) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return sink.flush(batch)
	}

	r := NewRecorder(RecorderConfig{
		FlushInterval: time.Hour,
		BatchSize:     1,
		MaxPending:    100,
		QueueDepth:    2,
	}, blocking, zap.NewNop())
	defer r.Close()

	// Park the worker inside a flush, then overrun the intake queue.
	r.Record("x")
	<-entered
	r.Record("a")
	r.Record("b")
	r.Record("c")
	r.Record("d")

	assert.Equal(t, uint64(2), r.Stats().Dropped)

	close(release)
	assert.Eventually(t, func() bool {
		return r.Stats().Flushed == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x", "a", "b"}, sink.ids())
}
