package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/appctx"
	"github.com/hivecore/hivecore/internal/common/constants"
	"github.com/hivecore/hivecore/internal/common/logger"
)

// writerQueueSize bounds the number of records waiting to be persisted.
// When the queue is full new records are dropped, never blocking the caller.
const writerQueueSize = 1024

type pendingRecord struct {
	content  string
	tags     []string
	metadata map[string]string
}

// Writer performs best-effort asynchronous record writes. State transitions
// audit through it so a slow or failing memory backend cannot stall or revert
// them.
type Writer struct {
	store   Store
	logger  *logger.Logger
	queue   chan pendingRecord
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
	dropped atomic.Int64
}

// NewWriter creates a Writer on top of the given store.
func NewWriter(store Store, log *logger.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: log.WithFields(zap.String("component", "memory-writer")),
		queue:  make(chan pendingRecord, writerQueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (w *Writer) Start() {
	go w.run()
}

// Record enqueues a record write. It never blocks and never fails; when the
// queue is full the record is dropped and counted.
func (w *Writer) Record(content string, tags []string, metadata map[string]string) {
	select {
	case <-w.stopCh:
		return
	default:
	}

	select {
	case w.queue <- pendingRecord{content: content, tags: tags, metadata: metadata}:
	default:
		dropped := w.dropped.Add(1)
		w.logger.Warn("Audit queue full, dropping record",
			zap.Int64("dropped_total", dropped),
			zap.Strings("tags", tags))
	}
}

// Dropped returns the number of records dropped due to queue overflow.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Stop drains the queue and stops the flush loop. Records still queued are
// given MemoryFlushTimeout to land before being abandoned.
func (w *Writer) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

func (w *Writer) run() {
	defer close(w.doneCh)

	for {
		select {
		case rec := <-w.queue:
			w.flush(rec)
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain writes the remaining queued records, bounded by MemoryFlushTimeout.
func (w *Writer) drain() {
	deadline, cancel := appctx.Detached(context.Background(), nil, constants.MemoryFlushTimeout)
	defer cancel()

	for {
		select {
		case rec := <-w.queue:
			w.flush(rec)
		case <-deadline.Done():
			if remaining := len(w.queue); remaining > 0 {
				w.logger.Warn("Abandoning queued audit records on shutdown",
					zap.Int("remaining", remaining))
			}
			return
		default:
			return
		}
	}
}

func (w *Writer) flush(rec pendingRecord) {
	// Not tied to stopCh: records drained during shutdown still get their
	// full write timeout.
	ctx, cancel := appctx.Detached(context.Background(), nil, constants.AuditWriteTimeout)
	defer cancel()

	if _, err := w.store.AddRecord(ctx, rec.content, rec.tags, rec.metadata); err != nil {
		// Best-effort: the state transition that produced this record is
		// already authoritative, so the failure is only logged.
		w.logger.Warn("Audit record write failed",
			zap.Strings("tags", rec.tags),
			zap.Error(err))
	}
}
