package marketdata

import (
	"context"
	"time"

	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryBatchSize     = 100
	defaultHistoryFlushInterval = time.Second
	historyDrainTimeout         = 5 * time.Second
)

type HistoryRepository interface {
	CreateBatch(ctx context.Context, snapshots []entity.Snapshot) error
}

type HistoryConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// HistoryWriter persists accepted snapshots in batches. A batch is written
// when it reaches BatchSize or FlushInterval after its first item.
type HistoryWriter struct {
	repo  HistoryRepository
	cfg   HistoryConfig
	queue sinkQueue[entity.Snapshot]
	log   *logrus.Entry
}

func NewHistoryWriter(repo HistoryRepository, cfg HistoryConfig) *HistoryWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultHistoryBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultHistoryFlushInterval
	}
	return &HistoryWriter{
		repo:  repo,
		cfg:   cfg,
		queue: newSinkQueue[entity.Snapshot]("snapshot_history", cfg.BufferSize),
		log:   logrus.WithField("component", "history_writer"),
	}
}

func (w *HistoryWriter) Publish(update entity.MarketUpdate) {
	w.queue.offer(update.Snapshot)
}

// Run batches snapshots until ctx ends. Whatever is buffered at that point
// is written with a fresh deadline.
func (w *HistoryWriter) Run(ctx context.Context) {
	batch := make([]entity.Snapshot, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushInterval)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func(ctx context.Context) {
		if armed {
			timer.Stop()
			armed = false
		}
		if len(batch) == 0 {
			return
		}
		w.write(ctx, batch)
		batch = make([]entity.Snapshot, 0, w.cfg.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case s := <-w.queue.items:
					batch = append(batch, s)
				default:
					drained = true
				}
			}
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyDrainTimeout)
			flush(drainCtx)
			cancel()
			return
		case s := <-w.queue.items:
			batch = append(batch, s)
			if len(batch) >= w.cfg.BatchSize {
				flush(ctx)
				continue
			}
			if !armed {
				timer.Reset(w.cfg.FlushInterval)
				armed = true
			}
		case <-timer.C:
			armed = false
			flush(ctx)
		}
	}
}

func (w *HistoryWriter) write(ctx context.Context, batch []entity.Snapshot) {
	start := time.Now()
	if err := w.repo.CreateBatch(ctx, batch); err != nil {
		sinkFailures.WithLabelValues(w.queue.name).Inc()
		w.log.WithField("size", len(batch)).Warnf("persist snapshot history: %v", err)
		return
	}
	w.log.WithFields(logrus.Fields{
		"size":    len(batch),
		"took_ms": time.Since(start).Milliseconds(),
	}).Debug("flushed batch")
}
