// Package logging provides the asynchronous log/metric sink. Producers never
// block on the store: records accumulate in a bounded in-memory queue that a
// background worker drains to the database in batches.
package logging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"hermes/internal/models"
	"hermes/internal/storage"
	"hermes/internal/utils"
)

// CounterUpstreamErrors is the global counter key for upstream failures.
const CounterUpstreamErrors = "upstreamErrors"

// CounterDroppedLogs counts records discarded under overflow.
const CounterDroppedLogs = "droppedLogs"

// CounterTotalRequests is the global request counter key.
const CounterTotalRequests = "totalRequests"

// SinkConfig holds queue and flush settings.
type SinkConfig struct {
	QueueSize     int           // soft bound across queued records
	RequestCap    int           // hard cap for request logs under overflow
	BatchSize     int           // max rows per store transaction
	FlushInterval time.Duration // flush cadence when the batch never fills
}

// DefaultSinkConfig returns stock sink settings.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		QueueSize:     2000,
		RequestCap:    4000,
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// Archiver receives each flushed request-log batch, e.g. for S3 archival.
type Archiver interface {
	ArchiveBatch(ctx context.Context, records []*models.RequestLog) error
}

// Sink batches request logs, sync logs and counter deltas into single-
// transaction store writes.
type Sink struct {
	cfg      SinkConfig
	repo     *storage.LogRepository
	archiver Archiver
	logger   *utils.Logger

	mu             sync.Mutex
	requests       []*models.RequestLog
	syncs          []*models.SyncLog
	counters       map[string]int64
	modelCounts    map[string]int64
	providerCounts map[string]*models.ProviderCount
	dropped        int64

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewSink creates the sink and starts its background worker.
func NewSink(repo *storage.LogRepository, cfg SinkConfig, archiver Archiver) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSinkConfig().QueueSize
	}
	if cfg.RequestCap <= 0 {
		cfg.RequestCap = cfg.QueueSize * 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSinkConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultSinkConfig().FlushInterval
	}

	s := &Sink{
		cfg:            cfg,
		repo:           repo,
		archiver:       archiver,
		logger:         utils.NewLogger("logsink"),
		counters:       make(map[string]int64),
		modelCounts:    make(map[string]int64),
		providerCounts: make(map[string]*models.ProviderCount),
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// LogRequest queues a request log record. Never blocks.
func (s *Sink) LogRequest(rec *models.RequestLog) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	if len(s.requests)+len(s.syncs) >= s.cfg.QueueSize {
		// Shed non-request records first; request logs survive to the hard cap.
		if len(s.syncs) > 0 {
			s.syncs = s.syncs[1:]
			s.dropped++
		} else if len(s.requests) >= s.cfg.RequestCap {
			s.dropped++
			s.mu.Unlock()
			return
		}
	}
	s.requests = append(s.requests, rec)
	full := len(s.requests)+len(s.syncs) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.wake()
	}
}

// LogSync queues a sync log record. Never blocks.
func (s *Sink) LogSync(rec *models.SyncLog) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	if len(s.requests)+len(s.syncs) >= s.cfg.QueueSize {
		if len(s.syncs) > 0 {
			s.syncs = s.syncs[1:]
			s.dropped++
		}
	}
	s.syncs = append(s.syncs, rec)
	full := len(s.requests)+len(s.syncs) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.wake()
	}
}

// IncrCounter merges a global counter delta. Counters aggregate in memory, so
// they never contribute to queue growth.
func (s *Sink) IncrCounter(key string, delta int64) {
	s.mu.Lock()
	s.counters[key] += delta
	s.mu.Unlock()
}

// TrackUsage records one dispatched request against a provider and model.
func (s *Sink) TrackUsage(providerID, providerName, model string) {
	s.mu.Lock()
	s.counters[CounterTotalRequests]++
	s.modelCounts[model]++
	pc, ok := s.providerCounts[providerID]
	if !ok {
		pc = &models.ProviderCount{ID: providerID, Name: providerName}
		s.providerCounts[providerID] = pc
	}
	pc.Count++
	s.mu.Unlock()
}

// TrackUpstreamError records an upstream failure for a provider.
func (s *Sink) TrackUpstreamError(providerID, providerName string) {
	s.mu.Lock()
	s.counters[CounterUpstreamErrors]++
	pc, ok := s.providerCounts[providerID]
	if !ok {
		pc = &models.ProviderCount{ID: providerID, Name: providerName}
		s.providerCounts[providerID] = pc
	}
	pc.Errors++
	s.mu.Unlock()
}

// DroppedCount reports how many records overflow has discarded.
func (s *Sink) DroppedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.notify:
			s.Flush(context.Background())
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.done:
			s.Flush(context.Background())
			return
		}
	}
}

// Flush drains the queue to the store, one transaction per batch. Failed
// batches are logged and discarded; the sink never surfaces store errors to
// request handling.
func (s *Sink) Flush(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.requests) == 0 && len(s.syncs) == 0 &&
			len(s.counters) == 0 && len(s.modelCounts) == 0 && len(s.providerCounts) == 0 && s.dropped == 0 {
			s.mu.Unlock()
			return
		}

		n := s.cfg.BatchSize
		var reqBatch []*models.RequestLog
		if len(s.requests) > 0 {
			take := min(n, len(s.requests))
			reqBatch = s.requests[:take:take]
			s.requests = s.requests[take:]
			n -= take
		}
		var syncBatch []*models.SyncLog
		if n > 0 && len(s.syncs) > 0 {
			take := min(n, len(s.syncs))
			syncBatch = s.syncs[:take:take]
			s.syncs = s.syncs[take:]
		}

		var counters []models.CounterDelta
		for k, v := range s.counters {
			counters = append(counters, models.CounterDelta{Key: k, Delta: v})
		}
		if s.dropped > 0 {
			counters = append(counters, models.CounterDelta{Key: CounterDroppedLogs, Delta: s.dropped})
			s.dropped = 0
		}
		modelCounts := s.modelCounts
		providerCounts := s.providerCounts
		s.counters = make(map[string]int64)
		s.modelCounts = make(map[string]int64)
		s.providerCounts = make(map[string]*models.ProviderCount)
		remaining := len(s.requests) + len(s.syncs)
		s.mu.Unlock()

		if err := s.repo.InsertBatch(ctx, reqBatch, syncBatch, counters, modelCounts, providerCounts); err != nil {
			s.logger.Error("batch write failed", "error", err, "requests", len(reqBatch), "syncs", len(syncBatch))
		} else if s.archiver != nil && len(reqBatch) > 0 {
			if err := s.archiver.ArchiveBatch(ctx, reqBatch); err != nil {
				s.logger.Warn("archive failed", "error", err)
			}
		}

		if remaining == 0 {
			return
		}
	}
}

// Shutdown stops the worker after a final flush.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
