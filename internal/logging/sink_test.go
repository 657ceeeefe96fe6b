package logging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hermes/internal/models"
	"hermes/internal/storage"
)

func newTestSink(t *testing.T, cfg SinkConfig) (*Sink, *storage.DB) {
	t.Helper()
	dbCfg := storage.DefaultDBConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "sink-test.db")
	db, err := storage.NewDB(dbCfg)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sink := NewSink(storage.NewLogRepository(db), cfg, nil)
	t.Cleanup(func() { _ = sink.Shutdown(context.Background()) })
	return sink, db
}

func TestSinkFlushPersistsExactly(t *testing.T) {
	cfg := DefaultSinkConfig()
	cfg.FlushInterval = time.Hour // flush manually
	sink, db := newTestSink(t, cfg)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		sink.LogRequest(&models.RequestLog{Method: "POST", Path: "/v1/chat/completions", Model: "gpt-4o-mini", Status: 200, Duration: 100})
	}
	sink.LogSync(&models.SyncLog{ProviderID: "p1", ProviderName: "u1", Model: "gpt-4o-mini", Result: models.SyncResultOK})
	sink.Flush(ctx)

	repo := storage.NewLogRepository(db)
	total, err := repo.CountRequestLogs(ctx)
	if err != nil {
		t.Fatalf("CountRequestLogs failed: %v", err)
	}
	if total != 25 {
		t.Errorf("Expected 25 persisted request logs, got %d", total)
	}
	syncs, _ := repo.ListSyncLogs(ctx, storage.SyncLogFilters{ProviderID: "p1"})
	if len(syncs) != 1 {
		t.Errorf("Expected 1 sync log, got %d", len(syncs))
	}
	if sink.DroppedCount() != 0 {
		t.Errorf("Expected no drops, got %d", sink.DroppedCount())
	}
}

func TestSinkOverflowShedsSyncsFirst(t *testing.T) {
	cfg := SinkConfig{QueueSize: 10, RequestCap: 12, BatchSize: 100, FlushInterval: time.Hour}
	sink, db := newTestSink(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sink.LogSync(&models.SyncLog{ProviderID: "p1", ProviderName: "u1", Model: "m", Result: models.SyncResultOK})
	}
	// Requests displace queued syncs once the soft bound is hit.
	for i := 0; i < 12; i++ {
		sink.LogRequest(&models.RequestLog{Method: "POST", Path: "/x", Status: 200})
	}
	// Beyond the hard cap request logs are dropped too.
	for i := 0; i < 3; i++ {
		sink.LogRequest(&models.RequestLog{Method: "POST", Path: "/x", Status: 200})
	}

	sink.Flush(ctx)

	repo := storage.NewLogRepository(db)
	total, _ := repo.CountRequestLogs(ctx)
	if total != 12 {
		t.Errorf("Expected request logs preserved to hard cap (12), got %d", total)
	}

	counters, err := storage.NewMetricsRepository(db).Counters(ctx)
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters[CounterDroppedLogs] == 0 {
		t.Error("Expected dropped counter persisted")
	}
}

func TestSinkCountersAggregate(t *testing.T) {
	cfg := DefaultSinkConfig()
	cfg.FlushInterval = time.Hour
	sink, db := newTestSink(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sink.TrackUsage("p1", "upstream-1", "gpt-4o-mini")
	}
	sink.TrackUpstreamError("p1", "upstream-1")
	sink.Flush(ctx)
	// Second round accumulates on top of the first flush.
	sink.TrackUsage("p1", "upstream-1", "gpt-4o-mini")
	sink.Flush(ctx)

	mrepo := storage.NewMetricsRepository(db)
	counters, _ := mrepo.Counters(ctx)
	if counters[CounterTotalRequests] != 4 {
		t.Errorf("Expected totalRequests 4, got %d", counters[CounterTotalRequests])
	}
	if counters[CounterUpstreamErrors] != 1 {
		t.Errorf("Expected upstreamErrors 1, got %d", counters[CounterUpstreamErrors])
	}

	pcs, _ := mrepo.ProviderCounts(ctx)
	if len(pcs) != 1 || pcs[0].Count != 4 || pcs[0].Errors != 1 {
		t.Errorf("Expected provider counts 4/1, got %+v", pcs)
	}
	mcs, _ := mrepo.ModelCounts(ctx)
	if len(mcs) != 1 || mcs[0].Count != 4 {
		t.Errorf("Expected model count 4, got %+v", mcs)
	}
}

func TestSinkBackgroundFlush(t *testing.T) {
	cfg := DefaultSinkConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	sink, db := newTestSink(t, cfg)

	sink.LogRequest(&models.RequestLog{Method: "GET", Path: "/v1/models", Status: 200})

	deadline := time.Now().Add(2 * time.Second)
	repo := storage.NewLogRepository(db)
	for time.Now().Before(deadline) {
		total, _ := repo.CountRequestLogs(context.Background())
		if total == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Background worker never flushed the record")
}
