package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streampulse/streampulse/internal/app/domain/event"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/internal/platform/analyticscache"
)

func newTestService(t *testing.T, store storage.EventStore) *Service {
	t.Helper()
	cache := analyticscache.NewLocal(time.Minute)
	s := New(store, cache, time.Minute)
	s.clock = func() time.Time { return fixedNow }
	return s
}

var fixedNow = time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

func TestEventTrendsRejectsOutOfRangeHours(t *testing.T) {
	s := newTestService(t, storage.NewMemory())
	if _, err := s.EventTrends(context.Background(), 0, 60); err == nil {
		t.Fatalf("expected error for hours=0")
	}
	if _, err := s.EventTrends(context.Background(), 200, 60); err == nil {
		t.Fatalf("expected error for hours=200")
	}
}

func TestEventTrendsBucketsByInterval(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	_ = mem.SaveEvent(ctx, event.Event{ID: "1", Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-30 * time.Minute)})
	_ = mem.SaveEvent(ctx, event.Event{ID: "2", Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-90 * time.Minute)})
	_ = mem.SaveEvent(ctx, event.Event{ID: "3", Type: event.TypeError, Source: "s", Severity: event.SeverityHigh, Timestamp: fixedNow.Add(-30 * time.Minute)})

	s := newTestService(t, mem)
	buckets, err := s.EventTrends(ctx, 3, 60)
	if err != nil {
		t.Fatalf("EventTrends: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 hourly buckets, got %d: %+v", len(buckets), buckets)
	}
	total := 0
	for _, b := range buckets {
		total += b.Total
	}
	if total != 3 {
		t.Fatalf("expected 3 events total across buckets, got %d", total)
	}
}

func TestUserDistributionClassifiesAgents(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	save := func(id, ua, userID string) {
		data, _ := json.Marshal(map[string]string{"user_agent": ua})
		_ = mem.SaveEvent(ctx, event.Event{ID: id, Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-time.Hour), Data: data, UserID: userID})
	}
	save("1", "Mozilla/5.0 (iPhone) Mobile", "u1")
	save("2", "Mozilla/5.0 (Windows) Chrome", "u2")
	save("3", "Googlebot/2.1 (+http://google.com/bot.html)", "")

	s := newTestService(t, mem)
	dist, err := s.UserDistribution(ctx)
	if err != nil {
		t.Fatalf("UserDistribution: %v", err)
	}
	byBucket := make(map[string]UserDistribution)
	for _, d := range dist {
		byBucket[d.Bucket] = d
	}
	if byBucket["Mobile"].EventCount != 1 {
		t.Fatalf("expected 1 mobile event, got %+v", byBucket["Mobile"])
	}
	if byBucket["Desktop"].EventCount != 1 {
		t.Fatalf("expected 1 desktop event, got %+v", byBucket["Desktop"])
	}
	if byBucket["Bot"].EventCount != 1 {
		t.Fatalf("expected 1 bot event, got %+v", byBucket["Bot"])
	}
}

func TestTopSourcesRanksByEventCount(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	_ = mem.SaveEvent(ctx, event.Event{ID: "1", Type: event.TypeWeb, Source: "a", Timestamp: fixedNow.Add(-time.Hour), UserID: "u1"})
	_ = mem.SaveEvent(ctx, event.Event{ID: "2", Type: event.TypeWeb, Source: "a", Timestamp: fixedNow.Add(-time.Hour), UserID: "u2"})
	_ = mem.SaveEvent(ctx, event.Event{ID: "3", Type: event.TypeWeb, Source: "b", Timestamp: fixedNow.Add(-time.Hour), UserID: "u1"})

	s := newTestService(t, mem)
	stats, err := s.TopSources(ctx)
	if err != nil {
		t.Fatalf("TopSources: %v", err)
	}
	if len(stats) != 2 || stats[0].Source != "a" || stats[0].EventCount != 2 {
		t.Fatalf("expected source a first with 2 events, got %+v", stats)
	}
	if stats[0].UniqueUsers != 2 {
		t.Fatalf("expected 2 unique users for source a, got %d", stats[0].UniqueUsers)
	}
}

func TestEventTypeDistributionComputesPercentage(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	_ = mem.SaveEvent(ctx, event.Event{ID: "1", Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-time.Hour)})
	_ = mem.SaveEvent(ctx, event.Event{ID: "2", Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-time.Hour)})
	_ = mem.SaveEvent(ctx, event.Event{ID: "3", Type: event.TypeAPI, Source: "s", Timestamp: fixedNow.Add(-time.Hour)})

	s := newTestService(t, mem)
	dist, err := s.EventTypeDistribution(ctx)
	if err != nil {
		t.Fatalf("EventTypeDistribution: %v", err)
	}
	if len(dist) != 2 || dist[0].Type != "web" || dist[0].Count != 2 {
		t.Fatalf("expected web first with count 2, got %+v", dist)
	}
	if dist[0].Percentage < 66 || dist[0].Percentage > 67 {
		t.Fatalf("expected ~66.67%% for web, got %f", dist[0].Percentage)
	}
}

func TestResultsAreCachedAcrossCalls(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	_ = mem.SaveEvent(ctx, event.Event{ID: "1", Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-time.Hour)})

	s := newTestService(t, mem)
	first, err := s.TopSources(ctx)
	if err != nil {
		t.Fatalf("TopSources: %v", err)
	}

	// A second save after the first call should not appear in the cached result.
	_ = mem.SaveEvent(ctx, event.Event{ID: "2", Type: event.TypeWeb, Source: "s", Timestamp: fixedNow.Add(-time.Hour)})
	second, err := s.TopSources(ctx)
	if err != nil {
		t.Fatalf("TopSources (cached): %v", err)
	}
	if len(first) != len(second) || first[0].EventCount != second[0].EventCount {
		t.Fatalf("expected cached result to be stable, got %+v vs %+v", first, second)
	}
}
