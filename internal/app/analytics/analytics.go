// Package analytics implements the read-only query surface of §4.G:
// event trends, user-agent distribution, top sources, and event-type
// distribution, all derived from the events store and cached per query.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/streampulse/streampulse/infrastructure/errors"
	"github.com/streampulse/streampulse/internal/app/storage"
	"github.com/streampulse/streampulse/internal/platform/analyticscache"
)

// Service answers dashboard queries over the event store.
type Service struct {
	store storage.EventStore
	cache analyticscache.Cache
	ttl   time.Duration
	clock func() time.Time
}

// New builds an analytics service backed by store, caching results in
// cache for ttl.
func New(store storage.EventStore, cache analyticscache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{store: store, cache: cache, ttl: ttl, clock: time.Now}
}

// TrendBucket is one bucketed interval of the event-trends report.
type TrendBucket struct {
	BucketStart time.Time      `json:"bucket_start"`
	Total       int            `json:"total"`
	ByType      map[string]int `json:"by_type_breakdown"`
}

// EventTrends buckets events over the last `hours` into `intervalMinutes`
// windows, per §4.G. hours must be in [1,168].
func (s *Service) EventTrends(ctx context.Context, hours, intervalMinutes int) ([]TrendBucket, error) {
	if hours < 1 || hours > 168 {
		return nil, errors.OutOfRange("hours", 1, 168)
	}
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}

	cacheKey := fmt.Sprintf("analytics:trends:%d:%d", hours, intervalMinutes)
	var cached []TrendBucket
	if ok, _ := s.cache.Get(ctx, cacheKey, &cached); ok {
		return cached, nil
	}

	now := s.clock()
	since := now.Add(-time.Duration(hours) * time.Hour)
	events, err := s.store.ListEvents(ctx, storage.EventFilter{Since: since, Until: now, Limit: 10000})
	if err != nil {
		return nil, err
	}

	interval := time.Duration(intervalMinutes) * time.Minute
	buckets := make(map[int64]*TrendBucket)
	for _, e := range events {
		slot := e.Timestamp.Truncate(interval)
		key := slot.Unix()
		b, ok := buckets[key]
		if !ok {
			b = &TrendBucket{BucketStart: slot, ByType: make(map[string]int)}
			buckets[key] = b
		}
		b.Total++
		b.ByType[e.EffectiveType()]++
	}

	out := make([]TrendBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })

	_ = s.cache.Set(ctx, cacheKey, out, s.ttl)
	return out, nil
}

// UserDistribution classifies events over the last 7 days by user agent
// bucket and returns per-bucket unique-user/event counts and percentages.
type UserDistribution struct {
	Bucket       string  `json:"bucket"`
	UniqueUsers  int     `json:"unique_users"`
	EventCount   int     `json:"event_count"`
	Percentage   float64 `json:"percentage"`
}

func (s *Service) UserDistribution(ctx context.Context) ([]UserDistribution, error) {
	cacheKey := "analytics:user_distribution"
	var cached []UserDistribution
	if ok, _ := s.cache.Get(ctx, cacheKey, &cached); ok {
		return cached, nil
	}

	now := s.clock()
	since := now.Add(-7 * 24 * time.Hour)
	events, err := s.store.ListEvents(ctx, storage.EventFilter{Since: since, Until: now, Limit: 10000})
	if err != nil {
		return nil, err
	}

	type agg struct {
		count int
		users map[string]bool
	}
	buckets := map[string]*agg{
		"Mobile": {users: map[string]bool{}}, "Tablet": {users: map[string]bool{}},
		"Desktop": {users: map[string]bool{}}, "Bot": {users: map[string]bool{}},
		"Unknown": {users: map[string]bool{}},
	}
	total := 0
	for _, e := range events {
		ua := gjson.GetBytes(e.Data, "user_agent").String()
		bucket := classifyUserAgent(ua)
		a := buckets[bucket]
		a.count++
		if e.UserID != "" {
			a.users[e.UserID] = true
		}
		total++
	}

	out := make([]UserDistribution, 0, len(buckets))
	for _, name := range []string{"Mobile", "Tablet", "Desktop", "Bot", "Unknown"} {
		a := buckets[name]
		pct := 0.0
		if total > 0 {
			pct = float64(a.count) / float64(total) * 100
		}
		out = append(out, UserDistribution{Bucket: name, UniqueUsers: len(a.users), EventCount: a.count, Percentage: pct})
	}

	_ = s.cache.Set(ctx, cacheKey, out, s.ttl)
	return out, nil
}

// classifyUserAgent buckets a user_agent string per the §4.G substring
// rules: mobile|android|iphone -> Mobile; tablet|ipad -> Tablet; recognized
// browser tokens -> Desktop; bot|crawler -> Bot; otherwise Unknown.
func classifyUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case lower == "":
		return "Unknown"
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawler"):
		return "Bot"
	case strings.Contains(lower, "mobile") || strings.Contains(lower, "android") || strings.Contains(lower, "iphone"):
		return "Mobile"
	case strings.Contains(lower, "tablet") || strings.Contains(lower, "ipad"):
		return "Tablet"
	case strings.Contains(lower, "chrome") || strings.Contains(lower, "firefox") ||
		strings.Contains(lower, "safari") || strings.Contains(lower, "edge") || strings.Contains(lower, "opera"):
		return "Desktop"
	default:
		return "Unknown"
	}
}

// SourceStat is one row of the top-sources report.
type SourceStat struct {
	Source       string        `json:"source"`
	EventCount   int           `json:"event_count"`
	UniqueUsers  int           `json:"unique_users"`
	LastSeen     time.Time     `json:"last_seen"`
	AverageAge   time.Duration `json:"average_age"`
}

// TopSources reports, over the last 24h, per-source event counts, unique
// users, last-seen time, and average event age, per §4.G.
func (s *Service) TopSources(ctx context.Context) ([]SourceStat, error) {
	cacheKey := "analytics:top_sources"
	var cached []SourceStat
	if ok, _ := s.cache.Get(ctx, cacheKey, &cached); ok {
		return cached, nil
	}

	now := s.clock()
	since := now.Add(-24 * time.Hour)
	events, err := s.store.ListEvents(ctx, storage.EventFilter{Since: since, Until: now, Limit: 10000})
	if err != nil {
		return nil, err
	}

	type agg struct {
		count      int
		users      map[string]bool
		lastSeen   time.Time
		ageSum     time.Duration
	}
	bySource := make(map[string]*agg)
	for _, e := range events {
		a, ok := bySource[e.Source]
		if !ok {
			a = &agg{users: map[string]bool{}}
			bySource[e.Source] = a
		}
		a.count++
		if e.UserID != "" {
			a.users[e.UserID] = true
		}
		if e.Timestamp.After(a.lastSeen) {
			a.lastSeen = e.Timestamp
		}
		a.ageSum += now.Sub(e.Timestamp)
	}

	out := make([]SourceStat, 0, len(bySource))
	for source, a := range bySource {
		avg := time.Duration(0)
		if a.count > 0 {
			avg = a.ageSum / time.Duration(a.count)
		}
		out = append(out, SourceStat{
			Source: source, EventCount: a.count, UniqueUsers: len(a.users),
			LastSeen: a.lastSeen, AverageAge: avg,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventCount > out[j].EventCount })

	_ = s.cache.Set(ctx, cacheKey, out, s.ttl)
	return out, nil
}

// TypeStat is one row of the event-type distribution report.
type TypeStat struct {
	Type              string  `json:"type"`
	Count             int     `json:"count"`
	UniqueUsers       int     `json:"unique_users"`
	UniqueSources     int     `json:"unique_sources"`
	AverageProcessing float64 `json:"average_processing_time,omitempty"`
	Percentage        float64 `json:"percentage"`
}

// EventTypeDistribution reports, over the last 24h, per-type counts, unique
// users/sources, optional average processing time, and percentage share.
func (s *Service) EventTypeDistribution(ctx context.Context) ([]TypeStat, error) {
	cacheKey := "analytics:event_type_distribution"
	var cached []TypeStat
	if ok, _ := s.cache.Get(ctx, cacheKey, &cached); ok {
		return cached, nil
	}

	now := s.clock()
	since := now.Add(-24 * time.Hour)
	events, err := s.store.ListEvents(ctx, storage.EventFilter{Since: since, Until: now, Limit: 10000})
	if err != nil {
		return nil, err
	}

	type agg struct {
		count         int
		users         map[string]bool
		sources       map[string]bool
		processingSum float64
		processingN   int
	}
	byType := make(map[string]*agg)
	total := 0
	for _, e := range events {
		t := e.EffectiveType()
		a, ok := byType[t]
		if !ok {
			a = &agg{users: map[string]bool{}, sources: map[string]bool{}}
			byType[t] = a
		}
		a.count++
		total++
		if e.UserID != "" {
			a.users[e.UserID] = true
		}
		a.sources[e.Source] = true
		if pt := gjson.GetBytes(e.Data, "processing_time"); pt.Exists() {
			a.processingSum += pt.Float()
			a.processingN++
		}
	}

	out := make([]TypeStat, 0, len(byType))
	for t, a := range byType {
		stat := TypeStat{
			Type: t, Count: a.count, UniqueUsers: len(a.users), UniqueSources: len(a.sources),
		}
		if a.processingN > 0 {
			stat.AverageProcessing = a.processingSum / float64(a.processingN)
		}
		if total > 0 {
			stat.Percentage = float64(a.count) / float64(total) * 100
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })

	_ = s.cache.Set(ctx, cacheKey, out, s.ttl)
	return out, nil
}
