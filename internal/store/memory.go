package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"frameworks/api_rooms/pkg/models"
)

type bucketKey struct {
	streamID string
	interval models.IntervalType
	start    time.Time
}

type viewerKey struct {
	streamID  string
	sessionID string
}

// MemoryStore is the in-process Store implementation. It is the default for
// single-node deployments and the reference for the interface's semantics.
type MemoryStore struct {
	mu       sync.RWMutex
	realtime map[string][]models.RealtimeStats
	buckets  map[bucketKey]models.StreamAnalytics
	quality  map[string]models.QualityEvent
	viewers  map[viewerKey]models.ViewerAnalytics
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		realtime: make(map[string][]models.RealtimeStats),
		buckets:  make(map[bucketKey]models.StreamAnalytics),
		quality:  make(map[string]models.QualityEvent),
		viewers:  make(map[viewerKey]models.ViewerAnalytics),
	}
}

func (s *MemoryStore) CreateRealtimeStats(ctx context.Context, stats models.RealtimeStats) error {
	s.mu.Lock()
	s.realtime[stats.StreamID] = append(s.realtime[stats.StreamID], stats)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetLatestRealtimeStats(ctx context.Context, streamID string) (*models.RealtimeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshots := s.realtime[streamID]
	if len(snapshots) == 0 {
		return nil, ErrNotFound
	}
	latest := snapshots[len(snapshots)-1]
	return &latest, nil
}

func (s *MemoryStore) GetIntervalBucket(ctx context.Context, streamID string, interval models.IntervalType, start time.Time) (*models.StreamAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.buckets[bucketKey{streamID, interval, start}]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (s *MemoryStore) UpsertStreamAnalytics(ctx context.Context, row models.StreamAnalytics) error {
	s.mu.Lock()
	s.buckets[bucketKey{row.StreamID, row.IntervalType, row.IntervalStart}] = row
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetStreamAnalytics(ctx context.Context, streamID string, interval models.IntervalType, from, to time.Time) ([]models.StreamAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StreamAnalytics
	for key, row := range s.buckets {
		if key.streamID != streamID || key.interval != interval {
			continue
		}
		if key.start.Before(from) || key.start.After(to) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntervalStart.Before(out[j].IntervalStart) })
	return out, nil
}

func (s *MemoryStore) CreateQualityEvent(ctx context.Context, event models.QualityEvent) error {
	s.mu.Lock()
	s.quality[event.ID] = event
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetQualityEvents(ctx context.Context, streamID string, limit int) ([]models.QualityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QualityEvent
	for _, ev := range s.quality {
		if ev.StreamID == streamID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetUnresolvedQualityEvents(ctx context.Context, streamID string, since time.Time) ([]models.QualityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QualityEvent
	for _, ev := range s.quality {
		if ev.StreamID == streamID && !ev.Resolved && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveQualityEvent(ctx context.Context, id string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.quality[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Resolved {
		return nil
	}
	ev.Resolved = true
	ev.ResolvedAt = &resolvedAt
	s.quality[id] = ev
	return nil
}

func (s *MemoryStore) CreateViewerAnalytics(ctx context.Context, row models.ViewerAnalytics) error {
	s.mu.Lock()
	s.viewers[viewerKey{row.StreamID, row.SessionID}] = row
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateViewerAnalytics(ctx context.Context, streamID, sessionID string, leftAt time.Time, watchSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := viewerKey{streamID, sessionID}
	row, ok := s.viewers[key]
	if !ok {
		return ErrNotFound
	}
	row.LeftAt = &leftAt
	row.WatchSeconds = watchSeconds
	s.viewers[key] = row
	return nil
}

func (s *MemoryStore) AddViewerChatMessage(ctx context.Context, streamID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := viewerKey{streamID, sessionID}
	row, ok := s.viewers[key]
	if !ok {
		return ErrNotFound
	}
	row.ChatMessages++
	s.viewers[key] = row
	return nil
}

func (s *MemoryStore) GetViewerEngagement(ctx context.Context, streamID string) (*models.ViewerEngagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &models.ViewerEngagement{}
	var watchTotal float64
	for key, row := range s.viewers {
		if key.streamID != streamID {
			continue
		}
		out.TotalSessions++
		if row.LeftAt == nil {
			out.ActiveSessions++
		}
		watchTotal += float64(row.WatchSeconds)
		out.TotalChatMessage += row.ChatMessages
	}
	if out.TotalSessions > 0 {
		out.AvgWatchSeconds = watchTotal / float64(out.TotalSessions)
	}
	return out, nil
}

func (s *MemoryStore) CleanupRealtimeStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for streamID, snapshots := range s.realtime {
		kept := snapshots[:0]
		for _, snap := range snapshots {
			if snap.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, snap)
		}
		if len(kept) == 0 {
			delete(s.realtime, streamID)
		} else {
			s.realtime[streamID] = kept
		}
	}
	return removed, nil
}

func (s *MemoryStore) CleanupStreamAnalyticsBefore(ctx context.Context, interval models.IntervalType, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.buckets {
		if key.interval == interval && key.start.Before(cutoff) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CleanupResolvedQualityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, ev := range s.quality {
		if ev.Resolved && ev.ResolvedAt != nil && ev.ResolvedAt.Before(cutoff) {
			delete(s.quality, id)
			removed++
		}
	}
	return removed, nil
}
