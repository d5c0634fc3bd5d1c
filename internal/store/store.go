package store

import (
	"context"
	"errors"
	"time"

	"frameworks/api_rooms/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence collaborator for the aggregation engine. All
// operations are idempotent with respect to retry: upserts are keyed,
// resolves are no-ops on already-resolved rows, and cleanups delete by
// cutoff.
type Store interface {
	// Realtime snapshots
	CreateRealtimeStats(ctx context.Context, stats models.RealtimeStats) error
	GetLatestRealtimeStats(ctx context.Context, streamID string) (*models.RealtimeStats, error)

	// Interval buckets, keyed by (streamID, intervalType, intervalStart)
	GetIntervalBucket(ctx context.Context, streamID string, interval models.IntervalType, start time.Time) (*models.StreamAnalytics, error)
	UpsertStreamAnalytics(ctx context.Context, row models.StreamAnalytics) error
	GetStreamAnalytics(ctx context.Context, streamID string, interval models.IntervalType, from, to time.Time) ([]models.StreamAnalytics, error)

	// Quality events
	CreateQualityEvent(ctx context.Context, event models.QualityEvent) error
	GetQualityEvents(ctx context.Context, streamID string, limit int) ([]models.QualityEvent, error)
	GetUnresolvedQualityEvents(ctx context.Context, streamID string, since time.Time) ([]models.QualityEvent, error)
	ResolveQualityEvent(ctx context.Context, id string, resolvedAt time.Time) error

	// Viewer engagement
	CreateViewerAnalytics(ctx context.Context, row models.ViewerAnalytics) error
	UpdateViewerAnalytics(ctx context.Context, streamID, sessionID string, leftAt time.Time, watchSeconds int64) error
	AddViewerChatMessage(ctx context.Context, streamID, sessionID string) error
	GetViewerEngagement(ctx context.Context, streamID string) (*models.ViewerEngagement, error)

	// Retention cleanup; each returns the number of rows removed
	CleanupRealtimeStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CleanupStreamAnalyticsBefore(ctx context.Context, interval models.IntervalType, cutoff time.Time) (int64, error)
	CleanupResolvedQualityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
