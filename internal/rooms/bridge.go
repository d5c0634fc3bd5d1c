package rooms

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
	"frameworks/api_rooms/pkg/redis"
)

// bridgeChannel is the Redis pub/sub channel room broadcasts are mirrored on.
const bridgeChannel = "rooms:broadcasts"

// mirroredEvent is the cross-node wire form of one room broadcast. NodeID lets
// a node skip its own publishes.
type mirroredEvent struct {
	NodeID   string             `json:"node_id"`
	StreamID string             `json:"stream_id"`
	Event    models.StreamEvent `json:"event"`
}

// RedisBridge mirrors room broadcasts across nodes over Redis pub/sub, so
// viewers connected to different nodes see the same room traffic.
type RedisBridge struct {
	nodeID string
	pubsub *redis.TypedPubSub[mirroredEvent]
	logger logging.Logger
}

// NewRedisBridge creates a bridge on an established Redis client.
func NewRedisBridge(client goredis.UniversalClient, logger logging.Logger) *RedisBridge {
	return &RedisBridge{
		nodeID: uuid.New().String(),
		pubsub: redis.NewTypedPubSub[mirroredEvent](client, logger),
		logger: logger,
	}
}

// PublishRoomEvent mirrors one broadcast to the other nodes. Failures are
// logged, not returned; local delivery already happened.
func (b *RedisBridge) PublishRoomEvent(streamID string, event models.StreamEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := mirroredEvent{NodeID: b.nodeID, StreamID: streamID, Event: event}
	if err := b.pubsub.Publish(ctx, bridgeChannel, msg); err != nil {
		b.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to mirror room event")
	}
}

// Run consumes mirrored broadcasts from other nodes and hands them to the
// manager for local-only delivery. Blocks until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context, m *Manager) error {
	return b.pubsub.Subscribe(ctx, bridgeChannel, func(msg mirroredEvent) {
		if msg.NodeID == b.nodeID {
			return
		}
		m.DeliverMirrored(msg.StreamID, msg.Event)
	})
}
