package session

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// LiveChannelPrefix is the pub/sub namespace for dashboard snapshots; the
// websocket hub subscribes to LiveChannelPrefix + "*".
const LiveChannelPrefix = "live:"

// RedisFeed publishes dashboard snapshots on a per-class pub/sub channel.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed creates the feed.
func NewRedisFeed(client *redis.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

// Publish pushes one snapshot to the class channel.
func (f *RedisFeed) Publish(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, LiveChannelPrefix+snap.ClassID, raw).Err()
}
