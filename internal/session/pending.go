package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPending keeps the pending area in a per-class redis hash keyed by user
// id, so a repeat check-in overwrites its own entry.
type RedisPending struct {
	client *redis.Client
	prefix string
}

// NewRedisPending creates the store. Keys are <prefix><classID>.
func NewRedisPending(client *redis.Client, prefix string) *RedisPending {
	if prefix == "" {
		prefix = "pending:"
	}
	return &RedisPending{client: client, prefix: prefix}
}

func (p *RedisPending) key(classID string) string {
	return p.prefix + classID
}

// Put writes one pending entry, replacing any earlier one for the same user.
func (p *RedisPending) Put(ctx context.Context, entry PendingCheckIn) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return p.client.HSet(ctx, p.key(entry.ClassID), entry.UserID, raw).Err()
}

// List returns all pending entries for a class.
func (p *RedisPending) List(ctx context.Context, classID string) ([]PendingCheckIn, error) {
	vals, err := p.client.HGetAll(ctx, p.key(classID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingCheckIn, 0, len(vals))
	for _, raw := range vals {
		var entry PendingCheckIn
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Clear drops the whole pending area for a class.
func (p *RedisPending) Clear(ctx context.Context, classID string) error {
	return p.client.Del(ctx, p.key(classID)).Err()
}

// MemoryPending is an in-process pending store for dev and tests.
type MemoryPending struct {
	mu      sync.RWMutex
	entries map[string]map[string]PendingCheckIn
}

// NewMemoryPending creates an empty store.
func NewMemoryPending() *MemoryPending {
	return &MemoryPending{entries: make(map[string]map[string]PendingCheckIn)}
}

// Put writes one pending entry.
func (p *MemoryPending) Put(ctx context.Context, entry PendingCheckIn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	byClass, ok := p.entries[entry.ClassID]
	if !ok {
		byClass = make(map[string]PendingCheckIn)
		p.entries[entry.ClassID] = byClass
	}
	byClass[entry.UserID] = entry
	return nil
}

// List returns all pending entries for a class.
func (p *MemoryPending) List(ctx context.Context, classID string) ([]PendingCheckIn, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingCheckIn, 0, len(p.entries[classID]))
	for _, entry := range p.entries[classID] {
		out = append(out, entry)
	}
	return out, nil
}

// Clear drops the whole pending area for a class.
func (p *MemoryPending) Clear(ctx context.Context, classID string) error {
	p.mu.Lock()
	delete(p.entries, classID)
	p.mu.Unlock()
	return nil
}
