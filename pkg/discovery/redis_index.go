package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisShareScript upserts a listing record atomically, keeping the newer of
// the stored and incoming versions.
// KEYS[1] = record key (e.g. "listing:{id}")
// KEYS[2] = type index set (e.g. "listings:{item_type}")
// ARGV[1] = record JSON
// ARGV[2] = updated_at as unix nanos
// ARGV[3] = listing id
var redisShareScript = redis.NewScript(`
local key = KEYS[1]
local idx = KEYS[2]
local record = ARGV[1]
local updated = tonumber(ARGV[2])
local id = ARGV[3]

local stored = redis.call("HGET", key, "updated")
if stored and tonumber(stored) > updated then
    return 0
end

redis.call("HSET", key, "record", record, "updated", updated)
redis.call("SADD", idx, id)
return 1
`)

// RedisIndex implements Index on Redis, for storefronts shared across
// processes.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex creates an index on client. Keys are namespaced by prefix.
func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "bazaar"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) recordKey(listingID string) string {
	return fmt.Sprintf("%s:listing:%s", r.prefix, listingID)
}

func (r *RedisIndex) typeKey(itemType string) string {
	return fmt.Sprintf("%s:listings:%s", r.prefix, itemType)
}

// Share implements Index.
func (r *RedisIndex) Share(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: marshal record: %w", err)
	}
	err = redisShareScript.Run(ctx, r.client,
		[]string{r.recordKey(rec.ListingID), r.typeKey(rec.ItemType)},
		string(data), rec.UpdatedAt.UnixNano(), rec.ListingID,
	).Err()
	if err != nil {
		return fmt.Errorf("discovery: share %s: %w", rec.ListingID, err)
	}
	return nil
}

// Remove implements Index.
func (r *RedisIndex) Remove(ctx context.Context, listingID string) error {
	key := r.recordKey(listingID)
	raw, err := r.client.HGet(ctx, key, "record").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("discovery: remove %s: %w", listingID, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("discovery: decode record %s: %w", listingID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, r.typeKey(rec.ItemType), listingID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discovery: remove %s: %w", listingID, err)
	}
	return nil
}

// Browse implements Index.
func (r *RedisIndex) Browse(ctx context.Context, itemType string) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, r.typeKey(itemType)).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: browse %s: %w", itemType, err)
	}

	var out []Record
	for _, id := range ids {
		raw, err := r.client.HGet(ctx, r.recordKey(id), "record").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("discovery: browse %s: %w", itemType, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("discovery: decode record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
