package attendance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ScanKey is the natural key of one raw tap: the device-side user id plus
// the UTC instant it occurred.
type ScanKey struct {
	DeviceUserID string
	OccurredAt   int64 // unix seconds, UTC
}

// KeyFor builds a ScanKey from a tap.
func KeyFor(deviceUserID string, occurredAt time.Time) ScanKey {
	return ScanKey{DeviceUserID: deviceUserID, OccurredAt: occurredAt.UTC().Unix()}
}

// DefaultProcessedKeysMax caps the per-device processed-key set.
const DefaultProcessedKeysMax = 5000

// ProcessedScanCache absorbs replays across polls: every key observed in a
// recent round is remembered, including taps that classified DUPLICATE, so
// a device replaying its whole log does not re-broadcast them. When a
// device's set exceeds the cap it is trimmed to the newest half by
// timestamp. With a redis client configured the set is mirrored
// best-effort so a restart does not replay the live feed.
type ProcessedScanCache struct {
	mu        sync.Mutex
	perDev    map[int64]map[ScanKey]struct{}
	maxPerDev int
	redis     *redis.Client
	logger    *logrus.Entry
}

// CacheOption configures a ProcessedScanCache.
type CacheOption func(*ProcessedScanCache)

// WithRedisMirror mirrors processed keys to redis best-effort.
func WithRedisMirror(client *redis.Client) CacheOption {
	return func(c *ProcessedScanCache) { c.redis = client }
}

// NewProcessedScanCache builds a cache with the given per-device cap.
func NewProcessedScanCache(maxPerDevice int, logger *logrus.Logger, opts ...CacheOption) *ProcessedScanCache {
	if maxPerDevice <= 0 {
		maxPerDevice = DefaultProcessedKeysMax
	}
	c := &ProcessedScanCache{
		perDev:    make(map[int64]map[ScanKey]struct{}),
		maxPerDev: maxPerDevice,
		logger:    logger.WithField("component", "processed-scan-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether the key was observed in a recent poll of the device.
func (c *ProcessedScanCache) Seen(deviceID int64, key ScanKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.perDev[deviceID][key]
	return ok
}

// Filter partitions keys into (unseen, seenCount) for one device.
func (c *ProcessedScanCache) Filter(deviceID int64, keys []ScanKey) ([]ScanKey, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.perDev[deviceID]
	if set == nil {
		return keys, 0
	}
	unseen := make([]ScanKey, 0, len(keys))
	seen := 0
	for _, k := range keys {
		if _, ok := set[k]; ok {
			seen++
		} else {
			unseen = append(unseen, k)
		}
	}
	return unseen, seen
}

// Mark records keys as processed for a device and trims the set to the
// newest half when it exceeds the cap.
func (c *ProcessedScanCache) Mark(ctx context.Context, deviceID int64, keys []ScanKey) {
	c.mu.Lock()
	set := c.perDev[deviceID]
	if set == nil {
		set = make(map[ScanKey]struct{})
		c.perDev[deviceID] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	if len(set) > c.maxPerDev {
		c.perDev[deviceID] = trimNewestHalf(set)
	}
	c.mu.Unlock()

	c.mirror(ctx, deviceID, keys)
}

// Size reports the current per-device set size.
func (c *ProcessedScanCache) Size(deviceID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.perDev[deviceID])
}

// trimNewestHalf keeps the newest half of the set by timestamp.
func trimNewestHalf(set map[ScanKey]struct{}) map[ScanKey]struct{} {
	keys := make([]ScanKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].OccurredAt > keys[j].OccurredAt
	})
	keep := len(keys) / 2
	trimmed := make(map[ScanKey]struct{}, keep)
	for _, k := range keys[:keep] {
		trimmed[k] = struct{}{}
	}
	return trimmed
}

func redisKey(deviceID int64) string {
	return fmt.Sprintf("attendance:processed:%d", deviceID)
}

// mirror pushes keys to redis; failures are logged, never surfaced.
func (c *ProcessedScanCache) mirror(ctx context.Context, deviceID int64, keys []ScanKey) {
	if c.redis == nil || len(keys) == 0 {
		return
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = fmt.Sprintf("%s|%d", k.DeviceUserID, k.OccurredAt)
	}
	pipe := c.redis.Pipeline()
	pipe.SAdd(ctx, redisKey(deviceID), members...)
	pipe.Expire(ctx, redisKey(deviceID), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).WithField("device_id", deviceID).Warn("Redis mirror write failed")
	}
}

// Preload seeds the in-memory set for a device from the redis mirror. Used
// once at startup; a missing or failing mirror is not an error.
func (c *ProcessedScanCache) Preload(ctx context.Context, deviceID int64) {
	if c.redis == nil {
		return
	}
	members, err := c.redis.SMembers(ctx, redisKey(deviceID)).Result()
	if err != nil {
		c.logger.WithError(err).WithField("device_id", deviceID).Warn("Redis mirror read failed")
		return
	}
	keys := make([]ScanKey, 0, len(members))
	for _, m := range members {
		idx := strings.LastIndex(m, "|")
		if idx < 0 {
			continue
		}
		ts, err := strconv.ParseInt(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, ScanKey{DeviceUserID: m[:idx], OccurredAt: ts})
	}
	c.mu.Lock()
	set := c.perDev[deviceID]
	if set == nil {
		set = make(map[ScanKey]struct{})
		c.perDev[deviceID] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	c.mu.Unlock()
}
