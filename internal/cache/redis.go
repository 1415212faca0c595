// Package cache mirrors the latest reading per sensor into Redis so
// dashboards and sibling services can poll current conditions without
// touching the control process. Best-effort: cache errors are logged and
// never propagate into control flow.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	sensorevents "vivarium-core/internal/sensors/application/events"
	sensors "vivarium-core/internal/sensors/domain"
)

const latestKey = "vivarium:readings:latest"

// LatestCache keeps the newest reading per sensor in a Redis hash.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewLatestCache constructs the cache.
func NewLatestCache(client *redis.Client, logger *log.Logger) (*LatestCache, error) {
	if client == nil {
		return nil, errors.New("cache: nil redis client")
	}
	if logger == nil {
		return nil, errors.New("cache: nil logger")
	}
	return &LatestCache{client: client, ttl: 10 * time.Minute, logger: logger}, nil
}

// HandleReadingCaptured stores the reading under its sensor ID.
func (c *LatestCache) HandleReadingCaptured(ctx context.Context, evt sensorevents.ReadingCaptured) error {
	payload, err := json.Marshal(evt.Reading)
	if err != nil {
		return err
	}
	if err := c.client.HSet(ctx, latestKey, evt.Reading.SensorID, payload).Err(); err != nil {
		c.logger.Printf("cache: hset failed: %v", err)
		return nil
	}
	if err := c.client.Expire(ctx, latestKey, c.ttl).Err(); err != nil {
		c.logger.Printf("cache: expire failed: %v", err)
	}
	return nil
}

// Snapshot returns the cached latest reading per sensor.
func (c *LatestCache) Snapshot(ctx context.Context) (map[string]sensors.Reading, error) {
	entries, err := c.client.HGetAll(ctx, latestKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]sensors.Reading, len(entries))
	for sensorID, raw := range entries {
		var reading sensors.Reading
		if err := json.Unmarshal([]byte(raw), &reading); err != nil {
			c.logger.Printf("cache: bad entry for %s: %v", sensorID, err)
			continue
		}
		out[sensorID] = reading
	}
	return out, nil
}
