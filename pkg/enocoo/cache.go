package enocoo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/singleflight"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

const (
	defaultCacheTTL        = 10 * time.Minute
	defaultCacheMaxEntries = 512
	areasTTL               = 24 * time.Hour
)

var (
	_ Source = (*Client)(nil)
	_ Source = (*Cached)(nil)
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// Cached wraps a Source and caches historical readings for a short time. Live
// values are never cached but identical concurrent calls are coalesced.
type Cached struct {
	src        Source
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	group singleflight.Group

	mu             sync.Mutex
	entries        map[string]cacheEntry
	areas          []types.Area
	areasFetchedAt time.Time
}

// NewCached returns a cache in front of src.
func NewCached(src Source, ttl time.Duration, maxEntries int) *Cached {
	return &Cached{
		src:        src,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
	}
}

func configuredCached(src Source) *Cached {
	c := NewCached(src, defaultCacheTTL, defaultCacheMaxEntries)

	ttl := lflag.Duration("enocoo-cache-ttl", defaultCacheTTL, "How long historical enocoo readings are cached")

	lflag.Do(func() {
		c.ttl = *ttl
	})
	return c
}

// Location implements Source.
func (c *Cached) Location() *time.Location {
	return c.src.Location()
}

// GetAreas implements Source. Areas rarely change so they are refreshed at
// most once a day. Refreshing also renews the dashboard session.
func (c *Cached) GetAreas(ctx context.Context) ([]types.Area, error) {
	c.mu.Lock()
	if c.areas != nil && c.now().Sub(c.areasFetchedAt) < areasTTL {
		areas := slices.Clone(c.areas)
		c.mu.Unlock()
		return areas, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("areas", func() (any, error) {
		return c.src.GetAreas(ctx)
	})
	if err != nil {
		return nil, err
	}
	areas := v.([]types.Area)

	c.mu.Lock()
	c.areas = areas
	c.areasFetchedAt = c.now()
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "refreshed enocoo areas", slog.Int("count", len(areas)))
	return slices.Clone(areas), nil
}

// GetIndividualConsumption implements Source.
func (c *Cached) GetIndividualConsumption(ctx context.Context, consumptionType types.ConsumptionType, areaID string, interval types.Interval, during civil.Date) ([]types.Consumption, error) {
	key := fmt.Sprintf("consumption/%s/%s/%s/%s", consumptionType, areaID, interval, during)
	v, err := c.get(ctx, key, func() (any, error) {
		return c.src.GetIndividualConsumption(ctx, consumptionType, areaID, interval, during)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]types.Consumption)), nil
}

// GetQuarterPhotovoltaicData implements Source.
func (c *Cached) GetQuarterPhotovoltaicData(ctx context.Context, interval types.Interval, during civil.Date) ([]types.PhotovoltaicSummary, error) {
	key := fmt.Sprintf("photovoltaic/%s/%s", interval, during)
	v, err := c.get(ctx, key, func() (any, error) {
		return c.src.GetQuarterPhotovoltaicData(ctx, interval, during)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]types.PhotovoltaicSummary)), nil
}

// GetTrafficLightStatus implements Source.
func (c *Cached) GetTrafficLightStatus(ctx context.Context) (types.TrafficLightStatus, error) {
	v, err, _ := c.group.Do("trafficlight", func() (any, error) {
		return c.src.GetTrafficLightStatus(ctx)
	})
	if err != nil {
		return types.TrafficLightStatus{}, err
	}
	return v.(types.TrafficLightStatus), nil
}

// GetMeterTable implements Source.
func (c *Cached) GetMeterTable(ctx context.Context) ([]types.MeterStatus, error) {
	v, err, _ := c.group.Do("meters", func() (any, error) {
		return c.src.GetMeterTable(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]types.MeterStatus)), nil
}

func (c *Cached) get(ctx context.Context, key string, fetch func() (any, error)) (any, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(key, fetch)
	if err != nil {
		return nil, err
	}
	if shared {
		log.Ctx(ctx).DebugContext(ctx, "coalesced enocoo request", slog.String("key", key))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: v, expires: now.Add(c.ttl)}
	c.evictLocked(now)
	return v, nil
}

// evictLocked drops expired entries and then the entries closest to expiry
// until at most maxEntries remain.
func (c *Cached) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey = k
				oldest = e.expires
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of cached responses.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
