/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/conversion"
	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

var (
	profileCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricProfileCacheHits,
		Help:      "Number of active-profile lookups served from the cache",
	})
	profileCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricProfileCacheMisses,
		Help:      "Number of active-profile lookups that hit the database",
	})
)

// ActiveProfile is a parsed active conversion profile as used on the write
// path.
type ActiveProfile struct {
	// ID is the conversion_profiles row id stamped on converted readings.
	ID uuid.UUID
	// Profile applies the conversion.
	Profile conversion.Profile
}

// ProfileLoader loads the active profile of a sensor from storage. NotFound
// means the sensor currently has none.
type ProfileLoader interface {
	GetActiveProfile(ctx context.Context, sensorID uuid.UUID) (*storage.ConversionProfile, error)
}

// cacheEntry wraps the lookup result so "no active profile" is cached too;
// a nil profile would otherwise force a database query for every batch of a
// raw-only sensor.
type cacheEntry struct {
	profile *ActiveProfile
}

// ProfileCacheConfig configures a ProfileCache.
type ProfileCacheConfig struct {
	// Loader resolves cache misses.
	Loader ProfileLoader
	// TTL bounds staleness after an out-of-process profile change.
	TTL time.Duration
	// Size caps the number of sensors cached per process.
	Size int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ProfileCacheConfig) CheckAndSetDefaults() error {
	if c.Loader == nil {
		return trace.BadParameter("missing parameter Loader")
	}
	if c.TTL == 0 {
		c.TTL = defaults.ProfileCacheTTL
	}
	if c.Size == 0 {
		c.Size = defaults.ProfileCacheSize
	}
	return nil
}

// ProfileCache is the process-local sensor→active-profile map. Entries
// expire after the TTL, which bounds how stale a profile a reading can be
// tagged with; in-process profile changes invalidate synchronously.
type ProfileCache struct {
	loader ProfileLoader
	lru    *lru.LRU[uuid.UUID, cacheEntry]
}

// NewProfileCache creates a ProfileCache.
func NewProfileCache(cfg ProfileCacheConfig) (*ProfileCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(profileCacheHits, profileCacheMisses); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ProfileCache{
		loader: cfg.Loader,
		lru:    lru.NewLRU[uuid.UUID, cacheEntry](cfg.Size, nil, cfg.TTL),
	}, nil
}

// Get returns the sensor's active profile, parsed, or nil when the sensor
// has none. A stored payload that no longer parses is reported as an error:
// the caller must not silently fall back to raw_only for it.
func (c *ProfileCache) Get(ctx context.Context, sensorID uuid.UUID) (*ActiveProfile, error) {
	if entry, ok := c.lru.Get(sensorID); ok {
		profileCacheHits.Inc()
		return entry.profile, nil
	}
	profileCacheMisses.Inc()

	row, err := c.loader.GetActiveProfile(ctx, sensorID)
	if err != nil {
		if trace.IsNotFound(err) {
			c.lru.Add(sensorID, cacheEntry{})
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	kind, err := conversion.ParseKind(row.Kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	profile, err := conversion.ParseProfile(kind, row.Payload)
	if err != nil {
		return nil, trace.Wrap(err, "parsing active profile %v of sensor %v", row.ID, sensorID)
	}
	active := &ActiveProfile{ID: row.ID, Profile: profile}
	c.lru.Add(sensorID, cacheEntry{profile: active})
	return active, nil
}

// Invalidate drops the sensor's cached entry. Called synchronously when the
// active profile changes in this process; other processes converge within
// the TTL.
func (c *ProfileCache) Invalidate(sensorID uuid.UUID) {
	c.lru.Remove(sensorID)
}
