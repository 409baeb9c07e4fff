/***************************************************************
 *
 * Copyright (C) 2025, The Authcore Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package auth_cache is the advisory key/value tier used for session
// revocation sentinels, CLI authorization flows and exchange codes. The
// durable store stays authoritative; callers treat every error from a Cache
// as "unknown" rather than as an answer.
package auth_cache

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/param"
)

type Cache interface {
	// Get returns the value and true, or "" and false on a miss.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take atomically reads and removes key, so at most one caller observes
	// any stored value.
	Take(ctx context.Context, key string) (string, bool, error)
	Close() error
}

// NewFromConfig builds the backend selected by Cache.Backend.
func NewFromConfig(ctx context.Context) (Cache, error) {
	prefix := param.Cache_KeyPrefix.GetString()
	switch backend := param.Cache_Backend.GetString(); backend {
	case config.CacheBackendRedis:
		cache, err := NewRedisCache(ctx, param.Cache_RedisUrl.GetString(), prefix)
		if err != nil {
			metrics.ReportUnhealthy(metrics.ComponentCache, err)
			return nil, err
		}
		metrics.ReportHealthy(metrics.ComponentCache, "redis reachable")
		return cache, nil
	case config.CacheBackendMemory, "":
		metrics.ReportHealthy(metrics.ComponentCache, "in-process cache")
		return NewMemoryCache(prefix), nil
	default:
		return nil, errors.Errorf("unsupported Cache.Backend %q", backend)
	}
}
