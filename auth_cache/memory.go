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

package auth_cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache keeps entries in process memory. It is only coherent for a
// single instance.
type MemoryCache struct {
	prefix string
	items  *ttlcache.Cache[string, string]
}

func NewMemoryCache(prefix string) *MemoryCache {
	items := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go items.Start()
	return &MemoryCache{prefix: prefix, items: items}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	item := m.items.Get(m.prefix + key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.items.Set(m.prefix+key, value, ttl)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.items.Delete(m.prefix + key)
	return nil
}

func (m *MemoryCache) Take(_ context.Context, key string) (string, bool, error) {
	item, present := m.items.GetAndDelete(m.prefix + key)
	if !present || item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

func (m *MemoryCache) Close() error {
	m.items.Stop()
	return nil
}
