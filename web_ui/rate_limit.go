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

package web_ui

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/server_structs"
)

type (
	// RateLimiter keeps one token bucket per (bucket, client) pair. Idle
	// clients fall out of the table after a window.
	RateLimiter struct {
		window   time.Duration
		mu       sync.Mutex
		limiters *ttlcache.Cache[string, *rate.Limiter]
	}

	// KeyFunc derives the client identifier a request is counted against.
	KeyFunc func(ctx *gin.Context) string
)

const (
	BucketRefreshToken = "refresh-token"
	BucketCliAuthorize = "cli-authorize"
	BucketAuthorize    = "authorize"

	rateLimitMessage = "Auth rate limit exceeded. Retry later."
)

func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](window),
	)
	go limiters.Start()
	return &RateLimiter{window: window, limiters: limiters}
}

func (rl *RateLimiter) Stop() {
	rl.limiters.Stop()
}

func (rl *RateLimiter) limiterFor(key string, max int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Get extends the TTL, so only clients that stop calling expire
	if item := rl.limiters.Get(key); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(rate.Limit(float64(max)/rl.window.Seconds()), max)
	rl.limiters.Set(key, limiter, ttlcache.DefaultTTL)
	return limiter
}

// Allow takes one request from the client's bucket and reports the remaining
// allowance.
func (rl *RateLimiter) Allow(bucket, clientKey string, max int) (bool, int) {
	if max <= 0 {
		return true, 0
	}
	limiter := rl.limiterFor(bucket+":"+config.HashClientValue(clientKey), max)
	allowed := limiter.Allow()
	remaining := int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// Middleware enforces max requests per window for the bucket. Every response
// carries the X-RateLimit headers.
func (rl *RateLimiter) Middleware(bucket string, max int, keyFunc KeyFunc) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !rl.Enforce(ctx, bucket, max, keyFunc(ctx)) {
			return
		}
		ctx.Next()
	}
}

// Enforce is the in-handler form of Middleware, for routes whose client key
// depends on the parsed body. A false return means the 429 has been written.
func (rl *RateLimiter) Enforce(ctx *gin.Context, bucket string, max int, clientKey string) bool {
	allowed, remaining := rl.Allow(bucket, clientKey, max)
	ctx.Header("X-RateLimit-Limit", strconv.Itoa(max))
	ctx.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if allowed {
		return true
	}
	metrics.RateLimited.WithLabelValues(bucket).Inc()
	log.WithFields(log.Fields{"bucket": bucket, "client": ctx.ClientIP()}).Warn("Auth rate limit exceeded")
	ctx.AbortWithStatusJSON(http.StatusTooManyRequests, server_structs.ErrorResponse{
		Error:   server_structs.ErrRateLimitExceeded,
		Message: rateLimitMessage,
	})
	return false
}

func clientIPKey(ctx *gin.Context) string {
	return ctx.ClientIP()
}
