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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hominem/authcore/config"
)

func TestRateLimiterAllow(t *testing.T) {
	require.NoError(t, config.InitTestConfig(nil))
	t.Cleanup(config.ResetConfig)

	limiter := NewRateLimiter(time.Minute)
	t.Cleanup(limiter.Stop)

	for expected := 2; expected >= 0; expected-- {
		allowed, remaining := limiter.Allow(BucketAuthorize, "10.0.0.1", 3)
		require.True(t, allowed)
		assert.Equal(t, expected, remaining)
	}
	allowed, remaining := limiter.Allow(BucketAuthorize, "10.0.0.1", 3)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	t.Run("clients-are-independent", func(t *testing.T) {
		allowed, _ := limiter.Allow(BucketAuthorize, "10.0.0.2", 3)
		assert.True(t, allowed)
	})

	t.Run("buckets-are-independent", func(t *testing.T) {
		allowed, _ := limiter.Allow(BucketCliAuthorize, "10.0.0.1", 3)
		assert.True(t, allowed)
	})

	t.Run("zero-max-disables", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			allowed, _ := limiter.Allow(BucketRefreshToken, "10.0.0.1", 0)
			assert.True(t, allowed)
		}
	})
}

func TestTokenEndpointRateLimit(t *testing.T) {
	ts := setupAuthServer(t, func(opts *Options) {
		opts.TokenRequests = 2
	})
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "aaaaaaaaaaaaaaaa-not-a-real-token",
	}

	for i := 0; i < 2; i++ {
		resp := ts.doJSON(t, http.MethodPost, "/api/auth/token", body, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.Equal(t, "2", resp.Header().Get("X-RateLimit-Limit"))
	}

	limited := ts.doJSON(t, http.MethodPost, "/api/auth/token", body, nil)
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))
	decoded := decodeBody(t, limited)
	assert.Equal(t, "rate_limit_exceeded", decoded["error"])
	assert.Equal(t, "Auth rate limit exceeded. Retry later.", decoded["message"])

	// The legacy route shares the bucket
	legacy := ts.doJSON(t, http.MethodPost, "/api/auth/refresh-token", map[string]string{
		"refresh_token": body["refresh_token"],
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, legacy.Code)

	// A different token is a different client
	other := ts.doJSON(t, http.MethodPost, "/api/auth/token", map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "bbbbbbbbbbbbbbbb-not-a-real-token",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, other.Code)
}

func TestCliAuthorizeRateLimit(t *testing.T) {
	ts := setupAuthServer(t, func(opts *Options) {
		opts.CliAuthorizeRequests = 1
	})
	_, challenge := newPKCE(t)
	req := map[string]string{
		"redirect_uri":   "http://127.0.0.1:8765/callback",
		"code_challenge": challenge,
		"state":          "state-12345",
	}

	first := ts.doJSON(t, http.MethodPost, "/api/auth/cli/authorize", req, nil)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := ts.doJSON(t, http.MethodPost, "/api/auth/cli/authorize", req, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limit_exceeded", decodeBody(t, second)["error"])
}
