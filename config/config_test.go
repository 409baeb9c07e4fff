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

package config

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hominem/authcore/param"
)

func TestServerDefaults(t *testing.T) {
	require.NoError(t, InitTestConfig(nil))
	t.Cleanup(ResetConfig)

	assert.Equal(t, 10*time.Minute, param.Auth_AccessTokenLifetime.GetDuration())
	assert.Equal(t, 720*time.Hour, param.Auth_RefreshTokenLifetime.GetDuration())
	assert.Equal(t, 10*time.Minute, param.Auth_SessionStateCacheTTL.GetDuration())
	assert.Equal(t, 1024, param.Auth_UserCacheSize.GetInt())
	assert.Equal(t, "hominem-api", param.Auth_Audience.GetString())
	assert.Equal(t, 25, param.Auth_RateLimit_TokenRequests.GetInt())
	assert.Equal(t, "authcore:", param.Cache_KeyPrefix.GetString())
	assert.True(t, IsTestMode())
	assert.False(t, IsDevelopment())
}

func TestInitServer(t *testing.T) {
	secret := strings.Repeat("s", 32)
	tests := []struct {
		name        string
		overrides   map[string]interface{}
		errContains string
	}{
		{
			name:      "test-environment-without-secret",
			overrides: map[string]interface{}{},
		},
		{
			name: "production-requires-secret",
			overrides: map[string]interface{}{
				"Server.Environment": EnvironmentProduction,
			},
			errContains: "Auth.Secret is required",
		},
		{
			name: "short-secret-rejected",
			overrides: map[string]interface{}{
				"Server.Environment": EnvironmentProduction,
				"Auth.Secret":        "too-short",
			},
			errContains: "at least 32",
		},
		{
			name: "production-with-secret",
			overrides: map[string]interface{}{
				"Server.Environment": EnvironmentProduction,
				"Auth.Secret":        secret,
			},
		},
		{
			name: "unknown-environment",
			overrides: map[string]interface{}{
				"Server.Environment": "staging",
			},
			errContains: "Server.Environment",
		},
		{
			name: "relative-external-url",
			overrides: map[string]interface{}{
				"Server.ExternalWebUrl": "/relative",
			},
			errContains: "ExternalWebUrl",
		},
		{
			name: "postgres-needs-dsn",
			overrides: map[string]interface{}{
				"Server.DbDriver": DbDriverPostgres,
			},
			errContains: "Server.DbDsn",
		},
		{
			name: "redis-needs-url",
			overrides: map[string]interface{}{
				"Cache.Backend": CacheBackendRedis,
			},
			errContains: "Cache.RedisUrl",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, InitTestConfig(tc.overrides))
			t.Cleanup(ResetConfig)

			err := InitServer(context.Background())
			if tc.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errContains)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestInitServerDefaultsIssuer(t *testing.T) {
	require.NoError(t, InitTestConfig(map[string]interface{}{
		"Server.ExternalWebUrl": "https://auth.example.com/",
	}))
	t.Cleanup(ResetConfig)
	require.NoError(t, param.Set("Auth.Issuer", ""))

	require.NoError(t, InitServer(context.Background()))
	assert.Equal(t, "https://auth.example.com", param.Auth_Issuer.GetString())
	assert.Equal(t, "https://auth.example.com", ExternalOrigin())
}

func TestDeriveKey(t *testing.T) {
	require.NoError(t, InitTestConfig(map[string]interface{}{
		"Auth.Secret": strings.Repeat("k", 32),
	}))
	t.Cleanup(ResetConfig)

	refresh, err := DeriveKey(PurposeRefreshTokenHash, 32)
	require.NoError(t, err)
	again, err := DeriveKey(PurposeRefreshTokenHash, 32)
	require.NoError(t, err)
	cookie, err := DeriveKey(PurposeSessionCookie, 32)
	require.NoError(t, err)

	assert.Len(t, refresh, 32)
	assert.Equal(t, refresh, again)
	assert.NotEqual(t, refresh, cookie)

	assert.Equal(t, HashClientValue("127.0.0.1"), HashClientValue("127.0.0.1"))
	assert.NotEqual(t, HashClientValue("127.0.0.1"), HashClientValue("10.0.0.1"))
	assert.Empty(t, HashClientValue(""))
}

func TestEphemeralSecretIsStable(t *testing.T) {
	require.NoError(t, InitTestConfig(nil))
	t.Cleanup(ResetConfig)

	first, err := GetAuthSecret()
	require.NoError(t, err)
	second, err := GetAuthSecret()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRedactFieldsHook(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&log.TextFormatter{DisableColors: true, DisableTimestamp: true})
	logger.AddHook(NewRedactFieldsHook("refresh_token", "Code"))

	logger.WithFields(log.Fields{
		"refresh_token": "super-secret-value",
		"code":          "one-time-code",
		"user_id":       "user-1",
	}).Info("rotating")

	output := buf.String()
	assert.NotContains(t, output, "super-secret-value")
	assert.NotContains(t, output, "one-time-code")
	assert.Contains(t, output, "user_id=user-1")
	assert.Contains(t, output, "refresh_token=\"[redacted]\"")
}
