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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/database"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token"
)

// flakyCache fails every call while down is set.
type flakyCache struct {
	auth_cache.Cache
	down atomic.Bool
}

var errCacheDown = errors.New("cache unavailable")

func (f *flakyCache) Get(ctx context.Context, key string) (string, bool, error) {
	if f.down.Load() {
		return "", false, errCacheDown
	}
	return f.Cache.Get(ctx, key)
}

func (f *flakyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.down.Load() {
		return errCacheDown
	}
	return f.Cache.Set(ctx, key, value, ttl)
}

func (f *flakyCache) Delete(ctx context.Context, key string) error {
	if f.down.Load() {
		return errCacheDown
	}
	return f.Cache.Delete(ctx, key)
}

type testEnv struct {
	manager *Manager
	db      *database.AuthDB
	cache   *flakyCache
	codec   *token.Codec
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, config.InitTestConfig(nil))
	t.Cleanup(config.ResetConfig)

	adb := database.NewTestAuthDB(t)
	memory := auth_cache.NewMemoryCache("test:")
	t.Cleanup(func() { _ = memory.Close() })
	cache := &flakyCache{Cache: memory}

	codec := token.NewCodecFromConfig(config.NewIssuerKeys("", ""))
	manager, err := NewManager(adb, cache, codec)
	require.NoError(t, err)
	return &testEnv{manager: manager, db: adb, cache: cache, codec: codec}
}

func (e *testEnv) createUser(t *testing.T, email string, admin bool) *server_structs.User {
	t.Helper()
	user, err := e.db.CreateUserIfAbsent(context.Background(), &server_structs.User{
		ID:      uuid.NewString(),
		Email:   email,
		IsAdmin: admin,
	})
	require.NoError(t, err)
	return user
}

func TestEnsureSession(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "ensure@example.com", false)
	store := env.manager.Sessions

	t.Run("same-state-reuses-session", func(t *testing.T) {
		first, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID, SessionState: "upstream-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"oauth"}, first.Amr)

		second, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID, SessionState: "upstream-1", Amr: []string{"oauth", "cli"}})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, []string{"oauth", "cli"}, second.Amr)
	})

	t.Run("missing-state-creates-new-session", func(t *testing.T) {
		first, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)
		second, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assert.NotEmpty(t, first.SessionState)
	})

	t.Run("revoked-session-is-not-reused", func(t *testing.T) {
		first, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID, SessionState: "upstream-2"})
		require.NoError(t, err)
		require.NoError(t, store.RevokeSession(ctx, first.ID))

		second, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID, SessionState: "upstream-2"})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("requires-user", func(t *testing.T) {
		_, err := store.EnsureSession(ctx, EnsureSessionInput{})
		assert.Error(t, err)
	})
}

func TestIsRevoked(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "revoked@example.com", false)
	store := env.manager.Sessions

	t.Run("active-session-served-from-cache", func(t *testing.T) {
		session, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)
		state, found, err := env.cache.Get(ctx, sessionStateKey(session.ID))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, stateActive, state)

		revoked, err := store.IsRevoked(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("revocation-writes-both-keys", func(t *testing.T) {
		session, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)
		require.NoError(t, store.RevokeSession(ctx, session.ID))

		state, _, err := env.cache.Get(ctx, sessionStateKey(session.ID))
		require.NoError(t, err)
		assert.Equal(t, stateRevoked, state)
		flag, _, err := env.cache.Get(ctx, revokedFlagKey(session.ID))
		require.NoError(t, err)
		assert.Equal(t, revokedFlag, flag)

		revoked, err := store.IsRevoked(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("legacy-flag-is-honoured-and-rehydrates-state", func(t *testing.T) {
		sessionID := uuid.NewString()
		require.NoError(t, env.cache.Set(ctx, revokedFlagKey(sessionID), revokedFlag, time.Hour))

		revoked, err := store.IsRevoked(ctx, sessionID)
		require.NoError(t, err)
		assert.True(t, revoked)
		state, found, err := env.cache.Get(ctx, sessionStateKey(sessionID))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, stateRevoked, state)
	})

	t.Run("cache-miss-falls-back-to-db-and-hydrates", func(t *testing.T) {
		session, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)
		_, err = env.db.RevokeSession(ctx, session.ID, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, env.cache.Delete(ctx, sessionStateKey(session.ID)))

		revoked, err := store.IsRevoked(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, revoked)
		state, _, err := env.cache.Get(ctx, sessionStateKey(session.ID))
		require.NoError(t, err)
		assert.Equal(t, stateRevoked, state)
	})

	t.Run("cache-outage-during-revoke-still-revokes", func(t *testing.T) {
		session, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)

		env.cache.down.Store(true)
		require.NoError(t, store.RevokeSession(ctx, session.ID))
		revoked, err := store.IsRevoked(ctx, session.ID)
		env.cache.down.Store(false)
		require.NoError(t, err)
		assert.True(t, revoked, "the database answer must win over an unreachable cache")

		stored, err := env.db.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.RevokedAt)
	})

	t.Run("unknown-session-is-not-cached", func(t *testing.T) {
		sessionID := uuid.NewString()
		revoked, err := store.IsRevoked(ctx, sessionID)
		require.NoError(t, err)
		assert.False(t, revoked)
		_, found, err := env.cache.Get(ctx, sessionStateKey(sessionID))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("touch-after-revoke-keeps-session-revoked", func(t *testing.T) {
		pair, err := env.manager.CreateTokenPairForUser(ctx, TokenPairInput{UserID: user.ID})
		require.NoError(t, err)
		require.NoError(t, store.RevokeSession(ctx, pair.SessionID))

		touched, err := store.TouchSession(ctx, pair.SessionID)
		require.NoError(t, err)
		assert.False(t, touched)

		revoked, err := store.IsRevoked(ctx, pair.SessionID)
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("late-active-sentinel-is-corrected", func(t *testing.T) {
		session, err := store.EnsureSession(ctx, EnsureSessionInput{UserID: user.ID})
		require.NoError(t, err)
		// Revocation commits between another request's touch and its cache write
		require.NoError(t, store.RevokeSession(ctx, session.ID))

		assert.False(t, store.markActive(ctx, session.ID))
		state, _, err := env.cache.Get(ctx, sessionStateKey(session.ID))
		require.NoError(t, err)
		assert.Equal(t, stateRevoked, state)

		revoked, err := store.IsRevoked(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("empty-session-id-is-revoked", func(t *testing.T) {
		revoked, err := store.IsRevoked(ctx, "")
		require.NoError(t, err)
		assert.True(t, revoked)
	})
}
