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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hominem/authcore/server_structs"
)

func TestEnsureOAuthSubjectUser(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	linker := env.manager.Linker

	appleIdentity := server_structs.OAuthIdentity{
		Provider:        "apple",
		ProviderSubject: "apple-001",
		Email:           "  Heidi@Example.com ",
		Name:            "Heidi",
	}

	t.Run("first-sign-in-creates-user-and-primary-subject", func(t *testing.T) {
		user, err := linker.EnsureOAuthSubjectUser(ctx, appleIdentity)
		require.NoError(t, err)
		assert.Equal(t, "heidi@example.com", user.Email)
		assert.Equal(t, "Heidi", user.Name)
		require.NotNil(t, user.PrimaryAuthSubjectID)

		subject, err := env.db.FindActiveSubject(ctx, "apple", "apple-001")
		require.NoError(t, err)
		assert.Equal(t, subject.ID, *user.PrimaryAuthSubjectID)
	})

	t.Run("repeat-sign-in-is-idempotent", func(t *testing.T) {
		first, err := linker.EnsureOAuthSubjectUser(ctx, appleIdentity)
		require.NoError(t, err)
		second, err := linker.EnsureOAuthSubjectUser(ctx, appleIdentity)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, *first.PrimaryAuthSubjectID, *second.PrimaryAuthSubjectID)
	})

	t.Run("second-provider-merges-by-email", func(t *testing.T) {
		apple, err := linker.EnsureOAuthSubjectUser(ctx, appleIdentity)
		require.NoError(t, err)
		google, err := linker.EnsureOAuthSubjectUser(ctx, server_structs.OAuthIdentity{
			Provider:        "google",
			ProviderSubject: "google-001",
			Email:           "heidi@example.com",
		})
		require.NoError(t, err)
		assert.Equal(t, apple.ID, google.ID)
		assert.Equal(t, *apple.PrimaryAuthSubjectID, *google.PrimaryAuthSubjectID, "primary subject is only set once")

		linked, err := linker.IsProviderLinked(ctx, apple.ID, "google")
		require.NoError(t, err)
		assert.True(t, linked)
	})

	t.Run("concurrent-first-sign-in-yields-one-user", func(t *testing.T) {
		identity := server_structs.OAuthIdentity{Provider: "apple", ProviderSubject: "apple-race", Email: "race@example.com"}
		ids := make([]string, 4)
		var wg sync.WaitGroup
		for idx := range ids {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				if user, err := linker.EnsureOAuthSubjectUser(ctx, identity); err == nil {
					ids[idx] = user.ID
				}
			}(idx)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		assert.NotEmpty(t, ids[0])
	})

	t.Run("identity-validation", func(t *testing.T) {
		_, err := linker.EnsureOAuthSubjectUser(ctx, server_structs.OAuthIdentity{Provider: "apple", Email: "x@example.com"})
		assert.Equal(t, server_structs.ErrInvalidRequest, server_structs.CodeOf(err))

		_, err = linker.EnsureOAuthSubjectUser(ctx, server_structs.OAuthIdentity{Provider: "apple", ProviderSubject: "no-email"})
		assert.Equal(t, server_structs.ErrInvalidRequest, server_structs.CodeOf(err))
	})
}

func TestLinkSubjectToUser(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	linker := env.manager.Linker
	owner := env.createUser(t, "owner@example.com", false)
	other := env.createUser(t, "other@example.com", false)
	identity := server_structs.OAuthIdentity{Provider: "google", ProviderSubject: "g-1", Email: "owner@gmail.com"}

	subject, err := linker.LinkSubjectToUser(ctx, owner.ID, identity)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, subject.UserID)

	again, err := linker.LinkSubjectToUser(ctx, owner.ID, identity)
	require.NoError(t, err)
	assert.Equal(t, subject.ID, again.ID)

	_, err = linker.LinkSubjectToUser(ctx, other.ID, identity)
	assert.Equal(t, server_structs.ErrInvalidRequest, server_structs.CodeOf(err))

	linked, err := linker.IsProviderLinked(ctx, other.ID, "google")
	require.NoError(t, err)
	assert.False(t, linked)
}
