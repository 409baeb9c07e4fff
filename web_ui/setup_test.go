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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/database"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/session"
	"github.com/hominem/authcore/token"
)

type (
	fakeResolver struct {
		identity atomic.Pointer[UpstreamIdentity]
		cleared  atomic.Bool
	}

	testServer struct {
		server   *AuthServer
		engine   *gin.Engine
		db       *database.AuthDB
		cache    auth_cache.Cache
		manager  *session.Manager
		keys     *config.IssuerKeys
		resolver *fakeResolver
	}
)

func (f *fakeResolver) ResolveSession(*gin.Context) (*UpstreamIdentity, error) {
	return f.identity.Load(), nil
}

func (f *fakeResolver) ClearSession(*gin.Context) error {
	f.cleared.Store(true)
	f.identity.Store(nil)
	return nil
}

func (f *fakeResolver) signIn(identity server_structs.OAuthIdentity) {
	f.identity.Store(&UpstreamIdentity{OAuthIdentity: identity, SessionID: uuid.NewString()})
}

// setupAuthServer builds a server over a temporary SQLite database and the
// in-memory cache. Tweak adjusts the options derived from the test config.
func setupAuthServer(t *testing.T, tweak func(*Options)) *testServer {
	t.Helper()
	require.NoError(t, config.InitTestConfig(nil))
	t.Cleanup(config.ResetConfig)

	db := database.NewTestAuthDB(t)
	cache := auth_cache.NewMemoryCache("test:")
	t.Cleanup(func() { _ = cache.Close() })
	keys := config.NewIssuerKeys("", "")
	manager, err := session.NewManager(db, cache, token.NewCodecFromConfig(keys))
	require.NoError(t, err)

	opts := OptionsFromConfig()
	if tweak != nil {
		tweak(&opts)
	}
	server, err := NewAuthServer(manager, keys, cache, opts)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	resolver := &fakeResolver{}
	server.SetSessionResolver(resolver)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	server.RegisterRoutes(engine)

	return &testServer{
		server:   server,
		engine:   engine,
		db:       db,
		cache:    cache,
		manager:  manager,
		keys:     keys,
		resolver: resolver,
	}
}

func (ts *testServer) createUser(t *testing.T, email string, admin bool) *server_structs.User {
	t.Helper()
	user, err := ts.manager.Linker.EnsureOAuthSubjectUser(context.Background(), server_structs.OAuthIdentity{
		Provider:        "apple",
		ProviderSubject: "apple-" + uuid.NewString(),
		Email:           email,
	})
	require.NoError(t, err)
	if admin {
		require.NoError(t, ts.db.DB().Model(user).Update("is_admin", true).Error)
		user.IsAdmin = true
	}
	return user
}

func (ts *testServer) upstreamIdentity(email string) server_structs.OAuthIdentity {
	return server_structs.OAuthIdentity{
		Provider:        "apple",
		ProviderSubject: "apple-" + uuid.NewString(),
		Email:           email,
	}
}

func (ts *testServer) tokenPair(t *testing.T, user *server_structs.User) *session.TokenPair {
	t.Helper()
	pair, err := ts.manager.CreateTokenPairForUser(context.Background(), session.TokenPairInput{
		UserID: user.ID,
		Role:   user.Role(),
	})
	require.NoError(t, err)
	return pair
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	ts.engine.ServeHTTP(recorder, req)
	return recorder
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return ts.do(req)
}

func (ts *testServer) doForm(path string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.do(req)
}

func bearer(accessToken string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessToken}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := map[string]any{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body), recorder.Body.String())
	return body
}
