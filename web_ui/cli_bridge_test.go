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
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/test_utils"
)

const cliRedirect = "http://127.0.0.1:53682/callback"

type failingCache struct {
	auth_cache.Cache
}

func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("cache is down")
}

func (failingCache) Take(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache is down")
}

// recordingCache counts the entries written through it.
type recordingCache struct {
	auth_cache.Cache
	sets atomic.Int64
}

func (r *recordingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	r.sets.Inc()
	return r.Cache.Set(ctx, key, value, ttl)
}

func newPKCE(t *testing.T) (string, string) {
	t.Helper()
	verifier, challenge, err := test_utils.GeneratePKCE()
	require.NoError(t, err)
	return verifier, challenge
}

// startCliFlow runs authorize and returns the flow id.
func (ts *testServer) startCliFlow(t *testing.T, challenge, scope string) string {
	t.Helper()
	resp := ts.doJSON(t, http.MethodPost, "/api/auth/cli/authorize", map[string]string{
		"redirect_uri":   cliRedirect,
		"code_challenge": challenge,
		"state":          "cli-state-1234",
		"scope":          scope,
	}, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decodeBody(t, resp)

	authURL, err := url.Parse(body["authorization_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "/api/auth/authorize", authURL.Path)
	assert.Equal(t, "apple", authURL.Query().Get("provider"))

	callback, err := url.Parse(authURL.Query().Get("redirect_uri"))
	require.NoError(t, err)
	assert.Equal(t, "/api/auth/cli/callback", callback.Path)
	flowID := callback.Query().Get("flow_id")
	assert.Equal(t, body["flow_id"], flowID)
	return flowID
}

func (ts *testServer) cliCallback(t *testing.T, query string) *url.URL {
	t.Helper()
	resp := ts.doJSON(t, http.MethodGet, "/api/auth/cli/callback?"+query, nil, nil)
	require.Equal(t, http.StatusFound, resp.Code, resp.Body.String())
	location, err := url.Parse(resp.Header().Get("Location"))
	require.NoError(t, err)
	return location
}

func TestCliFlow(t *testing.T) {
	ts := setupAuthServer(t, nil)
	verifier, challenge := newPKCE(t)
	identity := ts.upstreamIdentity("cli@example.com")
	ts.resolver.signIn(identity)

	flowID := ts.startCliFlow(t, challenge, "cli:read cli:write unknown:scope")
	location := ts.cliCallback(t, url.Values{"flow_id": {flowID}}.Encode())
	assert.Equal(t, "127.0.0.1:53682", location.Host)
	assert.Equal(t, "/callback", location.Path)
	assert.Equal(t, "cli-state-1234", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	exchange := map[string]string{
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  cliRedirect,
	}
	resp := ts.doJSON(t, http.MethodPost, "/api/auth/cli/exchange", exchange, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decodeBody(t, resp)
	assert.Equal(t, "cli:read cli:write", body["scope"])
	assert.NotEmpty(t, body["refresh_token"])

	claims, err := ts.manager.Codec.Verify(context.Background(), body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, []string{"oauth", "cli"}, claims.Amr)
	assert.Equal(t, []string{"cli:read", "cli:write"}, claims.Scope)

	user, err := ts.manager.Linker.EnsureOAuthSubjectUser(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)

	t.Run("code-is-single-use", func(t *testing.T) {
		again := ts.doJSON(t, http.MethodPost, "/api/auth/cli/exchange", exchange, nil)
		assert.Equal(t, http.StatusBadRequest, again.Code)
		decoded := decodeBody(t, again)
		assert.Equal(t, "invalid_grant", decoded["error"])
		assert.Equal(t, "Exchange code is invalid or expired.", decoded["message"])
	})

	t.Run("flow-is-single-use", func(t *testing.T) {
		again := ts.doJSON(t, http.MethodGet, "/api/auth/cli/callback?flow_id="+flowID, nil, nil)
		assert.Equal(t, http.StatusBadRequest, again.Code)
		assert.Equal(t, "Authorization flow expired", again.Body.String())
	})
}

func TestCliFlowFailures(t *testing.T) {
	ts := setupAuthServer(t, nil)

	t.Run("non-loopback-redirect", func(t *testing.T) {
		_, challenge := newPKCE(t)
		resp := ts.doJSON(t, http.MethodPost, "/api/auth/cli/authorize", map[string]string{
			"redirect_uri":   "https://evil.example.com:8443/callback",
			"code_challenge": challenge,
			"state":          "cli-state-1234",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "invalid_redirect_uri", decodeBody(t, resp)["error"])
	})

	t.Run("short-challenge", func(t *testing.T) {
		resp := ts.doJSON(t, http.MethodPost, "/api/auth/cli/authorize", map[string]string{
			"redirect_uri":   cliRedirect,
			"code_challenge": "too-short",
			"state":          "cli-state-1234",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "invalid_request", decodeBody(t, resp)["error"])
	})

	t.Run("missing-flow-id", func(t *testing.T) {
		resp := ts.doJSON(t, http.MethodGet, "/api/auth/cli/callback", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "Missing flow id", resp.Body.String())
	})

	t.Run("no-session", func(t *testing.T) {
		ts.resolver.identity.Store(nil)
		_, challenge := newPKCE(t)
		flowID := ts.startCliFlow(t, challenge, "")
		location := ts.cliCallback(t, "flow_id="+flowID)
		assert.Equal(t, "session_not_found", location.Query().Get("error"))
		assert.Equal(t, "cli-state-1234", location.Query().Get("state"))
		assert.Empty(t, location.Query().Get("code"))
	})

	t.Run("upstream-error", func(t *testing.T) {
		_, challenge := newPKCE(t)
		flowID := ts.startCliFlow(t, challenge, "")
		location := ts.cliCallback(t, url.Values{"flow_id": {flowID}, "error": {"access_denied"}}.Encode())
		assert.Equal(t, "access_denied", location.Query().Get("error"))
		assert.Equal(t, "Sign-in failed", location.Query().Get("error_description"))
	})

	t.Run("pkce-mismatch", func(t *testing.T) {
		ts.resolver.signIn(ts.upstreamIdentity("pkce@example.com"))
		_, challenge := newPKCE(t)
		otherVerifier, _ := newPKCE(t)
		flowID := ts.startCliFlow(t, challenge, "")
		code := ts.cliCallback(t, "flow_id="+flowID).Query().Get("code")
		require.NotEmpty(t, code)

		resp := ts.doJSON(t, http.MethodPost, "/api/auth/cli/exchange", map[string]string{
			"code":          code,
			"code_verifier": otherVerifier,
			"redirect_uri":  cliRedirect,
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		decoded := decodeBody(t, resp)
		assert.Equal(t, "invalid_grant", decoded["error"])
		assert.Equal(t, "PKCE verifier mismatch.", decoded["message"])
	})

	t.Run("redirect-mismatch", func(t *testing.T) {
		ts.resolver.signIn(ts.upstreamIdentity("redirect@example.com"))
		verifier, challenge := newPKCE(t)
		flowID := ts.startCliFlow(t, challenge, "")
		code := ts.cliCallback(t, "flow_id="+flowID).Query().Get("code")

		resp := ts.doJSON(t, http.MethodPost, "/api/auth/cli/exchange", map[string]string{
			"code":          code,
			"code_verifier": verifier,
			"redirect_uri":  "http://127.0.0.1:9999/callback",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, "Redirect URI mismatch.", decodeBody(t, resp)["message"])
	})
}

func TestCliAuthorizeRejectionStoresNoFlow(t *testing.T) {
	ts := setupAuthServer(t, nil)
	cache := &recordingCache{Cache: ts.cache}
	bridge, err := NewCliAuthBridge(cache, ts.manager, ts.server.opts)
	require.NoError(t, err)
	ctx := context.Background()
	_, challenge := newPKCE(t)

	for _, redirect := range []string{
		"https://evil.example.com:8443/callback",
		"http://127.0.0.1/callback",
		"http://192.168.1.10:53682/callback",
	} {
		_, err := bridge.Authorize(ctx, CliAuthorizeRequest{
			RedirectURI:   redirect,
			CodeChallenge: challenge,
			State:         "cli-state-1234",
		})
		assert.Equal(t, server_structs.ErrInvalidRedirectURI, server_structs.CodeOf(err), redirect)
	}
	assert.Zero(t, cache.sets.Load(), "a rejected redirect must not create a flow")

	resp, err := bridge.Authorize(ctx, CliAuthorizeRequest{
		RedirectURI:   cliRedirect,
		CodeChallenge: challenge,
		State:         "cli-state-1234",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cache.sets.Load())
	_, found, err := ts.cache.Get(ctx, cliFlowPrefix+resp.FlowID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestIsLoopbackRedirectURI(t *testing.T) {
	tests := []struct {
		uri     string
		allowed bool
	}{
		{"http://127.0.0.1:8080/callback", true},
		{"http://localhost:3000/", true},
		{"http://[::1]:4000/cb", true},
		{"http://127.0.0.1/callback", false},
		{"https://127.0.0.1:8080/callback", false},
		{"http://127.0.0.2:8080/callback", false},
		{"http://example.com:8080/callback", false},
		{"http://localhost.example.com:8080/", false},
		{"not a url", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, IsLoopbackRedirectURI(tc.uri), tc.uri)
	}
}

func TestIsAllowedWebRedirectURI(t *testing.T) {
	trusted := []string{"https://app.example.com", "http://localhost:3000/"}
	tests := []struct {
		name    string
		uri     string
		allowed bool
	}{
		{"same-origin-path", "https://app.example.com/account", true},
		{"case-insensitive-host", "https://APP.example.com/", true},
		{"trailing-slash-origin", "http://localhost:3000/settings", true},
		{"other-port", "http://localhost:3001/", false},
		{"other-scheme", "http://app.example.com/", false},
		{"suffix-attack", "https://app.example.com.evil.com/", false},
		{"relative", "/account", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, IsAllowedWebRedirectURI(tc.uri, trusted))
		})
	}
}

func TestPKCEChallengeS256(t *testing.T) {
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		PKCEChallengeS256("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestCliExchangeExpires(t *testing.T) {
	ts := setupAuthServer(t, nil)
	mr := miniredis.RunT(t)
	cache := auth_cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = cache.Close() })

	opts := OptionsFromConfig()
	bridge, err := NewCliAuthBridge(cache, ts.manager, opts)
	require.NoError(t, err)

	verifier, challenge := newPKCE(t)
	ctx := context.Background()
	flow, err := bridge.Authorize(ctx, CliAuthorizeRequest{
		RedirectURI:   cliRedirect,
		CodeChallenge: challenge,
		State:         "cli-state-1234",
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:"+cliFlowPrefix+flow.FlowID))

	identity := &UpstreamIdentity{OAuthIdentity: ts.upstreamIdentity("expiry@example.com")}
	redirect, err := bridge.Callback(ctx, flow.FlowID, identity, "", "")
	require.NoError(t, err)
	location, err := url.Parse(redirect)
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	assert.False(t, mr.Exists("test:"+cliFlowPrefix+flow.FlowID), "callback consumes the flow")

	mr.FastForward(opts.CliExchangeLifetime + time.Second)
	_, err = bridge.Exchange(ctx, CliExchangeRequest{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  cliRedirect,
	}, ClientInfo{})
	assert.True(t, server_structs.IsAuthError(err, server_structs.ErrInvalidGrant))
}

func TestCliBridgeCacheFailures(t *testing.T) {
	ts := setupAuthServer(t, nil)
	bridge, err := NewCliAuthBridge(failingCache{}, ts.manager, OptionsFromConfig())
	require.NoError(t, err)
	ctx := context.Background()
	_, challenge := newPKCE(t)

	_, err = bridge.Authorize(ctx, CliAuthorizeRequest{
		RedirectURI:   cliRedirect,
		CodeChallenge: challenge,
		State:         "cli-state-1234",
	})
	assert.True(t, server_structs.IsAuthError(err, server_structs.ErrFlowUnavailable))
	assert.Equal(t, http.StatusServiceUnavailable, server_structs.CodeOf(err).HTTPStatus())

	_, err = bridge.Callback(ctx, "some-flow", nil, "", "")
	assert.True(t, server_structs.IsAuthError(err, server_structs.ErrFlowUnavailable))

	_, err = bridge.Exchange(ctx, CliExchangeRequest{
		Code:         "some-exchange-code",
		CodeVerifier: "v",
		RedirectURI:  cliRedirect,
	}, ClientInfo{})
	assert.True(t, server_structs.IsAuthError(err, server_structs.ErrExchangeUnavailable))
}
