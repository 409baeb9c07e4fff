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
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/param"
	"github.com/hominem/authcore/session"
	"github.com/hominem/authcore/token"
)

type (
	Options struct {
		Environment          string
		ExternalWebURL       string
		TrustedWebOrigins    []string
		PrimaryProvider      string
		CliFlowLifetime      time.Duration
		CliExchangeLifetime  time.Duration
		UserCacheTTL         time.Duration
		UserCacheSize        int
		RateLimitWindow      time.Duration
		TokenRequests        int
		CliAuthorizeRequests int
		AuthorizeRequests    int
		SecureCookies        bool
		SessionMaxAge        time.Duration
	}

	// AuthServer serves the /api/auth routes.
	AuthServer struct {
		opts           Options
		manager        *session.Manager
		keys           token.KeyProvider
		bridge         *CliAuthBridge
		users          *UserCache
		limiter        *RateLimiter
		upstream       UpstreamSessionResolver
		oauth          *UpstreamOAuth
		trustedOrigins []string
	}
)

func OptionsFromConfig() Options {
	externalURL := param.Server_ExternalWebUrl.GetString()
	return Options{
		Environment:          param.Server_Environment.GetString(),
		ExternalWebURL:       externalURL,
		TrustedWebOrigins:    param.Auth_TrustedWebOrigins.GetStringSlice(),
		PrimaryProvider:      param.OAuth_PrimaryProvider.GetString(),
		CliFlowLifetime:      param.Auth_CliFlowLifetime.GetDuration(),
		CliExchangeLifetime:  param.Auth_CliExchangeLifetime.GetDuration(),
		UserCacheTTL:         param.Auth_UserCacheTTL.GetDuration(),
		UserCacheSize:        param.Auth_UserCacheSize.GetInt(),
		RateLimitWindow:      param.Auth_RateLimit_Window.GetDuration(),
		TokenRequests:        param.Auth_RateLimit_TokenRequests.GetInt(),
		CliAuthorizeRequests: param.Auth_RateLimit_CliAuthorizeRequests.GetInt(),
		AuthorizeRequests:    param.Auth_RateLimit_AuthorizeRequests.GetInt(),
		SecureCookies:        strings.HasPrefix(externalURL, "https://"),
		SessionMaxAge:        param.Auth_RefreshTokenLifetime.GetDuration(),
	}
}

func NewAuthServer(manager *session.Manager, keys token.KeyProvider, cache auth_cache.Cache, opts Options) (*AuthServer, error) {
	if manager == nil || keys == nil || cache == nil {
		return nil, errors.New("auth server requires a session manager, signing keys and a cache")
	}
	bridge, err := NewCliAuthBridge(cache, manager, opts)
	if err != nil {
		return nil, err
	}
	trusted := []string{}
	if origin := originOf(opts.ExternalWebURL); origin != "" {
		trusted = append(trusted, origin)
	}
	for _, origin := range opts.TrustedWebOrigins {
		if normalized := originOf(origin); normalized != "" {
			trusted = append(trusted, normalized)
		}
	}
	return &AuthServer{
		opts:           opts,
		manager:        manager,
		keys:           keys,
		bridge:         bridge,
		users:          NewUserCache(manager.Users, opts.UserCacheTTL, opts.UserCacheSize),
		limiter:        NewRateLimiter(opts.RateLimitWindow),
		trustedOrigins: trusted,
	}, nil
}

// NewAuthServerFromConfig wires the server and, when any provider is
// configured, the upstream OAuth sign-in.
func NewAuthServerFromConfig(ctx context.Context, manager *session.Manager, keys token.KeyProvider, cache auth_cache.Cache) (*AuthServer, error) {
	opts := OptionsFromConfig()
	server, err := NewAuthServer(manager, keys, cache, opts)
	if err != nil {
		return nil, err
	}
	providers, err := LoadOAuthProviders()
	if err != nil {
		return nil, err
	}
	if len(providers) > 0 {
		upstream, err := NewUpstreamOAuth(ctx, providers, opts, manager.Linker, nil)
		if err != nil {
			return nil, err
		}
		server.SetUpstreamOAuth(upstream)
	}
	return server, nil
}

// SetUpstreamOAuth installs the sign-in routes and uses the resulting cookie
// session as the fallback identity.
func (s *AuthServer) SetUpstreamOAuth(upstream *UpstreamOAuth) {
	// Linking can set the primary subject, so cached users go stale
	upstream.onLinked = s.users.Invalidate
	s.oauth = upstream
	s.upstream = upstream
}

func (s *AuthServer) SetSessionResolver(resolver UpstreamSessionResolver) {
	s.upstream = resolver
}

func (s *AuthServer) Close() {
	s.limiter.Stop()
	s.users.Stop()
}

func (s *AuthServer) isTrustedWebRedirect(redirectURI string) bool {
	return IsAllowedWebRedirectURI(redirectURI, s.trustedOrigins)
}

func (s *AuthServer) externalURL(path string) string {
	return strings.TrimSuffix(s.opts.ExternalWebURL, "/") + path
}

func (s *AuthServer) devToolsEnabled() bool {
	return s.opts.Environment == config.EnvironmentDevelopment || s.opts.Environment == config.EnvironmentTest
}

func (s *AuthServer) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/.well-known/jwks.json", s.handleJwks)

	group := engine.Group("/api/auth")
	if s.oauth != nil {
		group.Use(s.oauth.SessionMiddleware())
	}
	group.GET("/jwks", s.handleJwks)
	group.GET("/.well-known/jwks.json", s.handleJwks)

	group.POST("/token", s.handleToken)
	group.POST("/refresh-token", s.handleRefreshToken)
	group.POST("/revoke", s.handleRevoke)
	group.POST("/verify", s.handleVerify)
	group.POST("/dev/issue-token", s.handleDevIssueToken)

	group.GET("/session", s.AuthMiddleware(), s.handleSession)
	group.POST("/logout", s.AuthMiddleware(), s.handleLogout)

	group.POST("/cli/authorize",
		s.limiter.Middleware(BucketCliAuthorize, s.opts.CliAuthorizeRequests, clientIPKey), s.handleCliAuthorize)
	group.GET("/cli/callback", s.handleCliCallback)
	group.POST("/cli/exchange", s.handleCliExchange)

	group.GET("/authorize",
		s.limiter.Middleware(BucketAuthorize, s.opts.AuthorizeRequests, clientIPKey), s.handleAuthorize)
	group.GET("/callback/:provider", s.handleProviderCallback)
	group.POST("/callback/:provider", s.handleProviderCallback)

	link := group.Group("/link/:provider", s.AuthMiddleware(), s.RequireAuth())
	link.POST("/start", s.handleLinkStart)
	link.GET("/status", s.handleLinkStatus)
}
