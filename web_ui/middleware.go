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
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/session"
	"github.com/hominem/authcore/token_scopes"
)

type (
	// UserCache is a bounded, per-instance read-through cache of users in
	// front of the durable store. Entries are never refreshed on hit so a
	// role change is visible after at most one TTL.
	UserCache struct {
		db    session.UserDurableLayer
		cache *ttlcache.Cache[string, *server_structs.User]
	}
)

const (
	userKey      = "User"
	userIdKey    = "UserId"
	authKey      = "Auth"
	authErrorKey = "AuthError"

	testUserHeader = "x-user-id"

	authFailedMessage = "Authentication failed"
)

func NewUserCache(db session.UserDurableLayer, ttl time.Duration, size int) *UserCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	opts := []ttlcache.Option[string, *server_structs.User]{
		ttlcache.WithTTL[string, *server_structs.User](ttl),
		ttlcache.WithDisableTouchOnHit[string, *server_structs.User](),
	}
	if size > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *server_structs.User](uint64(size)))
	}
	cache := ttlcache.New[string, *server_structs.User](opts...)
	go cache.Start()
	return &UserCache{db: db, cache: cache}
}

// Get returns the user, or nil when it does not exist.
func (uc *UserCache) Get(ctx context.Context, userID string) (*server_structs.User, error) {
	if item := uc.cache.Get(userID); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}
	user, err := uc.db.GetUser(ctx, userID)
	if err != nil || user == nil {
		return nil, err
	}
	uc.cache.Set(userID, user, ttlcache.DefaultTTL)
	return user, nil
}

func (uc *UserCache) Invalidate(userID string) {
	uc.cache.Delete(userID)
}

func (uc *UserCache) Stop() {
	uc.cache.Stop()
}

func bearerToken(ctx *gin.Context) string {
	header := ctx.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func setIdentity(ctx *gin.Context, user *server_structs.User, auth *server_structs.AuthContext) {
	ctx.Set(userKey, user)
	ctx.Set(userIdKey, user.ID)
	ctx.Set(authKey, auth)
}

func GetUser(ctx *gin.Context) *server_structs.User {
	if value, ok := ctx.Get(userKey); ok {
		if user, ok := value.(*server_structs.User); ok {
			return user
		}
	}
	return nil
}

func GetAuthContext(ctx *gin.Context) *server_structs.AuthContext {
	if value, ok := ctx.Get(authKey); ok {
		if auth, ok := value.(*server_structs.AuthContext); ok {
			return auth
		}
	}
	return nil
}

func (s *AuthServer) clientInfo(ctx *gin.Context) ClientInfo {
	return ClientInfo{
		IPHash:        config.HashClientValue(ctx.ClientIP()),
		UserAgentHash: config.HashClientValue(ctx.Request.UserAgent()),
	}
}

// AuthMiddleware attaches the caller's identity to the context. A bearer
// token that fails verification aborts with 401; a request without one falls
// back to the upstream browser session and otherwise continues anonymously.
func (s *AuthServer) AuthMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if s.opts.Environment == config.EnvironmentTest && s.authenticateTestHeader(ctx) {
			ctx.Next()
			return
		}

		if raw := bearerToken(ctx); raw != "" {
			if !s.authenticateBearer(ctx, raw) {
				return
			}
			ctx.Next()
			return
		}

		s.authenticateUpstream(ctx)
		ctx.Next()
	}
}

func (s *AuthServer) authenticateTestHeader(ctx *gin.Context) bool {
	userID := ctx.GetHeader(testUserHeader)
	if userID == "" {
		return false
	}
	user, err := s.users.Get(ctx.Request.Context(), userID)
	if err != nil || user == nil {
		return false
	}
	setIdentity(ctx, user, &server_structs.AuthContext{
		Sub:      user.ID,
		Sid:      uuid.NewString(),
		Scope:    token_scopes.DefaultApiScopes(),
		Role:     user.Role(),
		Amr:      []string{"test-header"},
		AuthTime: time.Now().Unix(),
	})
	return true
}

func (s *AuthServer) rejectBearer(ctx *gin.Context, code server_structs.AuthErrorCode, err error) {
	ctx.Set(authErrorKey, code)
	log.WithFields(log.Fields{"auth_error": code, "client": ctx.ClientIP()}).WithError(err).Warn("Invalid bearer token")
	ctx.AbortWithStatusJSON(http.StatusUnauthorized, server_structs.ErrorResponse{
		Error:   code,
		Message: authFailedMessage,
	})
}

func (s *AuthServer) authenticateBearer(ctx *gin.Context, raw string) bool {
	rctx := ctx.Request.Context()
	claims, err := s.manager.Codec.Verify(rctx, raw)
	if err != nil {
		code := server_structs.CodeOf(err)
		if code == "" {
			code = server_structs.ErrInvalidToken
		}
		s.rejectBearer(ctx, code, err)
		return false
	}

	// A failed lookup counts as revoked
	revoked, err := s.manager.Sessions.IsRevoked(rctx, claims.SessionID)
	if err != nil || revoked {
		s.rejectBearer(ctx, server_structs.ErrRevokedSession, err)
		return false
	}

	user, err := s.users.Get(rctx, claims.Subject)
	if err != nil || user == nil {
		s.rejectBearer(ctx, server_structs.ErrInvalidToken, err)
		return false
	}
	setIdentity(ctx, user, claims.AuthContext())
	return true
}

// authenticateUpstream maps the upstream browser session to a user and a
// durable session keyed by the upstream session id.
func (s *AuthServer) authenticateUpstream(ctx *gin.Context) {
	if s.upstream == nil {
		return
	}
	rctx := ctx.Request.Context()
	identity, err := s.upstream.ResolveSession(ctx)
	if err != nil || identity == nil {
		if err != nil {
			log.WithError(err).Debug("Upstream session resolution failed")
		}
		return
	}
	user, err := s.manager.Linker.EnsureOAuthSubjectUser(rctx, identity.OAuthIdentity)
	if err != nil {
		log.WithError(err).Debug("Upstream session has no usable identity")
		return
	}
	client := s.clientInfo(ctx)
	authSession, err := s.manager.Sessions.EnsureSession(rctx, session.EnsureSessionInput{
		UserID:        user.ID,
		SessionState:  identity.SessionID,
		Amr:           []string{"oauth"},
		IPHash:        client.IPHash,
		UserAgentHash: client.UserAgentHash,
	})
	if err != nil {
		log.WithError(err).Debug("Failed to attach a session to the upstream sign-in")
		return
	}
	setIdentity(ctx, user, &server_structs.AuthContext{
		Sub:      user.ID,
		Sid:      authSession.ID,
		Scope:    token_scopes.DefaultApiScopes(),
		Role:     user.Role(),
		Amr:      authSession.Amr,
		AuthTime: authSession.CreatedAt.Unix(),
	})
}

func (s *AuthServer) RequireAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if GetUser(ctx) == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, server_structs.ErrorResponse{Error: server_structs.ErrUnauthorized})
			return
		}
		ctx.Next()
	}
}

// RequireScope aborts with 403 unless the caller's token carries every scope.
func (s *AuthServer) RequireScope(scopes ...token_scopes.TokenScope) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		auth := GetAuthContext(ctx)
		if auth == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, server_structs.ErrorResponse{Error: server_structs.ErrUnauthorized})
			return
		}
		if !token_scopes.ScopeContains(auth.Scope, scopes, true) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, server_structs.ErrorResponse{
				Error:   server_structs.ErrInsufficientScope,
				Message: "token is missing a required scope",
			})
			return
		}
		ctx.Next()
	}
}
