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
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token"
)

type (
	tokenRequest struct {
		GrantType    string `json:"grant_type" form:"grant_type"`
		RefreshToken string `json:"refresh_token" form:"refresh_token"`
	}

	refreshTokenRequest struct {
		RefreshToken string `json:"refresh_token" binding:"required,min=16"`
	}

	revokeRequest struct {
		Token         string `json:"token" binding:"required,min=16"`
		TokenTypeHint string `json:"token_type_hint" binding:"omitempty,oneof=refresh_token access_token"`
	}

	devIssueTokenRequest struct {
		UserID string   `json:"userId" binding:"required"`
		Scope  []string `json:"scope"`
		Role   string   `json:"role" binding:"omitempty,oneof=user admin"`
		Sid    string   `json:"sid"`
	}
)

const (
	minRefreshTokenLength = 16
	refreshKeyPrefixLen   = 16
)

// writeError renders err as {"error": code, "message": ...}; anything that is
// not an auth failure is logged and hidden behind server_error.
func writeError(ctx *gin.Context, err error) {
	code := server_structs.CodeOf(err)
	if code == "" {
		log.WithError(err).WithField("path", ctx.Request.URL.Path).Error("Auth request failed")
		ctx.JSON(http.StatusInternalServerError, server_structs.ErrorResponse{Error: server_structs.ErrServerError})
		return
	}
	var message string
	var authErr *server_structs.AuthError
	if errors.As(err, &authErr) {
		message = authErr.Message()
	}
	ctx.JSON(code.HTTPStatus(), server_structs.ErrorResponse{Error: code, Message: message})
}

func invalidRequest(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
		Error:   server_structs.ErrInvalidRequest,
		Message: err.Error(),
	})
}

func (s *AuthServer) handleJwks(ctx *gin.Context) {
	jwks, err := s.keys.GetJwks(ctx.Request.Context())
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jwks)
}

// handleToken is the OAuth-style token endpoint; it accepts a form or JSON
// body but only the refresh_token grant.
func (s *AuthServer) handleToken(ctx *gin.Context) {
	var req tokenRequest
	if strings.HasPrefix(ctx.ContentType(), binding.MIMEPOSTForm) {
		_ = ctx.ShouldBindWith(&req, binding.Form)
	} else {
		_ = ctx.ShouldBindJSON(&req)
	}

	if req.GrantType != "refresh_token" {
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrUnsupportedGrantType,
			Message: "Only refresh_token grant is available on this endpoint.",
		})
		return
	}
	if len(req.RefreshToken) < minRefreshTokenLength {
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrInvalidRequest,
			Message: "refresh_token must be at least 16 characters",
		})
		return
	}
	s.rotate(ctx, req.RefreshToken)
}

func (s *AuthServer) handleRefreshToken(ctx *gin.Context) {
	var req refreshTokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidRequest(ctx, err)
		return
	}
	s.rotate(ctx, req.RefreshToken)
}

func (s *AuthServer) rotate(ctx *gin.Context, refreshToken string) {
	clientKey := ctx.ClientIP() + ":" + refreshToken[:refreshKeyPrefixLen]
	if !s.limiter.Enforce(ctx, BucketRefreshToken, s.opts.TokenRequests, clientKey) {
		return
	}

	pair, err := s.manager.RotateRefreshToken(ctx.Request.Context(), refreshToken)
	if err != nil {
		code := server_structs.CodeOf(err)
		if code == "" {
			writeError(ctx, err)
			return
		}
		ctx.JSON(http.StatusUnauthorized, server_structs.ErrorResponse{Error: code})
		return
	}
	ctx.JSON(http.StatusOK, pair.Response(""))
}

func (s *AuthServer) handleRevoke(ctx *gin.Context) {
	var req revokeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidRequest(ctx, err)
		return
	}
	if req.TokenTypeHint != "" && req.TokenTypeHint != "refresh_token" {
		ctx.JSON(http.StatusBadRequest, server_structs.RevokeResponse{
			Revoked: false,
			Error:   server_structs.ErrUnsupportedTokenType,
		})
		return
	}
	revoked, err := s.manager.RevokeByRefreshToken(ctx.Request.Context(), req.Token)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, server_structs.RevokeResponse{Revoked: revoked})
}

func (s *AuthServer) handleLogout(ctx *gin.Context) {
	if auth := GetAuthContext(ctx); auth != nil && auth.Sid != "" {
		if err := s.manager.Sessions.RevokeSession(ctx.Request.Context(), auth.Sid); err != nil {
			writeError(ctx, err)
			return
		}
		log.WithFields(log.Fields{"user_id": auth.Sub, "session_id": auth.Sid}).Info("Logged out")
	}
	if s.upstream != nil {
		if err := s.upstream.ClearSession(ctx); err != nil {
			log.WithError(err).Debug("Failed to clear the upstream session")
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

// handleSession reports the caller's identity and mints a fresh access token
// for the same session.
func (s *AuthServer) handleSession(ctx *gin.Context) {
	user := GetUser(ctx)
	auth := GetAuthContext(ctx)
	if user == nil || auth == nil {
		ctx.JSON(http.StatusOK, gin.H{
			"isAuthenticated": false,
			"user":            nil,
			"auth":            nil,
			"accessToken":     nil,
			"expiresIn":       nil,
		})
		return
	}

	issued, err := s.manager.Codec.Issue(ctx.Request.Context(), token.AccessClaims{
		Subject:   auth.Sub,
		SessionID: auth.Sid,
		Scope:     auth.Scope,
		Role:      auth.Role,
		Amr:       auth.Amr,
		AuthTime:  auth.AuthTime,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, server_structs.SessionResponse{
		IsAuthenticated: true,
		User:            user,
		Auth:            auth,
		AccessToken:     issued.AccessToken,
		ExpiresIn:       issued.ExpiresIn,
	})
}

func (s *AuthServer) handleVerify(ctx *gin.Context) {
	raw := bearerToken(ctx)
	if raw == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "missing_bearer_token"})
		return
	}
	claims, err := s.manager.Codec.Verify(ctx.Request.Context(), raw)
	if err != nil {
		code := server_structs.CodeOf(err)
		if code == "" {
			code = server_structs.ErrInvalidToken
		}
		ctx.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": code})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"valid": true, "claims": claims})
}

func (s *AuthServer) handleDevIssueToken(ctx *gin.Context) {
	if !s.devToolsEnabled() {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not_available"})
		return
	}
	var req devIssueTokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidRequest(ctx, err)
		return
	}
	sid := req.Sid
	if sid == "" {
		sid = uuid.NewString()
	}
	issued, err := s.manager.Codec.Issue(ctx.Request.Context(), token.AccessClaims{
		Subject:   req.UserID,
		SessionID: sid,
		Scope:     req.Scope,
		Role:      req.Role,
		Amr:       []string{"dev"},
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, server_structs.AccessTokenResponse{
		AccessToken: issued.AccessToken,
		TokenType:   issued.TokenType,
		ExpiresIn:   issued.ExpiresIn,
		Provider:    server_structs.TokenProviderName,
	})
}

func (s *AuthServer) handleCliAuthorize(ctx *gin.Context) {
	var req CliAuthorizeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidRequest(ctx, err)
		return
	}
	resp, err := s.bridge.Authorize(ctx.Request.Context(), req)
	if err != nil {
		log.WithFields(log.Fields{"client": ctx.ClientIP(), "redirect_uri": req.RedirectURI}).WithError(err).Warn("Rejected cli authorize request")
		writeError(ctx, err)
		return
	}
	log.WithFields(log.Fields{"client": ctx.ClientIP(), "flow_id": resp.FlowID}).Info("Created cli authorize flow")
	ctx.JSON(http.StatusOK, resp)
}

func (s *AuthServer) handleCliCallback(ctx *gin.Context) {
	var identity *UpstreamIdentity
	if s.upstream != nil {
		resolved, err := s.upstream.ResolveSession(ctx)
		if err != nil {
			log.WithError(err).Debug("Upstream session resolution failed during cli callback")
		}
		identity = resolved
	}

	redirect, err := s.bridge.Callback(ctx.Request.Context(), ctx.Query("flow_id"), identity,
		ctx.Query("error"), ctx.Query("error_description"))
	if err != nil {
		var authErr *server_structs.AuthError
		if errors.As(err, &authErr) {
			ctx.String(authErr.Code.HTTPStatus(), authErr.Message())
			return
		}
		log.WithError(err).Error("CLI callback failed")
		ctx.String(http.StatusInternalServerError, "Internal error")
		return
	}
	ctx.Redirect(http.StatusFound, redirect)
}

func (s *AuthServer) handleCliExchange(ctx *gin.Context) {
	var req CliExchangeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		invalidRequest(ctx, err)
		return
	}
	resp, err := s.bridge.Exchange(ctx.Request.Context(), req, s.clientInfo(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, resp)
}

// handleAuthorize starts a browser sign-in with the primary provider.
func (s *AuthServer) handleAuthorize(ctx *gin.Context) {
	provider := ctx.Query("provider")
	if provider != "" && provider != s.opts.PrimaryProvider {
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrProviderNotAllowed,
			Message: "Primary sign-in only supports " + s.opts.PrimaryProvider + ". Link other providers after login.",
		})
		return
	}
	redirect := ctx.DefaultQuery("redirect_uri", s.externalURL("/"))
	if !s.isTrustedWebRedirect(redirect) {
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrInvalidRedirectURI,
			Message: "Redirect URI is not on the allowlist.",
		})
		return
	}
	if s.oauth == nil {
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrProviderNotAllowed,
			Message: "No sign-in provider is configured.",
		})
		return
	}
	log.WithFields(log.Fields{"client": ctx.ClientIP(), "redirect_uri": redirect}).Info("Handling authorize request")
	if err := s.oauth.StartLogin(ctx, s.opts.PrimaryProvider, redirect, ""); err != nil {
		writeError(ctx, err)
	}
}

func (s *AuthServer) handleProviderCallback(ctx *gin.Context) {
	if s.oauth == nil {
		ctx.JSON(http.StatusNotFound, server_structs.ErrorResponse{Error: server_structs.ErrProviderNotAllowed})
		return
	}
	s.oauth.HandleCallback(ctx)
}

func (s *AuthServer) handleLinkStart(ctx *gin.Context) {
	user := GetUser(ctx)
	provider := ctx.Param("provider")
	redirect := ctx.DefaultQuery("redirect_uri", s.externalURL("/account"))
	if !s.isTrustedWebRedirect(redirect) {
		log.WithFields(log.Fields{"user_id": user.ID, "redirect_uri": redirect}).Warn("Rejected link start due to redirect URI allowlist mismatch")
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrInvalidRedirectURI,
			Message: "Link redirect URI is not on the allowlist.",
		})
		return
	}
	if s.oauth == nil || !s.oauth.HasProvider(provider) {
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrProviderNotAllowed,
			Message: "Provider " + provider + " cannot be linked.",
		})
		return
	}
	if err := s.oauth.StartLogin(ctx, provider, redirect, user.ID); err != nil {
		writeError(ctx, err)
		return
	}
	log.WithFields(log.Fields{"user_id": user.ID, "provider": provider}).Info("Started account linking flow")
}

func (s *AuthServer) handleLinkStatus(ctx *gin.Context) {
	user := GetUser(ctx)
	linked, err := s.manager.Linker.IsProviderLinked(ctx.Request.Context(), user.ID, ctx.Param("provider"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"isLinked": linked})
}
