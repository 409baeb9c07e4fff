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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/hominem/authcore/param"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/session"
)

type (
	OAuthProviderConfig struct {
		ClientId     string   `mapstructure:"ClientId"`
		ClientSecret string   `mapstructure:"ClientSecret"`
		AuthUrl      string   `mapstructure:"AuthUrl"`
		TokenUrl     string   `mapstructure:"TokenUrl"`
		JwksUrl      string   `mapstructure:"JwksUrl"`
		Issuer       string   `mapstructure:"Issuer"`
		Scopes       []string `mapstructure:"Scopes"`
		ResponseMode string   `mapstructure:"ResponseMode"`
	}

	// UpstreamIdentity is a signed-in upstream account plus the id of the
	// browser session it was established in.
	UpstreamIdentity struct {
		server_structs.OAuthIdentity
		SessionID string `json:"sessionId"`
	}

	// UpstreamSessionResolver exposes the browser session established with
	// the upstream provider, if any.
	UpstreamSessionResolver interface {
		ResolveSession(ctx *gin.Context) (*UpstreamIdentity, error)
		ClearSession(ctx *gin.Context) error
	}

	upstreamProvider struct {
		name         string
		config       oauth2.Config
		jwksUrl      string
		issuer       string
		responseMode string
	}

	// UpstreamOAuth runs the authorization-code sign-in against the
	// configured providers and keeps the verified identity in the cookie
	// session.
	UpstreamOAuth struct {
		providers      map[string]*upstreamProvider
		keys           *jwk.Cache
		httpClient     *http.Client
		linker         *session.OAuthSubjectLinker
		sessionHandler gin.HandlerFunc
		fallbackURL    string
		// onLinked runs after a provider account is linked to a user
		onLinked func(userID string)
	}
)

const (
	oauthStateKey    = "oauth_state"
	oauthProviderKey = "oauth_provider"
	oauthRedirectKey = "oauth_redirect"
	oauthLinkUserKey = "oauth_link_user"
	upstreamIdentKey = "upstream_identity"
)

var defaultProviders = map[string]OAuthProviderConfig{
	"apple": {
		AuthUrl:      "https://appleid.apple.com/auth/authorize",
		TokenUrl:     "https://appleid.apple.com/auth/token",
		JwksUrl:      "https://appleid.apple.com/auth/keys",
		Issuer:       "https://appleid.apple.com",
		Scopes:       []string{"name", "email"},
		ResponseMode: "form_post",
	},
	"google": {
		AuthUrl:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenUrl: "https://oauth2.googleapis.com/token",
		JwksUrl:  "https://www.googleapis.com/oauth2/v3/certs",
		Issuer:   "https://accounts.google.com",
		Scopes:   []string{"openid", "email", "profile"},
	},
}

// LoadOAuthProviders decodes OAuth.Providers, filling the endpoints of known
// providers. Providers without a client id are skipped.
func LoadOAuthProviders() (map[string]OAuthProviderConfig, error) {
	configured := map[string]OAuthProviderConfig{}
	if param.OAuth_Providers.IsSet() {
		if err := param.OAuth_Providers.Unmarshal(&configured); err != nil {
			return nil, errors.Wrap(err, "failed to parse OAuth.Providers")
		}
	}

	providers := make(map[string]OAuthProviderConfig, len(configured))
	for name, provider := range configured {
		name = strings.ToLower(name)
		if provider.ClientId == "" {
			log.Warningf("OAuth provider %s has no ClientId; ignoring it", name)
			continue
		}
		if defaults, ok := defaultProviders[name]; ok {
			if provider.AuthUrl == "" {
				provider.AuthUrl = defaults.AuthUrl
			}
			if provider.TokenUrl == "" {
				provider.TokenUrl = defaults.TokenUrl
			}
			if provider.JwksUrl == "" {
				provider.JwksUrl = defaults.JwksUrl
			}
			if provider.Issuer == "" {
				provider.Issuer = defaults.Issuer
			}
			if len(provider.Scopes) == 0 {
				provider.Scopes = defaults.Scopes
			}
			if provider.ResponseMode == "" {
				provider.ResponseMode = defaults.ResponseMode
			}
		}
		if provider.AuthUrl == "" || provider.TokenUrl == "" || provider.JwksUrl == "" {
			return nil, errors.Errorf("OAuth provider %s needs AuthUrl, TokenUrl and JwksUrl", name)
		}
		providers[name] = provider
	}
	return providers, nil
}

// NewUpstreamOAuth registers each provider's JWKS with a refreshing key cache
// bound to ctx.
func NewUpstreamOAuth(ctx context.Context, providers map[string]OAuthProviderConfig, opts Options, linker *session.OAuthSubjectLinker, httpClient *http.Client) (*UpstreamOAuth, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	sessionHandler, err := newSessionHandler(opts.SecureCookies, opts.SessionMaxAge)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.ExternalWebURL, "/")
	upstream := &UpstreamOAuth{
		providers:      make(map[string]*upstreamProvider, len(providers)),
		keys:           jwk.NewCache(ctx),
		httpClient:     httpClient,
		linker:         linker,
		sessionHandler: sessionHandler,
		fallbackURL:    base + "/",
	}
	for name, provider := range providers {
		if err := upstream.keys.Register(provider.JwksUrl,
			jwk.WithMinRefreshInterval(15*time.Minute),
			jwk.WithHTTPClient(httpClient)); err != nil {
			return nil, errors.Wrapf(err, "failed to register JWKS of provider %s", name)
		}
		upstream.providers[name] = &upstreamProvider{
			name: name,
			config: oauth2.Config{
				ClientID:     provider.ClientId,
				ClientSecret: provider.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  provider.AuthUrl,
					TokenURL: provider.TokenUrl,
				},
				RedirectURL: base + "/api/auth/callback/" + name,
				Scopes:      provider.Scopes,
			},
			jwksUrl:      provider.JwksUrl,
			issuer:       provider.Issuer,
			responseMode: provider.ResponseMode,
		}
		log.Debugln("Configured upstream OAuth provider", name)
	}
	return upstream, nil
}

func (u *UpstreamOAuth) SessionMiddleware() gin.HandlerFunc {
	return u.sessionHandler
}

func (u *UpstreamOAuth) HasProvider(name string) bool {
	_, ok := u.providers[name]
	return ok
}

func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate state")
	}
	return hex.EncodeToString(buf), nil
}

// StartLogin stores a CSRF state in the session and redirects the browser to
// the provider. A non-empty linkUserID makes the callback link the upstream
// account to that user instead of signing in.
func (u *UpstreamOAuth) StartLogin(ctx *gin.Context, provider, redirect, linkUserID string) error {
	p, ok := u.providers[provider]
	if !ok {
		return server_structs.NewAuthError(server_structs.ErrProviderNotAllowed, "provider "+provider+" is not configured")
	}
	state, err := generateState()
	if err != nil {
		return err
	}

	sess := sessions.Default(ctx)
	sess.Set(oauthStateKey, state)
	sess.Set(oauthProviderKey, provider)
	sess.Set(oauthRedirectKey, redirect)
	if linkUserID != "" {
		sess.Set(oauthLinkUserKey, linkUserID)
	} else {
		sess.Delete(oauthLinkUserKey)
	}
	if err = sess.Save(); err != nil {
		return errors.Wrap(err, "failed to save the oauth state")
	}

	var authOpts []oauth2.AuthCodeOption
	if p.responseMode != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("response_mode", p.responseMode))
	}
	ctx.Redirect(http.StatusFound, p.config.AuthCodeURL(state, authOpts...))
	return nil
}

// HandleCallback finishes the provider round trip started by StartLogin and
// redirects to the stored destination.
func (u *UpstreamOAuth) HandleCallback(ctx *gin.Context) {
	name := ctx.Param("provider")
	logger := log.WithFields(log.Fields{"provider": name, "method": ctx.Request.Method})
	p, ok := u.providers[name]
	if !ok {
		ctx.JSON(http.StatusNotFound, server_structs.ErrorResponse{
			Error:   server_structs.ErrProviderNotAllowed,
			Message: "Unknown provider " + name,
		})
		return
	}

	sess := sessions.Default(ctx)
	expectedState, _ := sess.Get(oauthStateKey).(string)
	expectedProvider, _ := sess.Get(oauthProviderKey).(string)
	redirect, _ := sess.Get(oauthRedirectKey).(string)
	linkUserID, _ := sess.Get(oauthLinkUserKey).(string)
	sess.Delete(oauthStateKey)
	sess.Delete(oauthProviderKey)
	sess.Delete(oauthRedirectKey)
	sess.Delete(oauthLinkUserKey)
	if redirect == "" {
		redirect = u.fallbackURL
	}

	// Apple posts the response as a form; FormValue reads query and body
	state := ctx.Request.FormValue("state")
	if expectedState == "" || state != expectedState || expectedProvider != name {
		_ = sess.Save()
		logger.Warn("OAuth callback state mismatch")
		ctx.JSON(http.StatusBadRequest, server_structs.ErrorResponse{
			Error:   server_structs.ErrInvalidRequest,
			Message: "OAuth state mismatch",
		})
		return
	}

	fail := func(code, description string) {
		_ = sess.Save()
		ctx.Redirect(http.StatusFound, appendQueryParams(redirect, map[string]string{
			"error":             code,
			"error_description": description,
		}))
	}

	if upstreamErr := ctx.Request.FormValue("error"); upstreamErr != "" {
		logger.WithField("error", upstreamErr).Info("Provider returned an error")
		description := ctx.Request.FormValue("error_description")
		if description == "" {
			description = "Sign-in failed"
		}
		fail(upstreamErr, description)
		return
	}

	identity, err := u.exchange(ctx.Request.Context(), p, ctx.Request.FormValue("code"))
	if err != nil {
		logger.WithError(err).Warn("Failed to complete the OAuth code exchange")
		fail("oauth_exchange_failed", "Unable to verify the provider response.")
		return
	}
	if p.name == "apple" {
		mergeAppleUserForm(identity, ctx.Request.FormValue("user"))
	}

	if linkUserID != "" {
		if _, err = u.linker.LinkSubjectToUser(ctx.Request.Context(), linkUserID, *identity); err != nil {
			logger.WithError(err).WithField("user_id", linkUserID).Warn("Failed to link provider account")
			fail("link_failed", "Unable to link the provider account.")
			return
		}
		logger.WithField("user_id", linkUserID).Info("Linked provider account")
		if u.onLinked != nil {
			u.onLinked(linkUserID)
		}
		_ = sess.Save()
		ctx.Redirect(http.StatusFound, redirect)
		return
	}

	encoded, err := json.Marshal(UpstreamIdentity{OAuthIdentity: *identity, SessionID: uuid.NewString()})
	if err != nil {
		fail("server_error", "Unable to store the session.")
		return
	}
	sess.Set(upstreamIdentKey, string(encoded))
	if err = sess.Save(); err != nil {
		logger.WithError(err).Error("Failed to save upstream session")
		ctx.JSON(http.StatusInternalServerError, server_structs.ErrorResponse{Error: server_structs.ErrServerError})
		return
	}
	logger.Info("Established upstream session")
	ctx.Redirect(http.StatusFound, redirect)
}

func (u *UpstreamOAuth) exchange(ctx context.Context, p *upstreamProvider, code string) (*server_structs.OAuthIdentity, error) {
	if code == "" {
		return nil, errors.New("callback has no authorization code")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "code exchange failed")
	}
	idToken, ok := tok.Extra("id_token").(string)
	if !ok || idToken == "" {
		return nil, errors.New("token response has no id_token")
	}
	return u.verifyIDToken(ctx, p, idToken)
}

func (u *UpstreamOAuth) verifyIDToken(ctx context.Context, p *upstreamProvider, idToken string) (*server_structs.OAuthIdentity, error) {
	keySet, err := u.keys.Get(ctx, p.jwksUrl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch provider keys")
	}
	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAudience(p.config.ClientID),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	tok, err := jwt.Parse([]byte(idToken), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "invalid id_token")
	}

	identity := &server_structs.OAuthIdentity{
		Provider:        p.name,
		ProviderSubject: tok.Subject(),
	}
	if email, ok := tok.Get("email"); ok {
		identity.Email, _ = email.(string)
	}
	if name, ok := tok.Get("name"); ok {
		identity.Name, _ = name.(string)
	}
	if picture, ok := tok.Get("picture"); ok {
		identity.Image, _ = picture.(string)
	}
	return identity, nil
}

// Apple only sends the user's name, once, as a JSON form field.
func mergeAppleUserForm(identity *server_structs.OAuthIdentity, raw string) {
	if raw == "" || identity.Name != "" {
		return
	}
	var user struct {
		Name struct {
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		} `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return
	}
	identity.Name = strings.TrimSpace(user.Name.FirstName + " " + user.Name.LastName)
}

func (u *UpstreamOAuth) ResolveSession(ctx *gin.Context) (*UpstreamIdentity, error) {
	raw, ok := sessions.Default(ctx).Get(upstreamIdentKey).(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var identity UpstreamIdentity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return nil, errors.Wrap(err, "corrupt upstream session")
	}
	return &identity, nil
}

func (u *UpstreamOAuth) ClearSession(ctx *gin.Context) error {
	sess := sessions.Default(ctx)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1})
	return sess.Save()
}
