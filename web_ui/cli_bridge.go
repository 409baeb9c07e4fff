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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/session"
	"github.com/hominem/authcore/token_scopes"
)

type (
	CliAuthorizeRequest struct {
		RedirectURI   string `json:"redirect_uri" binding:"required,url"`
		CodeChallenge string `json:"code_challenge" binding:"required,min=43,max=128"`
		State         string `json:"state" binding:"required,min=8,max=256"`
		Scope         string `json:"scope"`
	}

	CliExchangeRequest struct {
		Code         string `json:"code" binding:"required,min=16"`
		CodeVerifier string `json:"code_verifier" binding:"required,min=43,max=128"`
		RedirectURI  string `json:"redirect_uri" binding:"required,url"`
	}

	// ClientInfo carries the hashed network identity of the caller onto the
	// session it creates.
	ClientInfo struct {
		IPHash        string
		UserAgentHash string
	}

	cliFlow struct {
		RedirectURI   string   `json:"redirect_uri"`
		CodeChallenge string   `json:"code_challenge"`
		State         string   `json:"state"`
		Scope         []string `json:"scope"`
	}

	cliExchange struct {
		cliFlow
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}

	// CliAuthBridge lets a CLI listening on a loopback port finish a
	// browser-hosted sign-in. A flow moves from created (authorize) to
	// callback-received (callback) to exchanged (exchange); flows and exchange
	// codes are consumed exactly once and otherwise expire.
	CliAuthBridge struct {
		cache       auth_cache.Cache
		manager     *session.Manager
		externalURL *url.URL
		provider    string
		flowTTL     time.Duration
		exchangeTTL time.Duration
	}
)

const (
	cliFlowPrefix     = "auth:cli:flow:"
	cliExchangePrefix = "auth:cli:exchange:"

	opaqueCodeBytes = 24
)

var cliAmr = []string{"oauth", "cli"}

func NewCliAuthBridge(cache auth_cache.Cache, manager *session.Manager, opts Options) (*CliAuthBridge, error) {
	externalURL, err := url.Parse(opts.ExternalWebURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid external web URL")
	}
	return &CliAuthBridge{
		cache:       cache,
		manager:     manager,
		externalURL: externalURL,
		provider:    opts.PrimaryProvider,
		flowTTL:     opts.CliFlowLifetime,
		exchangeTTL: opts.CliExchangeLifetime,
	}, nil
}

func createOpaqueCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate random code")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PKCEChallengeS256 is base64url(sha256(verifier)) without padding.
func PKCEChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// IsLoopbackRedirectURI accepts only http URLs on 127.0.0.1, ::1 or
// localhost with an explicit port.
func IsLoopbackRedirectURI(redirectURI string) bool {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme != "http" || parsed.Port() == "" {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.Equal(net.IPv4(127, 0, 0, 1)) || ip.Equal(net.IPv6loopback))
}

// IsAllowedWebRedirectURI reports whether the origin of redirectURI is one of
// the trusted origins.
func IsAllowedWebRedirectURI(redirectURI string, trustedOrigins []string) bool {
	origin := originOf(redirectURI)
	if origin == "" {
		return false
	}
	for _, trusted := range trustedOrigins {
		if strings.EqualFold(origin, originOf(trusted)) {
			return true
		}
	}
	return false
}

func originOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

func appendQueryParams(baseURL string, params map[string]string) string {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	query := parsed.Query()
	for key, value := range params {
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (b *CliAuthBridge) externalPath(path string) *url.URL {
	target := *b.externalURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	target.RawQuery = ""
	target.Fragment = ""
	return &target
}

// Authorize records a new flow and returns the URL the CLI should open in a
// browser.
func (b *CliAuthBridge) Authorize(ctx context.Context, req CliAuthorizeRequest) (*server_structs.CliAuthorizeResponse, error) {
	if !IsLoopbackRedirectURI(req.RedirectURI) {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidRedirectURI,
			"CLI redirect URI must target a localhost/127.0.0.1 loopback port")
	}

	flowID, err := createOpaqueCode(opaqueCodeBytes)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cliFlow{
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
		Scope:         token_scopes.ParseCliScopes(req.Scope),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cli flow")
	}
	if err = b.cache.Set(ctx, cliFlowPrefix+flowID, string(payload), b.flowTTL); err != nil {
		log.WithError(err).WithField("flow_id", flowID).Error("Failed to persist cli authorize flow")
		return nil, server_structs.NewAuthError(server_structs.ErrFlowUnavailable, "Failed to start authorization flow")
	}

	callbackURL := b.externalPath("/api/auth/cli/callback")
	callbackURL.RawQuery = url.Values{"flow_id": {flowID}}.Encode()

	startURL := b.externalPath("/api/auth/authorize")
	startURL.RawQuery = url.Values{
		"provider":     {b.provider},
		"redirect_uri": {callbackURL.String()},
	}.Encode()

	metrics.CliFlows.WithLabelValues(metrics.CliStageAuthorize).Inc()
	return &server_structs.CliAuthorizeResponse{
		AuthorizationURL: startURL.String(),
		FlowID:           flowID,
	}, nil
}

// Callback consumes the flow and returns where the browser goes next: the
// CLI's loopback URI carrying either a one-time exchange code or an error.
// A returned error means there is no flow to redirect to.
func (b *CliAuthBridge) Callback(ctx context.Context, flowID string, identity *UpstreamIdentity, upstreamErr, upstreamErrDesc string) (string, error) {
	if flowID == "" {
		return "", server_structs.NewAuthError(server_structs.ErrInvalidRequest, "Missing flow id")
	}
	raw, ok, err := b.cache.Take(ctx, cliFlowPrefix+flowID)
	if err != nil {
		log.WithError(err).WithField("flow_id", flowID).Error("Failed to load cli authorize flow")
		return "", server_structs.NewAuthError(server_structs.ErrFlowUnavailable, "Failed to resume authorization flow")
	}
	if !ok {
		return "", server_structs.NewAuthError(server_structs.ErrInvalidRequest, "Authorization flow expired")
	}
	var flow cliFlow
	if err = json.Unmarshal([]byte(raw), &flow); err != nil || !IsLoopbackRedirectURI(flow.RedirectURI) || flow.State == "" {
		return "", server_structs.NewAuthError(server_structs.ErrInvalidRequest, "Invalid cli flow payload")
	}

	fail := func(code, description string) (string, error) {
		log.WithFields(log.Fields{"flow_id": flowID, "error": code}).Warn("CLI authorization callback failed")
		return appendQueryParams(flow.RedirectURI, map[string]string{
			"error":             code,
			"error_description": description,
			"state":             flow.State,
		}), nil
	}

	if upstreamErr != "" {
		if upstreamErrDesc == "" {
			upstreamErrDesc = "Sign-in failed"
		}
		return fail(upstreamErr, upstreamErrDesc)
	}
	if identity == nil {
		return fail("session_not_found", "Unable to establish authenticated session after callback.")
	}

	user, err := b.manager.Linker.EnsureOAuthSubjectUser(ctx, identity.OAuthIdentity)
	if err != nil || user == nil {
		log.WithError(err).WithField("flow_id", flowID).Debug("Failed to map upstream subject to a user")
		return fail("session_user_not_found", "Unable to map authenticated subject to an internal user record.")
	}

	code, err := createOpaqueCode(opaqueCodeBytes)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(cliExchange{cliFlow: flow, UserID: user.ID, Role: user.Role()})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode cli exchange")
	}
	if err = b.cache.Set(ctx, cliExchangePrefix+code, string(payload), b.exchangeTTL); err != nil {
		log.WithError(err).WithField("flow_id", flowID).Error("Failed to persist cli exchange")
		return fail("exchange_unavailable", "Unable to persist secure cli exchange payload.")
	}

	metrics.CliFlows.WithLabelValues(metrics.CliStageCallback).Inc()
	return appendQueryParams(flow.RedirectURI, map[string]string{
		"code":  code,
		"state": flow.State,
	}), nil
}

// Exchange trades a one-time code plus the PKCE verifier for a token pair.
func (b *CliAuthBridge) Exchange(ctx context.Context, req CliExchangeRequest, client ClientInfo) (*server_structs.TokenPairResponse, error) {
	if !IsLoopbackRedirectURI(req.RedirectURI) {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidRedirectURI, "CLI redirect URI must target a loopback port")
	}

	raw, ok, err := b.cache.Take(ctx, cliExchangePrefix+req.Code)
	if err != nil {
		log.WithError(err).Error("Failed to load cli exchange")
		return nil, server_structs.NewAuthError(server_structs.ErrExchangeUnavailable, "Unable to load cli exchange payload.")
	}
	if !ok {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidGrant, "Exchange code is invalid or expired.")
	}
	var exchange cliExchange
	if err = json.Unmarshal([]byte(raw), &exchange); err != nil || exchange.UserID == "" || exchange.CodeChallenge == "" {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidGrant, "Malformed exchange payload.")
	}

	if exchange.RedirectURI != req.RedirectURI {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidGrant, "Redirect URI mismatch.")
	}
	computed := PKCEChallengeS256(req.CodeVerifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(exchange.CodeChallenge)) != 1 {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidGrant, "PKCE verifier mismatch.")
	}

	// The role may have changed since the callback
	user, err := b.manager.Users.GetUser(ctx, exchange.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, server_structs.NewAuthError(server_structs.ErrUserNotFound, "user no longer exists")
	}

	scope := exchange.Scope
	if len(scope) == 0 {
		scope = token_scopes.ParseCliScopes("")
	}
	pair, err := b.manager.CreateTokenPairForUser(ctx, session.TokenPairInput{
		UserID:        user.ID,
		Role:          user.Role(),
		Scope:         scope,
		Amr:           cliAmr,
		IPHash:        client.IPHash,
		UserAgentHash: client.UserAgentHash,
	})
	if err != nil {
		return nil, err
	}

	metrics.CliFlows.WithLabelValues(metrics.CliStageExchange).Inc()
	log.WithFields(log.Fields{"user_id": user.ID, "session_id": pair.SessionID}).Info("Completed cli token exchange")
	resp := pair.Response(strings.Join(scope, " "))
	return &resp, nil
}
