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

	"github.com/pkg/errors"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token"
)

type (
	TokenPairInput struct {
		UserID        string
		SessionState  string
		Role          string
		Scope         []string
		Amr           []string
		IPHash        string
		UserAgentHash string
	}

	TokenPair struct {
		AccessToken     string
		RefreshToken    string
		TokenType       string
		ExpiresIn       int64
		SessionID       string
		RefreshFamilyID string
		UserID          string
	}

	// Manager ties the session, refresh and identity components to the
	// access token codec.
	Manager struct {
		Sessions *SessionStore
		Refresh  *RefreshTokenRotator
		Linker   *OAuthSubjectLinker
		Codec    *token.Codec
		Users    UserDurableLayer
	}
)

func NewManager(db DurableLayer, cache auth_cache.Cache, codec *token.Codec) (*Manager, error) {
	sessions := NewSessionStoreFromConfig(cache, db)
	refresh, err := NewRefreshTokenRotatorFromConfig(db, sessions, codec)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Sessions: sessions,
		Refresh:  refresh,
		Linker:   NewOAuthSubjectLinker(db),
		Codec:    codec,
		Users:    db,
	}, nil
}

// CreateTokenPairForUser starts (or resumes) a session and mints its first
// access and refresh tokens.
func (m *Manager) CreateTokenPairForUser(ctx context.Context, input TokenPairInput) (*TokenPair, error) {
	amr := input.Amr
	if len(amr) == 0 {
		amr = []string{"oauth"}
	}
	session, err := m.Sessions.EnsureSession(ctx, EnsureSessionInput{
		UserID:        input.UserID,
		SessionState:  input.SessionState,
		Amr:           amr,
		IPHash:        input.IPHash,
		UserAgentHash: input.UserAgentHash,
	})
	if err != nil {
		return nil, err
	}

	access, err := m.Codec.Issue(ctx, token.AccessClaims{
		Subject:   input.UserID,
		SessionID: session.ID,
		Scope:     input.Scope,
		Role:      input.Role,
		Amr:       amr,
	})
	if err != nil {
		return nil, err
	}

	raw, record, err := m.Refresh.Issue(ctx, IssueRefreshInput{SessionID: session.ID})
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access.AccessToken,
		RefreshToken:    raw,
		TokenType:       access.TokenType,
		ExpiresIn:       access.ExpiresIn,
		SessionID:       session.ID,
		RefreshFamilyID: record.FamilyID,
		UserID:          input.UserID,
	}, nil
}

func (m *Manager) RotateRefreshToken(ctx context.Context, raw string) (*TokenPair, error) {
	return m.Refresh.Rotate(ctx, raw)
}

func (m *Manager) RevokeByRefreshToken(ctx context.Context, raw string) (bool, error) {
	return m.Refresh.RevokeByRefreshToken(ctx, raw)
}

// IssueAccessToken mints an access token for an existing, live session.
func (m *Manager) IssueAccessToken(ctx context.Context, user *server_structs.User, sessionID string, amr []string) (*token.IssuedToken, error) {
	if user == nil {
		return nil, errors.New("cannot issue an access token without a user")
	}
	return m.Codec.Issue(ctx, token.AccessClaims{
		Subject:   user.ID,
		SessionID: sessionID,
		Role:      user.Role(),
		Amr:       amr,
	})
}

// Response renders a pair in the shape returned by the token endpoints.
func (p *TokenPair) Response(scope string) server_structs.TokenPairResponse {
	return server_structs.TokenPairResponse{
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		TokenType:       p.TokenType,
		ExpiresIn:       p.ExpiresIn,
		SessionID:       p.SessionID,
		RefreshFamilyID: p.RefreshFamilyID,
		Provider:        server_structs.TokenProviderName,
		Scope:           scope,
	}
}
