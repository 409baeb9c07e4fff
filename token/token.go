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

package token

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/hominem/authcore/param"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token_scopes"
)

type (
	// KeyProvider is the subset of config.KeyProvider the codec needs.
	KeyProvider interface {
		GetSigningKey(ctx context.Context) (jwk.Key, error)
		GetJwks(ctx context.Context) (jwk.Set, error)
	}

	// AccessClaims are the claims of an access token. The registered claims
	// (Issuer through JwtID) are filled in by Verify and ignored by Issue.
	AccessClaims struct {
		Subject   string   `json:"sub"`
		SessionID string   `json:"sid"`
		Scope     []string `json:"scope"`
		Role      string   `json:"role"`
		Amr       []string `json:"amr"`
		AuthTime  int64    `json:"auth_time"`

		Issuer    string    `json:"iss,omitempty"`
		Audience  []string  `json:"aud,omitempty"`
		IssuedAt  time.Time `json:"-"`
		ExpiresAt time.Time `json:"-"`
		JwtID     string    `json:"jti,omitempty"`
	}

	IssuedToken struct {
		AccessToken string
		TokenType   string
		ExpiresIn   int64
	}

	// Codec signs and verifies ES256 access tokens for a single issuer and audience.
	Codec struct {
		keys     KeyProvider
		issuer   string
		audience string
		lifetime time.Duration
		now      func() time.Time
	}

	CodecOption func(*Codec)
)

const defaultLifetime = 10 * time.Minute

func WithLifetime(lifetime time.Duration) CodecOption {
	return func(c *Codec) {
		if lifetime > 0 {
			c.lifetime = lifetime
		}
	}
}

// WithClock overrides the clock used for iat/exp and for validation.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.now = now
	}
}

func NewCodec(keys KeyProvider, issuer, audience string, opts ...CodecOption) *Codec {
	c := &Codec{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		lifetime: defaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCodecFromConfig builds a codec from Auth.Issuer, Auth.Audience and
// Auth.AccessTokenLifetime.
func NewCodecFromConfig(keys KeyProvider, opts ...CodecOption) *Codec {
	opts = append([]CodecOption{WithLifetime(param.Auth_AccessTokenLifetime.GetDuration())}, opts...)
	return NewCodec(keys, param.Auth_Issuer.GetString(), param.Auth_Audience.GetString(), opts...)
}

func (c *Codec) Lifetime() time.Duration {
	return c.lifetime
}

// HasScope reports whether the claims carry every one of scopes.
func HasScope(claims *AccessClaims, scopes ...token_scopes.TokenScope) bool {
	if claims == nil {
		return false
	}
	if len(scopes) == 0 {
		return true
	}
	return token_scopes.ScopeContains(claims.Scope, scopes, true)
}

// AuthContext converts verified claims to the request-scoped identity.
func (claims *AccessClaims) AuthContext() *server_structs.AuthContext {
	return &server_structs.AuthContext{
		Sub:      claims.Subject,
		Sid:      claims.SessionID,
		Scope:    append([]string{}, claims.Scope...),
		Role:     claims.Role,
		Amr:      append([]string{}, claims.Amr...),
		AuthTime: claims.AuthTime,
	}
}
