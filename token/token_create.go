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
	"crypto/rand"
	"encoding/hex"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"

	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token_scopes"
)

// Issue signs an access token for claims. Empty Role, Scope and Amr fall back
// to "user", the default API scopes and ["oauth"]; a zero AuthTime means now.
func (c *Codec) Issue(ctx context.Context, claims AccessClaims) (*IssuedToken, error) {
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.New("access token requires a subject and a session id")
	}

	key, err := c.keys.GetSigningKey(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load the signing key")
	}

	jtiBytes := make([]byte, 16)
	if _, err = rand.Read(jtiBytes); err != nil {
		return nil, errors.Wrap(err, "failed to generate token id")
	}

	now := c.now()
	authTime := claims.AuthTime
	if authTime == 0 {
		authTime = now.Unix()
	}
	role := claims.Role
	if role == "" {
		role = server_structs.RoleUser
	}
	scope := claims.Scope
	if len(scope) == 0 {
		scope = token_scopes.DefaultApiScopes()
	}
	amr := claims.Amr
	if len(amr) == 0 {
		amr = []string{"oauth"}
	}

	tok, err := jwt.NewBuilder().
		Issuer(c.issuer).
		Audience([]string{c.audience}).
		Subject(claims.Subject).
		IssuedAt(now).
		Expiration(now.Add(c.lifetime)).
		JwtID(hex.EncodeToString(jtiBytes)).
		Claim("sid", claims.SessionID).
		Claim("scope", scope).
		Claim("role", role).
		Claim("amr", amr).
		Claim("auth_time", authTime).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate token")
	}

	headers := jws.NewHeaders()
	if err = headers.Set(jws.TypeKey, "JWT"); err != nil {
		return nil, errors.Wrap(err, "failed to set token type header")
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign the access token")
	}

	metrics.AccessTokensIssued.Inc()
	return &IssuedToken{
		AccessToken: string(signed),
		TokenType:   server_structs.TokenTypeBearer,
		ExpiresIn:   int64(c.lifetime.Seconds()),
	}, nil
}
