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
	"encoding/json"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token_scopes"
)

// Verify checks the signature, kid, issuer, audience and expiry of raw and
// decodes its claims. When requiredScopes are given the token must carry all
// of them. Failures are *server_structs.AuthError values.
func (c *Codec) Verify(ctx context.Context, raw string, requiredScopes ...token_scopes.TokenScope) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, server_structs.WrapAuthError(server_structs.ErrInvalidToken, errors.Wrap(err, "malformed token"))
	}
	signatures := msg.Signatures()
	if len(signatures) != 1 {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidToken, "token must carry exactly one signature")
	}
	kid := signatures[0].ProtectedHeaders().KeyID()

	jwks, err := c.keys.GetJwks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load the verification keys")
	}
	if kid == "" {
		return nil, server_structs.NewAuthError(server_structs.ErrDisallowedKid, "token header has no kid")
	}
	if !config.HasKeyID(jwks, kid) {
		return nil, server_structs.NewAuthError(server_structs.ErrDisallowedKid, "token was signed by an untrusted key "+kid)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(jwks, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithClock(jwt.ClockFunc(c.now)),
	}
	if len(requiredScopes) > 0 {
		opts = append(opts, jwt.WithValidator(token_scopes.CreateScopeValidator(requiredScopes, true)))
	}
	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, classifyError(err)
	}
	return decodeClaims(tok)
}

func classifyError(err error) error {
	code := server_structs.ErrInvalidToken
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		code = server_structs.ErrExpiredToken
	case errors.Is(err, jwt.ErrInvalidAudience()):
		code = server_structs.ErrInvalidAudience
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		code = server_structs.ErrInvalidIssuer
	case errors.Is(err, token_scopes.ErrScopeMissing):
		code = server_structs.ErrInsufficientScope
	}
	return server_structs.WrapAuthError(code, err)
}

func decodeClaims(tok jwt.Token) (*AccessClaims, error) {
	claims := &AccessClaims{
		Subject:   tok.Subject(),
		Issuer:    tok.Issuer(),
		Audience:  tok.Audience(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
		JwtID:     tok.JwtID(),
	}
	if claims.Subject == "" {
		return nil, invalidClaim("sub")
	}

	var ok bool
	if claims.SessionID, ok = stringClaim(tok, "sid"); !ok || claims.SessionID == "" {
		return nil, invalidClaim("sid")
	}
	if claims.Role, ok = stringClaim(tok, "role"); !ok || claims.Role == "" {
		return nil, invalidClaim("role")
	}
	if claims.Scope, ok = stringListClaim(tok, "scope"); !ok {
		return nil, invalidClaim("scope")
	}
	if claims.Amr, ok = stringListClaim(tok, "amr"); !ok {
		return nil, invalidClaim("amr")
	}
	if claims.AuthTime, ok = intClaim(tok, "auth_time"); !ok {
		return nil, invalidClaim("auth_time")
	}
	return claims, nil
}

func invalidClaim(name string) error {
	return server_structs.NewAuthError(server_structs.ErrInvalidToken, "missing or malformed "+name+" claim")
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	value, present := tok.Get(name)
	if !present {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

func stringListClaim(tok jwt.Token, name string) ([]string, bool) {
	value, present := tok.Get(name)
	if !present {
		return nil, false
	}
	switch list := value.(type) {
	case []string:
		return list, true
	case []interface{}:
		result := make([]string, 0, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

// auth_time is optional; an absent claim decodes to 0.
func intClaim(tok jwt.Token, name string) (int64, bool) {
	value, present := tok.Get(name)
	if !present {
		return 0, true
	}
	switch num := value.(type) {
	case float64:
		return int64(num), true
	case int64:
		return num, true
	case int:
		return int64(num), true
	case json.Number:
		parsed, err := num.Int64()
		return parsed, err == nil
	}
	return 0, false
}
