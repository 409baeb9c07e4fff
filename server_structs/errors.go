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

package server_structs

import (
	"net/http"

	"github.com/pkg/errors"
)

type (
	// AuthErrorCode is the machine-readable kind of an auth failure. It is the
	// value of the "error" field in API responses.
	AuthErrorCode string

	AuthError struct {
		Code AuthErrorCode
		Err  error
	}
)

const (
	ErrInvalidToken         AuthErrorCode = "invalid_token"
	ErrExpiredToken         AuthErrorCode = "expired_token"
	ErrInvalidAudience      AuthErrorCode = "invalid_audience"
	ErrInvalidIssuer        AuthErrorCode = "invalid_issuer"
	ErrDisallowedKid        AuthErrorCode = "disallowed_kid"
	ErrRevokedSession       AuthErrorCode = "revoked_session"
	ErrInsufficientScope    AuthErrorCode = "insufficient_scope"
	ErrInvalidRefreshToken  AuthErrorCode = "invalid_refresh_token"
	ErrRevokedRefreshToken  AuthErrorCode = "revoked_refresh_token"
	ErrExpiredRefreshToken  AuthErrorCode = "expired_refresh_token"
	ErrRefreshReplay        AuthErrorCode = "refresh_replay_detected"
	ErrInvalidSession       AuthErrorCode = "invalid_session"
	ErrUserNotFound         AuthErrorCode = "user_not_found"
	ErrInvalidGrant         AuthErrorCode = "invalid_grant"
	ErrInvalidRedirectURI   AuthErrorCode = "invalid_redirect_uri"
	ErrInvalidRequest       AuthErrorCode = "invalid_request"
	ErrUnsupportedGrantType AuthErrorCode = "unsupported_grant_type"
	ErrUnsupportedTokenType AuthErrorCode = "unsupported_token_type"
	ErrProviderNotAllowed   AuthErrorCode = "provider_not_allowed"
	ErrRateLimitExceeded    AuthErrorCode = "rate_limit_exceeded"
	ErrFlowUnavailable      AuthErrorCode = "flow_unavailable"
	ErrExchangeUnavailable  AuthErrorCode = "exchange_unavailable"
	ErrUnauthorized         AuthErrorCode = "unauthorized"
	ErrServerError          AuthErrorCode = "server_error"
)

func NewAuthError(code AuthErrorCode, message string) *AuthError {
	return &AuthError{Code: code, Err: errors.New(message)}
}

func WrapAuthError(code AuthErrorCode, err error) *AuthError {
	return &AuthError{Code: code, Err: err}
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Message is the human-readable part of the error, without the code.
func (e *AuthError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// CodeOf returns the code of the first AuthError in err's chain, or "" when
// err is not an auth failure.
func CodeOf(err error) AuthErrorCode {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}

// IsAuthError reports whether err carries the given code.
func IsAuthError(err error, code AuthErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status used by the HTTP layer.
func (c AuthErrorCode) HTTPStatus() int {
	switch c {
	case ErrInvalidGrant, ErrInvalidRedirectURI, ErrInvalidRequest, ErrUnsupportedGrantType,
		ErrUnsupportedTokenType, ErrProviderNotAllowed:
		return http.StatusBadRequest
	case ErrInsufficientScope:
		return http.StatusForbidden
	case ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrFlowUnavailable, ErrExchangeUnavailable:
		return http.StatusServiceUnavailable
	case ErrServerError, "":
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}
