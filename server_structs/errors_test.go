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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	authErr := NewAuthError(ErrRefreshReplay, "refresh token reuse detected")
	wrapped := errors.Wrap(authErr, "rotation failed")

	assert.Equal(t, ErrRefreshReplay, CodeOf(authErr))
	assert.Equal(t, ErrRefreshReplay, CodeOf(wrapped))
	assert.True(t, IsAuthError(wrapped, ErrRefreshReplay))
	assert.Equal(t, AuthErrorCode(""), CodeOf(errors.New("database is locked")))
	assert.False(t, IsAuthError(nil, ErrRefreshReplay))
	assert.Equal(t, "refresh token reuse detected", authErr.Message())
	assert.Equal(t, "refresh_replay_detected: refresh token reuse detected", authErr.Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code     AuthErrorCode
		expected int
	}{
		{ErrInvalidToken, http.StatusUnauthorized},
		{ErrRevokedSession, http.StatusUnauthorized},
		{ErrExpiredRefreshToken, http.StatusUnauthorized},
		{ErrInvalidGrant, http.StatusBadRequest},
		{ErrUnsupportedGrantType, http.StatusBadRequest},
		{ErrInsufficientScope, http.StatusForbidden},
		{ErrRateLimitExceeded, http.StatusTooManyRequests},
		{ErrFlowUnavailable, http.StatusServiceUnavailable},
		{"", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.code.HTTPStatus())
		})
	}
}

func TestUserRole(t *testing.T) {
	assert.Equal(t, RoleUser, (&User{}).Role())
	assert.Equal(t, RoleAdmin, (&User{IsAdmin: true}).Role())
}
