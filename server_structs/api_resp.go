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

// Package server_structs holds the data model and wire structs shared by the
// storage, session and HTTP layers.
//
// It should only import lower level packages (config/param/etc) and never
// the packages that consume it.
package server_structs

type (
	// ErrorResponse is the JSON body of every failed auth API call:
	// {"error": "invalid_grant", "message": "Invalid or expired code."}
	ErrorResponse struct {
		Error   AuthErrorCode `json:"error"`
		Message string        `json:"message,omitempty"`
	}

	// TokenPairResponse is returned by the refresh and CLI exchange endpoints.
	TokenPairResponse struct {
		AccessToken     string `json:"access_token"`
		RefreshToken    string `json:"refresh_token"`
		TokenType       string `json:"token_type"`
		ExpiresIn       int64  `json:"expires_in"`
		SessionID       string `json:"session_id"`
		RefreshFamilyID string `json:"refresh_family_id"`
		Provider        string `json:"provider"`
		Scope           string `json:"scope,omitempty"`
	}

	AccessTokenResponse struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Provider    string `json:"provider"`
	}

	CliAuthorizeResponse struct {
		AuthorizationURL string `json:"authorization_url"`
		FlowID           string `json:"flow_id"`
	}

	RevokeResponse struct {
		Revoked bool          `json:"revoked"`
		Error   AuthErrorCode `json:"error,omitempty"`
	}

	// AuthContext is the verified identity attached to a request.
	AuthContext struct {
		Sub      string   `json:"sub"`
		Sid      string   `json:"sid"`
		Scope    []string `json:"scope"`
		Role     string   `json:"role"`
		Amr      []string `json:"amr"`
		AuthTime int64    `json:"authTime"`
	}

	SessionResponse struct {
		IsAuthenticated bool         `json:"isAuthenticated"`
		User            *User        `json:"user"`
		Auth            *AuthContext `json:"auth"`
		AccessToken     string       `json:"accessToken,omitempty"`
		ExpiresIn       int64        `json:"expiresIn,omitempty"`
	}

	// OAuthIdentity is what an upstream provider asserts about a login.
	OAuthIdentity struct {
		Provider        string `json:"provider"`
		ProviderSubject string `json:"providerSubject"`
		Email           string `json:"email"`
		Name            string `json:"name,omitempty"`
		Image           string `json:"image,omitempty"`
	}
)

const (
	TokenTypeBearer = "Bearer"

	// Value of the "provider" field of token responses, kept for clients that
	// were written against the previous auth service.
	TokenProviderName = "better-auth"
)
