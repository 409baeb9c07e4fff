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

// Package session owns the lifecycle of authenticated sessions: creation,
// revocation with a cache in front of the database, refresh token rotation
// with replay detection, and mapping upstream identities to users.
package session

import (
	"context"
	"time"

	"github.com/hominem/authcore/server_structs"
)

type (
	SessionDurableLayer interface {
		FindActiveSession(ctx context.Context, userID, sessionState string) (*server_structs.AuthSession, error)
		CreateSession(ctx context.Context, session *server_structs.AuthSession) error
		TouchSession(ctx context.Context, sessionID string, seenAt time.Time, amr []string) (bool, error)
		GetSession(ctx context.Context, sessionID string) (*server_structs.AuthSession, error)
		RevokeSession(ctx context.Context, sessionID string, at time.Time) (bool, error)
	}

	RefreshDurableLayer interface {
		CreateRefreshToken(ctx context.Context, token *server_structs.RefreshToken) error
		FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*server_structs.RefreshToken, error)
		MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) (bool, error)
		RevokeRefreshFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	}

	UserDurableLayer interface {
		GetUser(ctx context.Context, userID string) (*server_structs.User, error)
		FindUserByEmail(ctx context.Context, email string) (*server_structs.User, error)
		CreateUserIfAbsent(ctx context.Context, user *server_structs.User) (*server_structs.User, error)
		FindActiveSubject(ctx context.Context, provider, providerSubject string) (*server_structs.AuthSubject, error)
		CreateSubjectIfAbsent(ctx context.Context, subject *server_structs.AuthSubject) (*server_structs.AuthSubject, error)
		SetPrimarySubjectIfEmpty(ctx context.Context, userID, subjectID string) (bool, error)
		IsProviderLinked(ctx context.Context, userID, provider string) (bool, error)
	}

	// DurableLayer is the authoritative store; *database.AuthDB implements it.
	DurableLayer interface {
		SessionDurableLayer
		RefreshDurableLayer
		UserDurableLayer
	}
)
