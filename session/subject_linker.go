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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/server_structs"
)

// OAuthSubjectLinker resolves an upstream (provider, subject) pair to exactly
// one user, creating the user and the binding on first sign-in.
type OAuthSubjectLinker struct {
	db  UserDurableLayer
	now func() time.Time
}

func NewOAuthSubjectLinker(db UserDurableLayer) *OAuthSubjectLinker {
	return &OAuthSubjectLinker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateIdentity(identity server_structs.OAuthIdentity) error {
	if identity.Provider == "" || identity.ProviderSubject == "" {
		return server_structs.NewAuthError(server_structs.ErrInvalidRequest, "identity is missing provider or subject")
	}
	return nil
}

// EnsureOAuthSubjectUser returns the user owning the identity. Identities
// that share an email address are merged into one user.
func (l *OAuthSubjectLinker) EnsureOAuthSubjectUser(ctx context.Context, identity server_structs.OAuthIdentity) (*server_structs.User, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}

	subject, err := l.db.FindActiveSubject(ctx, identity.Provider, identity.ProviderSubject)
	if err != nil {
		return nil, err
	}
	if subject != nil {
		return l.loadUser(ctx, subject.UserID)
	}

	email := NormalizeEmail(identity.Email)
	if email == "" {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidRequest, "identity has no email address")
	}
	user, err := l.db.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		now := l.now()
		user, err = l.db.CreateUserIfAbsent(ctx, &server_structs.User{
			ID:        uuid.NewString(),
			Email:     email,
			Name:      identity.Name,
			Image:     identity.Image,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"user_id": user.ID, "provider": identity.Provider}).Info("Created user on first sign-in")
	}

	subject, err = l.link(ctx, user.ID, identity)
	if err != nil {
		return nil, err
	}
	// A concurrent sign-in may have bound the subject first
	return l.loadUser(ctx, subject.UserID)
}

// LinkSubjectToUser attaches an additional provider identity to an already
// authenticated user.
func (l *OAuthSubjectLinker) LinkSubjectToUser(ctx context.Context, userID string, identity server_structs.OAuthIdentity) (*server_structs.AuthSubject, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	existing, err := l.db.FindActiveSubject(ctx, identity.Provider, identity.ProviderSubject)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != userID {
			return nil, server_structs.NewAuthError(server_structs.ErrInvalidRequest, "subject already linked to another user")
		}
		return existing, nil
	}

	subject, err := l.link(ctx, userID, identity)
	if err != nil {
		return nil, err
	}
	if subject.UserID != userID {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidRequest, "subject already linked to another user")
	}
	return subject, nil
}

func (l *OAuthSubjectLinker) IsProviderLinked(ctx context.Context, userID, provider string) (bool, error) {
	return l.db.IsProviderLinked(ctx, userID, provider)
}

func (l *OAuthSubjectLinker) link(ctx context.Context, userID string, identity server_structs.OAuthIdentity) (*server_structs.AuthSubject, error) {
	subject, err := l.db.CreateSubjectIfAbsent(ctx, &server_structs.AuthSubject{
		ID:              uuid.NewString(),
		UserID:          userID,
		Provider:        identity.Provider,
		ProviderSubject: identity.ProviderSubject,
		LinkedAt:        l.now(),
	})
	if err != nil {
		return nil, err
	}
	if subject.UserID == userID {
		if _, err := l.db.SetPrimarySubjectIfEmpty(ctx, userID, subject.ID); err != nil {
			return nil, err
		}
	}
	return subject, nil
}

func (l *OAuthSubjectLinker) loadUser(ctx context.Context, userID string) (*server_structs.User, error) {
	user, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.Errorf("auth subject references missing user %s", userID)
	}
	return user, nil
}
