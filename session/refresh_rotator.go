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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/param"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token"
	"github.com/hominem/authcore/token_scopes"
)

const rawRefreshTokenBytes = 32

type (
	IssueRefreshInput struct {
		SessionID string
		// FamilyID defaults to a new lineage
		FamilyID string
		ParentID string
		// ExpiresAt defaults to now plus the refresh lifetime
		ExpiresAt time.Time
	}

	// RefreshTokenRotator hands out single-use refresh tokens. Reusing a
	// consumed token revokes its whole family and the owning session.
	RefreshTokenRotator struct {
		db       RefreshDurableLayer
		users    UserDurableLayer
		sessions *SessionStore
		codec    *token.Codec
		hashKey  []byte
		lifetime time.Duration
		now      func() time.Time
	}
)

func NewRefreshTokenRotator(db DurableLayer, sessions *SessionStore, codec *token.Codec, hashKey []byte, lifetime time.Duration) *RefreshTokenRotator {
	return &RefreshTokenRotator{
		db:       db,
		users:    db,
		sessions: sessions,
		codec:    codec,
		hashKey:  hashKey,
		lifetime: lifetime,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewRefreshTokenRotatorFromConfig derives the hashing key from Auth.Secret.
func NewRefreshTokenRotatorFromConfig(db DurableLayer, sessions *SessionStore, codec *token.Codec) (*RefreshTokenRotator, error) {
	key, err := config.DeriveKey(config.PurposeRefreshTokenHash, 32)
	if err != nil {
		return nil, err
	}
	return NewRefreshTokenRotator(db, sessions, codec, key, param.Auth_RefreshTokenLifetime.GetDuration()), nil
}

// HashToken is the stored form of a raw refresh token.
func (r *RefreshTokenRotator) HashToken(raw string) string {
	mac := hmac.New(sha256.New, r.hashKey)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *RefreshTokenRotator) Lifetime() time.Duration {
	return r.lifetime
}

// Issue stores a new refresh token and returns its raw value, which is never
// recoverable afterwards.
func (r *RefreshTokenRotator) Issue(ctx context.Context, input IssueRefreshInput) (string, *server_structs.RefreshToken, error) {
	if input.SessionID == "" {
		return "", nil, errors.New("refresh token requires a session")
	}
	rawBytes := make([]byte, rawRefreshTokenBytes)
	if _, err := rand.Read(rawBytes); err != nil {
		return "", nil, errors.Wrap(err, "failed to generate refresh token")
	}
	raw := base64.RawURLEncoding.EncodeToString(rawBytes)

	now := r.now()
	record := &server_structs.RefreshToken{
		ID:        uuid.NewString(),
		SessionID: input.SessionID,
		FamilyID:  input.FamilyID,
		TokenHash: r.HashToken(raw),
		ExpiresAt: input.ExpiresAt,
		CreatedAt: now,
	}
	if record.FamilyID == "" {
		record.FamilyID = uuid.NewString()
	}
	if input.ParentID != "" {
		parent := input.ParentID
		record.ParentID = &parent
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(r.lifetime)
	}
	if err := r.db.CreateRefreshToken(ctx, record); err != nil {
		return "", nil, err
	}
	return raw, record, nil
}

// Rotate consumes raw and returns a fresh token pair in the same family.
func (r *RefreshTokenRotator) Rotate(ctx context.Context, raw string) (*TokenPair, error) {
	pair, err := r.rotate(ctx, raw)
	switch code := server_structs.CodeOf(err); {
	case err == nil:
		metrics.RefreshRotations.WithLabelValues(metrics.RotationSucceeded).Inc()
	case code == server_structs.ErrRefreshReplay:
		metrics.RefreshRotations.WithLabelValues(metrics.RotationReplayed).Inc()
	default:
		metrics.RefreshRotations.WithLabelValues(metrics.RotationRejected).Inc()
	}
	return pair, err
}

func (r *RefreshTokenRotator) rotate(ctx context.Context, raw string) (*TokenPair, error) {
	existing, err := r.db.FindRefreshTokenByHash(ctx, r.HashToken(raw))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidRefreshToken, "refresh token not recognised")
	}
	if existing.RevokedAt != nil {
		return nil, server_structs.NewAuthError(server_structs.ErrRevokedRefreshToken, "refresh token has been revoked")
	}
	if existing.UsedAt != nil {
		return nil, r.replayDetected(ctx, existing)
	}
	now := r.now()
	if !existing.ExpiresAt.After(now) {
		return nil, server_structs.NewAuthError(server_structs.ErrExpiredRefreshToken, "refresh token has expired")
	}

	marked, err := r.db.MarkRefreshTokenUsed(ctx, existing.ID, now)
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, r.replayDetected(ctx, existing)
	}

	session, err := r.sessions.GetSession(ctx, existing.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.IsRevoked() {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidSession, "session is no longer valid")
	}
	user, err := r.users.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, server_structs.NewAuthError(server_structs.ErrUserNotFound, "session user no longer exists")
	}

	// A concurrent replay may have revoked the session since it was loaded
	touched, err := r.sessions.TouchSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if !touched {
		return nil, server_structs.NewAuthError(server_structs.ErrInvalidSession, "session is no longer valid")
	}

	rawChild, child, err := r.Issue(ctx, IssueRefreshInput{
		SessionID: session.ID,
		FamilyID:  existing.FamilyID,
		ParentID:  existing.ID,
	})
	if err != nil {
		return nil, err
	}

	amr := session.Amr
	if len(amr) == 0 {
		amr = []string{"oauth"}
	}
	access, err := r.codec.Issue(ctx, token.AccessClaims{
		Subject:   user.ID,
		SessionID: session.ID,
		Scope:     token_scopes.DefaultApiScopes(),
		Role:      user.Role(),
		Amr:       amr,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"user_id": user.ID, "session_id": session.ID, "family_id": child.FamilyID}).Debug("Rotated refresh token")
	return &TokenPair{
		AccessToken:     access.AccessToken,
		RefreshToken:    rawChild,
		TokenType:       access.TokenType,
		ExpiresIn:       access.ExpiresIn,
		SessionID:       session.ID,
		RefreshFamilyID: child.FamilyID,
		UserID:          user.ID,
	}, nil
}

// replayDetected poisons the lineage of a reused token. Failing to revoke is
// reported as an error instead of a replay so it never passes silently.
func (r *RefreshTokenRotator) replayDetected(ctx context.Context, existing *server_structs.RefreshToken) error {
	metrics.RefreshReplays.Inc()
	log.WithFields(log.Fields{
		"session_id": existing.SessionID,
		"family_id":  existing.FamilyID,
	}).Warn("Refresh token reuse detected; revoking token family and session")

	if err := r.revokeLineage(ctx, existing); err != nil {
		return err
	}
	return server_structs.NewAuthError(server_structs.ErrRefreshReplay, "refresh token was already used")
}

func (r *RefreshTokenRotator) revokeLineage(ctx context.Context, existing *server_structs.RefreshToken) error {
	if _, err := r.RevokeFamily(ctx, existing.FamilyID); err != nil {
		return err
	}
	return r.sessions.RevokeSession(ctx, existing.SessionID)
}

func (r *RefreshTokenRotator) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return r.db.RevokeRefreshFamily(ctx, familyID, r.now())
}

// RevokeByRefreshToken revokes the family and session of raw. Unknown tokens
// report false without error.
func (r *RefreshTokenRotator) RevokeByRefreshToken(ctx context.Context, raw string) (bool, error) {
	existing, err := r.db.FindRefreshTokenByHash(ctx, r.HashToken(raw))
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if err := r.revokeLineage(ctx, existing); err != nil {
		return false, err
	}
	return true, nil
}
