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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/hominem/authcore/server_structs"
)

// FindActiveSession returns the non-revoked session of a user carrying the
// given session state, or nil when there is none.
func (a *AuthDB) FindActiveSession(ctx context.Context, userID, sessionState string) (*server_structs.AuthSession, error) {
	session := server_structs.AuthSession{}
	result := a.db.WithContext(ctx).
		Where("user_id = ? AND session_state = ? AND revoked_at IS NULL", userID, sessionState).
		Order("created_at DESC").
		Limit(1).
		Find(&session)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to look up active session")
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &session, nil
}

func (a *AuthDB) CreateSession(ctx context.Context, session *server_structs.AuthSession) error {
	if session.Amr == nil {
		session.Amr = []string{}
	}
	if err := a.db.WithContext(ctx).Create(session).Error; err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	return nil
}

// TouchSession bumps last_seen_at and, when amr is non-empty, replaces the
// recorded authentication methods. Revoked sessions are left alone and
// touched reports false.
func (a *AuthDB) TouchSession(ctx context.Context, sessionID string, seenAt time.Time, amr []string) (touched bool, err error) {
	updates := map[string]interface{}{"last_seen_at": seenAt}
	if len(amr) > 0 {
		// Map updates skip the field serializer
		encoded, err := json.Marshal(amr)
		if err != nil {
			return false, errors.Wrap(err, "failed to encode amr")
		}
		updates["amr"] = string(encoded)
	}
	result := a.db.WithContext(ctx).
		Model(&server_structs.AuthSession{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Updates(updates)
	if result.Error != nil {
		return false, errors.Wrapf(result.Error, "failed to touch session %s", sessionID)
	}
	return result.RowsAffected > 0, nil
}

// GetSession returns nil, nil when the session does not exist.
func (a *AuthDB) GetSession(ctx context.Context, sessionID string) (*server_structs.AuthSession, error) {
	session := server_structs.AuthSession{}
	err := a.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", sessionID)
	}
	return &session, nil
}

// RevokeSession marks the session revoked and revokes every live refresh
// token it owns, in one transaction. The first revocation time is kept;
// revokedNow reports whether this call performed it.
func (a *AuthDB) RevokeSession(ctx context.Context, sessionID string, at time.Time) (revokedNow bool, err error) {
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&server_structs.AuthSession{}).
			Where("id = ? AND revoked_at IS NULL", sessionID).
			Update("revoked_at", at)
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to revoke session")
		}
		revokedNow = result.RowsAffected > 0

		if err := tx.Model(&server_structs.AuthSession{}).
			Where("id = ?", sessionID).
			Update("last_seen_at", at).Error; err != nil {
			return errors.Wrap(err, "failed to touch revoked session")
		}

		if err := tx.Model(&server_structs.RefreshToken{}).
			Where("session_id = ? AND revoked_at IS NULL", sessionID).
			Update("revoked_at", at).Error; err != nil {
			return errors.Wrap(err, "failed to revoke session refresh tokens")
		}
		return nil
	})
	return
}
