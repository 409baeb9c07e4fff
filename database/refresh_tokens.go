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
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/hominem/authcore/server_structs"
)

func (a *AuthDB) CreateRefreshToken(ctx context.Context, token *server_structs.RefreshToken) error {
	if err := a.db.WithContext(ctx).Create(token).Error; err != nil {
		return errors.Wrap(err, "failed to store refresh token")
	}
	return nil
}

// FindRefreshTokenByHash returns nil, nil for an unknown hash.
func (a *AuthDB) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*server_structs.RefreshToken, error) {
	token := server_structs.RefreshToken{}
	err := a.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to look up refresh token")
	}
	return &token, nil
}

// MarkRefreshTokenUsed sets used_at only if it is still null. A false return
// means another rotation already consumed the token.
func (a *AuthDB) MarkRefreshTokenUsed(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&server_structs.RefreshToken{}).
		Where("id = ? AND used_at IS NULL", tokenID).
		Update("used_at", at)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to mark refresh token used")
	}
	return result.RowsAffected == 1, nil
}

// RevokeRefreshFamily revokes every live token of the lineage and returns how
// many rows changed.
func (a *AuthDB) RevokeRefreshFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	result := a.db.WithContext(ctx).
		Model(&server_structs.RefreshToken{}).
		Where("family_id = ? AND revoked_at IS NULL", familyID).
		Update("revoked_at", at)
	if result.Error != nil {
		return 0, errors.Wrapf(result.Error, "failed to revoke refresh family %s", familyID)
	}
	return result.RowsAffected, nil
}
