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
	"gorm.io/gorm/clause"

	"github.com/hominem/authcore/server_structs"
)

// GetUser returns nil, nil for an unknown id.
func (a *AuthDB) GetUser(ctx context.Context, userID string) (*server_structs.User, error) {
	user := server_structs.User{}
	err := a.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to load user %s", userID)
	}
	return &user, nil
}

// FindUserByEmail expects an already normalised address.
func (a *AuthDB) FindUserByEmail(ctx context.Context, email string) (*server_structs.User, error) {
	user := server_structs.User{}
	err := a.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to look up user by email")
	}
	return &user, nil
}

// CreateUserIfAbsent inserts the user unless the email is already taken and
// returns whichever row owns the email afterwards.
func (a *AuthDB) CreateUserIfAbsent(ctx context.Context, user *server_structs.User) (*server_structs.User, error) {
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(user).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user")
	}
	existing, err := a.FindUserByEmail(ctx, user.Email)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.Errorf("user with email %s vanished after insert", user.Email)
	}
	return existing, nil
}

// FindActiveSubject returns the linked (not unlinked) subject for the pair, or nil.
func (a *AuthDB) FindActiveSubject(ctx context.Context, provider, providerSubject string) (*server_structs.AuthSubject, error) {
	subject := server_structs.AuthSubject{}
	err := a.db.WithContext(ctx).
		Where("provider = ? AND provider_subject = ? AND unlinked_at IS NULL", provider, providerSubject).
		First(&subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to look up auth subject")
	}
	return &subject, nil
}

// CreateSubjectIfAbsent inserts the subject, ignoring a conflict on the active
// (provider, provider_subject) index, and returns the active row that won.
func (a *AuthDB) CreateSubjectIfAbsent(ctx context.Context, subject *server_structs.AuthSubject) (*server_structs.AuthSubject, error) {
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(subject).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to link auth subject")
	}
	winner, err := a.FindActiveSubject(ctx, subject.Provider, subject.ProviderSubject)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, errors.Errorf("auth subject %s/%s missing after insert", subject.Provider, subject.ProviderSubject)
	}
	return winner, nil
}

// SetPrimarySubjectIfEmpty records subjectID as the user's primary subject
// only when none is set yet. It reports whether the update happened.
func (a *AuthDB) SetPrimarySubjectIfEmpty(ctx context.Context, userID, subjectID string) (bool, error) {
	updated := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&server_structs.User{}).
			Where("id = ? AND primary_auth_subject_id IS NULL", userID).
			Updates(map[string]interface{}{
				"primary_auth_subject_id": subjectID,
				"updated_at":              time.Now().UTC(),
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to set primary auth subject")
		}
		if result.RowsAffected == 0 {
			return nil
		}
		updated = true
		return tx.Model(&server_structs.AuthSubject{}).
			Where("id = ?", subjectID).
			Update("is_primary", true).Error
	})
	return updated, err
}

func (a *AuthDB) IsProviderLinked(ctx context.Context, userID, provider string) (bool, error) {
	var count int64
	err := a.db.WithContext(ctx).
		Model(&server_structs.AuthSubject{}).
		Where("user_id = ? AND provider = ? AND unlinked_at IS NULL", userID, provider).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check provider link")
	}
	return count > 0, nil
}
