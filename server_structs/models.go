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
	"time"
)

type (
	User struct {
		ID                   string    `gorm:"primaryKey" json:"id"`
		Email                string    `gorm:"not null;uniqueIndex" json:"email"`
		Name                 string    `gorm:"not null;default:''" json:"name,omitempty"`
		Image                string    `gorm:"not null;default:''" json:"image,omitempty"`
		IsAdmin              bool      `gorm:"not null;default:false" json:"isAdmin"`
		PrimaryAuthSubjectID *string   `gorm:"column:primary_auth_subject_id" json:"primaryAuthSubjectId,omitempty"`
		CreatedAt            time.Time `gorm:"not null" json:"createdAt"`
		UpdatedAt            time.Time `gorm:"not null" json:"updatedAt"`
	}

	// AuthSubject binds an upstream (provider, providerSubject) pair to a user.
	// At most one row per pair is active (UnlinkedAt is nil).
	AuthSubject struct {
		ID              string     `gorm:"primaryKey" json:"id"`
		UserID          string     `gorm:"not null;index" json:"userId"`
		Provider        string     `gorm:"not null" json:"provider"`
		ProviderSubject string     `gorm:"not null" json:"providerSubject"`
		IsPrimary       bool       `gorm:"not null;default:false" json:"isPrimary"`
		LinkedAt        time.Time  `gorm:"not null" json:"linkedAt"`
		UnlinkedAt      *time.Time `json:"unlinkedAt,omitempty"`
	}

	// AuthSession is one login of a user. RevokedAt is terminal.
	AuthSession struct {
		ID            string     `gorm:"primaryKey" json:"id"`
		UserID        string     `gorm:"not null;index" json:"userId"`
		SessionState  string     `gorm:"not null" json:"sessionState"`
		Amr           []string   `gorm:"serializer:json;not null" json:"amr"`
		Acr           string     `gorm:"not null;default:''" json:"acr,omitempty"`
		IPHash        string     `gorm:"column:ip_hash;not null;default:''" json:"-"`
		UserAgentHash string     `gorm:"column:user_agent_hash;not null;default:''" json:"-"`
		CreatedAt     time.Time  `gorm:"not null" json:"createdAt"`
		LastSeenAt    time.Time  `gorm:"not null" json:"lastSeenAt"`
		RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	}

	// RefreshToken is one link of a rotation chain. Only the keyed hash of the
	// raw token is stored; UsedAt is set exactly once.
	RefreshToken struct {
		ID        string     `gorm:"primaryKey"`
		SessionID string     `gorm:"not null;index"`
		FamilyID  string     `gorm:"not null;index"`
		ParentID  *string    `gorm:"column:parent_id"`
		TokenHash string     `gorm:"not null;uniqueIndex"`
		ExpiresAt time.Time  `gorm:"not null"`
		UsedAt    *time.Time `gorm:"column:used_at"`
		RevokedAt *time.Time `gorm:"column:revoked_at"`
		CreatedAt time.Time  `gorm:"not null"`
	}
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

func (User) TableName() string         { return "users" }
func (AuthSubject) TableName() string  { return "auth_subjects" }
func (AuthSession) TableName() string  { return "auth_sessions" }
func (RefreshToken) TableName() string { return "auth_refresh_tokens" }

// Role is the access-token role derived from the admin flag.
func (u *User) Role() string {
	if u.IsAdmin {
		return RoleAdmin
	}
	return RoleUser
}

func (s *AuthSession) IsRevoked() bool {
	return s.RevokedAt != nil
}
