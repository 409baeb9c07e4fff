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

package config

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/crypto/hkdf"

	"github.com/hominem/authcore/param"
)

// Purposes for keys derived from Auth.Secret. Each purpose yields an
// independent key, so rotating one consumer never requires a new secret.
const (
	PurposeRefreshTokenHash = "refresh-token-hash"
	PurposeSessionCookie    = "session-cookie"
	PurposeClientHash       = "client-hash"
)

const minSecretLength = 32

var ephemeralSecret atomic.Pointer[[]byte]

// GetAuthSecret returns Auth.Secret, or a per-process random secret in
// development and test environments when none is configured.
func GetAuthSecret() ([]byte, error) {
	if secret := param.Auth_Secret.GetString(); secret != "" {
		if len(secret) < minSecretLength {
			return nil, errors.Errorf("Auth.Secret must be at least %d characters", minSecretLength)
		}
		return []byte(secret), nil
	}
	if !IsDevelopment() && !IsTestMode() {
		return nil, errors.New("Auth.Secret is required outside development and test environments")
	}
	if secret := ephemeralSecret.Load(); secret != nil {
		return *secret, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "failed to generate ephemeral secret")
	}
	if ephemeralSecret.CompareAndSwap(nil, &secret) {
		log.Warningln("Auth.Secret is not set; using an ephemeral secret. Refresh tokens will not survive a restart.")
		return secret, nil
	}
	return *ephemeralSecret.Load(), nil
}

// DeriveKey expands Auth.Secret into length bytes bound to purpose.
func DeriveKey(purpose string, length int) ([]byte, error) {
	secret, err := GetAuthSecret()
	if err != nil {
		return nil, err
	}
	return deriveKey(secret, purpose, length)
}

func deriveKey(secret []byte, purpose string, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte("authcore:"+purpose))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errors.Wrapf(err, "failed to derive %s key", purpose)
	}
	return key, nil
}

// HashClientValue returns a keyed, non-reversible digest of a client attribute
// (IP address, user agent) suitable for storing on a session row.
func HashClientValue(value string) string {
	if value == "" {
		return ""
	}
	key, err := DeriveKey(PurposeClientHash, 32)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

func resetEphemeralSecret() {
	ephemeralSecret.Store(nil)
}
