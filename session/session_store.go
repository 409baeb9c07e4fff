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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/param"
	"github.com/hominem/authcore/server_structs"
)

const (
	sessionStatePrefix = "auth:session:sid:"
	revokedFlagPrefix  = "auth:revoked:sid:"

	stateActive  = "active"
	stateRevoked = "revoked"
	revokedFlag  = "1"
)

type (
	EnsureSessionInput struct {
		UserID        string
		SessionState  string
		Amr           []string
		Acr           string
		IPHash        string
		UserAgentHash string
	}

	// SessionStore answers "is this session revoked" from the cache when it
	// can and from the database otherwise. Cache failures are logged and
	// never turn into an answer.
	SessionStore struct {
		cache      auth_cache.Cache
		db         SessionDurableLayer
		activeTTL  time.Duration
		revokedTTL time.Duration
		now        func() time.Time
	}
)

func sessionStateKey(sessionID string) string {
	return sessionStatePrefix + sessionID
}

func revokedFlagKey(sessionID string) string {
	return revokedFlagPrefix + sessionID
}

// NewSessionStore keeps "active" sentinels for activeTTL and "revoked"
// sentinels for revokedTTL, which should cover the refresh token lifetime.
func NewSessionStore(cache auth_cache.Cache, db SessionDurableLayer, activeTTL, revokedTTL time.Duration) *SessionStore {
	return &SessionStore{
		cache:      cache,
		db:         db,
		activeTTL:  activeTTL,
		revokedTTL: revokedTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func NewSessionStoreFromConfig(cache auth_cache.Cache, db SessionDurableLayer) *SessionStore {
	return NewSessionStore(cache, db,
		param.Auth_SessionStateCacheTTL.GetDuration(),
		param.Auth_RefreshTokenLifetime.GetDuration())
}

// EnsureSession reuses the live session of the user with the same session
// state, or starts a new one.
func (s *SessionStore) EnsureSession(ctx context.Context, input EnsureSessionInput) (*server_structs.AuthSession, error) {
	if input.UserID == "" {
		return nil, errors.New("cannot create a session without a user")
	}
	now := s.now()

	if input.SessionState != "" {
		existing, err := s.db.FindActiveSession(ctx, input.UserID, input.SessionState)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			touched, err := s.db.TouchSession(ctx, existing.ID, now, input.Amr)
			if err != nil {
				return nil, err
			}
			// A revocation that lands after the lookup leaves nothing to reuse
			if touched && s.markActive(ctx, existing.ID) {
				existing.LastSeenAt = now
				if len(input.Amr) > 0 {
					existing.Amr = append([]string{}, input.Amr...)
				}
				return existing, nil
			}
		}
	}

	state := input.SessionState
	if state == "" {
		state = uuid.NewString()
	}
	amr := input.Amr
	if len(amr) == 0 {
		amr = []string{"oauth"}
	}
	created := &server_structs.AuthSession{
		ID:            uuid.NewString(),
		UserID:        input.UserID,
		SessionState:  state,
		Amr:           append([]string{}, amr...),
		Acr:           input.Acr,
		IPHash:        input.IPHash,
		UserAgentHash: input.UserAgentHash,
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := s.db.CreateSession(ctx, created); err != nil {
		return nil, err
	}
	s.cacheState(ctx, created.ID, stateActive)
	log.WithFields(log.Fields{"user_id": input.UserID, "session_id": created.ID}).Debug("Created auth session")
	return created, nil
}

// RevokeSession is authoritative in the database first; the cache writes that
// follow are best effort.
func (s *SessionStore) RevokeSession(ctx context.Context, sessionID string) error {
	revokedNow, err := s.db.RevokeSession(ctx, sessionID, s.now())
	if err != nil {
		return errors.Wrapf(err, "failed to revoke session %s", sessionID)
	}
	if revokedNow {
		metrics.SessionsRevoked.Inc()
		log.WithField("session_id", sessionID).Info("Revoked auth session")
	}

	if err := s.cache.Set(ctx, sessionStateKey(sessionID), stateRevoked, s.revokedTTL); err != nil {
		log.WithField("session_id", sessionID).Warnf("Failed to cache revoked session state: %v", err)
		// A stale "active" sentinel must not outlive the revocation
		if err := s.cache.Delete(ctx, sessionStateKey(sessionID)); err != nil {
			log.WithField("session_id", sessionID).Warnf("Failed to drop cached session state: %v", err)
		}
	}
	if err := s.cache.Set(ctx, revokedFlagKey(sessionID), revokedFlag, s.revokedTTL); err != nil {
		log.WithField("session_id", sessionID).Warnf("Failed to cache revoked session flag: %v", err)
	}
	return nil
}

// IsRevoked returns an error only when the database cannot be consulted;
// callers must then treat the session as revoked.
func (s *SessionStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return true, nil
	}

	state, found, err := s.cache.Get(ctx, sessionStateKey(sessionID))
	switch {
	case err != nil:
		metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierCache, metrics.CacheResultError).Inc()
		log.WithField("session_id", sessionID).Warnf("Session state cache lookup failed: %v", err)
	case found && state == stateRevoked:
		metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierCache, metrics.CacheResultHit).Inc()
		return true, nil
	case found && state == stateActive:
		metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierCache, metrics.CacheResultHit).Inc()
		return false, nil
	}

	if err == nil {
		flag, found, err := s.cache.Get(ctx, revokedFlagKey(sessionID))
		if err != nil {
			metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierCache, metrics.CacheResultError).Inc()
			log.WithField("session_id", sessionID).Warnf("Revoked flag cache lookup failed: %v", err)
		} else if found && flag == revokedFlag {
			metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierCache, metrics.CacheResultHit).Inc()
			s.cacheState(ctx, sessionID, stateRevoked)
			return true, nil
		} else {
			metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierCache, metrics.CacheResultMiss).Inc()
		}
	}

	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierDB, metrics.CacheResultError).Inc()
		return false, errors.Wrap(err, "failed to check session revocation")
	}
	if session == nil {
		metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierDB, metrics.CacheResultMiss).Inc()
		return false, nil
	}
	metrics.SessionCacheLookups.WithLabelValues(metrics.CacheTierDB, metrics.CacheResultHit).Inc()

	if session.IsRevoked() {
		s.cacheState(ctx, sessionID, stateRevoked)
		if err := s.cache.Set(ctx, revokedFlagKey(sessionID), revokedFlag, s.revokedTTL); err != nil {
			log.WithField("session_id", sessionID).Debugf("Failed to hydrate revoked flag: %v", err)
		}
		return true, nil
	}
	if !s.markActive(ctx, sessionID) {
		return true, nil
	}
	return false, nil
}

// TouchSession records activity on the session and refreshes its sentinel.
// touched is false when the session is unknown or already revoked.
func (s *SessionStore) TouchSession(ctx context.Context, sessionID string) (touched bool, err error) {
	touched, err = s.db.TouchSession(ctx, sessionID, s.now(), nil)
	if err != nil || !touched {
		return false, err
	}
	return s.markActive(ctx, sessionID), nil
}

// GetSession returns nil, nil for an unknown id.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*server_structs.AuthSession, error) {
	return s.db.GetSession(ctx, sessionID)
}

// markActive writes the "active" sentinel and then re-reads the session. A
// revocation committed in between has its cache write either after ours or
// before the re-read, so a revoked session never keeps an "active" sentinel.
// It reports whether the session is still live.
func (s *SessionStore) markActive(ctx context.Context, sessionID string) bool {
	s.cacheState(ctx, sessionID, stateActive)
	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		log.WithField("session_id", sessionID).Warnf("Failed to confirm session state: %v", err)
		if err := s.cache.Delete(ctx, sessionStateKey(sessionID)); err != nil {
			log.WithField("session_id", sessionID).Warnf("Failed to drop cached session state: %v", err)
		}
		return true
	}
	if session == nil || session.IsRevoked() {
		s.cacheState(ctx, sessionID, stateRevoked)
		return false
	}
	return true
}

func (s *SessionStore) cacheState(ctx context.Context, sessionID, state string) {
	ttl := s.activeTTL
	if state == stateRevoked {
		ttl = s.revokedTTL
	}
	if err := s.cache.Set(ctx, sessionStateKey(sessionID), state, ttl); err != nil {
		log.WithField("session_id", sessionID).Debugf("Failed to cache session state %s: %v", state, err)
	}
}
