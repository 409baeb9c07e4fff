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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	RotationSucceeded = "success"
	RotationReplayed  = "replay"
	RotationRejected  = "rejected"

	CacheTierCache = "cache"
	CacheTierDB    = "db"

	CacheResultHit   = "hit"
	CacheResultMiss  = "miss"
	CacheResultError = "error"

	CliStageAuthorize = "authorize"
	CliStageCallback  = "callback"
	CliStageExchange  = "exchange"
)

var (
	AccessTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_access_tokens_issued_total",
		Help: "The number of access tokens signed",
	})

	RefreshRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_refresh_rotations_total",
		Help: "Refresh token rotation attempts by outcome",
	}, []string{"result"})

	RefreshReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_refresh_replays_total",
		Help: "Refresh token reuse detections; each one revokes a token family and its session",
	})

	SessionsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_sessions_revoked_total",
		Help: "Sessions moved to the revoked state",
	})

	SessionCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_session_cache_lookups_total",
		Help: "Session revocation lookups by tier and result",
	}, []string{"tier", "result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_rate_limited_total",
		Help: "Requests rejected by the auth rate limiter",
	}, []string{"bucket"})

	CliFlows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_cli_flows_total",
		Help: "CLI authorization flow transitions by stage",
	}, []string{"stage"})
)
