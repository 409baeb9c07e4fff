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

package web_ui

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/hominem/authcore/config"
)

const upstreamSessionName = "authcore-session"

// newSessionHandler builds the cookie session middleware holding the upstream
// sign-in state. The cookie is signed and encrypted with keys derived from
// Auth.Secret.
func newSessionHandler(secure bool, maxAge time.Duration) (gin.HandlerFunc, error) {
	keys, err := config.DeriveKey(config.PurposeSessionCookie, 64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session secrets")
	}

	store := cookie.NewStore(keys[:32], keys[32:])
	sameSite := http.SameSiteLaxMode
	if secure {
		// Providers such as Apple post the callback cross-site
		sameSite = http.SameSiteNoneMode
	}
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Secure:   secure,
		HttpOnly: true,
		SameSite: sameSite,
	})
	return sessions.Sessions(upstreamSessionName, store), nil
}
