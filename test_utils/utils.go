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

package test_utils

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hominem/authcore/config"
)

type (
	// testLogHook buffers log entries and replays them through t.Log only
	// when the test fails.
	testLogHook struct {
		mu      sync.Mutex
		entries []string
	}
)

func TestContext(ictx context.Context, t *testing.T) (ctx context.Context, cancel context.CancelFunc, egrp *errgroup.Group) {
	if deadline, ok := t.Deadline(); ok {
		ctx, cancel = context.WithDeadline(ictx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ictx)
	}
	egrp, ctx = errgroup.WithContext(ctx)
	ctx = context.WithValue(ctx, config.EgrpKey, egrp)
	return
}

// GenerateJWK generates an ES256 private key and a corresponding JWKS public key,
// and the string representation of the public key set
func GenerateJWK() (jwk.Key, jwk.Set, string, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, "", err
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, nil, "", err
	}
	_ = jwkKey.Set(jwk.KeyIDKey, "mykey")
	_ = jwkKey.Set(jwk.AlgorithmKey, jwa.ES256)
	_ = jwkKey.Set(jwk.KeyUsageKey, "sig")

	publicKey, err := jwk.PublicKeyOf(jwkKey)
	if err != nil {
		return nil, nil, "", err
	}

	jwks := jwk.NewSet()
	if err := jwks.AddKey(publicKey); err != nil {
		return nil, nil, "", err
	}

	jwksBytes, err := json.Marshal(jwks)
	if err != nil {
		return nil, nil, "", err
	}

	return jwkKey, jwks, string(jwksBytes), nil
}

// GeneratePKCE returns a random verifier and its S256 challenge, both
// base64url without padding.
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	challenge = PKCEChallenge(verifier)
	return
}

func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (hook *testLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *testLogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	hook.mu.Lock()
	hook.entries = append(hook.entries, line)
	hook.mu.Unlock()
	return nil
}

// SetupTestLogging silences the standard logger for the duration of a test and
// dumps what was logged if the test fails. The returned function restores the
// previous hooks and output.
func SetupTestLogging(t *testing.T) func() {
	logger := logrus.StandardLogger()
	hook := &testLogHook{}
	previousHooks := make(logrus.LevelHooks)
	for level, hooks := range logger.Hooks {
		previousHooks[level] = append([]logrus.Hook{}, hooks...)
	}
	previousOut := logger.Out

	replaced := make(logrus.LevelHooks)
	replaced.Add(hook)
	logger.ReplaceHooks(replaced)
	logger.SetOutput(discard{})

	return func() {
		if t.Failed() {
			hook.mu.Lock()
			for _, line := range hook.entries {
				t.Log(line)
			}
			hook.mu.Unlock()
		}
		logger.ReplaceHooks(previousHooks)
		logger.SetOutput(previousOut)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
