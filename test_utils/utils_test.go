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
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hominem/authcore/config"
)

// TestGenerateJWK tests the GenerateJWK function.
func TestGenerateJWK(t *testing.T) {
	t.Cleanup(SetupTestLogging(t))
	jwkKey, jwks, jwksString, err := GenerateJWK()
	require.NoErrorf(t, err, "Failed to generate JWK and JWKS: %v", err)
	assert.NotNil(t, jwkKey)
	assert.Equal(t, jwa.ES256.String(), jwkKey.Algorithm().String())
	assert.Equal(t, 1, jwks.Len())
	assert.NotEmpty(t, jwksString)
	assert.NotContains(t, jwksString, `"d"`)
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)
	assert.Len(t, verifier, 43)
	assert.Len(t, challenge, 43)
	assert.Equal(t, challenge, PKCEChallenge(verifier))

	// RFC 7636 appendix B
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		PKCEChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestTestContext(t *testing.T) {
	ctx, cancel, egrp := TestContext(context.Background(), t)
	assert.Same(t, egrp, ctx.Value(config.EgrpKey))

	egrp.Go(func() error {
		<-ctx.Done()
		return nil
	})
	cancel()
	require.NoError(t, egrp.Wait())
}

// TestSetupTestLogging verifies that the test logging hook is properly configured
func TestSetupTestLogging(t *testing.T) {
	cleanup := SetupTestLogging(t)
	defer cleanup()

	logrus.Info("This message should only appear if the test fails")
	logrus.Warn("This warning should only appear if the test fails")

	assert.Equal(t, 1, len(logrus.StandardLogger().Hooks[logrus.InfoLevel]), "Expected one hook to be installed")
}
