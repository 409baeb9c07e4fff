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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hominem/authcore/param"
)

type (
	// KeyProvider hands out the key used to sign access tokens and the public
	// key set used to verify them.
	KeyProvider interface {
		GetSigningKey(ctx context.Context) (jwk.Key, error)
		GetJwks(ctx context.Context) (jwk.Set, error)
	}

	// IssuerKeys is the default KeyProvider. The signing key is created (or
	// loaded from keyFile) on first use and never changes afterwards; the public
	// set additionally carries every key from jwksFile so tokens signed by a
	// previous key keep verifying during a rotation window.
	IssuerKeys struct {
		keyFile  string
		jwksFile string

		mutex   sync.Mutex
		signing atomic.Pointer[jwk.Key]
		extra   atomic.Pointer[jwk.Set]
	}
)

var defaultIssuerKeys atomic.Pointer[IssuerKeys]

func NewIssuerKeys(keyFile, jwksFile string) *IssuerKeys {
	return &IssuerKeys{keyFile: keyFile, jwksFile: jwksFile}
}

// GetIssuerKeys returns the process-wide provider built from IssuerKey and
// Server.IssuerJwks.
func GetIssuerKeys() *IssuerKeys {
	if keys := defaultIssuerKeys.Load(); keys != nil {
		return keys
	}
	keys := NewIssuerKeys(param.IssuerKey.GetString(), param.Server_IssuerJwks.GetString())
	if defaultIssuerKeys.CompareAndSwap(nil, keys) {
		return keys
	}
	return defaultIssuerKeys.Load()
}

// Reset the process-wide issuer keys; used by tests
func ResetIssuerKeys() {
	defaultIssuerKeys.Store(nil)
}

func (k *IssuerKeys) GetSigningKey(_ context.Context) (jwk.Key, error) {
	if key := k.signing.Load(); key != nil {
		return *key, nil
	}

	k.mutex.Lock()
	defer k.mutex.Unlock()
	if key := k.signing.Load(); key != nil {
		return *key, nil
	}

	var key jwk.Key
	var err error
	if k.keyFile != "" {
		key, err = loadIssuerPrivateJWK(k.keyFile)
	} else {
		key, err = generateIssuerPrivateJWK()
	}
	if err != nil {
		return nil, err
	}
	k.signing.Store(&key)
	return key, nil
}

func (k *IssuerKeys) GetJwks(ctx context.Context) (jwk.Set, error) {
	key, err := k.GetSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	pkey, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate public key of the issuer key")
	}

	jwks := jwk.NewSet()
	if err = jwks.AddKey(pkey); err != nil {
		return nil, errors.Wrap(err, "failed to add public key to new JWKS")
	}

	extra, err := k.loadExtraKeys()
	if err != nil {
		return nil, err
	}
	for idx := 0; idx < extra.Len(); idx++ {
		extraKey, ok := extra.Key(idx)
		if !ok || extraKey.KeyID() == "" {
			continue
		}
		if _, exists := jwks.LookupKeyID(extraKey.KeyID()); exists {
			continue
		}
		if err = jwks.AddKey(extraKey); err != nil {
			return nil, errors.Wrapf(err, "failed to add key %s to JWKS", extraKey.KeyID())
		}
	}
	return jwks, nil
}

// HasKeyID reports whether kid names a key in jwks.
func HasKeyID(jwks jwk.Set, kid string) bool {
	if jwks == nil || kid == "" {
		return false
	}
	_, ok := jwks.LookupKeyID(kid)
	return ok
}

func (k *IssuerKeys) loadExtraKeys() (jwk.Set, error) {
	if set := k.extra.Load(); set != nil {
		return *set, nil
	}
	set := jwk.NewSet()
	if k.jwksFile != "" {
		read, err := jwk.ReadFile(k.jwksFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read issuer JWKS file")
		}
		public, err := jwk.PublicSetOf(read)
		if err != nil {
			return nil, errors.Wrap(err, "failed to convert issuer JWKS to public keys")
		}
		for idx := 0; idx < public.Len(); idx++ {
			pkey, _ := public.Key(idx)
			if pkey.KeyUsage() == "" {
				_ = pkey.Set(jwk.KeyUsageKey, jwk.ForSignature)
			}
		}
		set = public
	}
	k.extra.Store(&set)
	return set, nil
}

func generateIssuerPrivateJWK() (jwk.Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate issuer key")
	}
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert issuer key to JWK")
	}
	if err = decorateIssuerKey(key); err != nil {
		return nil, err
	}
	if err = key.Set(jwk.KeyIDKey, uuid.NewString()); err != nil {
		return nil, errors.Wrap(err, "failed to set key id")
	}
	log.Debugln("Generated ephemeral issuer key", key.KeyID())
	return key, nil
}

// Load the ES256 key at issuerKeyFile, generating it first if the file does not exist.
// The kid is the key thumbprint so it is stable across restarts.
func loadIssuerPrivateJWK(issuerKeyFile string) (jwk.Key, error) {
	if err := generatePrivateKey(issuerKeyFile); err != nil {
		return nil, errors.Wrap(err, "failed to generate new private key")
	}
	contents, err := os.ReadFile(issuerKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read issuer key file")
	}
	key, err := jwk.ParseKey(contents, jwk.WithPEM(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse issuer key file %v", issuerKeyFile)
	}
	if key.KeyType() != "EC" {
		return nil, errors.Errorf("issuer key file %v does not contain an EC key", issuerKeyFile)
	}
	if err = decorateIssuerKey(key); err != nil {
		return nil, err
	}
	if err = jwk.AssignKeyID(key); err != nil {
		return nil, errors.Wrap(err, "failed to assign key ID to private key")
	}
	return key, nil
}

func decorateIssuerKey(key jwk.Key) error {
	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return errors.Wrap(err, "failed to add alg specification to key header")
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return errors.Wrap(err, "failed to add use specification to key header")
	}
	return nil
}

func generatePrivateKey(keyLocation string) error {
	if _, err := os.Stat(keyLocation); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "failed to load private key due to I/O error")
	}

	log.Warningf("IssuerKey is set to %v but the file does not exist. Will generate a new private key", keyLocation)
	if err := os.MkdirAll(filepath.Dir(keyLocation), 0750); err != nil {
		return errors.Wrap(err, "failed to create issuer key directory")
	}
	file, err := os.OpenFile(keyLocation, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0400)
	if err != nil {
		return errors.Wrap(err, "failed to create new private key file at "+keyLocation)
	}
	defer file.Close()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	bytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	return pem.Encode(file, &pem.Block{Type: "PRIVATE KEY", Bytes: bytes})
}
