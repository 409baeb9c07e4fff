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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/param"
)

var (
	privateKeyPath string

	keyCmd = &cobra.Command{
		Use:   "key",
		Short: "Manage the access token signing keys",
	}

	keyCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Generate an issuer private key",
		Long: `Generate an ES256 (ECDSA P-256) issuer private key in PEM format. An
existing key file is left untouched. The public half is served by the
service's JWKS endpoints.`,
		RunE:         keyCreateMain,
		SilenceUsage: true,
	}

	keyJwksCmd = &cobra.Command{
		Use:          "jwks",
		Short:        "Print the public key set used to verify access tokens",
		RunE:         keyJwksMain,
		SilenceUsage: true,
	}
)

func init() {
	keyCmd.AddCommand(keyCreateCmd)
	keyCmd.AddCommand(keyJwksCmd)

	keyCreateCmd.Flags().StringVar(&privateKeyPath, "private-key", "", "The path of the generated private key. Default: the IssuerKey setting")
}

func keyCreateMain(cmd *cobra.Command, _ []string) error {
	path := privateKeyPath
	if path == "" {
		path = param.IssuerKey.GetString()
	}
	if path == "" {
		return errors.New("no key location; pass --private-key or set IssuerKey")
	}
	key, err := config.NewIssuerKeys(path, "").GetSigningKey(cmd.Context())
	if err != nil {
		return errors.Wrapf(err, "failed to create the issuer key at %s", path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Issuer key %s is at %s\n", key.KeyID(), path)
	return nil
}

func keyJwksMain(cmd *cobra.Command, _ []string) error {
	jwks, err := config.GetIssuerKeys().GetJwks(cmd.Context())
	if err != nil {
		return err
	}
	if param.IssuerKey.GetString() == "" {
		fmt.Fprintln(os.Stderr, "IssuerKey is not set; the printed key is ephemeral")
	}
	encoded, err := json.MarshalIndent(jwks, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode the key set")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}
