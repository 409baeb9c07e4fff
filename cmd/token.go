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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/server_structs"
	"github.com/hominem/authcore/token"
)

var (
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect access tokens with the local issuer key",
	}

	tokenIssueCmd = &cobra.Command{
		Use:   "issue",
		Short: "Sign an access token for a user",
		Long: `Sign an access token with the configured issuer key. The token is not
bound to a stored session unless --sid names one, so it is only suitable
for development and operator debugging.`,
		Example:      "authcore token issue --user 7b0c... --scope api:read --scope api:write",
		RunE:         tokenIssueMain,
		SilenceUsage: true,
	}

	tokenVerifyCmd = &cobra.Command{
		Use:          "verify <token>",
		Short:        "Verify an access token and print its claims",
		Args:         cobra.ExactArgs(1),
		RunE:         tokenVerifyMain,
		SilenceUsage: true,
	}
)

func init() {
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)

	tokenIssueCmd.Flags().String("user", "", "The user id placed in the sub claim")
	tokenIssueCmd.Flags().StringSlice("scope", nil, "Scopes to grant; defaults to api:read and api:write")
	tokenIssueCmd.Flags().String("role", server_structs.RoleUser, "Role claim; user or admin")
	tokenIssueCmd.Flags().String("sid", "", "Session id; a random one is used when empty")
	tokenIssueCmd.Flags().Duration("lifetime", 0, "Token lifetime; defaults to Auth.AccessTokenLifetime")
	if err := tokenIssueCmd.MarkFlagRequired("user"); err != nil {
		panic(err)
	}
}

func tokenIssueMain(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user")
	scope, _ := cmd.Flags().GetStringSlice("scope")
	role, _ := cmd.Flags().GetString("role")
	sid, _ := cmd.Flags().GetString("sid")
	lifetime, _ := cmd.Flags().GetDuration("lifetime")

	if role != server_structs.RoleUser && role != server_structs.RoleAdmin {
		return errors.Errorf("invalid role %q; must be user or admin", role)
	}
	if sid == "" {
		sid = uuid.NewString()
	}

	var opts []token.CodecOption
	if lifetime > 0 {
		opts = append(opts, token.WithLifetime(lifetime))
	}
	codec := token.NewCodecFromConfig(config.GetIssuerKeys(), opts...)
	issued, err := codec.Issue(cmd.Context(), token.AccessClaims{
		Subject:   userID,
		SessionID: sid,
		Scope:     scope,
		Role:      role,
		Amr:       []string{"cli-admin"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to issue token")
	}

	if outputJSON {
		encoded, err := json.Marshal(server_structs.AccessTokenResponse{
			AccessToken: issued.AccessToken,
			TokenType:   issued.TokenType,
			ExpiresIn:   issued.ExpiresIn,
			Provider:    server_structs.TokenProviderName,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), issued.AccessToken)
	return nil
}

func tokenVerifyMain(cmd *cobra.Command, args []string) error {
	codec := token.NewCodecFromConfig(config.GetIssuerKeys())
	claims, err := codec.Verify(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(struct {
		*token.AccessClaims
		IssuedAt  time.Time `json:"iat"`
		ExpiresAt time.Time `json:"exp"`
	}{claims, claims.IssuedAt, claims.ExpiresAt}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}
