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
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hominem/authcore/param"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	configDumpCmd = &cobra.Command{
		Use:          "dump",
		Short:        "Print every setting after defaults, files, env and flags are merged",
		RunE:         configDumpMain,
		SilenceUsage: true,
	}

	configGetCmd = &cobra.Command{
		Use:          "get <key>",
		Short:        "Print one setting, e.g. Auth.AccessTokenLifetime",
		Args:         cobra.ExactArgs(1),
		RunE:         configGetMain,
		SilenceUsage: true,
	}

	redactedKeys = []string{"secret", "clientsecret", "dbdsn", "redisurl"}
)

func init() {
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configGetCmd)
}

// redactSettings replaces credentials anywhere in the settings tree.
func redactSettings(settings map[string]any) map[string]any {
	redacted := make(map[string]any, len(settings))
	for key, value := range settings {
		if isRedactedKey(key) {
			if value != nil && value != "" {
				value = "[redacted]"
			}
			redacted[key] = value
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			value = redactSettings(nested)
		}
		redacted[key] = value
	}
	return redacted
}

func isRedactedKey(key string) bool {
	key = strings.ToLower(key)
	for _, candidate := range redactedKeys {
		if key == candidate {
			return true
		}
	}
	return false
}

func writeSettings(out io.Writer, settings map[string]any, asJSON bool) error {
	if asJSON {
		encoded, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode settings as JSON")
		}
		_, err = fmt.Fprintln(out, string(encoded))
		return err
	}
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(settings); err != nil {
		return errors.Wrap(err, "failed to encode settings as YAML")
	}
	return encoder.Close()
}

func configDumpMain(cmd *cobra.Command, _ []string) error {
	return writeSettings(cmd.OutOrStdout(), redactSettings(param.AllSettings()), outputJSON)
}

func configGetMain(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return errors.Errorf("%s is not set", key)
	}
	leaf := key[strings.LastIndex(key, ".")+1:]
	value := viper.Get(key)
	if isRedactedKey(leaf) {
		value = "[redacted]"
	} else if nested, ok := value.(map[string]any); ok {
		return writeSettings(cmd.OutOrStdout(), redactSettings(nested), outputJSON)
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}
