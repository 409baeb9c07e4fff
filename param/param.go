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

package param

import (
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
)

var (
	viperConfig atomic.Pointer[Config]
	configMutex sync.Mutex
)

// Refresh reloads the cached configuration snapshot from viper's global instance.
//
// The param accessors read from the snapshot, so any code that mutates viper
// directly (SetDefault, MergeConfig, BindPFlag, ...) must call Refresh afterwards.
func Refresh() (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()
	return refreshLocked()
}

func refreshLocked() (*Config, error) {
	newConfig, err := DecodeConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	viperConfig.Store(newConfig)
	return newConfig, nil
}

// BindAllParameters binds every known key to its environment variable so that
// env-only values show up in AllSettings() and therefore in the snapshot.
func BindAllParameters(v *viper.Viper) {
	if v == nil {
		return
	}
	for _, key := range allParameterNames {
		_ = v.BindEnv(key)
	}
}

// SplitListValue splits a configuration string on commas, or on whitespace when
// no comma is present. Surrounding quotes are trimmed from the whole value and
// from each element; empty elements are dropped.
func SplitListValue(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), `"'`)
	if raw == "" {
		return []string{}
	}

	var parts []string
	if strings.Contains(raw, ",") {
		parts = strings.Split(raw, ",")
	} else {
		parts = strings.Fields(raw)
	}

	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(strings.TrimSpace(part), `"'`)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func stringToSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.String || t != reflect.Slice {
			return data, nil
		}
		return SplitListValue(data.(string)), nil
	}
}

// DecodeHook is the hook chain used for both the snapshot and ObjectParam.Unmarshal.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToSliceHookFunc(),
	)
}

// DecodeConfig decodes the settings of v into a fresh Config without touching
// the cached snapshot.
func DecodeConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("nil viper instance")
	}
	BindAllParameters(v)
	settings := v.AllSettings()
	mergeKnownKeyOverrides(settings, v)

	newConfig := new(Config)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       DecodeHook(),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
		Result: newConfig,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	return newConfig, nil
}

// AllSettings returns every known parameter with its effective value, suitable
// for printing.
func AllSettings() map[string]any {
	settings := viper.AllSettings()
	mergeKnownKeyOverrides(settings, viper.GetViper())
	return settings
}

// AllSettings() omits values that only come from flag bindings, so overlay
// every known key explicitly.
func mergeKnownKeyOverrides(settings map[string]any, v *viper.Viper) {
	for _, key := range allParameterNames {
		val := v.Get(key)
		if val == nil {
			continue
		}
		setLowercasePath(settings, strings.Split(key, "."), val)
	}
}

func setLowercasePath(root map[string]any, path []string, val any) {
	if len(path) == 0 {
		return
	}
	m := root
	for _, segment := range path[:len(path)-1] {
		k := strings.ToLower(segment)
		if next, ok := m[k].(map[string]any); ok {
			m = next
			continue
		}
		next := make(map[string]any)
		m[k] = next
		m = next
	}
	m[strings.ToLower(path[len(path)-1])] = val
}

func getOrCreateConfig() *Config {
	if config := viperConfig.Load(); config != nil {
		return config
	}
	config, err := Refresh()
	if err != nil {
		return new(Config)
	}
	return config
}

// Set sets a parameter in viper and refreshes the snapshot.
func Set(key string, value interface{}) error {
	return MultiSet(map[string]interface{}{key: value})
}

// MultiSet sets several parameters with a single snapshot refresh.
func MultiSet(keyValues map[string]interface{}) error {
	configMutex.Lock()
	defer configMutex.Unlock()
	for key, value := range keyValues {
		viper.Set(key, value)
	}
	_, err := refreshLocked()
	return err
}

// Reset clears viper and the cached snapshot.
func Reset() {
	configMutex.Lock()
	defer configMutex.Unlock()
	viper.Reset()
	viperConfig.Store(nil)
}
