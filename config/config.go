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
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/hominem/authcore/param"
)

type (
	ContextKey string
)

const (
	EgrpKey ContextKey = "egrp"

	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
	EnvironmentTest        = "test"

	DbDriverSqlite   = "sqlite"
	DbDriverPostgres = "postgres"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// SetServerDefaults installs the default value of every parameter into v.
func SetServerDefaults(v *viper.Viper) {
	v.SetDefault(param.Server_WebHost.GetName(), "0.0.0.0")
	v.SetDefault(param.Server_WebPort.GetName(), 8080)
	v.SetDefault(param.Server_ExternalWebUrl.GetName(), "http://localhost:8080")
	v.SetDefault(param.Server_Environment.GetName(), EnvironmentProduction)
	v.SetDefault(param.Server_DbDriver.GetName(), DbDriverSqlite)
	v.SetDefault(param.Server_DbLocation.GetName(), "./authcore.sqlite")

	v.SetDefault(param.Auth_Audience.GetName(), "hominem-api")
	v.SetDefault(param.Auth_AccessTokenLifetime.GetName(), 10*time.Minute)
	v.SetDefault(param.Auth_RefreshTokenLifetime.GetName(), 30*24*time.Hour)
	v.SetDefault(param.Auth_SessionStateCacheTTL.GetName(), 10*time.Minute)
	v.SetDefault(param.Auth_UserCacheTTL.GetName(), 60*time.Second)
	v.SetDefault(param.Auth_UserCacheSize.GetName(), 1024)
	v.SetDefault(param.Auth_TrustedWebOrigins.GetName(), []string{})
	v.SetDefault(param.Auth_CliFlowLifetime.GetName(), 10*time.Minute)
	v.SetDefault(param.Auth_CliExchangeLifetime.GetName(), 2*time.Minute)
	v.SetDefault(param.Auth_RateLimit_TokenRequests.GetName(), 25)
	v.SetDefault(param.Auth_RateLimit_CliAuthorizeRequests.GetName(), 20)
	v.SetDefault(param.Auth_RateLimit_AuthorizeRequests.GetName(), 30)
	v.SetDefault(param.Auth_RateLimit_Window.GetName(), time.Minute)

	v.SetDefault(param.Cache_Backend.GetName(), CacheBackendMemory)
	v.SetDefault(param.Cache_KeyPrefix.GetName(), "authcore:")

	v.SetDefault(param.OAuth_PrimaryProvider.GetName(), "apple")
	v.SetDefault(param.Logging_Level.GetName(), "info")
}

// InitConfig sets up viper: defaults, the config file, and the AUTHCORE_ env
// prefix. It is installed with cobra.OnInitialize.
func InitConfig() {
	SetServerDefaults(viper.GetViper())

	viper.SetEnvPrefix("authcore")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	param.BindAllParameters(viper.GetViper())

	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			cobraFatal(errors.Wrapf(err, "failed to read config file %s", configFile))
		}
	} else {
		viper.SetConfigName("authcore")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if configDir := param.ConfigDir.GetString(); configDir != "" {
			viper.AddConfigPath(configDir)
		}
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "authcore"))
		}
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				cobraFatal(errors.Wrap(err, "failed to read config file"))
			}
		}
	}

	if _, err := param.Refresh(); err != nil {
		cobraFatal(err)
	}
	if err := InitLogging(); err != nil {
		cobraFatal(err)
	}
}

func cobraFatal(err error) {
	log.Errorln(err)
	os.Exit(1)
}

// InitServer validates the configuration required by the server and fills in
// values derived from other parameters.
func InitServer(_ context.Context) error {
	switch env := param.Server_Environment.GetString(); env {
	case EnvironmentProduction, EnvironmentDevelopment, EnvironmentTest:
	default:
		return errors.Errorf("Server.Environment must be one of production, development or test; got %q", env)
	}

	externalUrl, err := url.Parse(param.Server_ExternalWebUrl.GetString())
	if err != nil {
		return errors.Wrap(err, "invalid Server.ExternalWebUrl")
	}
	if externalUrl.Scheme != "http" && externalUrl.Scheme != "https" || externalUrl.Host == "" {
		return errors.Errorf("Server.ExternalWebUrl must be an absolute http(s) URL; got %q", param.Server_ExternalWebUrl.GetString())
	}
	if !param.Auth_Issuer.IsSet() || param.Auth_Issuer.GetString() == "" {
		if err := param.Set(param.Auth_Issuer.GetName(), strings.TrimSuffix(externalUrl.String(), "/")); err != nil {
			return err
		}
	}

	switch driver := param.Server_DbDriver.GetString(); driver {
	case DbDriverSqlite:
		if param.Server_DbLocation.GetString() == "" {
			return errors.New("Server.DbLocation is required for the sqlite driver")
		}
	case DbDriverPostgres:
		if param.Server_DbDsn.GetString() == "" {
			return errors.New("Server.DbDsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unsupported Server.DbDriver %q", driver)
	}

	switch backend := param.Cache_Backend.GetString(); backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if param.Cache_RedisUrl.GetString() == "" {
			return errors.New("Cache.RedisUrl is required for the redis cache backend")
		}
	default:
		return errors.Errorf("unsupported Cache.Backend %q", backend)
	}

	if param.Auth_AccessTokenLifetime.GetDuration() <= 0 || param.Auth_RefreshTokenLifetime.GetDuration() <= 0 {
		return errors.New("token lifetimes must be positive")
	}

	if _, err := GetAuthSecret(); err != nil {
		return err
	}
	return nil
}

func IsTestMode() bool {
	return param.Server_Environment.GetString() == EnvironmentTest
}

func IsDevelopment() bool {
	return param.Server_Environment.GetString() == EnvironmentDevelopment
}

// ExternalOrigin returns scheme://host of Server.ExternalWebUrl.
func ExternalOrigin() string {
	externalUrl, err := url.Parse(param.Server_ExternalWebUrl.GetString())
	if err != nil {
		return ""
	}
	return externalUrl.Scheme + "://" + externalUrl.Host
}

// ResetConfig clears all configuration and process-wide key material. Tests
// call it in their cleanup.
func ResetConfig() {
	param.Reset()
	ResetIssuerKeys()
	resetEphemeralSecret()
}

// InitTestConfig installs defaults with the test environment selected and
// applies overrides on top of them.
func InitTestConfig(overrides map[string]interface{}) error {
	ResetConfig()
	SetServerDefaults(viper.GetViper())
	values := map[string]interface{}{
		param.Server_Environment.GetName(): EnvironmentTest,
		param.Auth_Issuer.GetName():        "http://localhost:8080",
	}
	for key, value := range overrides {
		values[key] = value
	}
	return param.MultiSet(values)
}
