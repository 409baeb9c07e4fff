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
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the decoded snapshot of every known parameter.
type Config struct {
	Auth struct {
		AccessTokenLifetime  time.Duration `mapstructure:"accesstokenlifetime"`
		Audience             string        `mapstructure:"audience"`
		CliExchangeLifetime  time.Duration `mapstructure:"cliexchangelifetime"`
		CliFlowLifetime      time.Duration `mapstructure:"cliflowlifetime"`
		Issuer               string        `mapstructure:"issuer"`
		RateLimit            struct {
			AuthorizeRequests    int           `mapstructure:"authorizerequests"`
			CliAuthorizeRequests int           `mapstructure:"cliauthorizerequests"`
			TokenRequests        int           `mapstructure:"tokenrequests"`
			Window               time.Duration `mapstructure:"window"`
		} `mapstructure:"ratelimit"`
		RefreshTokenLifetime time.Duration `mapstructure:"refreshtokenlifetime"`
		Secret               string        `mapstructure:"secret"`
		SessionStateCacheTTL time.Duration `mapstructure:"sessionstatecachettl"`
		TrustedWebOrigins    []string      `mapstructure:"trustedweborigins"`
		UserCacheSize        int           `mapstructure:"usercachesize"`
		UserCacheTTL         time.Duration `mapstructure:"usercachettl"`
	} `mapstructure:"auth"`
	Cache struct {
		Backend   string `mapstructure:"backend"`
		KeyPrefix string `mapstructure:"keyprefix"`
		RedisUrl  string `mapstructure:"redisurl"`
	} `mapstructure:"cache"`
	ConfigDir string `mapstructure:"configdir"`
	Debug     bool   `mapstructure:"debug"`
	IssuerKey string `mapstructure:"issuerkey"`
	Logging   struct {
		Level       string `mapstructure:"level"`
		LogLocation string `mapstructure:"loglocation"`
	} `mapstructure:"logging"`
	OAuth struct {
		PrimaryProvider string `mapstructure:"primaryprovider"`
	} `mapstructure:"oauth"`
	Server struct {
		DbDriver       string `mapstructure:"dbdriver"`
		DbDsn          string `mapstructure:"dbdsn"`
		DbLocation     string `mapstructure:"dblocation"`
		Environment    string `mapstructure:"environment"`
		ExternalWebUrl string `mapstructure:"externalweburl"`
		IssuerJwks     string `mapstructure:"issuerjwks"`
		WebHost        string `mapstructure:"webhost"`
		WebPort        int    `mapstructure:"webport"`
	} `mapstructure:"server"`
}

type StringParam struct {
	name string
	get  func(*Config) string
}

type StringSliceParam struct {
	name string
	get  func(*Config) []string
}

type BoolParam struct {
	name string
	get  func(*Config) bool
}

type IntParam struct {
	name string
	get  func(*Config) int
}

type DurationParam struct {
	name string
	get  func(*Config) time.Duration
}

// ObjectParam covers structured blocks that are decoded on demand.
type ObjectParam struct {
	name string
}

func (sP StringParam) GetString() string { return sP.get(getOrCreateConfig()) }
func (sP StringParam) GetName() string   { return sP.name }
func (sP StringParam) IsSet() bool       { return viper.IsSet(sP.name) }

func (slP StringSliceParam) GetStringSlice() []string { return slP.get(getOrCreateConfig()) }
func (slP StringSliceParam) GetName() string          { return slP.name }
func (slP StringSliceParam) IsSet() bool              { return viper.IsSet(slP.name) }

func (bP BoolParam) GetBool() bool   { return bP.get(getOrCreateConfig()) }
func (bP BoolParam) GetName() string { return bP.name }
func (bP BoolParam) IsSet() bool     { return viper.IsSet(bP.name) }

func (iP IntParam) GetInt() int      { return iP.get(getOrCreateConfig()) }
func (iP IntParam) GetName() string  { return iP.name }
func (iP IntParam) IsSet() bool      { return viper.IsSet(iP.name) }

func (dP DurationParam) GetDuration() time.Duration { return dP.get(getOrCreateConfig()) }
func (dP DurationParam) GetName() string            { return dP.name }
func (dP DurationParam) IsSet() bool                { return viper.IsSet(dP.name) }

func (oP ObjectParam) GetName() string { return oP.name }
func (oP ObjectParam) IsSet() bool     { return viper.IsSet(oP.name) }

// Unmarshal decodes the block into rawVal with the same hooks as the snapshot.
func (oP ObjectParam) Unmarshal(rawVal any) error {
	return viper.UnmarshalKey(oP.name, rawVal, viper.DecodeHook(DecodeHook()))
}

// EnvVarName returns the AUTHCORE_ environment variable for a parameter name.
func EnvVarName(paramName string) string {
	return "AUTHCORE_" + strings.ToUpper(strings.ReplaceAll(paramName, ".", "_"))
}

var (
	Auth_AccessTokenLifetime  = DurationParam{"Auth.AccessTokenLifetime", func(c *Config) time.Duration { return c.Auth.AccessTokenLifetime }}
	Auth_Audience             = StringParam{"Auth.Audience", func(c *Config) string { return c.Auth.Audience }}
	Auth_CliExchangeLifetime  = DurationParam{"Auth.CliExchangeLifetime", func(c *Config) time.Duration { return c.Auth.CliExchangeLifetime }}
	Auth_CliFlowLifetime      = DurationParam{"Auth.CliFlowLifetime", func(c *Config) time.Duration { return c.Auth.CliFlowLifetime }}
	Auth_Issuer               = StringParam{"Auth.Issuer", func(c *Config) string { return c.Auth.Issuer }}
	Auth_RefreshTokenLifetime = DurationParam{"Auth.RefreshTokenLifetime", func(c *Config) time.Duration { return c.Auth.RefreshTokenLifetime }}
	Auth_Secret               = StringParam{"Auth.Secret", func(c *Config) string { return c.Auth.Secret }}
	Auth_SessionStateCacheTTL = DurationParam{"Auth.SessionStateCacheTTL", func(c *Config) time.Duration { return c.Auth.SessionStateCacheTTL }}
	Auth_TrustedWebOrigins    = StringSliceParam{"Auth.TrustedWebOrigins", func(c *Config) []string { return c.Auth.TrustedWebOrigins }}
	Auth_UserCacheSize        = IntParam{"Auth.UserCacheSize", func(c *Config) int { return c.Auth.UserCacheSize }}
	Auth_UserCacheTTL         = DurationParam{"Auth.UserCacheTTL", func(c *Config) time.Duration { return c.Auth.UserCacheTTL }}

	Auth_RateLimit_AuthorizeRequests    = IntParam{"Auth.RateLimit.AuthorizeRequests", func(c *Config) int { return c.Auth.RateLimit.AuthorizeRequests }}
	Auth_RateLimit_CliAuthorizeRequests = IntParam{"Auth.RateLimit.CliAuthorizeRequests", func(c *Config) int { return c.Auth.RateLimit.CliAuthorizeRequests }}
	Auth_RateLimit_TokenRequests        = IntParam{"Auth.RateLimit.TokenRequests", func(c *Config) int { return c.Auth.RateLimit.TokenRequests }}
	Auth_RateLimit_Window               = DurationParam{"Auth.RateLimit.Window", func(c *Config) time.Duration { return c.Auth.RateLimit.Window }}

	Cache_Backend   = StringParam{"Cache.Backend", func(c *Config) string { return c.Cache.Backend }}
	Cache_KeyPrefix = StringParam{"Cache.KeyPrefix", func(c *Config) string { return c.Cache.KeyPrefix }}
	Cache_RedisUrl  = StringParam{"Cache.RedisUrl", func(c *Config) string { return c.Cache.RedisUrl }}

	ConfigDir = StringParam{"ConfigDir", func(c *Config) string { return c.ConfigDir }}
	Debug     = BoolParam{"Debug", func(c *Config) bool { return c.Debug }}
	IssuerKey = StringParam{"IssuerKey", func(c *Config) string { return c.IssuerKey }}

	Logging_Level       = StringParam{"Logging.Level", func(c *Config) string { return c.Logging.Level }}
	Logging_LogLocation = StringParam{"Logging.LogLocation", func(c *Config) string { return c.Logging.LogLocation }}

	OAuth_PrimaryProvider = StringParam{"OAuth.PrimaryProvider", func(c *Config) string { return c.OAuth.PrimaryProvider }}
	OAuth_Providers       = ObjectParam{"OAuth.Providers"}

	Server_DbDriver       = StringParam{"Server.DbDriver", func(c *Config) string { return c.Server.DbDriver }}
	Server_DbDsn          = StringParam{"Server.DbDsn", func(c *Config) string { return c.Server.DbDsn }}
	Server_DbLocation     = StringParam{"Server.DbLocation", func(c *Config) string { return c.Server.DbLocation }}
	Server_Environment    = StringParam{"Server.Environment", func(c *Config) string { return c.Server.Environment }}
	Server_ExternalWebUrl = StringParam{"Server.ExternalWebUrl", func(c *Config) string { return c.Server.ExternalWebUrl }}
	Server_IssuerJwks     = StringParam{"Server.IssuerJwks", func(c *Config) string { return c.Server.IssuerJwks }}
	Server_WebHost        = StringParam{"Server.WebHost", func(c *Config) string { return c.Server.WebHost }}
	Server_WebPort        = IntParam{"Server.WebPort", func(c *Config) int { return c.Server.WebPort }}
)

// Sorted; OAuth.Providers is left out since its keys are dynamic.
var allParameterNames = []string{
	"Auth.AccessTokenLifetime",
	"Auth.Audience",
	"Auth.CliExchangeLifetime",
	"Auth.CliFlowLifetime",
	"Auth.Issuer",
	"Auth.RateLimit.AuthorizeRequests",
	"Auth.RateLimit.CliAuthorizeRequests",
	"Auth.RateLimit.TokenRequests",
	"Auth.RateLimit.Window",
	"Auth.RefreshTokenLifetime",
	"Auth.Secret",
	"Auth.SessionStateCacheTTL",
	"Auth.TrustedWebOrigins",
	"Auth.UserCacheSize",
	"Auth.UserCacheTTL",
	"Cache.Backend",
	"Cache.KeyPrefix",
	"Cache.RedisUrl",
	"ConfigDir",
	"Debug",
	"IssuerKey",
	"Logging.Level",
	"Logging.LogLocation",
	"OAuth.PrimaryProvider",
	"Server.DbDriver",
	"Server.DbDsn",
	"Server.DbLocation",
	"Server.Environment",
	"Server.ExternalWebUrl",
	"Server.IssuerJwks",
	"Server.WebHost",
	"Server.WebPort",
}
