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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-kit/log/term"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hominem/authcore/param"
)

type (
	// RedactFieldsHook replaces the value of sensitive structured fields before
	// the entry is formatted.
	RedactFieldsHook struct {
		Fields map[string]struct{}
	}
)

var (
	sensitiveFields = []string{"refresh_token", "access_token", "code", "code_verifier", "token", "secret"}

	redactOnce sync.Once
	logFHandle *os.File
)

func NewRedactFieldsHook(fields ...string) *RedactFieldsHook {
	hook := &RedactFieldsHook{Fields: make(map[string]struct{}, len(fields))}
	for _, field := range fields {
		hook.Fields[strings.ToLower(field)] = struct{}{}
	}
	return hook
}

func (hook *RedactFieldsHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook *RedactFieldsHook) Fire(entry *log.Entry) error {
	for key := range entry.Data {
		if _, ok := hook.Fields[strings.ToLower(key)]; ok {
			entry.Data[key] = "[redacted]"
		}
	}
	return nil
}

// InitLogging applies Logging.Level (or Debug), Logging.LogLocation and the
// formatter to the standard logger.
func InitLogging() error {
	level := log.InfoLevel
	if levelName := param.Logging_Level.GetString(); levelName != "" {
		parsed, err := log.ParseLevel(levelName)
		if err != nil {
			return errors.Wrapf(err, "invalid Logging.Level %q", levelName)
		}
		level = parsed
	}
	if param.Debug.GetBool() {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if logLocation := param.Logging_LogLocation.GetString(); logLocation != "" {
		if err := os.MkdirAll(filepath.Dir(logLocation), 0750); err != nil {
			return errors.Wrap(err, "failed to access/create specified log directory")
		}
		f, err := os.OpenFile(logLocation, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return errors.Wrap(err, "failed to access specified log file")
		}
		if logFHandle != nil {
			_ = logFHandle.Close()
		}
		logFHandle = f
		log.SetOutput(f)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:          true,
			DisableColors:          true,
			DisableLevelTruncation: true,
		})
	} else {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:          true,
			ForceColors:            term.IsTerminal(os.Stderr),
			DisableLevelTruncation: true,
		})
	}

	redactOnce.Do(func() {
		log.AddHook(NewRedactFieldsHook(sensitiveFields...))
	})
	return nil
}

// CloseLogger closes the log file opened by InitLogging, if any.
func CloseLogger() {
	if logFHandle != nil {
		_ = logFHandle.Close()
		logFHandle = nil
	}
}
