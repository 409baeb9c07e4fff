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

package server_utils

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite" // It doesn't require CGO
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	gormlog "github.com/thomas-tacquet/gormv2-logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQL dialects understood by MigrateDB
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Statements are only echoed when the process logs at debug level.
func newGormLogger() logger.Interface {
	var ormLevel logger.LogLevel
	switch log.GetLevel() {
	case log.DebugLevel, log.TraceLevel:
		ormLevel = logger.Info
	case log.InfoLevel, log.WarnLevel:
		ormLevel = logger.Warn
	default:
		ormLevel = logger.Error
	}

	return gormlog.NewGormlog(
		gormlog.WithLogrusEntry(log.WithField("component", "gorm")),
		gormlog.WithGormOptions(gormlog.GormOptions{
			LogLatency: true,
			LogLevel:   ormLevel,
		}),
	)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func InitSQLiteDB(dbPath string) (*gorm.DB, error) {
	if dbPath == "" {
		return nil, errors.New("SQLite database path is empty")
	}

	// Before attempting to create the database, the path
	// must exist or sql.Open will panic.
	err := os.MkdirAll(filepath.Dir(dbPath), 0755)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for SQLite database at %s", dbPath)
	}

	if len(filepath.Ext(dbPath)) == 0 { // No fp extension, let's add .sqlite so it's obvious what the file is
		dbPath += ".sqlite"
	}

	// The pure-go driver only understands _pragma parameters. Immediate
	// transactions keep concurrent writers from failing with SQLITE_BUSY on
	// lock upgrade.
	dbName := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

	log.Debugln("Opening connection to sqlite DB", dbName)

	db, err := gorm.Open(sqlite.Open(dbName), gormConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open the database with path: %s", dbPath)
	}
	return db, nil
}

func InitPostgresDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("Postgres DSN is empty")
	}
	log.Debugln("Opening connection to postgres DB")

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open the postgres database")
	}
	sqldb, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get the postgres connection pool")
	}
	sqldb.SetMaxOpenConns(20)
	sqldb.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Update database schema with the embedded migration files found in dir of migrationFS
func MigrateDB(ctx context.Context, sqldb *sql.DB, migrationFS fs.FS, dir string, dialect string) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(log.WithField("component", "goose"))

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, sqldb, dir); err != nil {
		return errors.Wrap(err, "failed to apply database migrations")
	}
	return nil
}

func ShutdownDB(db *gorm.DB) error {
	sqldb, err := db.DB()
	if err != nil {
		log.Errorln("Failure when getting database instance from gorm:", err)
		return err
	}
	err = sqldb.Close()
	if err != nil {
		log.Errorln("Failure when shutting down the database:", err)
	}
	return err
}
