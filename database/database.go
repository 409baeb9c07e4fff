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

package database

import (
	"context"
	"embed"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/param"
	"github.com/hominem/authcore/server_utils"
)

// AuthDB is the durable, authoritative store for users, subjects, sessions and
// refresh tokens. Every method takes the caller's context so request
// deadlines reach the driver.
type AuthDB struct {
	db *gorm.DB
}

var ServerDatabase *gorm.DB

//go:embed migrations/*.sql
var embedMigrations embed.FS

func NewAuthDB(db *gorm.DB) *AuthDB {
	return &AuthDB{db: db}
}

// DB exposes the underlying handle for tests and shutdown.
func (a *AuthDB) DB() *gorm.DB {
	return a.db
}

// Open the configured database, apply the embedded migrations and return the
// durable layer built on top of it.
func InitServerDatabase(ctx context.Context) (*AuthDB, error) {
	var (
		tdb     *gorm.DB
		err     error
		dialect string
	)
	switch driver := param.Server_DbDriver.GetString(); driver {
	case config.DbDriverPostgres:
		log.Debugln("Initializing postgres server database")
		tdb, err = server_utils.InitPostgresDB(param.Server_DbDsn.GetString())
		dialect = server_utils.DialectPostgres
	case config.DbDriverSqlite, "":
		dbPath := param.Server_DbLocation.GetString()
		log.Debugln("Initializing server database:", dbPath)
		tdb, err = server_utils.InitSQLiteDB(dbPath)
		dialect = server_utils.DialectSQLite
	default:
		return nil, errors.Errorf("unsupported Server.DbDriver %q", driver)
	}
	if err != nil {
		metrics.ReportUnhealthy(metrics.ComponentDatabase, err)
		return nil, err
	}

	if err := migrate(ctx, tdb, dialect); err != nil {
		metrics.ReportUnhealthy(metrics.ComponentDatabase, err)
		return nil, err
	}
	ServerDatabase = tdb
	metrics.ReportHealthy(metrics.ComponentDatabase, "database migrated")
	return NewAuthDB(tdb), nil
}

func migrate(ctx context.Context, db *gorm.DB, dialect string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get the database connection")
	}
	return server_utils.MigrateDB(ctx, sqlDB, embedMigrations, "migrations", dialect)
}

func ShutdownServerDatabase() error {
	if ServerDatabase == nil {
		return nil
	}
	err := server_utils.ShutdownDB(ServerDatabase)
	ServerDatabase = nil
	return err
}
