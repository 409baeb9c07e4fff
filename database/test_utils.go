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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hominem/authcore/server_utils"
)

// NewTestAuthDB opens a migrated SQLite database in a temporary directory that
// is closed when the test finishes.
func NewTestAuthDB(t *testing.T) *AuthDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "authcore.sqlite")
	db, err := server_utils.InitSQLiteDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, migrate(context.Background(), db, server_utils.DialectSQLite))
	t.Cleanup(func() {
		_ = server_utils.ShutdownDB(db)
	})
	return NewAuthDB(db)
}
