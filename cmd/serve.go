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
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hominem/authcore/auth_cache"
	"github.com/hominem/authcore/config"
	"github.com/hominem/authcore/database"
	"github.com/hominem/authcore/session"
	"github.com/hominem/authcore/token"
	"github.com/hominem/authcore/web_ui"
)

type authService struct {
	db     *database.AuthDB
	cache  auth_cache.Cache
	server *web_ui.AuthServer
	engine *gin.Engine
}

var (
	serveCmd = &cobra.Command{
		Use:          "serve",
		Short:        "Start the auth service",
		RunE:         serveMain,
		SilenceUsage: true,
	}
)

func init() {
	serveCmd.Flags().AddFlag(portFlag)
}

// newAuthService opens the durable store and cache and wires the HTTP routes
// on a fresh engine.
func newAuthService(ctx context.Context, engine *gin.Engine) (svc *authService, err error) {
	svc = &authService{engine: engine}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	if svc.db, err = database.InitServerDatabase(ctx); err != nil {
		return
	}
	if svc.cache, err = auth_cache.NewFromConfig(ctx); err != nil {
		return
	}

	keys := config.GetIssuerKeys()
	signingKey, err := keys.GetSigningKey(ctx)
	if err != nil {
		err = errors.Wrap(err, "failed to load the issuer key")
		return
	}
	log.Infoln("Signing access tokens with key", signingKey.KeyID())

	manager, err := session.NewManager(svc.db, svc.cache, token.NewCodecFromConfig(keys))
	if err != nil {
		return
	}
	if svc.server, err = web_ui.NewAuthServerFromConfig(ctx, manager, keys, svc.cache); err != nil {
		return
	}
	svc.server.RegisterRoutes(engine)
	return
}

func (svc *authService) Close() {
	if svc.server != nil {
		svc.server.Close()
	}
	if svc.cache != nil {
		if err := svc.cache.Close(); err != nil {
			log.WithError(err).Warn("Failed to close the cache")
		}
	}
	if svc.db != nil {
		if err := database.ShutdownServerDatabase(); err != nil {
			log.WithError(err).Warn("Failed to close the database")
		}
	}
}

// handleSignals turns SIGINT/SIGTERM into errExitOnSignal so the errgroup
// context is cancelled and every component shuts down.
func handleSignals(ctx context.Context, egrp *errgroup.Group) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	egrp.Go(func() error {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.Warningf("Received signal %v; will shutdown process", sig)
			return errExitOnSignal
		case <-ctx.Done():
			return nil
		}
	})
}

func serveMain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	egrp, ok := ctx.Value(config.EgrpKey).(*errgroup.Group)
	if !ok {
		egrp = &errgroup.Group{}
	}

	if err := config.InitServer(ctx); err != nil {
		return errors.Wrap(err, "invalid server configuration")
	}
	handleSignals(ctx, egrp)

	svc, err := newAuthService(ctx, web_ui.GetEngine())
	if err != nil {
		return err
	}
	egrp.Go(func() error {
		<-ctx.Done()
		svc.Close()
		return nil
	})

	return web_ui.RunEngine(ctx, svc.engine, egrp)
}
