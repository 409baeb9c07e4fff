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

package web_ui

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hominem/authcore/metrics"
	"github.com/hominem/authcore/param"
)

const shutdownTimeout = 10 * time.Second

func ConfigureMetrics(engine *gin.Engine) {
	prometheusMonitor := ginprometheus.NewPrometheus("gin")
	prometheusMonitor.Use(engine)

	engine.GET("/api/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, metrics.GetHealthReport())
	})
}

func GetEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	webLogger := log.WithFields(log.Fields{"daemon": "gin"})
	engine.Use(func(ctx *gin.Context) {
		startTime := time.Now()

		ctx.Next()

		latency := time.Since(startTime)
		webLogger.WithFields(log.Fields{"method": ctx.Request.Method,
			"status":   ctx.Writer.Status(),
			"time":     latency.String(),
			"client":   ctx.RemoteIP(),
			"resource": ctx.Request.URL.Path},
		).Info("Served Request")
	})
	ConfigureMetrics(engine)
	return engine
}

// RunEngine serves engine on Server.WebHost:Server.WebPort until ctx is
// cancelled.
func RunEngine(ctx context.Context, engine *gin.Engine, egrp *errgroup.Group) error {
	addr := fmt.Sprintf("%v:%v", param.Server_WebHost.GetString(), param.Server_WebPort.GetInt())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	log.Infoln("Starting web engine at address", ln.Addr().String())
	return runEngineWithListener(ctx, ln, engine, egrp)
}

func runEngineWithListener(ctx context.Context, ln net.Listener, engine *gin.Engine, egrp *errgroup.Group) error {
	server := &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metrics.ReportHealthy(metrics.ComponentWebUI, "")

	egrp.Go(func() error {
		<-ctx.Done()
		log.Debugln("Shutting down the web engine")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Failed to shut down the web engine")
		}
		return nil
	})

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.ReportUnhealthy(metrics.ComponentWebUI, err)
		return errors.Wrap(err, "web engine stopped")
	}
	return nil
}
