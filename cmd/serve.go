package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/campusmq/apis"
	"github.com/alwitt/campusmq/broker"
	"github.com/alwitt/campusmq/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunHostServer run the broker host API server until the runtime context ends
func RunHostServer(
	runtimeContext context.Context,
	config *common.HostServerConfig,
	brokerConfig common.BrokerConfig,
	instance string,
	core broker.SubscriptionBroker,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "host",
		"instance":  instance,
	}

	restHandler, err := apis.GetAPIRestBrokerHandler(core, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define REST handler")
		return err
	}
	wsHandler, err := apis.GetAPIRestClientWSHandler(
		runtimeContext, core, &config.HTTPSetting, brokerConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define websocket handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	// Event publish routes
	_ = apis.RegisterPathPrefix(v1Router, "/event", map[string]http.HandlerFunc{
		"post": restHandler.PublishEventHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/events", map[string]http.HandlerFunc{
		"post": restHandler.PublishEventBatchHandler(),
	})

	// Introspection routes
	_ = apis.RegisterPathPrefix(v1Router, "/subscription", map[string]http.HandlerFunc{
		"get": restHandler.GetActiveSubscriptionsHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/metrics", map[string]http.HandlerFunc{
		"get": restHandler.GetMetricsHandler(),
	})

	// Client websocket channel
	_ = apis.RegisterPathPrefix(v1Router, "/client", map[string]http.HandlerFunc{
		"get": wsHandler.ClientChannelHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": restHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": restHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(restHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
