package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/mqttbridge/internal/adapter/httpserver"
	"github.com/pscheid92/mqttbridge/internal/adapter/metrics"
	"github.com/pscheid92/mqttbridge/internal/adapter/mqtt"
	"github.com/pscheid92/mqttbridge/internal/adapter/redis"
	"github.com/pscheid92/mqttbridge/internal/adapter/websocket"
	"github.com/pscheid92/mqttbridge/internal/app"
	"github.com/pscheid92/mqttbridge/internal/broadcast"
	"github.com/pscheid92/mqttbridge/internal/domain"
	"github.com/pscheid92/mqttbridge/internal/platform/config"
	"github.com/pscheid92/mqttbridge/internal/platform/logging"
	"github.com/pscheid92/mqttbridge/internal/platform/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupBroker returns the configured broker and a cleanup func for resources it owns.
func setupBroker(cfg *config.Config, clock clockwork.Clock, m *metrics.BrokerMetrics) (domain.Broker, func()) {
	switch cfg.BrokerKind {
	case config.BrokerKindRedis:
		rdb, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to create Redis client", "error", err)
			os.Exit(1)
		}
		sub, err := redis.NewSubscription(rdb, redis.Config{
			Filter:         cfg.TopicFilter,
			ConnectTimeout: cfg.BrokerConnectTimeout,
			BufferSize:     cfg.MessageBufferSize,
		}, m)
		if err != nil {
			slog.Error("Failed to create Redis subscription", "error", err)
			os.Exit(1)
		}
		return sub, func() { _ = rdb.Close() }

	default:
		sub, err := mqtt.NewSubscription(mqtt.Config{
			Host:           cfg.MQTTHost,
			Port:           cfg.MQTTPort,
			ClientID:       cfg.MQTTClientID,
			Filter:         cfg.TopicFilter,
			QoS:            byte(cfg.MQTTQoS),
			ConnectTimeout: cfg.BrokerConnectTimeout,
			BufferSize:     cfg.MessageBufferSize,
		}, clock, m)
		if err != nil {
			slog.Error("Failed to create MQTT subscription", "error", err)
			os.Exit(1)
		}
		return sub, func() {}
	}
}

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, cancelBridge context.CancelFunc, bridgeDone <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelBridge()
		<-bridgeDone

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port)

	reg := metrics.NewRegistry()
	brokerMetrics := metrics.NewBrokerMetrics(reg)
	dispatchMetrics := metrics.NewDispatchMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)

	broker, closeBroker := setupBroker(cfg, clock, brokerMetrics)
	defer closeBroker()

	registry := broadcast.NewRegistry(wsMetrics)
	dispatcher := broadcast.NewDispatcher(registry, cfg.TopicFilter, clock, dispatchMetrics)
	bridge := app.NewBridge(broker, registry, dispatcher, clock, app.BridgeConfig{
		InitialBackoff:  cfg.ReconnectInitialBackoff,
		MaxBackoff:      cfg.ReconnectMaxBackoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, brokerMetrics)

	limits := websocket.NewConnectionLimits(clock, int64(cfg.MaxWebSocketConnections), cfg.ConnectionRatePerIP, cfg.ConnectionBurstPerIP)
	wsHandler := websocket.NewHandler(registry, limits, clock, websocket.HandlerConfig{
		Client: broadcast.ClientOptions{
			SendBuffer:      cfg.ClientSendBuffer,
			MaxPendingBytes: cfg.ClientMaxPendingBytes,
			WriteTimeout:    cfg.ClientWriteTimeout,
		},
		CheckOrigin: websocket.NewCheckOrigin(cfg.Origins(), cfg.IsDevelopment()),
	}, wsMetrics)

	healthChecks := []httpserver.HealthCheck{
		{Name: "broker", Check: func(context.Context) error {
			if !bridge.Ready() {
				return domain.ErrBrokerNotActive
			}
			return nil
		}},
	}
	srv := httpserver.NewServer(cfg.Port, wsHandler.Serve, metrics.Handler(reg), httpMetrics, healthChecks)

	if err := srv.Listen(); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := bridge.Run(bridgeCtx); err != nil {
			slog.Error("Bridge stopped with error", "error", err)
		}
	}()

	done := runGracefulShutdown(cfg, srv, cancelBridge, bridgeDone)

	slog.Info("Bridge ready",
		"broker", broker.Addr(),
		"filter", cfg.TopicFilter,
		"websocket", fmt.Sprintf("ws://localhost:%s", cfg.Port),
	)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		cancelBridge()
		<-bridgeDone
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
