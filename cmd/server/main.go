// Command server starts the SportsCast coordination API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jason-czar/sportscast-live/internal/api"
	"github.com/jason-czar/sportscast-live/internal/auth"
	"github.com/jason-czar/sportscast-live/internal/bridge"
	"github.com/jason-czar/sportscast-live/internal/control"
	"github.com/jason-czar/sportscast-live/internal/director"
	"github.com/jason-czar/sportscast-live/internal/observability/logging"
	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
	"github.com/jason-czar/sportscast-live/internal/relay"
	"github.com/jason-czar/sportscast-live/internal/room"
	"github.com/jason-czar/sportscast-live/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	archiveDSN := flag.String("archive-postgres-dsn", "", "Postgres DSN for the session archive")
	tokenStoreDriver := flag.String("token-store", "", "join token store driver (memory or postgres)")
	tokenDSN := flag.String("token-postgres-dsn", "", "Postgres DSN for the join token store")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of issued join tokens")
	queueDriver := flag.String("control-queue-driver", "", "control queue driver (memory or redis)")
	queueRedisAddr := flag.String("control-queue-redis-addr", "", "Redis address for the control channel")
	queueRedisAddrs := flag.String("control-queue-redis-addrs", "", "comma separated Redis addresses for the control channel")
	queueRedisUsername := flag.String("control-queue-redis-username", "", "Redis username for the control channel")
	queueRedisPassword := flag.String("control-queue-redis-password", "", "Redis password for the control channel")
	queueRedisChannel := flag.String("control-queue-redis-channel", "", "Redis channel name for control messages")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	joinLimit := flag.Int("rate-join-limit", 0, "maximum join attempts per window for a single IP")
	joinWindow := flag.Duration("rate-join-window", 0, "window for counting join attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed join throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed join throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limiter operations")
	controlOrigins := flag.String("control-origins", "", "comma separated origins allowed for the director console")
	sourceOrigins := flag.String("source-origins", "", "comma separated origins allowed for capture apps")
	staleAfter := flag.Duration("stale-after", 0, "silence before a source is marked stale")
	evictAfter := flag.Duration("evict-after", 0, "silence before a stale source is evicted")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between background liveness sweeps")
	autoPromote := flag.Bool("auto-promote", false, "promote the longest-joined camera when the program source departs")
	iceServers := flag.String("ice-servers", "", "comma separated STUN/TURN URLs for media ingest")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("SPORTSCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("SPORTSCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("SPORTSCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("SPORTSCAST_ADDR"))

	storeOptions := []room.Option{room.WithLogger(logging.WithComponent(logger, "room"))}
	archiveDSNValue := firstNonEmpty(*archiveDSN, os.Getenv("SPORTSCAST_ARCHIVE_POSTGRES_DSN"))
	var archiveCloser func(context.Context) error
	if archiveDSNValue != "" {
		archive, err := room.NewPostgresArchive(archiveDSNValue)
		if err != nil {
			logger.Error("failed to open session archive", "error", err)
			os.Exit(1)
		}
		storeOptions = append(storeOptions, room.WithArchive(archive))
		archiveCloser = archive.Close
	}
	store := room.NewStore(storeOptions...)

	queue, err := configureControlQueue(
		firstNonEmpty(*queueDriver, os.Getenv("SPORTSCAST_CONTROL_QUEUE_DRIVER")),
		control.RedisQueueConfig{
			Addr:     firstNonEmpty(*queueRedisAddr, os.Getenv("SPORTSCAST_CONTROL_QUEUE_REDIS_ADDR")),
			Addrs:    splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("SPORTSCAST_CONTROL_QUEUE_REDIS_ADDRS"))),
			Username: firstNonEmpty(*queueRedisUsername, os.Getenv("SPORTSCAST_CONTROL_QUEUE_REDIS_USERNAME")),
			Password: firstNonEmpty(*queueRedisPassword, os.Getenv("SPORTSCAST_CONTROL_QUEUE_REDIS_PASSWORD")),
			Channel:  firstNonEmpty(*queueRedisChannel, os.Getenv("SPORTSCAST_CONTROL_QUEUE_REDIS_CHANNEL")),
		},
		logger,
	)
	if err != nil {
		logger.Error("failed to configure control queue", "error", err)
		os.Exit(1)
	}
	gateway := control.NewGateway(control.GatewayConfig{
		Queue:             queue,
		Logger:            logging.WithComponent(logger, "control"),
		HeartbeatInterval: 30 * time.Second,
	})

	tokens, tokenCloser, err := configureTokenManager(
		firstNonEmpty(*tokenStoreDriver, os.Getenv("SPORTSCAST_TOKEN_STORE")),
		firstNonEmpty(*tokenDSN, os.Getenv("SPORTSCAST_TOKEN_POSTGRES_DSN")),
		resolveDuration(*tokenTTL, "SPORTSCAST_TOKEN_TTL", 24*time.Hour),
	)
	if err != nil {
		logger.Error("failed to configure token store", "error", err)
		os.Exit(1)
	}

	mixerConfig, err := bridge.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load mixer configuration", "error", err)
		os.Exit(1)
	}
	var coordinator *bridge.Coordinator
	if mixerConfig.Enabled() {
		client, err := mixerConfig.NewHTTPClient()
		if err != nil {
			logger.Error("failed to initialise mixer client", "error", err)
			os.Exit(1)
		}
		coordinator = bridge.NewCoordinator(client, bridge.WithLogger(logging.WithComponent(logger, "bridge")))
	}

	negotiator := relay.NewPionNegotiator(
		resolveICEServers(firstNonEmpty(*iceServers, os.Getenv("SPORTSCAST_ICE_SERVERS"))),
		logging.WithComponent(logger, "relay"),
	)
	relayManager := relay.NewManager(negotiator,
		relay.WithLogger(logging.WithComponent(logger, "relay")),
		relay.WithPublishListener(func(sourceID string, published bool) {
			if err := store.SetMediaTrack(sourceID, published); err != nil {
				logger.Warn("record media track state", "source_id", sourceID, "error", err)
			}
		}),
	)

	selectorOptions := []director.Option{director.WithLogger(logging.WithComponent(logger, "director"))}
	if resolveBool(*autoPromote, "SPORTSCAST_AUTO_PROMOTE") {
		selectorOptions = append(selectorOptions, director.WithAutoPromotion(true))
	}
	var layoutBridge director.LayoutUpdater
	if coordinator != nil {
		layoutBridge = coordinator
	}
	selector := director.NewSelector(store, gateway, layoutBridge, selectorOptions...)

	// Departures funnel through the store regardless of whether they came
	// from an explicit leave, a disconnect, or a liveness sweep.
	store.OnDeparture(func(dep room.Departure) {
		selector.HandleDeparture(dep)
		relayManager.StopBySource(dep.Source.ID)
	})

	handler := api.NewHandler(store)
	handler.Tokens = tokens
	handler.Gateway = gateway
	handler.Selector = selector
	handler.Bridge = coordinator
	handler.Relay = relayManager
	handler.Logger = logging.WithComponent(logger, "api")
	if value := resolveDuration(*staleAfter, "SPORTSCAST_STALE_AFTER", 0); value > 0 {
		handler.StaleAfter = value
	}
	if value := resolveDuration(*evictAfter, "SPORTSCAST_EVICT_AFTER", 0); value > 0 {
		handler.EvictAfter = value
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweeperStop := startSweeper(workerCtx, sweeperConfig{
		Logger:        logging.WithComponent(logger, "sweeper"),
		Store:         store,
		Tokens:        tokens,
		Bridge:        coordinator,
		StaleAfter:    handler.StaleAfter,
		EvictAfter:    handler.EvictAfter,
		Interval:      resolveDuration(*sweepInterval, "SPORTSCAST_SWEEP_INTERVAL", 30*time.Second),
		TokenInterval: 15 * time.Minute,
	})
	defer sweeperStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("SPORTSCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("SPORTSCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "SPORTSCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "SPORTSCAST_RATE_GLOBAL_BURST"),
			JoinLimit:     resolveInt(*joinLimit, "SPORTSCAST_RATE_JOIN_LIMIT"),
			JoinWindow:    resolveDuration(*joinWindow, "SPORTSCAST_RATE_JOIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("SPORTSCAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("SPORTSCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "SPORTSCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			ControlOrigins: splitAndTrim(firstNonEmpty(*controlOrigins, os.Getenv("SPORTSCAST_CONTROL_ORIGINS"))),
			SourceOrigins:  splitAndTrim(firstNonEmpty(*sourceOrigins, os.Getenv("SPORTSCAST_SOURCE_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("SportsCast coordination API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweeperStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	gateway.Close()
	if tokenCloser != nil {
		if err := tokenCloser(ctx); err != nil {
			logger.Warn("failed to close token store", "error", err)
		}
	}
	if archiveCloser != nil {
		if err := archiveCloser(ctx); err != nil {
			logger.Warn("failed to close session archive", "error", err)
		}
	}

	logger.Info("server stopped")
}

func configureControlQueue(driver string, cfg control.RedisQueueConfig, logger *slog.Logger) (control.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the control queue")
		}
		cfg.Logger = logging.WithComponent(logger, "control-queue")
		return control.NewRedisQueue(cfg)
	case "", "memory":
		return control.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported control queue driver %q", driver)
	}
}

func configureTokenManager(driver, dsn string, ttl time.Duration) (*auth.TokenManager, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, fmt.Errorf("postgres token store selected without DSN")
		}
		store, err := auth.NewPostgresTokenStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewTokenManager(ttl, auth.WithStore(store)), store.Close, nil
	case "", "memory":
		return auth.NewTokenManager(ttl), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported token store driver %q", driver)
	}
}

func resolveICEServers(raw string) []webrtc.ICEServer {
	urls := splitAndTrim(raw)
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
