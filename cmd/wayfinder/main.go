package main

import (
	"context"
	"encoding/json"

	"github.com/wanderer-industries/wanderer-core/internal/handlers"
	"github.com/wanderer-industries/wanderer-core/internal/license"
	"github.com/wanderer-industries/wanderer-core/internal/mapactor"
	"github.com/wanderer-industries/wanderer-core/internal/mapapi"
	"github.com/wanderer-industries/wanderer-core/internal/mapstore"
	"github.com/wanderer-industries/wanderer-core/internal/monitor"
	"github.com/wanderer-industries/wanderer-core/internal/relay"
	"github.com/wanderer-industries/wanderer-core/internal/sse"
	"github.com/wanderer-industries/wanderer-core/internal/topology"
	"github.com/wanderer-industries/wanderer-core/pkg/cache"
	"github.com/wanderer-industries/wanderer-core/pkg/clients"
	"github.com/wanderer-industries/wanderer-core/pkg/config"
	"github.com/wanderer-industries/wanderer-core/pkg/logging"
	"github.com/wanderer-industries/wanderer-core/pkg/monitoring"
	"github.com/wanderer-industries/wanderer-core/pkg/pubsub"
	"github.com/wanderer-industries/wanderer-core/pkg/server"
	"github.com/wanderer-industries/wanderer-core/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("wayfinder")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Wayfinder (Topology Sync)")

	settings, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("wayfinder", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("wayfinder", version.Version, version.GitCommit)

	cacheOps := metricsCollector.NewCounter("cache_operations_total", "Cache operations by namespace", []string{"namespace", "operation"})
	store := cache.New(cache.Options{
		MaxEntries: config.GetEnvInt("CACHE_MAX_ENTRIES", 0),
	}, cache.MetricsHooks{
		OnHit:   func(ns string) { cacheOps.WithLabelValues(ns, "hit").Inc() },
		OnMiss:  func(ns string) { cacheOps.WithLabelValues(ns, "miss").Inc() },
		OnStore: func(ns string) { cacheOps.WithLabelValues(ns, "store").Inc() },
		OnEvict: func(ns string) { cacheOps.WithLabelValues(ns, "evict").Inc() },
	})

	bus := pubsub.NewBus(logger, config.GetEnvInt("BUS_BUFFER", 0))
	telemetry := clients.NewTelemetry(metricsCollector.Registry(), logger, settings.TelemetryLoggingEnabled)
	mon := monitor.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// License validation loop
	validator := license.New(license.Config{
		Settings: settings,
		Store:    store,
		Logger:   logger,
		HTTP: clients.New(clients.ServicePreset(clients.ServiceLicense), store, logger, clients.Options{
			Telemetry:      telemetry,
			CircuitBreaker: clients.NewCircuitBreaker("license", logger),
		}),
	})
	validator.Start(ctx)
	defer validator.Stop()

	mapStore := buildMapStore(settings, store, logger, telemetry)

	// One actor plus one stream client per configured map
	registry := mapactor.NewRegistry()
	maps, err := mapStore.ListMaps(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to list map records")
	}
	hub := relay.NewHub(mon, logger)
	for _, m := range maps {
		startMapPair(ctx, settings, m, mapStore, store, bus, registry, mon, telemetry, logger)
		hub.RelayTopic(bus, m.URL, m.ID)
		hub.RelayTopic(bus, mapactor.ServerTopic(m.ID), m.ID)
	}
	go hub.Run()
	defer hub.Stop()

	// Periodic cross-map topology pass
	staticInfo := mapstore.NewStaticInfo(config.GetEnv("STATIC_INFO_URL", ""), store, nil, logger)
	pass := topology.New(mapStore, store, bus, staticInfo, logger)
	runner := topology.NewRunner(pass, config.GetEnv("TOPOLOGY_SCHEDULE", topology.DefaultSchedule), logger)
	if err := runner.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start topology runner")
	}
	defer runner.Stop()

	healthChecker.AddCheck("cache", monitoring.CacheHealthCheck(store))
	healthChecker.AddCheck("license", monitoring.LicenseHealthCheck(func() bool {
		return validator.Current().Valid
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "wayfinder", healthChecker, metricsCollector)

	api := handlers.New(handlers.Deps{
		Store:    mapStore,
		Cache:    store,
		Bus:      bus,
		Registry: registry,
		Monitor:  mon,
		License:  validator,
		Runner:   runner,
		Hub:      hub,
		Logger:   logger,
	})
	api.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("wayfinder", settings.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// buildMapStore picks the HTTP-backed record store when MAP_RECORDS_URL is
// set, otherwise a static store seeded from MAPS_JSON for local setups.
func buildMapStore(settings config.Settings, store *cache.Cache, logger logging.Logger, telemetry *clients.Telemetry) mapstore.Store {
	if url := config.GetEnv("MAP_RECORDS_URL", ""); url != "" {
		httpClient := clients.New(clients.ServicePreset(clients.ServiceMap), store, logger, clients.Options{Telemetry: telemetry})
		return mapstore.NewHTTPStore(url, config.GetEnv("MAP_RECORDS_API_KEY", ""), httpClient, logger)
	}

	raw := config.GetEnv("MAPS_JSON", "")
	if raw == "" {
		if settings.Env == config.EnvProd {
			logger.Fatal("MAP_RECORDS_URL or MAPS_JSON is required")
		}
		logger.Warn("No map records configured, starting empty")
		return mapstore.NewMemory()
	}

	var maps []mapapi.Map
	if err := json.Unmarshal([]byte(raw), &maps); err != nil {
		logger.WithError(err).Fatal("Invalid MAPS_JSON")
	}
	return mapstore.NewMemory(maps...)
}

// startMapPair boots one map actor and its SSE feed; when the actor dies for
// good the feed is torn down with it.
func startMapPair(
	ctx context.Context,
	settings config.Settings,
	m mapapi.Map,
	mapStore mapstore.Store,
	store *cache.Cache,
	bus *pubsub.Bus,
	registry *mapactor.Registry,
	mon *monitor.Monitor,
	telemetry *clients.Telemetry,
	logger logging.Logger,
) {
	stream, err := sse.New(sse.Config{
		MapID:             m.ID,
		MapURL:            m.URL,
		Token:             m.PublicAPIKey,
		ConnectTimeout:    settings.SSEConnectTimeout,
		ReceiveTimeout:    settings.SSERecvTimeout,
		KeepaliveInterval: settings.SSEKeepaliveInterval,
		Bus:               bus,
		Tracker:           mon,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).WithField("map_id", m.ID).Error("Failed to build stream client")
		return
	}

	if _, err := mapactor.Start(ctx, mapactor.Config{
		MapID:    m.ID,
		Store:    mapStore,
		Cache:    store,
		Bus:      bus,
		Registry: registry,
		Logger:   logger,
		NewAPIClient: func(m mapapi.Map) (*mapapi.Client, error) {
			return mapapi.NewClient(mapapi.Config{
				MapURL:    m.URL,
				APIKey:    m.PublicAPIKey,
				Store:     store,
				Logger:    logger,
				Telemetry: telemetry,
			})
		},
		OnTerminate: func() {
			stream.Stop()
			mon.ProcessDied("sse:" + m.ID)
		},
	}); err != nil {
		logger.WithError(err).WithField("map_id", m.ID).Error("Failed to start map actor")
		return
	}

	stream.Start()
	go func() {
		<-ctx.Done()
		stream.Stop()
	}()
}
