package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/api"
	"github.com/hbomb79/Harmony/internal/database"
	"github.com/hbomb79/Harmony/internal/dispatch"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/hbomb79/Harmony/internal/job"
	"github.com/hbomb79/Harmony/internal/ledger"
	"github.com/hbomb79/Harmony/internal/metrics"
	"github.com/hbomb79/Harmony/internal/resolve"
	"github.com/hbomb79/Harmony/internal/tool"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var log = logger.Get("Core")

type RunnableService interface {
	Run(context.Context) error
}

// Harmony represents the top-level object for the server, and is responsible
// for connecting the database and constructing the pipeline components before
// supervising the long-running services.
type harmonyImpl struct {
	eventBus event.EventCoordinator
	config   HarmonyConfig
	registry *prometheus.Registry
}

func New(config HarmonyConfig) *harmonyImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Harmony services using owner %s and library %s\n", config.OwnerID, config.Library.LibraryDir)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &harmonyImpl{
		eventBus: event.New(),
		config:   config,
		registry: registry,
	}
}

// Run will start all of Harmony by connecting to the database, constructing the
// pipeline and then spawning the job service, REST gateway and activity service.
//
// This function will not return until Harmony is stopped.
// To stop Harmony, the provided context must be cancelled. Errors from which Harmony cannot recover
// will also cause Harmony to stop.
func (harmony *harmonyImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	log.Emit(logger.NEW, "Connecting to %s database...\n", harmony.config.Database.Dialect)
	db := database.New()
	if err := db.Connect(harmony.config.Database); err != nil {
		return err
	}
	defer db.Close()

	jobService, gateway, err := harmony.buildServices(db)
	if err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	harmony.spawnAsyncService(ctx, wg, jobService, "job-service", crashHandler)
	harmony.spawnAsyncService(ctx, wg, gateway, "rest-gateway", crashHandler)
	harmony.spawnAsyncService(ctx, wg, newActivityService(gateway, harmony.eventBus), "activity-service", crashHandler)
	log.Emit(logger.SUCCESS, "Harmony services spawned!\n")

	wg.Wait()
	return nil
}

func (harmony *harmonyImpl) buildServices(db database.Manager) (*job.Service, *api.RestGateway, error) {
	config := harmony.config

	gate, err := access.NewGate(access.UserID(config.OwnerID), db.GetSqlxDb())
	if err != nil {
		return nil, nil, err
	}

	var prober resolve.Prober
	if config.Probe.Enabled {
		prober = resolve.NewFfprobe(config.Probe)
	}
	resolver, err := resolve.New(config.Library, prober)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct result resolver: %w", err)
	}

	uploads := ledger.New(db.GetSqlxDb(), ledger.NewStore())
	jobService, err := job.New(config.Jobs, job.Dependencies{
		Gate:       gate,
		Dispatcher: dispatch.New(config.Dispatch),
		Engine:     tool.New(config.Tool),
		Resolver:   resolver,
		Ledger:     uploads,
		Events:     harmony.eventBus,
		Metrics:    metrics.NewJobMetrics(harmony.registry),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct job service: %w", err)
	}

	gateway := api.NewRestGateway(&config.RestConfig, jobService, gate, uploads, harmony.eventBus, harmony.registry)
	return jobService, gateway, nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Harmony service waitgroup is updated correctly
func (harmony *harmonyImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
