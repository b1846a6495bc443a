package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/mux"

	"inversion-orchestrator/api/rest/routes"
	"inversion-orchestrator/config"
	"inversion-orchestrator/core/controller"
	"inversion-orchestrator/core/costs"
	"inversion-orchestrator/core/dispatch"
	"inversion-orchestrator/core/quantify"
	"inversion-orchestrator/core/repository"
	"inversion-orchestrator/internal/observability"
	"inversion-orchestrator/remote"
	"inversion-orchestrator/remote/ec2site"
	"inversion-orchestrator/storage"
)

func main() {
	configPath := flag.String("config", "inversion.toml", "path to the orchestrator config file")
	flag.Parse()

	logger := observability.InitLogger("inversion-orchestrator")

	cfg, err := config.Load(*configPath)
	if err != nil {
		var scaffolded *config.ScaffoldedError
		if errors.As(err, &scaffolded) {
			logger.Info().Str("path", scaffolded.Path).Msg("wrote default config, set initial_model and restart")
			os.Exit(0)
		}
		if errors.Is(err, config.ErrMissingInitialModel) {
			logger.Fatal().Str("path", *configPath).Msg("initial_model is not set in the config file")
		}
		logger.Fatal().Err(err).Msg("loading config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to database")
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ensuring schema")
	}
	logger.Info().Msg("database connected")

	store, err := storage.NewStore(cfg.StoreRoot)
	if err != nil {
		logger.Fatal().Err(err).Str("root", cfg.StoreRoot).Msg("opening artifact store")
	}

	iterationRepo := repository.NewIterationRepository(db)
	jobRepo := repository.NewJobRepository(db)
	eventRepo := repository.NewEventRepository(db)
	misfitRepo := repository.NewMisfitRepository(db)

	if err := seedEventCatalog(ctx, cfg.EventsFile, eventRepo); err != nil {
		logger.Fatal().Err(err).Msg("seeding event catalog")
	}

	site, err := ec2site.New(ctx, ec2site.Config{
		Region:       cfg.Site.Region,
		InstanceType: cfg.Site.InstanceType,
		AMI:          cfg.Site.AMI,
		WorkerPath:   cfg.Site.WorkerPath,
		ArtifactRoot: cfg.Site.ArtifactRoot,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("creating ec2 site")
	}

	planner := remote.NewPlanner(store, remote.PlannerConfig{
		Parameters:         cfg.Parameters,
		MeshFolder:         cfg.Mesh.Folder,
		LongTermMeshFolder: cfg.Mesh.LongTermFolder,
		MinPeriod:          cfg.Mesh.MinPeriod,
		ElemsPerQuarter:    cfg.Mesh.ElemsPerQuarter,
		Simulation: remote.SimulationInfo{
			StartTime:               cfg.Simulation.StartTime,
			EndTime:                 cfg.Simulation.EndTime,
			TimeStep:                cfg.Simulation.TimeStep,
			MinimumPeriod:           cfg.Mesh.MinPeriod,
			Attenuation:             cfg.Simulation.Attenuation,
			AbsorbingBoundaries:     cfg.Simulation.AbsorbingBoundaries,
			AbsorbingBoundaryLength: cfg.Simulation.AbsorbingBoundaryLength,
			SideSets:                cfg.Simulation.SideSets,
		},
		Tools: remote.ToolsInfo{
			MesherCmd: cfg.Tools.MesherCmd,
			InterpCmd: cfg.Tools.InterpCmd,
			SolverCmd: cfg.Tools.SolverCmd,
		},
		Ranks:     cfg.Ranks,
		WallHours: cfg.Site.WallHours,
	})

	poller := dispatch.Poller{
		Interval:    cfg.PollInterval.Duration,
		MaxInterval: 4 * cfg.PollInterval.Duration,
		Timeout:     cfg.PollTimeout.Duration,
		Backoff:     1.5,
		Clock:       dispatch.RealClock(),
	}
	coordinator := dispatch.NewCoordinator(jobRepo, site, planner, poller, dispatch.Config{
		MeshMode:    cfg.MeshMode,
		MaxInFlight: cfg.MaxInFlight,
	}, logger)

	quantifier := quantify.New(cfg.MisfitCmd, store, logger)

	estimator, err := costs.NewEstimator(ctx, cfg.Site.Region, cfg.Site.InstanceType, logger)
	if err != nil {
		// Cost reporting is informational; the inversion runs without it.
		logger.Warn().Err(err).Msg("cost estimator unavailable")
		estimator = nil
	}

	optimizer := controller.NewGradientDescent(store, cfg.Parameters, cfg.StepLength, logger)
	progress := &controller.FileProgressStore{Path: filepath.Join(store.TaskDir(), "progress.toml")}

	var costReporter controller.CostReporter
	if estimator != nil {
		costReporter = estimator
	}
	ctrl := controller.New(cfg, store, iterationRepo, misfitRepo, eventRepo,
		coordinator, quantifier, progress, optimizer, costReporter, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- ctrl.Run(ctx)
	}()

	r := mux.NewRouter()
	routes.SetupRoutes(r, db)
	server := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: r,
	}
	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("starting api server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("inversion stopped")
		} else {
			logger.Info().Msg("inversion finished")
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("api server forced to shut down")
	}
	logger.Info().Msg("orchestrator exited")
}

// seedEventCatalog loads the configured event file into the database so the
// selector and the API share one catalog.
func seedEventCatalog(ctx context.Context, path string, repo *repository.EventRepository) error {
	events, err := config.LoadEvents(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := repo.UpsertEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
