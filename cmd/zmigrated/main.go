package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"zmigrated/internal/bootcfg"
	"zmigrated/internal/checkpoint"
	"zmigrated/internal/config"
	"zmigrated/internal/events"
	"zmigrated/internal/facts"
	"zmigrated/internal/health"
	"zmigrated/internal/initimg"
	"zmigrated/internal/machine"
	"zmigrated/internal/orchestrator"
	"zmigrated/internal/record"
	"zmigrated/internal/runtime/commands"
	"zmigrated/internal/server"
	"zmigrated/internal/state/paths"
	"zmigrated/internal/update"
)

var version = "dev"

const defaultConfigPath = "/etc/zmigrated/config.yaml"

func main() {
	configPath := os.Getenv("ZMIGRATE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	plan := machine.Plan{StartRelease: cfg.Plan.StartRelease, StepReleases: cfg.Plan.StepReleases}
	m, err := machine.New(plan)
	if err != nil {
		log.Fatalf("FATAL: Invalid release plan: %v", err)
	}

	paths.SetRoot(cfg.StateDir)

	bus := events.NewBus()
	defer bus.Close()
	tracker := health.NewTracker()

	stateStore := record.NewStore(paths.RecordPath())

	journal, err := record.OpenJournal(paths.JournalPath())
	if err != nil {
		log.Printf("WARN: Transition journal unavailable: %v", err)
		tracker.Setf(health.ComponentJournal, health.LevelWarn, err.Error())
		journal = nil
	} else {
		defer journal.Close()
	}

	checkpoints, err := checkpoint.NewStore(checkpoint.Options{
		Snapshotter: checkpoint.NewZFSSnapshotter(cfg.RootDataset),
		Referenced: func(ref checkpoint.GroupRef) bool {
			st, err := stateStore.Load()
			if err != nil {
				return false
			}
			return st.References(ref)
		},
		Events: bus,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize checkpoint store: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Machine:     m,
		Facts:       facts.NewCollector(facts.Options{Pool: cfg.Pool, OSReleasePath: cfg.Tools.OSReleasePath}),
		Checkpoints: checkpoints,
		State:       stateStore,
		Journal:     journal,
		Events:      bus,
		Health:      tracker,
		Packages:    update.NewManager(cfg.Tools.PackageManager, cfg.Plan.StepReleases),
		InitImages:  initimg.NewManager(cfg.Tools.PackageManager),
		BootConfig:  bootcfg.NewManager(cfg.Tools.BootSync),
		Rebooter:    orchestrator.NewSystemdRebooter(),
		LockPath:    paths.LockPath(),
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize orchestrator: %v", err)
	}
	defer orch.Close()

	dispatcher := commands.NewDispatcher()
	dispatcher.Use(orchestrator.AuditMiddleware(bus))
	orch.RegisterCommands(dispatcher)

	srv, err := server.New(server.Options{
		Dispatcher: dispatcher,
		Health:     tracker,
		Events:     bus,
		Version:    version,
		Port:       cfg.ListenPort,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("INFO: Received %s, shutting down", sig)
		if err := srv.Stop(); err != nil {
			log.Printf("WARN: Shutdown incomplete: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("FATAL: Server failed: %v", err)
		}
	}
}
