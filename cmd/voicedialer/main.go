package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"voicedialer/internal/agentstate"
	"voicedialer/internal/calls"
	"voicedialer/internal/config"
	"voicedialer/internal/database"
	"voicedialer/internal/dialer"
	"voicedialer/internal/esl"
	"voicedialer/internal/events"
	"voicedialer/internal/logging"
	"voicedialer/internal/store"
	"voicedialer/internal/wsfeed"
)

const defaultConfigPath = "/etc/voicedialer/voicedialer.yaml"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "voicedialer",
		Short: "Predictive outbound dialer core",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the configuration file")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the dialer service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.AddCommand(startCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print a snapshot of agents, queues and active calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(cmd.Context(), configPath)
		},
	}
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Log)
	logger.Info().Str("env", cfg.Env).Msg("voicedialer starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Redis, logging.WithComponent(logger, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := database.NewRepository(db)
	logger.Info().Msg("connected to lead store")

	machine := agentstate.NewMachine(st, logging.WithComponent(logger, "agentstate"))
	registry := agentstate.NewRegistry(st, repo, logging.WithComponent(logger, "registry"))
	tracker := calls.NewTracker(st, logging.WithComponent(logger, "calls"))
	queues := dialer.NewQueues(st, repo, cfg.Dialer.RefillThreshold, logging.WithComponent(logger, "queues"))

	eslClient := esl.NewClient(cfg.FreeSwitch, logging.WithComponent(logger, "esl"))
	if err := eslClient.Connect(); err != nil {
		return fmt.Errorf("connecting to switch: %w", err)
	}
	defer eslClient.Close()

	var feed events.Publisher
	var monitor *wsfeed.Server
	if cfg.Monitor.Enabled {
		hub := wsfeed.NewHub(logging.WithComponent(logger, "wsfeed"))
		monitor = wsfeed.NewServer(hub, cfg.Monitor, logging.WithComponent(logger, "wsfeed"))
		feed = hub
	}

	sink := events.NewSink(st, tracker, repo, logging.WithComponent(logger, "sink"))
	handler := events.NewHandler(
		machine, registry, tracker, queues, st, eslClient, sink, feed,
		cfg.Dialer.WaitingRoomExtension,
		logging.WithComponent(logger, "events"),
	)
	dispatcher := events.NewDispatcher(handler, 8, logging.WithComponent(logger, "events"))
	waitingRoom := events.NewWaitingRoom(st, machine, registry, eslClient, feed, logging.WithComponent(logger, "waitingroom"))

	reaper := dialer.NewReaper(machine, tracker, cfg.Dialer.RingWindow(), logging.WithComponent(logger, "reaper"))
	cycle := dialer.NewCycle(st, machine, registry, tracker, queues, reaper, eslClient, cfg, logging.WithComponent(logger, "dialer"))

	if _, err := registry.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not warm extension mapping")
	}

	errs := make(chan error, 1)
	go dispatcher.Run(ctx, eslClient.Subscribe())
	go cycle.Run(ctx)
	go waitingRoom.Run(ctx)
	if monitor != nil {
		go func() {
			if err := monitor.Run(ctx); err != nil {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errs:
		logger.Error().Err(err).Msg("component failed")
		return err
	}

	// One last drain so buffered terminal calls are not lost on shutdown.
	if err := sink.Drain(context.Background()); err != nil {
		logger.Error().Err(err).Msg("final drain failed")
	}
	logger.Info().Msg("voicedialer stopped")
	return nil
}

func status(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Log)

	st, err := store.New(cfg.Redis, logging.WithComponent(logger, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	machine := agentstate.NewMachine(st, logging.WithComponent(logger, "agentstate"))
	tracker := calls.NewTracker(st, logging.WithComponent(logger, "calls"))
	queues := dialer.NewQueues(st, nil, cfg.Dialer.RefillThreshold, logging.WithComponent(logger, "queues"))

	agents, err := machine.All(ctx)
	if err != nil {
		return err
	}
	var idle, busy int
	for _, a := range agents {
		if a.Idle() {
			idle++
		} else {
			busy++
		}
	}
	fmt.Printf("agents: %d (%d idle, %d busy)\n", len(agents), idle, busy)

	if mapping, err := queues.PriorityMapping(ctx); err == nil {
		var leads int
		for _, bucket := range mapping {
			leads += len(bucket)
		}
		fmt.Printf("priority queue: %d leads across %d agents\n", leads, len(mapping))
	}
	if mapping, err := queues.SecondaryMapping(ctx); err == nil {
		var leads int
		for _, bucket := range mapping {
			leads += len(bucket)
		}
		fmt.Printf("secondary queue: %d leads across %d buckets (acquisition: %d)\n",
			leads, len(mapping), len(mapping[dialer.AcquisitionBucket]))
	}
	if acq, err := queues.AcquisitionAgents(ctx); err == nil {
		fmt.Printf("acquisition agents: %d\n", len(acq))
	}
	if active, err := tracker.Count(ctx); err == nil {
		fmt.Printf("active calls: %d\n", active)
	}
	return nil
}
