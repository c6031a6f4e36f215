package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/marmot-scaling/admin"
	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/maxpert/marmot-scaling/checkpoint"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/engine"
	"github.com/maxpert/marmot-scaling/id"
	"github.com/maxpert/marmot-scaling/job"
	"github.com/maxpert/marmot-scaling/publisher"
	pubsink "github.com/maxpert/marmot-scaling/publisher/sink"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags
var version = "0.0.0"

const collectInterval = 15 * time.Second

var (
	jobPath   string
	relayPath string
)

var rootCmd = &cobra.Command{
	Use:   "marmot-scaling",
	Short: "Copies and replicates tables from source databases into a target",
	Long: `marmot-scaling moves data between databases in two passes: an
inventory pass that bulk copies existing rows in resumable key ranges, and an
incremental pass that replays the change stream until the job is stopped.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return setup()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the job controller behind the admin HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := startNode()
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().Msg("Scaling server started")
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job definition until it fails or the process is interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := job.LoadConfiguration(jobPath)
		if err != nil {
			return err
		}

		n, err := startNode()
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		j, err := n.controller.Start(ctx, conf)
		if err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}

		select {
		case <-ctx.Done():
			log.Info().Uint64("job_id", j.ID).Msg("Interrupted, stopping job")
			if err := n.controller.Stop(j.ID); err != nil {
				return err
			}
		case <-j.Done():
		}

		if j.Status().Failed() {
			return fmt.Errorf("job %d ended with %s: %w", j.ID, j.Status(), j.Err())
		}
		log.Info().Uint64("job_id", j.ID).Str("status", string(j.Status())).Msg("Job finished")
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish a source changelog to Kafka or NATS for broker backed incremental sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := publisher.LoadConfiguration(relayPath)
		if err != nil {
			return err
		}
		return runRelay(conf)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.ConfigPathFlag, "config", cfg.ConfigPathFlag, "Path to configuration file")
	flags.StringVar(&cfg.DataDirFlag, "data-dir", "", "Data directory (overrides config)")
	flags.Uint64Var(&cfg.NodeIDFlag, "node-id", 0, "Node ID (overrides config, 0 derives one from the machine id)")
	flags.IntVar(&cfg.AdminPortFlag, "admin-port", 0, "Admin API port (overrides config)")

	runCmd.Flags().StringVar(&jobPath, "job", "", "Path to a TOML job definition")
	_ = runCmd.MarkFlagRequired("job")

	relayCmd.Flags().StringVar(&relayPath, "relay", "", "Path to a TOML relay definition")
	_ = relayCmd.MarkFlagRequired("relay")

	rootCmd.AddCommand(serverCmd, runCmd, relayCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setup loads the configuration and installs the global logger.
func setup() error {
	if err := cfg.Load(cfg.ConfigPathFlag); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
	return nil
}

// node holds the long lived components of one process.
type node struct {
	engine      *engine.Engine
	dataSources *datasource.Manager
	repository  checkpoint.Repository
	controller  *job.Controller
	collector   *telemetry.MetricsCollector
	adminServer *admin.Server
}

func startNode() (*node, error) {
	log.Info().Str("version", version).Msg("marmot-scaling starting")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	n := &node{
		engine:      engine.New(cfg.Config.Engine.MaxWorkerNumber),
		dataSources: datasource.NewManager(datasource.PoolOptionsFromConfig(cfg.Config.ConnectionPool)),
		repository:  checkpoint.Open(context.Background(), cfg.Config.ResumeBreakPoint, cfg.GetCheckpointPath()),
	}

	controller, err := job.NewController(job.Options{
		Engine:      n.engine,
		DataSources: n.dataSources,
		Repository:  n.repository,
		IDs:         id.NewClockGenerator(cfg.Config.NodeID),
		Scaling:     cfg.Config.Scaling,
		Schedule:    cfg.Config.ResumeBreakPoint.Schedule,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.controller = controller

	n.collector = telemetry.NewMetricsCollector(controller, collectInterval)
	n.collector.Start()

	if cfg.Config.Admin.Enabled {
		router := admin.NewRouter(admin.NewHandlers(admin.FromController(controller)),
			cfg.Config.Admin.Secret, telemetry.GetMetricsHandler())
		n.adminServer = admin.NewServer(cfg.Config.Admin.Address, cfg.Config.Admin.Port, router)
		if err := n.adminServer.Start(); err != nil {
			n.Close()
			return nil, err
		}
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("max_workers", cfg.Config.Engine.MaxWorkerNumber).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")
	return n, nil
}

// Close stops every component in reverse start order.
func (n *node) Close() {
	if n.adminServer != nil {
		n.adminServer.Stop()
	}
	if n.collector != nil {
		n.collector.Stop()
	}
	if n.controller != nil {
		n.controller.Close()
	}
	n.engine.Shutdown()
	if err := n.repository.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close checkpoint store")
	}
	if err := n.dataSources.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close datasources")
	}
}

// runRelay publishes one changelog until interrupted or the relay fails.
func runRelay(conf publisher.Configuration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	dataSources := datasource.NewManager(datasource.PoolOptionsFromConfig(cfg.Config.ConnectionPool))
	defer dataSources.Close()
	cursors := checkpoint.Open(ctx, cfg.Config.ResumeBreakPoint, cfg.GetCheckpointPath())
	defer cursors.Close()

	sink, err := pubsink.Open(ctx, conf.Target)
	if err != nil {
		return err
	}
	defer sink.Close()

	worker, err := publisher.Open(ctx, conf, dataSources, cursors, sink)
	if err != nil {
		return err
	}
	worker.Start()

	select {
	case <-ctx.Done():
	case <-worker.Done():
	}
	worker.Stop()
	return worker.Err()
}
