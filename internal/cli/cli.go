// ============================================================================
// Cluster Supervision CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based operator interface for the agency and its supervisor
//
// Command Structure:
//   supervision                    # Root command
//   ├── run                        # Start agency + gRPC + supervisor + metrics
//   ├── cleanout <server>          # Create a CleanOutServer job
//   │   └── --id                   # Job id (default: random UUID)
//   ├── abort <jobId>              # Abort a ToDo/Pending job
//   ├── jobs                       # List job records
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── --endpoint                 # Agency address, overrides agency.endpoint
//   └── --version
//
// Configuration Management:
//   YAML config file, see configs/default.yaml:
//   - agency: listen/endpoint address, WAL + snapshot paths, seed tree
//   - supervision: poll interval
//   - metrics: Prometheus HTTP exporter
//
// run Command:
//   1. Load config
//   2. Open agency store (recover snapshot + WAL), seed if configured
//   3. Serve gRPC Agency, run Supervisor, serve /metrics
//   4. SIGINT/SIGTERM → cancel context, all goroutines stop (errgroup)
//   5. Close store (final snapshot)
//
// cleanout / abort / jobs:
//   Talk to a running agency over gRPC.
//
//   Examples:
//     ./supervision run -c configs/default.yaml
//     ./supervision cleanout DB2
//     ./supervision abort 6f1c...
//     ./supervision jobs
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cluster-supervision/internal/agency"
	"github.com/ChuLiYu/cluster-supervision/internal/metrics"
	"github.com/ChuLiYu/cluster-supervision/internal/supervision"
	"github.com/ChuLiYu/cluster-supervision/internal/transport"
	"github.com/ChuLiYu/cluster-supervision/pkg/types"
)

var log = slog.With("component", "cli")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Agency struct {
		Listen        string        `yaml:"listen"`
		Endpoint      string        `yaml:"endpoint"`
		Timeout       time.Duration `yaml:"timeout"`
		WALPath       string        `yaml:"wal_path"`
		SnapshotPath  string        `yaml:"snapshot_path"`
		SnapshotEvery int           `yaml:"snapshot_every"`
		SyncOnAppend  bool          `yaml:"sync_on_append"`
		Seed          string        `yaml:"seed"`
	} `yaml:"agency"`

	Supervision struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"supervision"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var (
	configFile string
	endpoint   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "supervision",
		Short: "Cluster supervision: crash-safe maintenance jobs on an agency",
		Long: `Cluster supervision drives maintenance jobs stored in the agency:
- CleanOutServer decommissions a DB server
- MoveShard relocates one shard replica
- every step is one precondition-guarded agency transaction`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "agency address (overrides agency.endpoint)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCleanOutCommand())
	rootCmd.AddCommand(buildAbortCommand())
	rootCmd.AddCommand(buildJobsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agency and the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

func buildCleanOutCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cleanout <server>",
		Short: "Create a job that cleans out a DB server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, store agency.Store) error {
				jobID := id
				if jobID == "" {
					jobID = uuid.NewString()
				}
				return submitCleanOut(ctx, store, types.JobID(jobID), args[0], cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (default: random UUID)")
	return cmd
}

func buildAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <jobId>",
		Short: "Abort a ToDo or Pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, store agency.Store) error {
				return abortJob(ctx, store, types.JobID(args[0]), cmd.OutOrStdout())
			})
		},
	}
}

func buildJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List job records and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, store agency.Store) error {
				return printJobs(ctx, store, cmd.OutOrStdout())
			})
		},
	}
}

// ============================================================================
// run
// ============================================================================

func openStore(cfg *Config) (*agency.MemoryStore, error) {
	if cfg.Agency.WALPath == "" {
		log.Warn("No WAL configured, agency state is volatile")
		return agency.NewMemoryStore(nil)
	}
	return agency.OpenDurable(agency.DurableConfig{
		WALPath:       cfg.Agency.WALPath,
		SnapshotPath:  cfg.Agency.SnapshotPath,
		SnapshotEvery: cfg.Agency.SnapshotEvery,
		SyncOnAppend:  cfg.Agency.SyncOnAppend,
	})
}

func runSystem(ctx context.Context, cfg *Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open agency: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close agency", "error", err)
		}
	}()

	if cfg.Agency.Seed != "" {
		tree, err := agency.LoadSeedFile(cfg.Agency.Seed)
		if err != nil {
			return err
		}
		n, err := agency.Seed(ctx, store, tree)
		if err != nil {
			return err
		}
		log.Info("Agency seeded", "file", cfg.Agency.Seed, "keys", n)
	}

	lis, err := net.Listen("tcp", cfg.Agency.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Agency.Listen, err)
	}
	grpcServer := grpc.NewServer()
	transport.Register(grpcServer, transport.NewServer(store))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	sup := supervision.NewSupervisor(store, cfg.Supervision.PollInterval, collector)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Agency gRPC server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return sup.Run(ctx)
	})

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		g.Go(func() error {
			log.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("System started successfully")
	err = g.Wait()
	log.Info("System stopped")
	return err
}

// ============================================================================
// operator commands
// ============================================================================

func withClient(cmd *cobra.Command, fn func(ctx context.Context, store agency.Store) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := cfg.Agency.Endpoint
	if endpoint != "" {
		addr = endpoint
	}

	conn, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, transport.NewClient(conn, cfg.Agency.Timeout))
}

func submitCleanOut(ctx context.Context, store agency.Store, id types.JobID, server string, out io.Writer) error {
	ok, err := supervision.CreateCleanOut(ctx, store, id, server)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", id)
	}
	fmt.Fprintf(out, "Created cleanOutServer job %s for %s\n", id, server)
	return nil
}

func abortJob(ctx context.Context, store agency.Store, id types.JobID, out io.Writer) error {
	if err := supervision.AbortJob(ctx, store, id); err != nil {
		return fmt.Errorf("failed to abort %s: %w", id, err)
	}
	fmt.Fprintf(out, "Aborted job %s\n", id)
	return nil
}

func printJobs(ctx context.Context, store agency.Store, out io.Writer) error {
	snap, err := store.Read(ctx)
	if err != nil {
		return err
	}
	list, err := supervision.ListJobs(snap)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tID\tTYPE\tTARGET\tCREATED\tREASON")
	for _, l := range list {
		target := l.Record.Server
		if l.Record.Type == types.TypeMoveShard {
			target = fmt.Sprintf("%s %s->%s", l.Record.Shard, l.Record.FromServer, l.Record.ToServer)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.Status, l.Record.JobID, l.Record.Type, target, l.Record.TimeCreated, l.Record.Reason)
	}
	if ferr := tw.Flush(); ferr != nil {
		return ferr
	}
	return err
}

// ============================================================================
// config
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Agency.Listen == "" {
		cfg.Agency.Listen = ":50051"
	}
	if cfg.Agency.Endpoint == "" {
		cfg.Agency.Endpoint = "localhost:50051"
	}
	if cfg.Agency.Timeout <= 0 {
		cfg.Agency.Timeout = transport.DefaultTimeout
	}
	if cfg.Agency.WALPath != "" && cfg.Agency.SnapshotPath == "" {
		cfg.Agency.SnapshotPath = cfg.Agency.WALPath + ".snapshot"
	}
	if cfg.Agency.SnapshotEvery <= 0 {
		cfg.Agency.SnapshotEvery = 1000
	}
	if cfg.Supervision.PollInterval <= 0 {
		cfg.Supervision.PollInterval = time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}
