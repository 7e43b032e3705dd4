// Command netsync runs a demo host or client of a synchronized session.
// Each peer moves one entity in a circle and logs what it sees.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/netsync"
	"github.com/Zereker/netsync/assets"
	"github.com/Zereker/netsync/wire"
)

// flags shared by both commands.
type flags struct {
	addr        string
	assets      string
	name        string
	tick        time.Duration
	metricsAddr string
	verbose     bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "netsync",
		Short: "Demo host and client for entity state synchronization",
		Long: `netsync runs one side of a small synchronized session.

Start a host, then join it from one or more clients. Every peer moves
one entity and logs the entities it receives from the others.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		hostCmd(),
		joinCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func hostCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", netsync.DefaultAddress, "address to listen on")
	cmd.Flags().StringVar(&f.assets, "assets", "", "directory of resources offered to clients")
	cmd.Flags().StringVar(&f.name, "name", "host", "name announced to clients")
	cmd.Flags().DurationVar(&f.tick, "tick", 50*time.Millisecond, "simulation tick interval")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log debug messages")
	return cmd
}

func joinCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "join [host address]",
		Short: "Join a hosted session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.addr = args[0]
			}
			return runJoin(f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:12345", "host address")
	cmd.Flags().StringVar(&f.assets, "assets", "", "directory where downloaded resources are kept")
	cmd.Flags().StringVar(&f.name, "name", "player", "player name")
	cmd.Flags().DurationVar(&f.tick, "tick", 50*time.Millisecond, "simulation tick interval")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log debug messages")
	return cmd
}

// setup builds the logger, metrics and resource store shared by both roles.
func setup(f flags) (*slog.Logger, *netsync.Metrics, assets.Store, error) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	metrics := netsync.NewMetrics(reg, "")
	if f.metricsAddr != "" {
		serveMetrics(logger, f.metricsAddr, reg)
	}

	var store assets.Store = assets.NewMemStore()
	if f.assets != "" {
		dir, err := assets.NewDirStore(f.assets)
		if err != nil {
			return nil, nil, nil, err
		}
		store = dir
	}
	return logger, metrics, store, nil
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, r); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

func runHost(f flags) error {
	logger, metrics, store, err := setup(f)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := netsync.NewHost(f.addr, store,
		netsync.NameOption(f.name),
		netsync.LoggerOption(logger),
		netsync.MetricsOption(metrics),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	go func() {
		if err := host.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("serve error", "error", err)
			stop()
		}
	}()

	ids := host.AllocateEntities(1)
	return loop(ctx, logger, f.tick, ids, host)
}

func runJoin(f flags) error {
	logger, metrics, store, err := setup(f)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := netsync.Connect(ctx, f.addr, store,
		netsync.NameOption(f.name),
		netsync.LoggerOption(logger),
		netsync.MetricsOption(metrics),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	return loop(ctx, logger, f.tick, client.Entities(), client)
}

type ticker interface {
	Tick(ctx context.Context, local []wire.EntitySnapshot) (netsync.TickResult, error)
}

// loop moves the owned entities around a circle once per tick until ctx is
// done or the host goes away.
func loop(ctx context.Context, logger *slog.Logger, interval time.Duration, owned []uint32, peer ticker) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		seq++
		local := make([]wire.EntitySnapshot, 0, len(owned))
		for i, id := range owned {
			angle := float64(seq)/20 + float64(i)
			local = append(local, wire.EntitySnapshot{
				ID:       id,
				PosX:     float32(100 * math.Cos(angle)),
				PosY:     float32(100 * math.Sin(angle)),
				VelX:     float32(-5 * math.Sin(angle)),
				VelY:     float32(5 * math.Cos(angle)),
				Health:   100,
				Sequence: seq,
			})
		}

		result, err := peer.Tick(ctx, local)
		if err != nil {
			return err
		}

		for _, ev := range result.Events {
			logger.Info("session event", "event", ev.String())
			if ev.Kind == netsync.PeerLeft && ev.Peer == netsync.HostPeerID {
				return ev.Err
			}
		}

		if seq%20 == 0 {
			for _, e := range result.Remote {
				logger.Info("remote entity", "id", e.ID, "x", e.PosX, "y", e.PosY, "health", e.Health, "seq", e.Sequence)
			}
		}
	}
}
