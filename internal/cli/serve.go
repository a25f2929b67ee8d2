package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/pbem-host/api/pbemv1"
	"github.com/ChuLiYu/pbem-host/internal/config"
	"github.com/ChuLiYu/pbem-host/internal/engine"
	"github.com/ChuLiYu/pbem-host/internal/jobs"
	"github.com/ChuLiYu/pbem-host/internal/metrics"
	"github.com/ChuLiYu/pbem-host/internal/pipeline"
	"github.com/ChuLiYu/pbem-host/internal/queue"
	"github.com/ChuLiYu/pbem-host/internal/reconcile"
	"github.com/ChuLiYu/pbem-host/internal/report"
	"github.com/ChuLiYu/pbem-host/internal/server"
	"github.com/ChuLiYu/pbem-host/internal/service"
	"github.com/ChuLiYu/pbem-host/internal/store"
	"github.com/ChuLiYu/pbem-host/internal/worker"
	"github.com/ChuLiYu/pbem-host/pkg/types"
)

// Node modes
const (
	ModeStandalone = "standalone" // queue, admin service and local workers
	ModeMaster     = "master"     // queue and admin service; workers poll remotely
	ModeWorker     = "worker"     // workers polling a master
)

func (a *app) serveCommand() *cobra.Command {
	var mode, master string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a pbem-host node",
		Long: `Run a node in one of three modes:
  standalone  job queue, admin service and local workers
  master      job queue and admin service; workers connect with --master
  worker      workers polling a master for jobs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := cfg.Log.Setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := startNode(ctx, cfg, mode, master, logger)
			if err != nil {
				return err
			}
			logger.Info("Node started", "mode", mode, "config", a.configFile)
			<-ctx.Done()
			logger.Info("Received shutdown signal, stopping gracefully")
			n.stop()
			logger.Info("Node stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", ModeStandalone, "node mode: standalone, master, worker")
	cmd.Flags().StringVar(&master, "master", "", "master address (worker mode)")
	return cmd
}

// node is a running process and everything it must shut down.
type node struct {
	log     *slog.Logger
	store   *store.Store
	queue   *queue.Server
	pool    *worker.Pool
	admin   *server.Server
	addr    string // admin listen address
	conn    *grpc.ClientConn
	metrics *http.Server
	serveCh chan error
}

// startNode wires the components for mode. On error everything already
// started is stopped again.
func startNode(ctx context.Context, cfg *config.Config, mode, master string, logger *slog.Logger) (n *node, err error) {
	switch mode {
	case ModeStandalone, ModeMaster:
	case ModeWorker:
		if master == "" {
			return nil, errors.New("master address is required in worker mode")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	local, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	n = &node{log: logger}
	defer func() {
		if err != nil {
			n.stop()
			n = nil
		}
	}()

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewCollector(reg)
		n.metrics = m.StartServer(cfg.Metrics.Addr)
		logger.Info("Metrics server started", "addr", cfg.Metrics.Addr)
	}

	// Handlers write turns into the game database, so every mode opens it.
	n.store, err = store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return n, err
	}

	engines := engine.ByType{RemoteTimeout: cfg.Remote.Timeout}
	if cfg.Engine.Binary != "" {
		engines.Local = engine.NewProcess(engine.ProcessConfig{
			Binary:  cfg.Engine.Binary,
			Args:    cfg.Engine.Args,
			Timeout: cfg.Engine.Timeout,
			WorkDir: cfg.Engine.WorkDir,
			KeepDir: cfg.Engine.KeepDir,
		})
	} else {
		logger.Warn("No engine binary configured; LOCAL turns will fail")
	}
	deps := service.Deps{
		Store:   n.store,
		Runner:  pipeline.NewRunner(n.store, engines, report.JSONParser{}, m, logger),
		Rosters: engines,
		Logger:  logger,
	}
	router := jobs.NewRouter(logger)

	var source worker.JobSource
	if mode == ModeWorker {
		client, conn, err := server.Dial(master)
		if err != nil {
			return n, err
		}
		n.conn = conn
		source = worker.NewGrpcSource(conn)
		service.New(deps).Register(router)
		router.Handle(jobs.ActionReconcile, remoteReconcile(client))
	} else {
		n.queue, err = queue.NewServer(queueConfig(cfg.Queue), m)
		if err != nil {
			return n, err
		}
		if err := n.queue.Start(); err != nil {
			n.queue = nil
			return n, err
		}
		source = n.queue

		gw := jobs.NewQueue(n.queue)
		rc := reconcile.New(gw, n.store, local, m, logger)
		rc.SetParallelism(cfg.Reconcile.Parallelism)
		deps.Gateway = gw
		deps.Reconciler = rc
		svc := service.New(deps)
		svc.Register(router)
		if err := svc.Boot(ctx); err != nil {
			return n, fmt.Errorf("boot: %w", err)
		}

		lis, err := net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return n, fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
		}
		n.admin = server.New(svc, n.queue, n.queue, logger)
		n.serveCh = make(chan error, 1)
		go func() { n.serveCh <- n.admin.Serve(lis) }()
		n.addr = lis.Addr().String()
	}

	if mode != ModeMaster {
		host, _ := os.Hostname()
		n.pool = worker.NewPool(worker.Config{
			NodeID:            fmt.Sprintf("%s-%d", host, os.Getpid()),
			PollInterval:      cfg.Worker.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			DefaultTimeout:    cfg.Queue.DefaultTimeout,
		}, source, router.Dispatch)
		if err := n.pool.Start(cfg.Worker.Count); err != nil {
			return n, fmt.Errorf("failed to start worker pool: %w", err)
		}
		logger.Info("Workers started", "count", cfg.Worker.Count, "actions", router.Actions())
	}
	return n, nil
}

// stop shuts the node down in reverse start order.
func (n *node) stop() {
	if n.pool != nil {
		n.pool.Stop()
	}
	if n.admin != nil {
		n.admin.Stop()
		if err := <-n.serveCh; err != nil {
			n.log.Warn("Admin service stopped", "error", err)
		}
	}
	if n.queue != nil {
		n.queue.Stop()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.log.Warn("Closing database failed", "error", err)
		}
	}
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.metrics.Shutdown(ctx)
	}
}

func queueConfig(q config.Queue) queue.Config {
	return queue.Config{
		WALPath:          q.WALPath,
		SnapshotPath:     q.SnapshotPath,
		SyncWAL:          q.SyncWAL,
		SnapshotInterval: q.SnapshotInterval,
		SnapshotBackups:  q.SnapshotBackups,
		WALBackups:       q.WALBackups,
		TickInterval:     q.TickInterval,
		DefaultTimeout:   q.DefaultTimeout,
		MaxAttempts:      q.MaxAttempts,
		RetryBackoff:     q.RetryBackoff,
		Retention:        q.Retention,
	}
}

// remoteReconcile runs the global reconcile job of a worker node on the
// master, which owns the job definitions.
func remoteReconcile(client *pbemv1.OrchestratorClient) worker.Handler {
	return func(ctx context.Context, _ types.Job) error {
		resp, err := client.Reconcile(ctx, &pbemv1.ReconcileRequest{})
		if err != nil {
			return err
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return nil
	}
}
