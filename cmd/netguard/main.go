package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"

	"github.com/example/netguard/api"
	"github.com/example/netguard/bandwidth"
	"github.com/example/netguard/config"
	"github.com/example/netguard/expander"
	"github.com/example/netguard/monitor"
	"github.com/example/netguard/pubsub"
	"github.com/example/netguard/queue"
	"github.com/example/netguard/ranges"
	"github.com/example/netguard/results"
	"github.com/example/netguard/schedule"
	"github.com/example/netguard/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "worker":
		workerCmd(os.Args[2:])
	case "scan":
		scanCmd(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "netguard commands:\n")
	fmt.Fprintf(os.Stderr, "  serve   Run the API, worker and scheduler\n")
	fmt.Fprintf(os.Stderr, "  worker  Run the job worker only\n")
	fmt.Fprintf(os.Stderr, "  scan    Run one provider test cycle and exit\n")
}

func newLogger(debug bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if debug {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// deps is the shared wiring for every subcommand.
type deps struct {
	cfg     *config.Config
	logger  log.Logger
	st      *store.Postgres
	rdb     *redis.Client
	bus     *pubsub.Bus
	broker  *queue.RedisBroker
	runner  *queue.GroupRunner
	results *results.Store
	ingest  *ranges.Ingestor
	expand  *expander.Expander
	bw      *bandwidth.Prober
	jobs    *monitor.Runner
	mon     *monitor.Monitor
}

func buildDeps(ctx context.Context, logger log.Logger) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	st, err := store.NewPostgres(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return nil, err
	}
	rdb := newRedisClient(cfg.Redis)
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, err
	}

	bus := pubsub.NewBus(rdb, logger)
	broker := queue.NewRedisBroker(rdb)
	runner := queue.NewGroupRunner(broker, logger)
	rs := results.New(st, logger)
	ingest := ranges.NewIngestor(st, nil, logger)
	expand := expander.New(st, bus, logger)
	bw := bandwidth.New(logger)
	jobs := monitor.NewRunner(st, ingest, expand, bw, rs, bus, logger)
	mon := monitor.New(st, runner, logger)

	return &deps{
		cfg:     cfg,
		logger:  logger,
		st:      st,
		rdb:     rdb,
		bus:     bus,
		broker:  broker,
		runner:  runner,
		results: rs,
		ingest:  ingest,
		expand:  expand,
		bw:      bw,
		jobs:    jobs,
		mon:     mon,
	}, nil
}

func (d *deps) close() {
	_ = d.bus.Close()
	_ = d.rdb.Close()
	d.st.Close()
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	logger := newLogger(*debug)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := buildDeps(ctx, logger)
	if err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
	defer d.close()

	if err := d.bus.StartTail(ctx); err != nil {
		level.Error(logger).Log("msg", "start progress tail failed", "err", err)
		os.Exit(1)
	}

	worker := queue.NewWorker(d.broker, logger)
	d.jobs.RegisterHandlers(worker)
	scheduler := schedule.New(d.runner, schedule.DefaultEntries(), logger)
	for _, svc := range []services.Service{worker, scheduler} {
		if err := services.StartAndAwaitRunning(ctx, svc); err != nil {
			level.Error(logger).Log("msg", "service start failed", "err", err)
			os.Exit(1)
		}
	}

	server := &api.Server{
		Store:    d.st,
		Ingestor: d.ingest,
		Monitor:  d.mon,
		Results:  d.results,
		Bus:      d.bus,
		Logger:   logger,
	}
	httpServer := &http.Server{Addr: d.cfg.Listen, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	level.Info(logger).Log("msg", "serving", "addr", d.cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		level.Error(logger).Log("msg", "server stopped", "err", err)
	}

	cancel()
	for _, svc := range []services.Service{scheduler, worker} {
		_ = services.StopAndAwaitTerminated(context.Background(), svc)
	}
	d.runner.Wait()
}

func workerCmd(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	logger := newLogger(*debug)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := buildDeps(ctx, logger)
	if err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
	defer d.close()

	worker := queue.NewWorker(d.broker, logger)
	d.jobs.RegisterHandlers(worker)
	if err := services.StartAndAwaitRunning(ctx, worker); err != nil {
		level.Error(logger).Log("msg", "worker start failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "worker running")
	<-ctx.Done()
	_ = services.StopAndAwaitTerminated(context.Background(), worker)
}

// scanCmd runs the expand, latency and bandwidth stages inline for one
// provider, bypassing the broker.
func scanCmd(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	providerID := fs.Int64("provider", 0, "Provider ID to test")
	skipExpand := fs.Bool("skip-expand", false, "Reuse previously expanded addresses")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	if *providerID <= 0 {
		fs.Usage()
		os.Exit(2)
	}
	logger := newLogger(*debug)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := buildDeps(ctx, logger)
	if err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
	defer d.close()

	jobArgs := map[string]string{"provider_id": strconv.FormatInt(*providerID, 10)}
	stages := []struct {
		name string
		run  func(context.Context, map[string]string) error
	}{
		{monitor.JobStoreProviderIPs, d.jobs.HandleStoreProviderIPs},
		{monitor.JobTcpingTest, d.jobs.HandleTcpingTest},
		{monitor.JobCurlTest, d.jobs.HandleCurlTest},
	}
	for _, stage := range stages {
		if *skipExpand && stage.name == monitor.JobStoreProviderIPs {
			continue
		}
		level.Info(logger).Log("msg", "running stage", "stage", stage.name)
		if err := stage.run(ctx, jobArgs); err != nil {
			level.Error(logger).Log("msg", "stage failed", "stage", stage.name, "err", err)
			os.Exit(1)
		}
	}

	best, err := d.results.Best(ctx)
	if err != nil {
		level.Info(logger).Log("msg", "no best ip yet")
		return
	}
	fmt.Printf("best ip: %s\n", best.IP)
}
