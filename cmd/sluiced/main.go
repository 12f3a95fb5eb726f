package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	sourcepulse "github.com/sluicehq/sluice/features/source/pulse"
	clientspulse "github.com/sluicehq/sluice/features/source/pulse/clients/pulse"
	"github.com/sluicehq/sluice/features/source/sqldb"
	storemongo "github.com/sluicehq/sluice/features/store/mongo"
	"github.com/sluicehq/sluice/gateway/config"
	"github.com/sluicehq/sluice/gateway/dedup"
	"github.com/sluicehq/sluice/gateway/deliver"
	"github.com/sluicehq/sluice/gateway/event"
	"github.com/sluicehq/sluice/gateway/ingest"
	"github.com/sluicehq/sluice/gateway/pipeline"
	"github.com/sluicehq/sluice/gateway/retry"
	"github.com/sluicehq/sluice/gateway/rule"
	"github.com/sluicehq/sluice/gateway/sandbox"
	"github.com/sluicehq/sluice/gateway/schedule"
	"github.com/sluicehq/sluice/gateway/telemetry"
	"github.com/sluicehq/sluice/gateway/transform"
	"github.com/sluicehq/sluice/ops"
)

// drainDeadline bounds graceful shutdown. In-flight work past the deadline
// is force-cancelled and logged ABANDONED/SHUTDOWN.
const drainDeadline = 30 * time.Second

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		httpF   = flag.String("http", "", "Operator API listen address (overrides http.addr)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and the debug endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *httpF != "" {
		cfg.HTTP.Addr = *httpF
	}
	if *dbgF {
		cfg.HTTP.Debug = true
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTP.Addr}, log.KV{K: "mongo-db", V: cfg.Mongo.Database})

	// Connect the backends. Everything downstream borrows these handles.
	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.Fatalf(ctx, err, "connect mongo")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "disconnect mongo"})
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	var sourceDB *sqldb.DB
	if cfg.SQL.DSN != "" {
		sourceDB, err = sqldb.Connect(ctx, sqldb.Options{
			DSN:          cfg.SQL.DSN,
			MaxOpenConns: cfg.SQL.MaxOpenConns,
		})
		if err != nil {
			log.Fatalf(ctx, err, "connect source database")
		}
		defer sourceDB.Close()
	}

	stores, err := storemongo.New(ctx, storemongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.MongoTimeout(),
		DedupTTL: cfg.Dedup.TTL,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build stores")
	}

	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		log.Fatalf(ctx, err, "build pulse client")
	}
	logSource, err := sourcepulse.NewLogSource(sourcepulse.LogSourceOptions{Client: pulseClient})
	if err != nil {
		log.Fatalf(ctx, err, "build log source")
	}
	publisher, err := sourcepulse.NewPublisher(pulseClient)
	if err != nil {
		log.Fatalf(ctx, err, "build stream publisher")
	}
	ruleFeed, err := sourcepulse.JoinRuleFeed(ctx, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "join rule change feed")
	}

	metrics := telemetry.NewMetrics()

	// Assemble the delivery plane.
	ruleCache := rule.NewCache(stores.Rules)
	resolver := rule.NewResolver(ruleCache, stores.Orgs)

	sb := sandbox.New()
	transformer := transform.NewTransformer(sb, stores.Lookups)

	executor, err := deliver.NewExecutor(deliver.Options{
		Logs:        stores.Logs,
		DLQ:         stores.DLQ,
		Transformer: transformer,
		Rules:       stores.Rules,
		Usage:       stores.Usage,
		Metrics:     metrics,
		Security: deliver.SecurityPolicy{
			EnforceHTTPS:         cfg.Security.EnforceHTTPS,
			BlockPrivateNetworks: cfg.Security.BlockPrivateNetworks,
		},
		Timeout:      cfg.ClientTimeout(),
		MaxRedirects: cfg.HTTPClient.MaxRedirects,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build delivery executor")
	}

	planner, err := schedule.NewPlanner(stores.Scheduled, sb)
	if err != nil {
		log.Fatalf(ctx, err, "build schedule planner")
	}

	checker, err := dedup.NewChecker(stores.Seen, stores.Audit, dedup.WithMetrics(metrics))
	if err != nil {
		log.Fatalf(ctx, err, "build dedup checker")
	}

	pipe, err := pipeline.New(pipeline.Options{
		Dedup:       checker,
		Resolver:    resolver,
		Runner:      executor,
		Planner:     planner,
		Logs:        stores.Logs,
		Metrics:     metrics,
		Buckets:     cfg.Worker.OrderingBuckets,
		BucketDepth: cfg.Worker.BucketQueueSize,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build pipeline")
	}

	var sup *ingest.Supervisor
	factory := func(sc *ingest.SourceConfig) (ingest.Adapter, error) {
		beat := func(name string) { sup.Beat(name) }
		switch sc.Kind {
		case event.SourceRelational:
			if sourceDB == nil {
				return nil, fmt.Errorf("source %s: sql.dsn is not configured", sc.AdapterName())
			}
			return ingest.NewRelationalAdapter(ingest.RelationalOptions{
				DB:          sourceDB.DB,
				Config:      sc,
				Checkpoints: stores.Checkpoints,
				Metrics:     metrics,
				Heartbeat:   beat,
			})
		case event.SourceLog:
			return ingest.NewLogAdapter(ingest.LogOptions{
				Source:    logSource,
				Config:    sc,
				Metrics:   metrics,
				Heartbeat: beat,
			})
		case event.SourcePush:
			return ingest.NewPushAdapter(ingest.PushOptions{
				Store:     stores.Pending,
				Config:    sc,
				Metrics:   metrics,
				Heartbeat: beat,
			})
		default:
			return nil, fmt.Errorf("%w: unknown source kind %q", ingest.ErrInvalidConfig, sc.Kind)
		}
	}
	sup, err = ingest.NewSupervisor(ingest.SupervisorOptions{
		Configs: stores.Sources,
		Factory: factory,
		Handler: pipe.Handler(),
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build ingestion supervisor")
	}

	retrier, err := retry.NewWorker(retry.Options{
		Logs:        stores.Logs,
		Rules:       stores.Rules,
		Runner:      executor,
		Metrics:     metrics,
		Interval:    cfg.RetryInterval(),
		BatchSize:   cfg.Worker.BatchSize,
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
		StuckAfter:  cfg.ProcessingTimeout(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build retry worker")
	}

	scheduler, err := schedule.NewScheduler(schedule.Options{
		Store:       stores.Scheduled,
		Rules:       stores.Rules,
		Runner:      executor,
		Metrics:     metrics,
		Interval:    cfg.SchedulerInterval(),
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Worker.MaxConcurrentBatches,
		StuckAfter:  cfg.ProcessingTimeout(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build scheduler")
	}

	pingers := []health.Pinger{stores, redisPinger{rdb}}
	if sourceDB != nil {
		pingers = append(pingers, sourceDB)
	}
	api, err := ops.New(ops.Options{
		Rules:       stores.Rules,
		Logs:        stores.Logs,
		DLQ:         stores.DLQ,
		Scheduled:   stores.Scheduled,
		Pending:     stores.Pending,
		Runner:      executor,
		UIConfig:    stores.UIConfig,
		Notifier:    ruleFeed,
		Publisher:   publisher,
		Pingers:     pingers,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Debug:       cfg.HTTP.Debug,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build operator api")
	}

	// errc carries the first fatal condition: a signal, a listener error or
	// a heap watchdog trip.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ruleCache.Watch(runCtx, ruleFeed.Watch(runCtx))
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		retrier.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(runCtx)
	}()

	if err := sup.Start(runCtx); err != nil {
		cancel()
		log.Fatalf(ctx, err, "start ingestion supervisor")
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Handler(ctx)}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "operator api listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	if cfg.Memory.HeapThresholdMB > 0 {
		go watchHeap(runCtx, cfg.Memory, errc)
	}

	log.Printf(ctx, "exiting: %v", <-errc)

	// Drain: stop intake first so no new work enters, then let the loops
	// wind down and flush the HTTP listener.
	stopCtx, stopCancel := context.WithTimeout(ctx, drainDeadline)
	defer stopCancel()
	if err := sup.Stop(stopCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "supervisor drain"})
	}
	if err := pipe.Close(stopCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "pipeline drain"})
	}
	cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "http shutdown"})
	}
	wg.Wait()
	log.Printf(ctx, "exited")
}

// watchHeap trips the shutdown path when the live heap crosses the
// configured threshold. With gracefulShutdown disabled the process exits
// immediately instead of draining.
func watchHeap(ctx context.Context, cfg config.Memory, errc chan<- error) {
	threshold := uint64(cfg.HeapThresholdMB) * 1024 * 1024
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc < threshold {
				continue
			}
			if !cfg.GracefulShutdown {
				log.Errorf(ctx, fmt.Errorf("heap %d MB over threshold %d MB", ms.HeapAlloc/1024/1024, cfg.HeapThresholdMB), "heap watchdog: exiting")
				os.Exit(1)
			}
			errc <- fmt.Errorf("heap watchdog: %d MB over threshold %d MB", ms.HeapAlloc/1024/1024, cfg.HeapThresholdMB)
			return
		}
	}
}

// redisPinger reports the Redis connection on the health endpoints.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
