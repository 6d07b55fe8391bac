package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/bot"
	"github.com/iamwavecut/ngguard/internal/commands"
	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/db/postgres"
	"github.com/iamwavecut/ngguard/internal/db/redisdb"
	"github.com/iamwavecut/ngguard/internal/db/sqlite"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/gatekeeper"
	"github.com/iamwavecut/ngguard/internal/infra"
	"github.com/iamwavecut/ngguard/internal/ingress"
	"github.com/iamwavecut/ngguard/internal/lifecycle"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/scheduler"
	"github.com/iamwavecut/ngguard/internal/server"
	"github.com/iamwavecut/ngguard/internal/stats"
	"github.com/iamwavecut/ngguard/internal/voteban"
	"github.com/iamwavecut/ngguard/internal/worker"
)

const stopTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	log.SetFormatter(&config.NbFormatter{})
	log.SetOutput(os.Stdout)
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, stop); err != nil {
		log.WithError(err).Fatalln("exiting")
	}
	log.Info("bye")
}

func run(ctx context.Context, cfg config.Config, stop context.CancelFunc) error {
	observability.Register(prometheus.DefaultRegisterer)
	shutdownTracing := observability.InitTracing()
	defer func() { _ = shutdownTracing(context.Background()) }()

	conns := &redisConns{cfg: cfg.Store}
	defer conns.close()

	store, err := openStore(ctx, cfg, conns)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("cant close store")
		}
	}()

	runtime := lifecycle.NewRuntime(stopTimeout)
	queue, sched, err := openQueue(ctx, cfg.Queue, conns, runtime)
	if err != nil {
		return err
	}

	botAPI, err := bot.New(cfg.TelegramAPIToken)
	if err != nil {
		return err
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}
	log.WithField("bot", botAPI.Self.UserName).Info("authorized")
	adapter := bot.NewAdapter(botAPI, cfg.Worker.BotRetries, cfg.Worker.BotBackoff)
	members := bot.NewMemberCache(adapter, cfg.Worker.MemberTTL)

	captcha, err := gatekeeper.NewCaptcha(cfg.Gatekeeper.CaptchaSize)
	if err != nil {
		return err
	}
	aggregator := stats.NewAggregator(store, cfg.Stats)
	machine := gatekeeper.NewMachine(cfg.Gatekeeper, cfg.DefaultLanguage)
	gk := gatekeeper.New(store, members, sched, aggregator, machine, captcha)
	votes := voteban.New(store, members, sched, aggregator, cfg.VoteBan, cfg.DefaultLanguage)
	router := commands.NewRouter(members, aggregator, votes, cfg.BotName, cfg.SupportContact)

	in := ingress.New(queue, members, cfg.DefaultLanguage)
	var acceptor server.Acceptor
	if cfg.Ingress.Mode == config.IngressWebhook {
		acceptor = in
	}

	runtime.Register("worker_pool", worker.NewPool(queue, gk, votes, router, cfg.Worker))
	runtime.Register("gatekeeper_sweeper", gatekeeper.NewSweeper(store, queue, cfg.Gatekeeper))
	runtime.Register("http_server", server.New(cfg.HTTP.Addr, store, prometheus.DefaultGatherer, acceptor, cfg.Ingress.WebhookSecret))
	if cfg.Ingress.Mode == config.IngressPolling {
		runtime.Register("poller", ingress.NewPoller(botAPI, in, cfg.Ingress.PollTimeout))
	}
	runtime.Register("executable_watcher", infra.NewExecutableWatcher(stop))

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"ingress": cfg.Ingress.Mode,
		"store":   cfg.Store.Driver,
		"queue":   cfg.Queue.Driver,
	}).Info("ngguard started")

	<-ctx.Done()
	log.Info("shutting down")
	return runtime.Stop()
}

func openStore(ctx context.Context, cfg config.Config, conns *redisConns) (db.Client, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return postgres.NewPostgresClient(ctx, cfg.Store.PostgresDSN)
	case config.DriverRedis:
		rdb, err := conns.get(ctx)
		if err != nil {
			return nil, err
		}
		return redisdb.NewRedisClient(rdb), nil
	default:
		dir, err := infra.GetWorkDir(cfg.DotPath)
		if err != nil {
			return nil, err
		}
		return sqlite.NewSQLiteClient(ctx, dir, cfg.Store.SQLiteFile)
	}
}

// openQueue builds the queue and the scheduler that feeds timers into it. Both are
// registered first so the runtime stops them last.
func openQueue(ctx context.Context, cfg config.Queue, conns *redisConns, runtime *lifecycle.Runtime) (event.Queue, scheduler.Scheduler, error) {
	if cfg.Driver != config.DriverRedis {
		queue := event.NewMemoryQueue(cfg.Buffer, cfg.MaxDeliveries, cfg.RedeliveryDelay)
		runtime.Register("memory_queue", closer(queue.Close))
		sched := scheduler.NewMemoryScheduler(queue)
		runtime.Register("memory_scheduler", sched)
		return queue, sched, nil
	}

	rdb, err := conns.get(ctx)
	if err != nil {
		return nil, nil, err
	}
	queue := event.NewRedisQueue(rdb, event.RedisQueueConfig{
		Stream:            cfg.Stream,
		Group:             cfg.Group,
		Consumer:          cfg.Consumer,
		MaxDeliveries:     cfg.MaxDeliveries,
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.PollInterval,
	})
	runtime.Register("redis_queue", queue)
	sched := scheduler.NewRedisScheduler(rdb, cfg.TimersKey, queue, cfg.PollInterval)
	runtime.Register("redis_scheduler", sched)
	return queue, sched, nil
}

// redisConns shares one client between the store, the queue and the scheduler.
type redisConns struct {
	cfg config.Store
	rdb *redis.Client
}

func (c *redisConns) get(ctx context.Context) (*redis.Client, error) {
	if c.rdb != nil {
		return c.rdb, nil
	}
	rdb, err := redisdb.Open(ctx, c.cfg.RedisAddr, c.cfg.RedisPassword, c.cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	c.rdb = rdb
	return rdb, nil
}

func (c *redisConns) close() {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		log.WithError(err).Warn("cant close redis")
	}
}

type closer func()

func (c closer) Start(context.Context) error { return nil }

func (c closer) Stop(context.Context) error {
	c()
	return nil
}
