package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const (
	IngressPolling = "polling"
	IngressWebhook = "webhook"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN,required"`
		DefaultLanguage  string `env:"LANG,default=en"`
		LogLevel         int    `env:"LOG_LEVEL,default=4"`
		DotPath          string `env:"DOT_PATH,default=~/.ngguard"`
		BotName          string `env:"BOT_NAME,default=ngguard"`
		SupportContact   string `env:"SUPPORT_CONTACT,default=@ngguard_support"`
		Ingress          Ingress
		Gatekeeper       Gatekeeper
		VoteBan          VoteBan
		Stats            Stats
		Store            Store
		Queue            Queue
		Worker           Worker
		HTTP             HTTP
	}

	Ingress struct {
		Mode          string `env:"INGRESS,default=polling"`
		WebhookSecret string `env:"WEBHOOK_SECRET"`
		PollTimeout   int    `env:"POLL_TIMEOUT,default=60"`
	}

	Gatekeeper struct {
		Window         time.Duration `env:"VERIFY_WINDOW,default=60s"`
		MaxAttempts    int           `env:"VERIFY_MAX_ATTEMPTS,default=1"`
		CaptchaSize    int           `env:"CAPTCHA_SIZE,default=1"`
		Welcome        bool          `env:"WELCOME,default=true"`
		SweepInterval  time.Duration `env:"SWEEP_INTERVAL,default=1m"`
		SweepGrace     time.Duration `env:"SWEEP_GRACE,default=1m"`
		Retention      time.Duration `env:"RETENTION,default=720h"`
		SweepBatchSize int           `env:"SWEEP_BATCH,default=100"`
	}

	VoteBan struct {
		Threshold int           `env:"VOTEBAN_THRESHOLD,default=15"`
		Window    time.Duration `env:"VOTEBAN_WINDOW,default=24h"`
	}

	Stats struct {
		LowThreshold  float64       `env:"STATS_T1,default=10"`
		HighThreshold float64       `env:"STATS_T2,default=100"`
		Window        time.Duration `env:"STATS_WINDOW,default=168h"`
	}

	Store struct {
		Driver        string `env:"STORE,default=sqlite"`
		SQLiteFile    string `env:"SQLITE_FILE,default=ngguard.db"`
		PostgresDSN   string `env:"POSTGRES_DSN"`
		RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
		RedisPassword string `env:"REDIS_PASSWORD"`
		RedisDB       int    `env:"REDIS_DB,default=0"`
	}

	Queue struct {
		Driver            string        `env:"QUEUE,default=memory"`
		Stream            string        `env:"QUEUE_STREAM,default=ngguard:events"`
		Group             string        `env:"QUEUE_GROUP,default=ngguard"`
		Consumer          string        `env:"QUEUE_CONSUMER,default=worker"`
		TimersKey         string        `env:"QUEUE_TIMERS_KEY,default=ngguard:timers"`
		MaxDeliveries     int           `env:"QUEUE_MAX_DELIVERIES,default=5"`
		VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=90s"`
		RedeliveryDelay   time.Duration `env:"QUEUE_REDELIVERY_DELAY,default=1s"`
		Buffer            int           `env:"QUEUE_BUFFER,default=1024"`
		PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=500ms"`
	}

	Worker struct {
		Concurrency  int           `env:"WORKERS,default=4"`
		StoreRetries int           `env:"STORE_RETRIES,default=3"`
		StoreBackoff time.Duration `env:"STORE_BACKOFF,default=200ms"`
		BotRetries   int           `env:"BOT_RETRIES,default=3"`
		BotBackoff   time.Duration `env:"BOT_BACKOFF,default=300ms"`
		MemberTTL    time.Duration `env:"MEMBER_CACHE_TTL,default=10s"`
	}

	HTTP struct {
		Addr string `env:"HTTP_ADDR,default=:2112"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

// Load reads NG_* variables once per process.
func Load() (Config, error) {
	once.Do(func() {
		cfg, err := Process(context.Background(), envconfig.PrefixLookuper("NG_", envconfig.OsLookuper()))
		if err != nil {
			globalErr = err
			return
		}
		log.Traceln("loaded config")
		globalConfig = &cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

func Process(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	cfg := Config{}
	envcfg := envconfig.Config{
		Lookuper: lookuper,
		Target:   &cfg,
	}
	if err := envconfig.ProcessWith(ctx, &envcfg); err != nil {
		return cfg, ngerrors.Configuration("process env config: %v", err)
	}
	if strings.HasPrefix(cfg.DotPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("get user home directory: %w", err)
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the enforcement pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Gatekeeper.Window <= 0:
		return ngerrors.Configuration("verification window must be positive, got %s", c.Gatekeeper.Window)
	case c.Gatekeeper.MaxAttempts < 1:
		return ngerrors.Configuration("verification max attempts must be at least 1, got %d", c.Gatekeeper.MaxAttempts)
	case c.Gatekeeper.CaptchaSize < 1:
		return ngerrors.Configuration("captcha size must be at least 1, got %d", c.Gatekeeper.CaptchaSize)
	case c.Gatekeeper.SweepInterval <= 0:
		return ngerrors.Configuration("sweep interval must be positive")
	case c.VoteBan.Threshold < 1:
		return ngerrors.Configuration("voteban threshold must be at least 1, got %d", c.VoteBan.Threshold)
	case c.VoteBan.Window <= 0:
		return ngerrors.Configuration("voteban window must be positive, got %s", c.VoteBan.Window)
	case c.Stats.LowThreshold <= 0 || c.Stats.HighThreshold <= c.Stats.LowThreshold:
		return ngerrors.Configuration("stats thresholds must satisfy 0 < T1 < T2, got %v and %v", c.Stats.LowThreshold, c.Stats.HighThreshold)
	case c.Stats.Window < 24*time.Hour:
		return ngerrors.Configuration("stats window must be at least one day, got %s", c.Stats.Window)
	case c.Worker.Concurrency < 1:
		return ngerrors.Configuration("worker concurrency must be at least 1")
	case c.Worker.StoreRetries < 1 || c.Worker.BotRetries < 1:
		return ngerrors.Configuration("retry counts must be at least 1")
	case c.Queue.MaxDeliveries < 1:
		return ngerrors.Configuration("queue max deliveries must be at least 1")
	}

	switch c.Ingress.Mode {
	case IngressPolling:
	case IngressWebhook:
		if c.Ingress.WebhookSecret == "" {
			return ngerrors.Configuration("webhook ingress requires NG_WEBHOOK_SECRET")
		}
	default:
		return ngerrors.Configuration("unknown ingress mode %q", c.Ingress.Mode)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverRedis:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return ngerrors.Configuration("postgres store requires NG_POSTGRES_DSN")
		}
	default:
		return ngerrors.Configuration("unknown store driver %q", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case DriverMemory, DriverRedis:
	default:
		return ngerrors.Configuration("unknown queue driver %q", c.Queue.Driver)
	}
	return nil
}
