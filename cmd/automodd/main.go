package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"

	"github.com/liamcoop/automod/actions"
	"github.com/liamcoop/automod/capability"
	"github.com/liamcoop/automod/engine"
	"github.com/liamcoop/automod/guildengine"
	"github.com/liamcoop/automod/internal/logger"
	"github.com/liamcoop/automod/rules"
	"github.com/liamcoop/automod/source"
)

func main() {
	if err := run(os.Args); err != nil {
		logger.Fatal(slog.Default(), "exiting", "err", err)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "automodd",
		Usage:   "automated moderation rule engine for chat guilds",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "TRACE, DEBUG, INFO, WARN, ERROR or FATAL",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		validateCmd,
	}

	return app.Run(args)
}

func setupLogger(cctx *cli.Context) (*slog.Logger, error) {
	cfg := logger.ConfigFromEnv()
	if s := cctx.String("log-level"); s != "" {
		if _, err := logger.ParseLevel(s); err != nil {
			return nil, err
		}
		cfg.Level = s
	}
	return logger.Setup(cctx.Context, cfg), nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":8080",
			EnvVars: []string{"AUTOMOD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":9090",
			EnvVars: []string{"AUTOMOD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "rule store backend: memory, file, postgres or redis",
			Value:   "memory",
			EnvVars: []string{"AUTOMOD_STORE"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "PostgreSQL connection string for the postgres store",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis server URL, for the redis store and the event channel",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "rules-dir",
			Usage:   "directory of per-guild rule documents for the file store",
			Value:   "rules",
			EnvVars: []string{"AUTOMOD_RULES_DIR"},
		},
		&cli.StringFlag{
			Name:    "action-webhook-url",
			Usage:   "endpoint that performs moderation actions on the chat platform",
			EnvVars: []string{"AUTOMOD_ACTION_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "action-webhook-token",
			Usage:   "bearer token sent to the action endpoint",
			EnvVars: []string{"AUTOMOD_ACTION_WEBHOOK_TOKEN"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "log actions instead of performing them",
			EnvVars: []string{"AUTOMOD_DRY_RUN"},
		},
		&cli.IntFlag{
			Name:    "max-inflight-actions",
			Usage:   "max concurrent calls to the action endpoint",
			Value:   actions.DefaultMaxInFlight,
			EnvVars: []string{"AUTOMOD_MAX_INFLIGHT_ACTIONS"},
		},
		&cli.DurationFlag{
			Name:    "action-timeout",
			Usage:   "deadline for a single action call",
			Value:   actions.DefaultTimeout,
			EnvVars: []string{"AUTOMOD_ACTION_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "action-rate-limit",
			Usage:   "max action calls per second (0 for unlimited)",
			Value:   0,
			EnvVars: []string{"AUTOMOD_ACTION_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "events-channel",
			Usage:   "redis pub/sub channel to consume raw events from (disabled if empty)",
			EnvVars: []string{"AUTOMOD_EVENTS_CHANNEL"},
		},
		&cli.IntFlag{
			Name:    "event-workers",
			Usage:   "max events handled concurrently from the event channel",
			Value:   16,
			EnvVars: []string{"AUTOMOD_EVENT_WORKERS"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "how long to wait for in-flight events on shutdown",
			Value:   30 * time.Second,
			EnvVars: []string{"AUTOMOD_SHUTDOWN_TIMEOUT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		log, err := setupLogger(cctx)
		if err != nil {
			return err
		}
		defer logger.Shutdown(context.Background())

		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		var rdb *redis.Client
		if u := cctx.String("redis-url"); u != "" {
			opt, err := redis.ParseURL(u)
			if err != nil {
				return fmt.Errorf("parsing redis URL: %w", err)
			}
			rdb = redis.NewClient(opt)
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping failed: %w", err)
			}
		}

		if cctx.String("events-channel") != "" && rdb == nil {
			return fmt.Errorf("--events-channel requires --redis-url")
		}

		backend, err := openBackend(ctx, cctx, rdb)
		if err != nil {
			return err
		}
		defer backend.Close()

		c, err := openCapability(cctx, log)
		if err != nil {
			return err
		}

		executor := actions.NewExecutor(c,
			actions.WithMaxInFlight(int64(cctx.Int("max-inflight-actions"))),
			actions.WithTimeout(cctx.Duration("action-timeout")),
			actions.WithLogger(log),
		)
		manager := guildengine.NewManager(backend.store, executor,
			guildengine.WithHitCounter(backend.hits),
			guildengine.WithLogger(log),
		)

		n, err := manager.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load rule sets: %w", err)
		}
		log.Info("loaded guild rule sets", "guilds", n, "store", cctx.String("store"))

		srv := NewServer(ctx, manager, log, backend.health)
		httpServer := &http.Server{
			Addr:         cctx.String("bind"),
			Handler:      srv,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errs := make(chan error, 3)
		go func() {
			log.Info("api server starting", "bind", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("api server: %w", err)
			}
		}()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cctx.String("metrics-listen"), mux); err != nil {
				errs <- fmt.Errorf("metrics endpoint: %w", err)
			}
		}()

		if ch := cctx.String("events-channel"); ch != "" {
			consumer := &source.RedisConsumer{
				Parallelism: cctx.Int("event-workers"),
				Channel:     ch,
				Logger:      log,
				RedisClient: rdb,
				Engine:      manager,
			}
			go func() {
				if err := consumer.Run(ctx); err != nil {
					errs <- fmt.Errorf("event channel consumer: %w", err)
				}
			}()
		}

		var runErr error
		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case runErr = <-errs:
			log.Error("service failed", "err", runErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("api server shutdown", "err", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Warn("engine shutdown", "err", err)
		}
		log.Info("stopped")
		return runErr
	},
}

// backend bundles the rule store and hit counter of one storage choice
type backend struct {
	store  rules.Store
	hits   engine.HitCounter
	health func(ctx context.Context) error
	closer io.Closer
}

func (b *backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

func openBackend(ctx context.Context, cctx *cli.Context, rdb *redis.Client) (*backend, error) {
	switch kind := cctx.String("store"); kind {
	case "memory":
		return &backend{store: rules.NewMemoryStore(), hits: engine.NewMemHitCounter()}, nil

	case "file":
		store, err := rules.NewFileStore(cctx.String("rules-dir"))
		if err != nil {
			return nil, err
		}
		return &backend{store: store, hits: engine.NewMemHitCounter()}, nil

	case "postgres":
		databaseURL := cctx.String("database-url")
		if databaseURL == "" {
			return nil, fmt.Errorf("--database-url is required for the postgres store")
		}
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return &backend{
			store:  rules.NewPostgresStore(db),
			hits:   engine.NewPostgresHitCounter(db),
			health: db.PingContext,
			closer: db,
		}, nil

	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("--redis-url is required for the redis store")
		}
		return &backend{
			store: rules.NewRedisStore(rdb, "automod"),
			hits:  engine.NewRedisHitCounter(rdb, "automod"),
			health: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func openCapability(cctx *cli.Context, log *slog.Logger) (capability.Capability, error) {
	var c capability.Capability
	switch {
	case cctx.Bool("dry-run"):
		log.Warn("dry run enabled, no actions will be performed")
		c = capability.NewDryRun(log)
	case cctx.String("action-webhook-url") != "":
		c = capability.NewWebhook(cctx.String("action-webhook-url"),
			capability.WithToken(cctx.String("action-webhook-token")),
			capability.WithWebhookLogger(log),
		)
	default:
		return nil, fmt.Errorf("either --action-webhook-url or --dry-run is required")
	}

	if perSecond := cctx.Float64("action-rate-limit"); perSecond > 0 {
		c = capability.NewLimited(c, perSecond, max(1, int(perSecond)))
	}
	return c, nil
}

var validateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "check rule definition documents without loading them",
	ArgsUsage: "<file>...",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return cli.Exit("no files given", 2)
		}

		failed := 0
		for _, path := range cctx.Args().Slice() {
			n, err := validateFile(path)
			if err != nil {
				failed++
				fmt.Fprintf(cctx.App.ErrWriter, "%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cctx.App.Writer, "%s: ok (%d rules)\n", path, n)
		}
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d files invalid", failed, cctx.NArg()), 1)
		}
		return nil
	},
}

func validateFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var list []*rules.Rule
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		list, err = rules.ParseRulesYAML(data)
	default:
		list, err = rules.ParseRules(data)
	}
	if err != nil {
		return 0, err
	}

	rs, err := rules.NewRuleSet(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), list)
	if err != nil {
		return 0, err
	}
	return rs.Len(), nil
}
