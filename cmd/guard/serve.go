package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/alerting"
	"github.com/lfrfrfr/beon-guard/internal/analytics"
	"github.com/lfrfrfr/beon-guard/internal/api/handlers"
	"github.com/lfrfrfr/beon-guard/internal/api/middleware"
	"github.com/lfrfrfr/beon-guard/internal/cache"
	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/database"
	"github.com/lfrfrfr/beon-guard/internal/guard"
	"github.com/lfrfrfr/beon-guard/internal/mmdb"
	"github.com/lfrfrfr/beon-guard/internal/monitor"
	"github.com/lfrfrfr/beon-guard/pkg/iputil"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
)

const auditRetention = 90 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guard in front of the portal",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backends tracks the optional sinks so shutdown can stop them in order
type backends struct {
	stops []func()
}

func (b *backends) onStop(fn func()) {
	b.stops = append(b.stops, fn)
}

// stop runs the stop functions in reverse registration order
func (b *backends) stop() {
	for i := len(b.stops) - 1; i >= 0; i-- {
		b.stops[i]()
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting BEON Guard",
		zap.String("version", version),
		zap.String("environment", cfg.Env),
		zap.String("mode", cfg.Defense.Mode),
	)

	rules, err := config.LoadRules(cfg.Defense.RulesFile)
	if err != nil {
		return err
	}

	var b backends
	defer b.stop()

	opts := []guard.Option{guard.WithChannels(notificationChannels(cfg)...)}

	var reader *mmdb.Reader
	if cfg.Geo.Enabled {
		reader, err = mmdb.NewReader(cfg.Geo.DatabasePath, cfg.Export.OutputPath)
		if err != nil {
			logger.Warn("GeoIP database unavailable, geo-blocking disabled", zap.Error(err))
		} else {
			opts = append(opts, guard.WithGeo(reader))
			handlers.SetBlocklist(reader)
			b.onStop(func() { _ = reader.Close() })
		}
	}

	g, err := guard.New(cfg, rules, opts...)
	if err != nil {
		return err
	}
	b.onStop(func() {
		if err := g.Alerts().Close(); err != nil {
			logger.Warn("Failed to close alert channels", zap.Error(err))
		}
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	startRedis(ctx, cfg, g, &b)
	db := startPostgres(ctx, cfg, g, &b)
	startClickHouse(ctx, cfg, g, &b)
	cancel()

	mon := monitor.New(cfg.Alerts, monitor.Stores{
		Telemetry:  g.Telemetry(),
		Reputation: g.Reputation(),
		Activity:   g.Activity(),
		Windows:    g.Windows(),
		Alerts:     g.Alerts(),
	})
	if db != nil {
		err := mon.Schedule("audit-retention", "@daily", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if n, err := db.CleanupOlderThan(ctx, auditRetention); err != nil {
				logger.Error("Audit retention failed", zap.Error(err))
			} else {
				logger.Info("Audit rows removed", zap.Int("rows", n))
			}
		})
		if err != nil {
			return err
		}
	}
	if err := mon.Start(); err != nil {
		return err
	}

	app, err := newApp(cfg, g, reader)
	if err != nil {
		return err
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("Guard listening", zap.String("addr", addr), zap.String("upstream", cfg.Proxy.Upstream))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down guard...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	mon.Stop(shutdownCtx)

	logger.Info("Guard exited gracefully")
	return nil
}

// notificationChannels builds the configured alert channels
func notificationChannels(cfg *config.Config) []alerting.Channel {
	n := cfg.Notifications
	var channels []alerting.Channel

	if n.Webhook.URL != "" {
		channels = append(channels, alerting.NewWebhookChannel(n.Webhook.URL, n.Webhook.Timeout))
	}
	if n.Email.Enabled {
		channels = append(channels, alerting.NewEmailChannel(alerting.EmailConfig{
			Host:       n.Email.SMTPHost,
			Port:       n.Email.SMTPPort,
			Username:   n.Email.Username,
			Password:   n.Email.Password,
			From:       n.Email.From,
			Recipients: n.Email.Recipients,
		}))
	}
	if n.Kafka.Enabled {
		channels = append(channels, alerting.NewKafkaChannel(n.Kafka.Brokers, n.Kafka.Topic))
	}
	if n.File.Enabled {
		channels = append(channels, alerting.NewFileChannel(n.File.Dir))
	}
	return channels
}

// startRedis restores the flagged snapshot and mirrors later changes
func startRedis(ctx context.Context, cfg *config.Config, g *guard.Guard, b *backends) {
	if !cfg.Redis.Enabled {
		logger.Info("Redis snapshot is disabled")
		return
	}

	rc, err := cache.NewRedisCache(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		TTL:      cfg.Reputation.Retention,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		logger.Warn("Failed to connect to Redis, snapshot disabled", zap.Error(err))
		return
	}

	// Restore before mirroring so restored records are not written back
	if n, err := cache.Restore(ctx, rc, g.Reputation()); err != nil {
		logger.Warn("Failed to restore reputation snapshot", zap.Error(err))
	} else {
		logger.Info("Restored reputation snapshot", zap.Int("records", n))
	}

	mirror := cache.NewMirror(rc, 1024)
	g.Reputation().AddHook(mirror.Hook())
	mirror.Start()
	handlers.SetProbe("redis", rc.Ping)

	b.onStop(func() { _ = rc.Close() })
	b.onStop(mirror.Stop)
}

// startPostgres starts the audit trail. It returns nil when disabled.
func startPostgres(ctx context.Context, cfg *config.Config, g *guard.Guard, b *backends) *database.PostgresDB {
	pg := cfg.Database.Postgres
	if !pg.Enabled {
		logger.Info("Postgres audit trail is disabled")
		return nil
	}

	db, err := database.NewPostgresDB(pg.DSN(), pg.MaxConnections, pg.MinConnections)
	if err != nil {
		logger.Warn("Failed to connect to Postgres, audit trail disabled", zap.Error(err))
		return nil
	}
	if err := db.Migrate(ctx); err != nil {
		logger.Warn("Postgres migration failed, audit trail disabled", zap.Error(err))
		db.Close()
		return nil
	}

	ac := database.DefaultAuditorConfig()
	if pg.QueueSize > 0 {
		ac.QueueSize = pg.QueueSize
	}
	auditor := database.NewAuditor(db, ac)
	g.Reputation().AddHook(auditor.ChangeHook())
	g.Alerts().OnAlert(auditor.RecordAlert)
	handlers.OnAcknowledge(auditor.RecordAlert)
	auditor.Start()

	handlers.SetHistory(db)
	handlers.SetProbe("postgres", db.Health)

	b.onStop(db.Close)
	b.onStop(auditor.Stop)
	return db
}

// startClickHouse archives requests and security events
func startClickHouse(ctx context.Context, cfg *config.Config, g *guard.Guard, b *backends) {
	ch := cfg.ClickHouse
	if !ch.Enabled {
		logger.Info("ClickHouse archive is disabled")
		return
	}

	client, err := analytics.NewClient(analytics.Config{
		Host:     ch.Host,
		Port:     ch.Port,
		Database: ch.Database,
		Username: ch.Username,
		Password: ch.Password,
	})
	if err != nil {
		logger.Warn("Failed to connect to ClickHouse, archive disabled", zap.Error(err))
		return
	}
	if err := client.Migrate(ctx); err != nil {
		logger.Warn("ClickHouse migration failed, archive disabled", zap.Error(err))
		_ = client.Close()
		return
	}

	archiver := analytics.NewArchiver(client, analytics.ArchiverConfig{
		BatchSize:     ch.BatchSize,
		FlushInterval: ch.FlushInterval,
	})
	g.Telemetry().OnRequest(archiver.RequestHook())
	g.Telemetry().OnSecurityEvent(archiver.EventHook())
	archiver.Start()

	handlers.SetAnalytics(client)
	handlers.SetProbe("clickhouse", client.Ping)

	b.onStop(func() { _ = client.Close() })
	b.onStop(archiver.Stop)
}

// newApp builds the fiber app: operational routes, the admin surface, the
// interceptor chain and finally the upstream proxy
func newApp(cfg *config.Config, g *guard.Guard, reader *mmdb.Reader) (*fiber.App, error) {
	trusted, err := iputil.ParsePrefixes(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		BodyLimit:             cfg.Server.BodyLimit,
		AppName:               "BEON Guard v" + version,
		DisableStartupMessage: cfg.Env == "production",
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "[${time}] ${status} - ${method} ${path} (${latency})\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if cfg.Health.Enabled {
		app.Get(cfg.Health.Path, handlers.HealthCheck(version, g))
	}
	if cfg.Metrics.Enabled {
		app.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	if cfg.Admin.Enabled {
		admin := app.Group(cfg.Admin.Prefix, cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST",
			AllowHeaders: "Content-Type, X-Admin-Key, X-Admin-User",
		}), middleware.AdminAuth(cfg.Admin.APIKeys))

		wc := mmdb.DefaultWriterConfig()
		wc.RecordSize = cfg.Export.RecordSize
		handlers.Register(admin, g, mmdb.NewWriter(wc), cfg.Export.OutputPath)
		if reader != nil {
			admin.Post("/reload", handlers.ReloadMMDB(reader, cfg.Geo.DatabasePath, cfg.Export.OutputPath))
		}
	}

	middleware.Register(app, g, middleware.Options{
		TrustedProxies: trusted,
		UserIDHeader:   cfg.Defense.UserIDHeader,
	})

	if cfg.Proxy.Upstream != "" {
		upstream := strings.TrimSuffix(cfg.Proxy.Upstream, "/")
		timeout := cfg.Proxy.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		app.Use(func(c *fiber.Ctx) error {
			return proxy.DoTimeout(c, upstream+c.OriginalURL(), timeout)
		})
	} else {
		app.Use(func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "not_found",
				"message": "The requested endpoint does not exist",
			})
		})
	}

	return app, nil
}
