// Command edgelinkd holds one edge session open, logs every client
// event, and optionally serves prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgelink/internal/artifact"
	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/client"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/options"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const logoffTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "edgelinkd: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config      string
	options     string
	account     string
	servers     []string
	protocol    string
	metricsAddr string
	dataDir     string
}

func parseFlags(args []string) (*pflag.FlagSet, flags, error) {
	var f flags
	fs := pflag.NewFlagSet("edgelinkd", pflag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "daemon config file (toml)")
	fs.StringVar(&f.options, "options", "", "client options file (toml, yaml or jsonc)")
	fs.StringVar(&f.account, "account", "", "account name to log on with")
	fs.StringSliceVar(&f.servers, "server", nil, "edge server endpoint, repeatable")
	fs.StringVar(&f.protocol, "protocol", "", "connection protocol: auto, tcp or websocket")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	fs.StringVar(&f.dataDir, "data-dir", "", "directory for stored auth artifacts")
	err := fs.Parse(args)
	return fs, f, err
}

// resolve layers flags over the config file over defaults and builds
// the client options.
func resolve(fs *pflag.FlagSet, f flags) (daemonConfig, *options.Options, error) {
	cfg := defaultDaemonConfig()
	if f.config != "" {
		loaded, err := loadDaemonConfig(f.config)
		if err != nil {
			return daemonConfig{}, nil, err
		}
		cfg = loaded
	}
	if f.options != "" {
		cfg.OptionsFile = f.options
	}
	if f.account != "" {
		cfg.Account = f.account
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if cfg.Account == "" {
		return daemonConfig{}, nil, errors.New("an account is required (--account or config account)")
	}

	opts := options.New(nil)
	if cfg.OptionsFile != "" {
		if err := opts.LoadFile(cfg.OptionsFile); err != nil {
			return daemonConfig{}, nil, err
		}
	}
	if err := opts.ApplyEnv(); err != nil {
		return daemonConfig{}, nil, err
	}
	if fs.Changed("server") {
		opts.Set(options.ServerList, f.servers)
	}
	if fs.Changed("protocol") {
		opts.Set(options.Protocol, f.protocol)
	}
	if fs.Changed("data-dir") {
		opts.Set(options.DataDirectory, f.dataDir)
	}
	return cfg, opts, nil
}

func run(args []string) error {
	fs, f, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("edgelinkd")
	cfg, opts, err := resolve(fs, f)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store artifact.Store
	if cfg.ArtifactStore == storeRedis {
		rs, err := artifact.NewRedisStoreFromEnv(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rs.Close() }()
		store = rs
	}

	c := client.New(client.Config{Options: opts, Store: store, Session: cfg.Session})
	defer func() { _ = c.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return logEvents(gctx, logger, c) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, logger, cfg.MetricsAddr, cfg.MetricsToken) })
	}
	if cfg.OptionsFile != "" && cfg.WatchOptions {
		g.Go(func() error { return opts.Watch(gctx, cfg.OptionsFile) })
	}
	g.Go(func() error {
		creds := client.Credentials{
			AccountName: cfg.Account,
			Password:    secret(cfg.PasswordEnv),
			AuthCode:    secret(cfg.AuthCodeEnv),
		}
		if err := c.LogOn(gctx, creds); err != nil && gctx.Err() == nil {
			return fmt.Errorf("logon %s: %w", cfg.Account, err)
		}
		<-gctx.Done()
		logoffCtx, cancel := context.WithTimeout(context.Background(), logoffTimeout)
		defer cancel()
		if err := c.LogOff(logoffCtx); err != nil {
			logger.Warn().Err(err).Msg("edgelinkd.run logoff failed")
		}
		return nil
	})

	logger.Info().Msgf("edgelinkd.run started account=%s metrics=%q options=%q", cfg.Account, cfg.MetricsAddr, cfg.OptionsFile)
	return g.Wait()
}

// logEvents drains every client stream until ctx is done. A terminal
// session error ends the daemon.
func logEvents(ctx context.Context, logger zerolog.Logger, c *client.Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.States():
			logger.Info().Msgf("edgelinkd.state from=%s to=%s epoch=%d", ev.From, ev.To, ev.Epoch)
		case ev := <-c.Disconnects():
			logger.Warn().Err(ev.Err).Msgf("edgelinkd.disconnect kind=%s endpoint=%s cancelled=%d retry=%s", ev.Kind, ev.Endpoint, ev.Cancelled, ev.Retry)
		case msg := <-c.Notifications():
			logger.Debug().Msgf("edgelinkd.notification type=%s len=%d", msg.Type, len(msg.Body))
		case ch := <-c.CatalogChanges():
			logger.Info().Msgf("edgelinkd.catalog counter=%d previous=%d changes=%d", ch.Counter, ch.Previous, len(ch.Changes))
		case w := <-c.Warnings():
			logger.Warn().Msgf("edgelinkd.option %s", w)
		case err := <-c.Errors():
			if errors.Is(err, client.ErrTerminal) {
				return err
			}
			logger.Error().Err(err).Msg("edgelinkd.error")
		}
	}
}

// metricsRouter serves /metrics, behind a bearer token when one is set.
func metricsRouter(logger zerolog.Logger, token string) *gin.Engine {
	var v auth.Validator
	if token != "" {
		v = auth.StaticToken{Token: token}
	}
	router := gin.New()
	router.Use(gin.Recovery(), observability.RequestLogger(logger), observability.RequestMetricsMiddleware("edgelinkd"))
	router.GET("/metrics", auth.Guard(v), gin.WrapH(promhttp.Handler()))
	return router
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, addr, token string) error {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsRouter(logger, token),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Msgf("edgelinkd.serveMetrics listening addr=%s guarded=%v", addr, token != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
