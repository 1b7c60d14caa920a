// Package main implements hookrelay, a GitHub webhook receiver that relays
// push and pull request notifications to Telegram chats.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/hookrelay/pkg/config"
	"github.com/codeGROOVE-dev/hookrelay/pkg/dispatch"
	"github.com/codeGROOVE-dev/hookrelay/pkg/event"
	"github.com/codeGROOVE-dev/hookrelay/pkg/hub"
	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
	"github.com/codeGROOVE-dev/hookrelay/pkg/metrics"
	"github.com/codeGROOVE-dev/hookrelay/pkg/secrets"
	"github.com/codeGROOVE-dev/hookrelay/pkg/security"
	"github.com/codeGROOVE-dev/hookrelay/pkg/server"
	"github.com/codeGROOVE-dev/hookrelay/pkg/telegram"
	"github.com/codeGROOVE-dev/hookrelay/pkg/webhook"
)

const (
	readTimeout     = 10 * time.Second
	minWriteTimeout = 30 * time.Second
	writeMargin     = 5 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

type options struct {
	addr           string
	leDomains      string
	leCacheDir     string
	leEmail        string
	gcpProject     string
	gcpCredentials string
	secretNames    []string
	githubRanges   []string
	maxConnsPerIP  int
	maxConnsTotal  int
	letsencrypt    bool
	githubIPs      bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error(context.Background(), "hookrelay failed", err, nil)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("hookrelay", pflag.ContinueOnError)
	flagSet.StringVar(&o.addr, "addr", "", "HTTP service address (default \":$PORT\")")
	flagSet.BoolVar(&o.letsencrypt, "letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	flagSet.StringVar(&o.leDomains, "le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	flagSet.StringVar(&o.leCacheDir, "le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	flagSet.StringVar(&o.leEmail, "le-email", "", "Contact email for Let's Encrypt notifications")
	flagSet.StringVar(&o.gcpProject, "gcp-project", "", "Google Cloud project holding secrets in Secret Manager")
	flagSet.StringVar(&o.gcpCredentials, "gcp-credentials", "", "Service account credentials file (default: application default credentials)")
	flagSet.StringSliceVar(&o.secretNames, "secrets", secrets.Names, "Settings to read from Secret Manager when not set in the environment")
	flagSet.BoolVar(&o.githubIPs, "github-ips", false, "Only accept webhooks from GitHub hook addresses")
	flagSet.StringSliceVar(&o.githubRanges, "github-ip-ranges", nil, "CIDR ranges accepted by --github-ips (default: GitHub's published hook ranges)")
	flagSet.IntVar(&o.maxConnsPerIP, "max-conns-per-ip", 10, "Maximum live feed connections per IP")
	flagSet.IntVar(&o.maxConnsTotal, "max-conns-total", 1000, "Maximum total live feed connections")
	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return o, fmt.Errorf("unexpected argument: %s", args[0])
	}
	return o, nil
}

// loadConfig reads the environment, resolving secrets through Secret Manager
// when a project is given.
func loadConfig(ctx context.Context, o options) (*config.Config, error) {
	if o.gcpProject == "" {
		return config.Load()
	}
	sm, err := secrets.New(ctx, o.gcpProject, o.gcpCredentials)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Warn(ctx, "failed to close secret manager client", logger.Fields{"error": err.Error()})
		}
	}()
	getenv, err := sm.Getenv(ctx, o.secretNames...)
	if err != nil {
		return nil, err
	}
	return config.LoadFrom(getenv)
}

func run() error {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, o)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger.SetDefault(logger.New(os.Stderr, logger.Options{
		Format: cfg.LogFormat,
		Level:  logger.ParseLevel(cfg.LogLevel),
	}))

	if cfg.WebhookSecret == "" {
		logger.Warn(ctx, "no webhook secret configured; webhook signatures will not be verified", logger.Fields{
			"hint": "set GITHUB_WEBHOOK_SECRET",
		})
	}

	tg := telegram.NewClient(cfg.APIURL, cfg.BotToken, cfg.MaxConns)
	if err := checkBot(ctx, tg); err != nil {
		return err
	}

	m := metrics.New()
	h := hub.NewHub(m)
	go h.Run(ctx)

	dispatcher := dispatch.New(tg,
		dispatch.WithTimeout(cfg.SendTimeout),
		dispatch.WithMetrics(m),
		dispatch.WithObserver(h.Observe),
	)
	classifier := event.NewClassifier(cfg.Repositories, cfg.Branches)

	deps := server.Deps{
		Config:      cfg,
		Broadcaster: dispatcher,
		Webhook:     webhook.NewHandler(classifier, dispatcher, m, cfg.WebhookSecret),
		Metrics:     m,
	}
	if cfg.WatchToken != "" {
		connLimiter := security.NewConnectionLimiter(o.maxConnsPerIP, o.maxConnsTotal)
		defer connLimiter.Stop()
		deps.Watch = hub.NewWebSocketHandler(h, connLimiter, cfg.WatchToken)
	} else {
		logger.Info(ctx, "live feed disabled; set WATCH_TOKEN to enable /ws", nil)
	}
	if o.githubIPs {
		deps.IPValidator, err = security.NewGitHubIPValidator(o.githubRanges)
		if err != nil {
			return fmt.Errorf("github ip ranges: %w", err)
		}
	}

	addr := o.addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	srv := &http.Server{
		Addr:           addr,
		Handler:        server.NewRouter(deps),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeoutFor(cfg.SendTimeout),
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, srv, o)
	}()

	logger.Info(ctx, "hookrelay started", logger.Fields{
		"addr":         addr,
		"repositories": len(cfg.Repositories),
		"branches":     strings.Join(cfg.Branches, ","),
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down server", nil)
	}

	// Shutdown waits for in-flight webhooks, whose dispatches are awaited.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server shutdown error", err, nil)
	}
	h.Stop()
	h.Wait()

	logger.Info(context.Background(), "server stopped", nil)
	return nil
}

// writeTimeoutFor returns a response deadline that outlasts an awaited
// fan-out, whose sends run concurrently under sendTimeout each.
func writeTimeoutFor(sendTimeout time.Duration) time.Duration {
	return max(minWriteTimeout, sendTimeout+writeMargin)
}

// checkBot verifies the bot token. A rejected token is fatal; an unreachable
// API is not, since sends are attempted per webhook anyway.
func checkBot(ctx context.Context, tg *telegram.Client) error {
	me, err := tg.GetMe(ctx)
	if err == nil {
		logger.Info(ctx, "telegram bot verified", logger.Fields{"username": me.Username, "id": me.ID})
		return nil
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
		return fmt.Errorf("BOT_TOKEN rejected by Telegram: %w", err)
	}
	if errors.Is(err, telegram.ErrNotBot) || ctx.Err() != nil {
		return fmt.Errorf("bot check: %w", err)
	}
	logger.Warn(ctx, "could not verify bot token; continuing", logger.Fields{"error": err.Error()})
	return nil
}

func serve(ctx context.Context, srv *http.Server, o options) error {
	if !o.letsencrypt {
		logger.Warn(ctx, "TLS not enabled; use --letsencrypt or a TLS-terminating proxy in production", nil)
		logger.Info(ctx, "starting HTTP server", logger.Fields{"addr": srv.Addr})
		return srv.ListenAndServe()
	}

	if o.leDomains == "" {
		return errors.New("let's encrypt requires --le-domains to be specified")
	}
	domains := strings.Split(o.leDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	if err := os.MkdirAll(o.leCacheDir, 0o700); err != nil {
		return fmt.Errorf("failed to create Let's Encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(o.leCacheDir),
		Email:      o.leEmail,
	}
	srv.Addr = ":443"
	srv.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	go func() {
		acme := &http.Server{
			Addr:              ":80",
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: readTimeout,
		}
		logger.Info(ctx, "starting HTTP server on :80 for Let's Encrypt ACME challenges", nil)
		if err := acme.ListenAndServe(); err != nil {
			logger.Error(ctx, "HTTP ACME server error; certificate issuance may fail", err, nil)
		}
	}()

	logger.Info(ctx, "starting HTTPS server with Let's Encrypt", logger.Fields{"domains": domains})
	return srv.ListenAndServeTLS("", "")
}
