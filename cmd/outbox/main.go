// Package main is the command-line entry point for composing and delivering
// a single message through the outbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shineum/smtp-outbox/internal/compose"
	"github.com/shineum/smtp-outbox/internal/config"
	"github.com/shineum/smtp-outbox/internal/delivery"
	"github.com/shineum/smtp-outbox/internal/email"
	"github.com/shineum/smtp-outbox/internal/message"
	"github.com/shineum/smtp-outbox/internal/provider"
	"github.com/shineum/smtp-outbox/internal/provider/graph"
	"github.com/shineum/smtp-outbox/internal/provider/ses"
	"github.com/shineum/smtp-outbox/internal/provider/stdout"
	"github.com/shineum/smtp-outbox/internal/schedule"
	"github.com/shineum/smtp-outbox/internal/smarthost"
	"github.com/shineum/smtp-outbox/internal/store"
	"github.com/shineum/smtp-outbox/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	to := flag.String("to", "", "comma-separated To recipients")
	cc := flag.String("cc", "", "comma-separated Cc recipients")
	bcc := flag.String("bcc", "", "comma-separated Bcc recipients")
	subject := flag.String("subject", "", "message subject")
	bodyPath := flag.String("body", "-", "file holding the message body, - for stdin")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.OverrideIgnored() {
		slog.Warn("smarthost.from_address is ignored without smarthost.host",
			"from_address", cfg.Smarthost.FromAddress,
		)
	}
	if cfg.OverrideBypassesRelay() {
		slog.Warn("smarthost.from_address is honored but delivery does not use smarthost.host",
			"from_address", cfg.Smarthost.FromAddress,
			"provider", cfg.Delivery.Provider,
		)
	}

	body, err := readBody(*bodyPath)
	if err != nil {
		slog.Error("failed to read message body", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open message store", "error", err)
		os.Exit(1)
	}

	// Select email delivery provider
	prov := selectProvider(ctx, cfg)

	prefs := email.NewStaticPreferences(cfg.Preferences())
	timer := schedule.NewTimer(ctx)
	defer timer.Stop()

	var failed atomic.Int32
	notifier := delivery.NotifierFunc(func(ctx context.Context, rec email.DeliveryRecord) {
		if rec.State == email.StateFailed {
			failed.Add(1)
		}
		delivery.LogNotifier{}.Notify(ctx, rec)
	})

	agent := delivery.New(prov, prefs, timer, delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseDelay,
		MaxDelay:    cfg.Delivery.MaxDelay,
		Concurrency: cfg.Delivery.Concurrency,
	},
		delivery.WithNotifier(notifier),
		delivery.WithReleaser(st),
	)
	composer := compose.New(cfg.Account.FromAddress, prefs, message.NewBuilder(st), agent)

	slog.Info("starting smtp-outbox",
		"provider", prov.Name(),
		"relayed", cfg.Preferences().Relayed(),
		"store", cfg.Store.Backend,
	)

	msg, err := composer.CreateMessage(ctx, email.ComposeRequest{
		To:      splitList(*to),
		Cc:      splitList(*cc),
		Bcc:     splitList(*bcc),
		Subject: *subject,
		Body:    body,
	})
	if err != nil {
		slog.Error("failed to compose message", "error", err)
		os.Exit(1)
	}

	if !waitForDelivery(ctx, agent) {
		slog.Warn("stopped before delivery finished",
			"message_id", msg.ID,
			"outstanding", agent.Outstanding(),
		)
		timer.Stop()
		os.Exit(1)
	}

	timer.Stop()
	if n := failed.Load(); n > 0 {
		slog.Error("delivery failed", "message_id", msg.ID, "failed_recipients", n)
		os.Exit(1)
	}
	slog.Info("smtp-outbox finished", "message_id", msg.ID)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// openStore returns the message store named in configuration.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreS3:
		slog.Info("using S3 message store",
			"bucket", cfg.Store.S3.Bucket,
			"prefix", cfg.Store.S3.Prefix,
		)
		return store.NewS3(ctx, store.S3Config{
			Bucket:          cfg.Store.S3.Bucket,
			Prefix:          cfg.Store.S3.Prefix,
			Region:          cfg.Store.S3.Region,
			Endpoint:        cfg.Store.S3.Endpoint,
			AccessKeyID:     cfg.Store.S3.AccessKeyID,
			SecretAccessKey: cfg.Store.S3.SecretAccessKey,
			UsePathStyle:    cfg.Store.S3.UsePathStyle,
		})
	default:
		return store.NewMemory(), nil
	}
}

// selectProvider chooses the delivery backend based on configuration.
func selectProvider(ctx context.Context, cfg *config.Config) provider.Provider {
	switch cfg.Delivery.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph API provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		})

	case config.ProviderStdout:
		slog.Info("using stdout provider (dry run)")
		return stdout.New()

	default:
		slog.Info("using SMTP provider",
			"smarthost", cfg.Smarthost.Host,
			"tls", cfg.Smarthost.TLS,
		)
		return smarthost.New(smarthost.Config{
			Transport:      &transport.Dialer{Timeout: cfg.Delivery.ConnectTimeout},
			HeloName:       cfg.Delivery.HeloName,
			SessionTimeout: cfg.Delivery.SessionTimeout,
			CAFile:         cfg.Smarthost.CAFile,
		})
	}
}

// waitForDelivery blocks until every record is terminal. It returns false
// when ctx ends first.
func waitForDelivery(ctx context.Context, agent *delivery.Agent) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for agent.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func readBody(path string) (string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
