package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nhle/mail-sentinel/internal/classifier"
	"github.com/nhle/mail-sentinel/internal/config"
	"github.com/nhle/mail-sentinel/internal/connector"
	gmailconn "github.com/nhle/mail-sentinel/internal/connector/gmail"
	imapconn "github.com/nhle/mail-sentinel/internal/connector/imap"
	"github.com/nhle/mail-sentinel/internal/credential"
	"github.com/nhle/mail-sentinel/internal/dispatch"
	"github.com/nhle/mail-sentinel/internal/ledger"
	"github.com/nhle/mail-sentinel/internal/model"
	"github.com/nhle/mail-sentinel/internal/notify"
	"github.com/nhle/mail-sentinel/internal/scheduler"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the YAML configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	setCredential := flag.String("set-credential", "", "store a credential under the given key (value read from stdin) and exit")
	deleteCredential := flag.String("delete-credential", "", "remove the credential stored under the given key and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if *setCredential != "" {
		if err := storeCredential(*setCredential); err != nil {
			logger.Error("storing credential failed", "key", *setCredential, "error", err)
			os.Exit(1)
		}
		logger.Info("credential stored", "key", *setCredential)
		return
	}

	if *deleteCredential != "" {
		if err := credential.Delete(*deleteCredential); err != nil {
			logger.Error("deleting credential failed", "key", *deleteCredential, "error", err)
			os.Exit(1)
		}
		logger.Info("credential deleted", "key", *deleteCredential)
		return
	}

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}

	logger.Info("sentinel shut down complete")
}

func run(configPath string, logger *slog.Logger) error {
	logger.Info("sentinel starting", "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	led, err := ledger.NewSQLiteLedger(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer led.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if count, err := led.ProcessedCount(ctx); err == nil {
		logger.Info("ledger opened", "path", cfg.DatabasePath, "processed_total", count)
	}

	cl, err := buildClassifier(cfg, logger)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	disp := dispatch.New(cl, notifier, led, cfg.Classifier.Rules, logger)

	sched := scheduler.New(
		time.Duration(cfg.PollIntervalSec)*time.Second,
		cfg.Concurrency,
		led, disp, notifier, logger,
	)

	registered := 0
	for name, acc := range cfg.EnabledAccounts() {
		conn, err := buildConnector(ctx, name, acc)
		if err != nil {
			// One broken account must not keep the others from running.
			logger.Warn("skipping account", "account", name, "error", err)
			continue
		}
		sched.Register(name, acc, conn)
		logger.Info("account registered", "account", name, "connector", acc.Connector)
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no accounts could be initialized")
	}

	logger.Info("polling started",
		"accounts", registered,
		"interval_sec", cfg.PollIntervalSec,
	)

	// Run blocks until shutdown; in-flight dispatches drain before it
	// returns.
	return sched.Run(ctx)
}

// buildClassifier constructs the configured classification oracle.
func buildClassifier(cfg *config.Config, logger *slog.Logger) (classifier.Classifier, error) {
	switch cfg.Classifier.Provider {
	case "anthropic", "":
		apiKey, err := credential.Get(cfg.Classifier.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("resolving classifier API key: %w", err)
		}
		timeout := time.Duration(cfg.Classifier.TimeoutSec) * time.Second
		return classifier.NewAnthropic(apiKey, cfg.Classifier.Model, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported classifier provider %q", cfg.Classifier.Provider)
	}
}

// buildNotifier constructs the configured notification transport.
// Telegram is preferred when both are configured.
func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	if tg := cfg.Notifiers.Telegram; tg != nil {
		token, err := credential.Get(tg.TokenRef)
		if err != nil {
			return nil, fmt.Errorf("resolving telegram token: %w", err)
		}
		return notify.NewTelegram(token, tg.ChatID, 0), nil
	}

	if sms := cfg.Notifiers.SMS; sms != nil {
		token, err := credential.Get(sms.TokenRef)
		if err != nil {
			return nil, fmt.Errorf("resolving twilio token: %w", err)
		}
		return notify.NewTwilio(sms.AccountSID, token, sms.From, sms.To, 0), nil
	}

	return nil, fmt.Errorf("no notifier configured")
}

// buildConnector constructs the account's mail backend client.
func buildConnector(ctx context.Context, name string, acc config.Account) (connector.Connector, error) {
	switch model.ConnectorType(acc.Connector) {
	case model.ConnectorIMAP:
		password, err := credential.Get(acc.PasswordRef)
		if err != nil {
			return nil, fmt.Errorf("resolving password for %s: %w", name, err)
		}
		return imapconn.New(name, acc.Server, acc.Port, acc.Username, password, true), nil

	case model.ConnectorGmail:
		return gmailconn.New(ctx, name, acc.CredentialsFile, acc.TokenFile)

	default:
		return nil, fmt.Errorf("unsupported connector %q", acc.Connector)
	}
}

// storeCredential reads one line from stdin and saves it in the keyring
// under key, so secrets never land in the config file or shell history.
func storeCredential(key string) error {
	fmt.Fprintf(os.Stderr, "value for %q: ", key)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading value: %w", err)
		}
		return fmt.Errorf("no value provided")
	}

	value := strings.TrimSpace(scanner.Text())
	if value == "" {
		return fmt.Errorf("empty value")
	}

	return credential.Set(key, value)
}

// parseLevel maps the -log-level flag to a slog level.
func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
