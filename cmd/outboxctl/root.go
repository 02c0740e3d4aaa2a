package main

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/chatoutbox/internal/config"
	"github.com/velmie/chatoutbox/internal/logging"
)

// app carries state shared by every subcommand once flags are parsed.
type app struct {
	out io.Writer
	in  io.Reader

	envFiles []string
	flags    config.Config

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd(out io.Writer, in io.Reader) *cobra.Command {
	a := &app{out: out, in: in}

	root := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and deliver a persisted chat outbox",
		Long: `outboxctl operates on the queue a chat client persists between sessions.

Settings come from OUTBOX_* environment variables (optionally loaded from
.env files); flags override them.

Commands:
  enqueue   Add or replace a message by client id
  list      Show pending messages in delivery order
  flush     Deliver everything eligible once
  run       Keep delivering, retrying with backoff
  clear     Drop every pending message
  prune     Delete abandoned queues (mysql and postgres storage)`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringSliceVar(&a.envFiles, "env-file", nil, "Load variables from these .env files")
	pf.StringVar(&a.flags.Storage, "storage", "", "Storage backend: memory|pebble|redis|mysql|postgres")
	pf.StringVar(&a.flags.StorageKey, "storage-key", "", "Key the queue is persisted under")
	pf.StringVar(&a.flags.DataDir, "data-dir", "", "Pebble data directory")
	pf.StringVar(&a.flags.MySQLDSN, "mysql-dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	pf.StringVar(&a.flags.PostgresURL, "postgres-url", "", "PostgreSQL connection URL")
	pf.StringVar(&a.flags.RedisURL, "redis-url", "", "Redis URL, e.g. redis://localhost:6379/0")
	pf.StringVar(&a.flags.Endpoint, "endpoint", "", "HTTP endpoint messages are POSTed to")
	pf.StringVar(&a.flags.HealthURL, "health-url", "", "Health endpoint polled for connectivity")
	pf.DurationVar(&a.flags.BaseRetryDelay, "base-retry-delay", 0, "First retry delay")
	pf.DurationVar(&a.flags.MaxDelay, "max-delay", 0, "Retry delay cap")
	pf.IntVar(&a.flags.MaxAttempts, "max-attempts", 0, "Attempts before a message is dropped")
	pf.BoolVar(&a.flags.Jitter, "jitter", true, "Randomize retry delays")
	pf.DurationVar(&a.flags.SendTimeout, "send-timeout", 0, "Per-attempt timeout (0 disables)")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&a.flags.LogFormat, "log-format", "", "Log format: text|json")

	root.AddCommand(
		newEnqueueCmd(a),
		newListCmd(a),
		newFlushCmd(a),
		newRunCmd(a),
		newClearCmd(a),
		newPruneCmd(a),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrideString(flags.Changed("storage"), &cfg.Storage, a.flags.Storage)
	overrideString(flags.Changed("storage-key"), &cfg.StorageKey, a.flags.StorageKey)
	overrideString(flags.Changed("data-dir"), &cfg.DataDir, a.flags.DataDir)
	overrideString(flags.Changed("mysql-dsn"), &cfg.MySQLDSN, a.flags.MySQLDSN)
	overrideString(flags.Changed("postgres-url"), &cfg.PostgresURL, a.flags.PostgresURL)
	overrideString(flags.Changed("redis-url"), &cfg.RedisURL, a.flags.RedisURL)
	overrideString(flags.Changed("endpoint"), &cfg.Endpoint, a.flags.Endpoint)
	overrideString(flags.Changed("health-url"), &cfg.HealthURL, a.flags.HealthURL)
	overrideString(flags.Changed("log-level"), &cfg.LogLevel, a.flags.LogLevel)
	overrideString(flags.Changed("log-format"), &cfg.LogFormat, a.flags.LogFormat)
	overrideDuration(flags.Changed("base-retry-delay"), &cfg.BaseRetryDelay, a.flags.BaseRetryDelay)
	overrideDuration(flags.Changed("max-delay"), &cfg.MaxDelay, a.flags.MaxDelay)
	overrideDuration(flags.Changed("send-timeout"), &cfg.SendTimeout, a.flags.SendTimeout)
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = a.flags.MaxAttempts
	}
	if flags.Changed("jitter") {
		cfg.Jitter = a.flags.Jitter
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger.With("storage", cfg.Storage, "key", cfg.StorageKey)

	return nil
}

func (a *app) requireEndpoint() error {
	if a.cfg.Endpoint == "" {
		return errors.New("endpoint is required: set --endpoint or OUTBOX_ENDPOINT")
	}

	return nil
}

func overrideString(changed bool, dst *string, v string) {
	if changed {
		*dst = v
	}
}

func overrideDuration(changed bool, dst *time.Duration, v time.Duration) {
	if changed {
		*dst = v
	}
}
