package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	outbox "github.com/velmie/chatoutbox"
	"github.com/velmie/chatoutbox/httpsender"
	mysqlstore "github.com/velmie/chatoutbox/mysql"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// itemView is the JSON shape printed by enqueue and list.
type itemView struct {
	ClientID       string              `json:"clientId"`
	IdempotencyKey string              `json:"idempotencyKey"`
	Payload        jsoniter.RawMessage `json:"payload"`
	Attempt        int                 `json:"attempt"`
	NextAt         time.Time           `json:"nextAt"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func newItemView(item outbox.Item) itemView {
	return itemView{
		ClientID:       item.ClientID,
		IdempotencyKey: item.IdempotencyKey,
		Payload:        jsoniter.RawMessage(item.Payload),
		Attempt:        item.Attempt,
		NextAt:         item.NextAt,
		CreatedAt:      item.CreatedAt,
	}
}

func newEnqueueCmd(a *app) *cobra.Command {
	var clientID, key string

	cmd := &cobra.Command{
		Use:   "enqueue [payload|-]",
		Short: "Add or replace a message by client id",
		Long: `Add a JSON payload to the queue. A message with the same client id
replaces the pending one and keeps its idempotency key. The payload is read
from stdin when omitted or given as "-". Nothing is delivered.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(a.in, args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			o := a.openOffline(ctx, b)
			defer o.Close()

			item, err := o.Enqueue(ctx, outbox.Entry{ClientID: clientID, IdempotencyKey: key, Payload: payload})
			if err != nil {
				return err
			}

			return json.NewEncoder(a.out).Encode(newItemView(item))
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client message id (required)")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show pending messages in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			o := a.openOffline(ctx, b)
			defer o.Close()

			queue := o.Queue()
			if asJSON {
				enc := json.NewEncoder(a.out)
				for _, item := range queue {
					if err := enc.Encode(newItemView(item)); err != nil {
						return err
					}
				}

				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT ID\tIDEMPOTENCY KEY\tATTEMPT\tNEXT AT\tCREATED AT")
			for _, item := range queue {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					item.ClientID,
					item.IdempotencyKey,
					item.Attempt,
					item.NextAt.Format(time.RFC3339),
					item.CreatedAt.Format(time.RFC3339),
				)
			}

			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per line")

	return cmd
}

func newFlushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver every eligible message once",
		Long: `Run a single delivery pass against the endpoint. Failed messages are
rescheduled with backoff and stay queued for a later flush or run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sender, err := a.newSender()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			o := outbox.Open(ctx, sender, a.outboxOptions(b)...)
			defer o.Close()

			before := o.Len()
			if err := o.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "pending before: %d, pending after: %d\n", before, o.Len())

			return nil
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Deliver continuously until interrupted",
		Long: `Deliver messages and retry failures with backoff until SIGINT or SIGTERM.
When a health URL is configured, delivery pauses while it is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sender, err := a.newSender()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			var eg errgroup.Group
			var extra []outbox.Option
			if a.cfg.HealthURL != "" {
				prober, err := httpsender.NewProber(a.cfg.HealthURL,
					httpsender.WithProbeInterval(a.cfg.ProbeInterval),
					httpsender.WithProbeLogger(a.logger),
				)
				if err != nil {
					return err
				}
				extra = append(extra, outbox.WithConnectivity(prober.Changes()))
				eg.Go(func() error {
					return prober.Run(ctx)
				})
			}

			o := outbox.Open(ctx, sender, a.outboxOptions(b, extra...)...)
			defer o.Close()

			a.logger.Info("outbox delivery started", "endpoint", a.cfg.Endpoint, "pending", o.Len())
			eg.Go(func() error {
				defer cancel()

				return o.Run(ctx)
			})

			err = eg.Wait()
			a.logger.Info("outbox delivery stopped", "pending", o.Len())

			return err
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			o := a.openOffline(ctx, b)
			defer o.Close()

			n := o.Len()
			if err := o.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "cleared %d messages\n", n)

			return nil
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	var (
		retention time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete queues not written for longer than --retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention <= 0 {
				return errors.New("--retention must be positive")
			}

			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			deleted, err := a.prune(ctx, b, retention, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "pruned %d queues\n", deleted)

			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Delete queues idle for longer than this (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max queues deleted (0 uses the default)")

	return cmd
}

func (a *app) prune(ctx context.Context, b *backend, retention time.Duration, limit int) (int64, error) {
	switch {
	case b.mysqlDB != nil:
		pruner, err := mysqlstore.NewPruner(b.mysqlDB, mysqlstore.PrunerConfig{
			Table:     a.cfg.MySQLTable,
			Retention: retention,
			Limit:     limit,
			Logger:    a.logger,
		})
		if err != nil {
			return 0, err
		}

		return pruner.Ensure(ctx)
	case b.postgres != nil:
		return b.postgres.Prune(ctx, time.Now().Add(-retention), limit)
	default:
		return 0, fmt.Errorf("prune is not supported for %s storage", a.cfg.Storage)
	}
}

func readPayload(in io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return []byte(strings.TrimSpace(string(data))), nil
}
