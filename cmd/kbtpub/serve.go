package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/kbtpub/pkg/blob"
	"github.com/jacktea/kbtpub/pkg/journal"
	"github.com/jacktea/kbtpub/pkg/server/devapi"
	"github.com/jacktea/kbtpub/pkg/server/middleware"
)

type devServeOptions struct {
	Addr       string
	Store      string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
	MaxBody    int64
	Receipts   int
	ReceiptTTL time.Duration
}

func newServeDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Run a local receiver that accepts uploads like the content API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := devServeOptions{
				Addr:       viper.GetString("serve_dev.addr"),
				Store:      viper.GetString("serve_dev.store"),
				APIKey:     viper.GetString("serve_dev.api_key"),
				RateLimit:  viper.GetInt("serve_dev.rate_limit"),
				RateWindow: viper.GetDuration("serve_dev.rate_window"),
				MaxBody:    viper.GetInt64("serve_dev.max_body"),
				Receipts:   viper.GetInt("serve_dev.receipts"),
				ReceiptTTL: viper.GetDuration("serve_dev.receipt_ttl"),
			}
			return runServeDev(cmd.Context(), opts)
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().String("store", ".kbtpub/dev-store", "directory for received bodies")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Int64("max-body", 0, "maximum request body in bytes (0 disables)")
	cmd.Flags().Int("receipts", 0, "latest receipts kept in memory (0 for the default)")
	cmd.Flags().Duration("receipt-ttl", 0, "forget receipts this long after upload (0 keeps them)")
	bindConfig("serve_dev.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_dev.store", cmd.Flags().Lookup("store"))
	bindConfig("serve_dev.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_dev.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_dev.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_dev.max_body", cmd.Flags().Lookup("max-body"))
	bindConfig("serve_dev.receipts", cmd.Flags().Lookup("receipts"))
	bindConfig("serve_dev.receipt_ttl", cmd.Flags().Lookup("receipt-ttl"))
	return cmd
}

func newDevServer(opts devServeOptions) (*devapi.Server, error) {
	if opts.Store == "" {
		return nil, errors.New("serve-dev: store directory is required")
	}
	store, err := blob.NewPathStore(osfs.New(opts.Store))
	if err != nil {
		return nil, err
	}
	serverOpts := devapi.Options{
		APIKey:       opts.APIKey,
		MaxBodyBytes: opts.MaxBody,
		Receipts:     opts.Receipts,
		ReceiptTTL:   opts.ReceiptTTL,
		LogRequests:  true,
	}
	if opts.RateLimit > 0 {
		serverOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opts.RateLimit,
			Window:   opts.RateWindow,
		}
	}
	return &devapi.Server{Store: store, Log: logger, Opts: serverOpts}, nil
}

func runServeDev(ctx context.Context, opts devServeOptions) error {
	server, err := newDevServer(opts)
	if err != nil {
		return err
	}
	return server.Start(ctx, opts.Addr)
}

func newJournalCmd() *cobra.Command {
	var address, batch string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded publish outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJournal(cmd.Context(), cmd.OutOrStdout(), viper.GetString("journal"), viper.GetString("output"), address, batch)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "show only the latest successful record for this address")
	cmd.Flags().StringVar(&batch, "batch", "", "show only records from this batch")
	return cmd
}

func doJournal(ctx context.Context, w io.Writer, path, format, address, batch string) error {
	if path == "" {
		return errors.New("journal: --journal path is required")
	}
	j, err := journal.Open(journal.Config{Path: path})
	if err != nil {
		return err
	}
	defer j.Close()
	if address != "" {
		rec, err := j.Latest(ctx, address)
		if err != nil {
			return err
		}
		return writeResults(w, format, rec)
	}
	recs, err := j.List(ctx, batch)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return writeResults(w, format, recs)
}
