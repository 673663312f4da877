package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jacktea/kbtpub/pkg/journal"
	"github.com/jacktea/kbtpub/pkg/pipeline"
	"github.com/jacktea/kbtpub/pkg/uploader"
	"github.com/jacktea/kbtpub/pkg/wire"
)

var errItemsFailed = errors.New("one or more items failed")

type publishOptions struct {
	Secret      string
	Glob        string
	As          string
	NameSpec    string
	Published   bool
	Limit       int
	Endpoint    string
	APIKey      string
	Attempts    int
	RetryDelay  time.Duration
	ItemTimeout time.Duration
	Root        string
	TempDir     string
	Journal     string
	Output      string
	FailOnError bool
	GitHubOut   string
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [glob]",
		Short: "Package and upload every file matching a glob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := publishOptions{
				Secret:      viper.GetString("secret"),
				Glob:        viper.GetString("glob"),
				As:          viper.GetString("as"),
				NameSpec:    viper.GetString("namespec"),
				Published:   viper.GetBool("published"),
				Limit:       viper.GetInt("limit"),
				Endpoint:    viper.GetString("endpoint"),
				APIKey:      viper.GetString("api_key"),
				Attempts:    viper.GetInt("attempts"),
				RetryDelay:  viper.GetDuration("retry_delay"),
				ItemTimeout: viper.GetDuration("item_timeout"),
				Root:        viper.GetString("root"),
				TempDir:     viper.GetString("tmp_dir"),
				Journal:     viper.GetString("journal"),
				Output:      viper.GetString("output"),
				FailOnError: viper.GetBool("fail_on_error"),
				GitHubOut:   os.Getenv("GITHUB_OUTPUT"),
			}
			if len(args) == 1 {
				opts.Glob = args[0]
			}
			return runPublish(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().String("glob", "", "pattern selecting the paths to publish")
	cmd.Flags().String("as", "dag", "packaging mode: dag|file|dir|wrap")
	cmd.Flags().Bool("published", false, "mark items as published")
	cmd.Flags().Int("limit", -1, "publish at most this many matches (negative for all)")
	cmd.Flags().Int("attempts", uploader.DefaultAttempts, "upload attempts per item")
	cmd.Flags().Duration("retry-delay", uploader.DefaultDelay, "pause between upload attempts")
	cmd.Flags().Duration("item-timeout", 0, "deadline for each item (0 disables)")
	cmd.Flags().String("tmp-dir", "", "parent for scratch archives (default OS temp dir)")
	cmd.Flags().Bool("fail-on-error", false, "exit non-zero when any item fails")
	bindConfig("glob", cmd.Flags().Lookup("glob"))
	bindConfig("as", cmd.Flags().Lookup("as"))
	bindConfig("published", cmd.Flags().Lookup("published"))
	bindConfig("limit", cmd.Flags().Lookup("limit"))
	bindConfig("attempts", cmd.Flags().Lookup("attempts"))
	bindConfig("retry_delay", cmd.Flags().Lookup("retry-delay"))
	bindConfig("item_timeout", cmd.Flags().Lookup("item-timeout"))
	bindConfig("tmp_dir", cmd.Flags().Lookup("tmp-dir"))
	bindConfig("fail_on_error", cmd.Flags().Lookup("fail-on-error"))
	return cmd
}

func runPublish(ctx context.Context, w io.Writer, opts publishOptions) error {
	if opts.Secret == "" {
		return errors.New("secret is required")
	}
	if opts.Glob == "" {
		return errors.New("glob is required")
	}
	client, err := uploader.New(uploader.Config{
		Endpoint: opts.Endpoint,
		Attempts: opts.Attempts,
		Delay:    durationOr(opts.RetryDelay, uploader.DefaultDelay),
		APIKey:   opts.APIKey,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	batch, err := uuid.NewV7()
	if err != nil {
		return err
	}
	root := opts.Root
	if root == "" {
		root = "."
	}

	cfg := pipeline.Config{
		Secret:      opts.Secret,
		Glob:        opts.Glob,
		NameSpec:    opts.NameSpec,
		Published:   opts.Published,
		Mode:        opts.As,
		Limit:       opts.Limit,
		FS:          osfs.New(root),
		Uploader:    client,
		TempDir:     opts.TempDir,
		ItemTimeout: opts.ItemTimeout,
		Batch:       batch.String(),
		Logger:      logger,
	}
	if opts.Journal != "" {
		j, err := journal.Open(journal.Config{Path: opts.Journal})
		if err != nil {
			return err
		}
		defer j.Close()
		cfg.Recorder = journalRecorder{j: j}
	}

	results, err := pipeline.Run(ctx, cfg)
	if err != nil {
		return err
	}
	if err := writeResults(w, opts.Output, results); err != nil {
		return err
	}
	if opts.GitHubOut != "" {
		if err := writeGitHubOutput(opts.GitHubOut, results); err != nil {
			return err
		}
	}
	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	logger.Info("publish finished", "batch", cfg.Batch, "items", len(results), "failed", failed)
	if failed > 0 && opts.FailOnError {
		return fmt.Errorf("%w: %d of %d", errItemsFailed, failed, len(results))
	}
	return nil
}

type journalRecorder struct {
	j *journal.Journal
}

func (r journalRecorder) Record(ctx context.Context, batch string, res pipeline.Result) error {
	_, err := r.j.Append(ctx, toRecord(batch, res))
	return err
}

func toRecord(batch string, res pipeline.Result) journal.Record {
	rec := journal.Record{
		Batch:   batch,
		Path:    res.Path,
		Human:   res.Human,
		Address: res.Address,
		Mode:    res.Mode,
		Root:    res.Root,
		CID:     res.Ack.CID,
		Digest:  res.Digest,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// writeResults prints v as indented JSON, or as YAML by way of its JSON form
// so both formats share field names.
func writeResults(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// roots lists each item's acknowledgment body in input order, with the box
// name pointing at the item's address. Failed items carry their error.
func roots(results []pipeline.Result) []any {
	out := make([]any, 0, len(results))
	for _, res := range results {
		if !res.OK() {
			out = append(out, map[string]any{"path": res.Path, "error": res.Err.Error()})
			continue
		}
		var body map[string]any
		if err := json.Unmarshal(res.Ack.Body, &body); err != nil || body == nil {
			body = map[string]any{"cid": res.Ack.CID}
		}
		meta, _ := body["metadata"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
			body["metadata"] = meta
		}
		box, _ := meta["box"].(map[string]any)
		if box == nil {
			box = map[string]any{}
			meta["box"] = box
		}
		box["name"] = wire.ReceiptName(res.Address)
		out = append(out, body)
	}
	return out
}

func writeGitHubOutput(path string, results []pipeline.Result) error {
	data, err := json.Marshal(roots(results))
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("github output: %w", err)
	}
	if _, err := fmt.Fprintf(f, "roots=%s\n", data); err != nil {
		f.Close()
		return fmt.Errorf("github output: %w", err)
	}
	return f.Close()
}
