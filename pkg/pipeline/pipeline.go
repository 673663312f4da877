// Package pipeline publishes every path matching a glob: it derives each
// item's key and address, packages it and uploads it, all items in parallel.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/iofs"
	"github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/kbtpub/pkg/keys"
	"github.com/jacktea/kbtpub/pkg/mode"
	"github.com/jacktea/kbtpub/pkg/naming"
	"github.com/jacktea/kbtpub/pkg/packager"
	"github.com/jacktea/kbtpub/pkg/uploader"
	"github.com/jacktea/kbtpub/pkg/wire"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

// Recorder receives every settled result.
type Recorder interface {
	Record(ctx context.Context, batch string, res Result) error
}

// Config describes one publishing run.
type Config struct {
	Secret    string
	Glob      string
	NameSpec  string
	Published bool
	Mode      string
	// Limit keeps the first Limit matches; negative keeps all.
	Limit int

	FS       billy.Filesystem
	Uploader *uploader.Client
	TempDir  string
	// Host opens scratch archives; nil means the OS filesystem.
	Host billy.Basic
	// ItemTimeout bounds each item end to end; zero means no deadline.
	ItemTimeout time.Duration
	Batch       string
	Recorder    Recorder
	Logger      *slog.Logger
}

// Result is the outcome of one item, in input order.
type Result struct {
	Index   int
	Path    string
	Human   string
	Mode    mode.Mode
	Address string
	URL     string
	Root    string
	Digest  string
	Ack     wire.Ack
	Err     error
}

// OK reports whether the item was acknowledged.
func (r Result) OK() bool { return r.Err == nil }

// MarshalJSON renders the result with the error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	type view struct {
		Path    string          `json:"path"`
		Human   string          `json:"human,omitempty"`
		As      mode.Mode       `json:"as"`
		Address string          `json:"address,omitempty"`
		Root    string          `json:"root,omitempty"`
		Digest  string          `json:"digest,omitempty"`
		CID     string          `json:"cid,omitempty"`
		Body    json.RawMessage `json:"response,omitempty"`
		Error   string          `json:"error,omitempty"`
	}
	v := view{
		Path:    r.Path,
		Human:   r.Human,
		As:      r.Mode,
		Address: r.Address,
		Root:    r.Root,
		Digest:  r.Digest,
		CID:     r.Ack.CID,
		Body:    r.Ack.Body,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return json.Marshal(v)
}

// Run expands cfg.Glob and publishes every match concurrently. It returns an
// error only when the run cannot start (bad secret, bad pattern, bad config);
// per-item failures are reported in the corresponding Result.
func Run(ctx context.Context, cfg Config) ([]Result, error) {
	if cfg.FS == nil || cfg.Uploader == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "pipeline.Run", "")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	master, err := keys.DecodeSecret(cfg.Secret)
	if err != nil {
		return nil, err
	}
	files, err := Expand(cfg.FS, cfg.Glob)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "pipeline.Glob", cfg.Glob, err)
	}
	if cfg.Limit >= 0 && cfg.Limit < len(files) {
		files = files[:cfg.Limit]
	}
	cfg.Logger.Info("publishing", "batch", cfg.Batch, "glob", cfg.Glob, "matches", len(files), "as", cfg.Mode)

	results := make([]Result, len(files))
	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			results[i] = publish(ctx, cfg, master, i, file)
			settle(ctx, cfg, results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Expand returns the paths on fsys matching pattern, sorted. Patterns use
// forward slashes, and ** matches any number of directories. An absolute
// pattern must point inside fsys.Root(); a pattern that climbs out of the
// root is an error.
func Expand(fsys billy.Filesystem, pattern string) ([]string, error) {
	pattern = filepath.ToSlash(pattern)
	if path.IsAbs(pattern) {
		root, err := filepath.Abs(fsys.Root())
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(root, filepath.FromSlash(pattern))
		if err != nil {
			return nil, err
		}
		pattern = filepath.ToSlash(rel)
	}
	pattern = path.Clean(pattern)
	if pattern == ".." || strings.HasPrefix(pattern, "../") {
		return nil, fmt.Errorf("pattern leaves %s", fsys.Root())
	}
	matches, err := doublestar.Glob(iofs.New(fsys), pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func publish(ctx context.Context, cfg Config, master crypto.PrivKey, index int, path string) (res Result) {
	res = Result{Index: index, Path: path, Mode: mode.Sanitize(cfg.Mode)}
	defer func() {
		if r := recover(); r != nil {
			res.Err = xerrors.Wrap(xerrors.KindInternal, "pipeline.publish", path, fmt.Errorf("panic: %v", r))
		}
	}()
	if cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ItemTimeout)
		defer cancel()
	}

	if !mode.IsValidPairing(cfg.FS, res.Mode, path) {
		res.Err = xerrors.Wrap(xerrors.KindInvalidSpec, "pipeline.validate", path,
			fmt.Errorf("cannot publish as %s", res.Mode))
		return res
	}
	human, err := naming.HumanName(cfg.NameSpec, path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Human = human
	priv, err := keys.Derive(master, human)
	if err != nil {
		res.Err = err
		return res
	}
	res.Address, err = naming.ContentAddress(priv.GetPublic())
	if err != nil {
		res.Err = err
		return res
	}
	res.URL = cfg.Uploader.URL(res.Address)

	payload, err := packager.Build(ctx, cfg.FS, res.Mode, path, packager.Options{TempDir: cfg.TempDir, Host: cfg.Host})
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if cerr := payload.Close(); cerr != nil {
			cfg.Logger.Warn("release payload", "path", path, "error", cerr)
		}
	}()
	if payload.Root.Defined() {
		res.Root = payload.Root.String()
	}
	res.Digest = payload.Digest

	res.Ack, res.Err = cfg.Uploader.Upload(ctx, uploader.Request{
		Address:   res.Address,
		PublicKey: priv.GetPublic(),
		Metadata: wire.Metadata{
			Published: cfg.Published,
			Human:     human,
			Path:      path,
			As:        res.Mode,
		},
		Payload: payload,
	})
	return res
}

func settle(ctx context.Context, cfg Config, res Result) {
	if res.Err != nil {
		cfg.Logger.Error("item failed", "url", res.URL, "as", res.Mode, "path", res.Path, "error", res.Err)
	} else {
		cfg.Logger.Info("item published", "path", res.Path, "address", res.Address, "cid", res.Ack.CID)
	}
	if cfg.Recorder == nil {
		return
	}
	if err := cfg.Recorder.Record(ctx, cfg.Batch, res); err != nil {
		cfg.Logger.Warn("record result", "path", res.Path, "error", err)
	}
}
