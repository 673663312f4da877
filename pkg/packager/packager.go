// Package packager turns a (mode, path) pair into an uploadable payload.
package packager

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/ipfs/go-cid"
	"github.com/zeebo/blake3"

	"github.com/jacktea/kbtpub/pkg/archive"
	"github.com/jacktea/kbtpub/pkg/mode"
	"github.com/jacktea/kbtpub/pkg/wire"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

const archiveName = "payload.car"

// Options controls where scoped temporary files are created.
type Options struct {
	// TempDir is the parent for per-payload scratch directories. Empty
	// means os.TempDir().
	TempDir string
	// Host reopens finished archives by absolute path. Nil means the OS
	// filesystem.
	Host billy.Basic
}

// Payload is a packaged item ready for upload. It owns one open descriptor
// and, for archive modes, one scratch directory; Close releases both.
type Payload struct {
	Mode   mode.Mode
	Root   cid.Cid
	Size   int64
	Digest string

	name    string
	src     io.ReaderAt
	file    io.Closer
	scratch string
	closed  bool
}

// Build packages path according to m. On error every resource acquired so
// far is released before returning.
func Build(ctx context.Context, fsys billy.Filesystem, m mode.Mode, path string, opts Options) (p *Payload, err error) {
	p = &Payload{Mode: m, name: filepath.Base(path)}
	defer func() {
		if err != nil {
			if cerr := p.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			p = nil
		}
	}()

	switch m {
	case mode.File:
		err = p.openSource(fsys, path)
	case mode.Dag:
		err = p.buildDocument(ctx, fsys, path, opts)
	case mode.Dir, mode.Wrap:
		err = p.buildTree(ctx, fsys, path, m == mode.Wrap, opts)
	default:
		return p, xerrors.E(xerrors.KindInvalidSpec, "packager.Build", path)
	}
	if err != nil {
		return p, xerrors.Wrap(xerrors.KindPackaging, "packager.Build "+m.String(), path, err)
	}
	if err = p.digest(); err != nil {
		return p, xerrors.Wrap(xerrors.KindPackaging, "packager.digest", path, err)
	}
	return p, nil
}

func (p *Payload) openSource(fsys billy.Filesystem, path string) error {
	info, err := fsys.Stat(path)
	if err != nil {
		return err
	}
	f, err := fsys.Open(path)
	if err != nil {
		return err
	}
	p.file, p.src, p.Size = f, f, info.Size()
	return nil
}

func (p *Payload) buildDocument(ctx context.Context, fsys billy.Filesystem, path string, opts Options) error {
	data, err := util.ReadFile(fsys, path)
	if err != nil {
		return err
	}
	out, err := p.mkScratch(opts)
	if err != nil {
		return err
	}
	root, err := archive.WriteDocument(ctx, data, out)
	if err != nil {
		return err
	}
	p.Root = root
	return p.openArchive(opts.Host, out)
}

func (p *Payload) buildTree(ctx context.Context, fsys billy.Filesystem, path string, wrap bool, opts Options) error {
	out, err := p.mkScratch(opts)
	if err != nil {
		return err
	}
	root, err := archive.WriteTree(ctx, fsys, path, out, wrap)
	if err != nil {
		return err
	}
	p.Root = root
	return p.openArchive(opts.Host, out)
}

func (p *Payload) mkScratch(opts Options) (string, error) {
	dir, err := os.MkdirTemp(opts.TempDir, "kbtpub-*")
	if err != nil {
		return "", err
	}
	p.scratch = dir
	return filepath.Join(dir, archiveName), nil
}

func (p *Payload) openArchive(host billy.Basic, path string) error {
	if host == nil {
		host = osfs.Default
	}
	f, err := host.Open(path)
	if err != nil {
		return err
	}
	p.file, p.src = f, f
	info, err := host.Stat(path)
	if err != nil {
		return err
	}
	p.Size = info.Size()
	return nil
}

func (p *Payload) digest() error {
	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(p.src, 0, p.Size)); err != nil {
		return err
	}
	p.Digest = hex.EncodeToString(h.Sum(nil))
	return nil
}

// Multipart reports whether Body wraps the payload in a multipart envelope.
func (p *Payload) Multipart() bool {
	return p.Mode == mode.File
}

// Body returns a fresh stream over the payload and its content type. Each
// call starts from the beginning, so a failed attempt can be retried. The
// caller must close the stream.
func (p *Payload) Body() (io.ReadCloser, string, error) {
	if p.closed {
		return nil, "", xerrors.E(xerrors.KindResource, "packager.Body", p.name)
	}
	section := io.NewSectionReader(p.src, 0, p.Size)
	if !p.Multipart() {
		return io.NopCloser(section), wire.ContentTypeCAR, nil
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(wire.FormField, p.name)
		if err == nil {
			_, err = io.Copy(part, section)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType(), nil
}

// Close releases the descriptor and removes the scratch directory. It is
// safe to call more than once.
func (p *Payload) Close() error {
	if p == nil || p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if p.file != nil {
		if err := p.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.scratch != "" {
		if err := os.RemoveAll(p.scratch); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return xerrors.Wrap(xerrors.KindResource, "packager.Close", p.scratch, errors.Join(errs...))
}
