package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"

	"github.com/jacktea/kbtpub/pkg/xerrors"
)

const tmpDir = ".incoming"

// PathStore persists bodies on a billy filesystem, sharded two levels deep
// by the leading hex digits of their ID.
type PathStore struct {
	fs billy.Filesystem
}

// NewPathStore returns a Store rooted at the top of fsys.
func NewPathStore(fsys billy.Filesystem) (*PathStore, error) {
	if fsys == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "fs")
	}
	if err := fsys.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindResource, "PathStore.mkdir", tmpDir, err)
	}
	return &PathStore{fs: fsys}, nil
}

func (p *PathStore) Put(ctx context.Context, r io.Reader) (ID, int64, error) {
	hasher := Hasher()
	file, err := p.fs.TempFile(tmpDir, "upload-")
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindResource, "PathStore.Put", tmpDir, err)
	}
	tmpName := file.Name()
	fail := func(err error) (ID, int64, error) {
		file.Close()
		p.fs.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindResource, "PathStore.Put", tmpName, err)
	}
	n, err := io.Copy(io.MultiWriter(file, hasher), r)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := file.Close(); err != nil {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindResource, "PathStore.Put", tmpName, err)
	}
	id := ID(hex.EncodeToString(hasher.Sum(nil)))
	finalPath := p.pathForID(id)
	if _, err := p.fs.Stat(finalPath); err == nil {
		p.fs.Remove(tmpName)
		return id, n, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindResource, "PathStore.Put", finalPath, err)
	}
	if err := p.fs.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindResource, "PathStore.Put", finalPath, err)
	}
	if err := p.fs.Rename(tmpName, finalPath); err != nil {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.Wrap(xerrors.KindResource, "PathStore.Put", finalPath, err)
	}
	return id, n, nil
}

func (p *PathStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	path := p.pathForID(id)
	info, err := p.fs.Stat(path)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindOf(err), "PathStore.Get", string(id), err)
	}
	f, err := p.fs.Open(path)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindOf(err), "PathStore.Get", string(id), err)
	}
	return f, info.Size(), nil
}

func (p *PathStore) Delete(ctx context.Context, id ID) error {
	return p.fs.Remove(p.pathForID(id))
}

func (p *PathStore) Exists(ctx context.Context, id ID) (bool, error) {
	_, err := p.fs.Stat(p.pathForID(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (p *PathStore) pathForID(id ID) string {
	name := string(id)
	if len(name) < 4 {
		return name
	}
	return filepath.Join(name[:2], name[2:4], name)
}
