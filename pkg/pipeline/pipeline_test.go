package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/kbtpub/pkg/keys"
	"github.com/jacktea/kbtpub/pkg/naming"
	"github.com/jacktea/kbtpub/pkg/uploader"
	"github.com/jacktea/kbtpub/pkg/wire"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

const testSecret = "CAESQNCzosaz9m4t4MQgFEuHIjicXYOLhk5Ee+/i4+AisAqR1VMaS460TQzZND3dtS0aS4f6qTYnryAWcWJfYlXWFlM="

// echoServer acknowledges every upload with the human name it was sent,
// after a random delay. Items whose human name is in failing get a 500.
func echoServer(t *testing.T, failing ...string) *httptest.Server {
	t.Helper()
	fail := map[string]bool{}
	for _, name := range failing {
		fail[name] = true
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		meta, err := wire.DecodeMetadata(r.Header.Get(wire.HeaderMetadata))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		time.Sleep(time.Duration(rand.Intn(25)) * time.Millisecond)
		if fail[meta.Human] {
			http.Error(w, "storage offline", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"cid": "cid-" + meta.Human, "human": meta.Human})
	}))
	t.Cleanup(server.Close)
	return server
}

func docsFixture(t *testing.T, n int) billy.Filesystem {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	for i := 0; i < n; i++ {
		name := filepath.Join(root, "docs", fmt.Sprintf("item-%02d.json", i))
		require.NoError(t, os.WriteFile(name, []byte(fmt.Sprintf(`{"n":%d}`, i)), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "zz-dir"), 0o755))
	return osfs.New(root)
}

func newConfig(t *testing.T, fsys billy.Filesystem, server *httptest.Server) Config {
	t.Helper()
	up, err := uploader.New(uploader.Config{Endpoint: server.URL, Delay: time.Millisecond, Client: server.Client()})
	require.NoError(t, err)
	return Config{
		Secret:   testSecret,
		Glob:     "docs/*.json",
		NameSpec: naming.SpecPath,
		Mode:     "dag",
		Limit:    -1,
		FS:       fsys,
		Uploader: up,
		TempDir:  t.TempDir(),
	}
}

func assertNoScratch(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunPreservesInputOrder(t *testing.T) {
	const n = 24
	cfg := newConfig(t, docsFixture(t, n), echoServer(t))

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, n)
	for i, res := range results {
		want := fmt.Sprintf("item-%02d.json", i)
		require.NoError(t, res.Err)
		assert.Equal(t, i, res.Index)
		assert.Equal(t, filepath.Join("docs", want), res.Path)
		assert.Equal(t, want, res.Human)
		assert.Equal(t, "cid-"+want, res.Ack.CID)
		assert.NotEmpty(t, res.Root)
		assert.NotEmpty(t, res.Digest)
		assert.True(t, strings.HasPrefix(res.Address, "k51"))
	}
	assertNoScratch(t, cfg.TempDir)
}

func TestRunIsolatesFailures(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 5), echoServer(t, "item-02.json"))

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		if i == 2 {
			require.Error(t, res.Err)
			assert.Equal(t, xerrors.KindUpload, xerrors.KindOf(res.Err))
			assert.False(t, res.OK())
			continue
		}
		assert.NoError(t, res.Err)
	}
	assertNoScratch(t, cfg.TempDir)
}

func TestRunLimitTruncates(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 6), echoServer(t))
	cfg.Limit = 2
	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "item-01.json", results[1].Human)

	cfg.Limit = 0
	results, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunInvalidPairingFailsOnlyThatItem(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 2), echoServer(t))
	cfg.Glob = "docs/*"

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, filepath.Join("docs", "zz-dir"), results[2].Path)
	assert.Equal(t, xerrors.KindInvalidSpec, xerrors.KindOf(results[2].Err))
}

func TestRunPackagingFailureReleasesScratch(t *testing.T) {
	fsys := docsFixture(t, 1)
	f, err := fsys.Create("docs/broken.json")
	require.NoError(t, err)
	_, _ = f.Write([]byte(`{"oops":`))
	require.NoError(t, f.Close())
	cfg := newConfig(t, fsys, echoServer(t))

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, xerrors.KindPackaging, xerrors.KindOf(results[0].Err))
	assert.NoError(t, results[1].Err)
	assertNoScratch(t, cfg.TempDir)
}

func TestRunDerivesSameAddressAsKeyDerivation(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 1), echoServer(t))
	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 1)

	priv, err := keys.DeriveFromSecret(testSecret, "item-00.json")
	require.NoError(t, err)
	addr, err := naming.ContentAddress(priv.GetPublic())
	require.NoError(t, err)
	assert.Equal(t, addr, results[0].Address)
	assert.Equal(t, cfg.Uploader.URL(addr), results[0].URL)
}

func TestRunSetupErrorsAbort(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 1), echoServer(t))

	bad := cfg
	bad.Secret = "not-a-key"
	_, err := Run(context.Background(), bad)
	assert.Equal(t, xerrors.KindKeyDerivation, xerrors.KindOf(err))

	bad = cfg
	bad.Glob = "docs/[.json"
	_, err = Run(context.Background(), bad)
	assert.Error(t, err)

	bad = cfg
	bad.Uploader = nil
	_, err = Run(context.Background(), bad)
	assert.Error(t, err)
}

func TestRunUnsupportedNameSpec(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 1), echoServer(t))
	cfg.NameSpec = "hash"
	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, xerrors.KindUnsupportedNameSpec, xerrors.KindOf(results[0].Err))
}

type memRecorder struct {
	mu   sync.Mutex
	seen map[string]Result
}

func (m *memRecorder) Record(ctx context.Context, batch string, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[batch+"/"+res.Path] = res
	return nil
}

func TestRunRecordsEveryItem(t *testing.T) {
	cfg := newConfig(t, docsFixture(t, 3), echoServer(t, "item-01.json"))
	rec := &memRecorder{seen: map[string]Result{}}
	cfg.Recorder = rec
	cfg.Batch = "b1"

	_, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, rec.seen, 3)
	assert.Error(t, rec.seen["b1/"+filepath.Join("docs", "item-01.json")].Err)
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(Result{
		Path: "a.json",
		Err:  xerrors.E(xerrors.KindUpload, "upload", "a.json"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"a.json","as":"dag","error":"upload: upload failed a.json"}`, string(data))
}

func nestedFixture(t *testing.T) (string, billy.Filesystem) {
	t.Helper()
	root := t.TempDir()
	for name, data := range map[string]string{
		"content/top.json":     `{"top":true}`,
		"content/a/x.json":     `{"x":1}`,
		"content/a/b/y.json":   `{"y":2}`,
		"content/a/b/note.txt": "not json",
	} {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(data), 0o644))
	}
	return root, osfs.New(root)
}

func TestExpandGlobstar(t *testing.T) {
	_, fsys := nestedFixture(t)

	files, err := Expand(fsys, "content/**/*.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"content/a/b/y.json", "content/a/x.json", "content/top.json"}, files)

	files, err = Expand(fsys, "**/b/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"content/a/b/note.txt", "content/a/b/y.json"}, files)

	files, err = Expand(fsys, "./content/*.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"content/top.json"}, files)
}

func TestExpandAbsolutePatterns(t *testing.T) {
	root, fsys := nestedFixture(t)

	files, err := Expand(fsys, filepath.Join(root, "content", "*.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"content/top.json"}, files)

	files, err = Expand(fsys, filepath.Join(root, "content", "**", "y.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"content/a/b/y.json"}, files)

	_, err = Expand(fsys, filepath.Join(filepath.Dir(root), "elsewhere", "*.json"))
	assert.Error(t, err)
	_, err = Expand(fsys, "../*.json")
	assert.Error(t, err)

	mem := memfs.New()
	require.NoError(t, util.WriteFile(mem, "docs/a.json", []byte(`{}`), 0o644))
	files, err = Expand(mem, "/docs/*.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.json"}, files)
}

func TestRunPublishesNestedMatches(t *testing.T) {
	root, fsys := nestedFixture(t)
	cfg := newConfig(t, fsys, echoServer(t))
	cfg.Glob = "content/**/*.json"

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "y.json", results[0].Human)
	assert.Equal(t, "x.json", results[1].Human)
	assert.Equal(t, "top.json", results[2].Human)

	cfg.Glob = filepath.Join(root, "content", "**", "*.json")
	results, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	cfg.Glob = "../outside/*.json"
	_, err = Run(context.Background(), cfg)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

type descriptors struct {
	opened atomic.Int64
	closed atomic.Int64
}

func (d *descriptors) track(f billy.File, err error) (billy.File, error) {
	if err != nil {
		return f, err
	}
	d.opened.Add(1)
	return &trackedFile{File: f, d: d}, nil
}

type trackedFile struct {
	billy.File
	d    *descriptors
	once sync.Once
}

func (f *trackedFile) Close() error {
	f.once.Do(func() { f.d.closed.Add(1) })
	return f.File.Close()
}

type trackedFS struct {
	billy.Filesystem
	d *descriptors
}

func (fs trackedFS) Open(name string) (billy.File, error) {
	return fs.d.track(fs.Filesystem.Open(name))
}

type trackedHost struct {
	billy.Basic
	d *descriptors
}

func (fs trackedHost) Open(name string) (billy.File, error) {
	return fs.d.track(fs.Basic.Open(name))
}

func TestRunReleasesDescriptors(t *testing.T) {
	base := docsFixture(t, 4)
	require.NoError(t, util.WriteFile(base, "docs/broken.json", []byte(`{"oops":`), 0o644))
	src, host := &descriptors{}, &descriptors{}
	cfg := newConfig(t, trackedFS{Filesystem: base, d: src}, echoServer(t, "item-01.json", "item-03.json"))
	cfg.Host = trackedHost{Basic: osfs.Default, d: host}

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, xerrors.KindPackaging, xerrors.KindOf(results[0].Err))
	assert.Equal(t, xerrors.KindUpload, xerrors.KindOf(results[2].Err))
	assert.Equal(t, xerrors.KindUpload, xerrors.KindOf(results[4].Err))
	assert.NoError(t, results[1].Err)

	assert.Equal(t, int64(4), host.opened.Load())
	assert.Equal(t, host.opened.Load(), host.closed.Load(), "archive descriptors left open")
	assert.Positive(t, src.opened.Load())
	assert.Equal(t, src.opened.Load(), src.closed.Load(), "source descriptors left open")
	assertNoScratch(t, cfg.TempDir)
}

func TestRunReleasesFileModeDescriptors(t *testing.T) {
	base := docsFixture(t, 3)
	src := &descriptors{}
	cfg := newConfig(t, trackedFS{Filesystem: base, d: src}, echoServer(t, "item-02.json"))
	cfg.Mode = "file"

	results, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, xerrors.KindUpload, xerrors.KindOf(results[2].Err))
	assert.GreaterOrEqual(t, src.opened.Load(), int64(3))
	assert.Equal(t, src.opened.Load(), src.closed.Load(), "source descriptors left open")
}
