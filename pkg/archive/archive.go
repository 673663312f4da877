// Package archive writes content-addressed CARv1 archives.
//
// Two inputs are supported: a JSON document, stored as a single dag-cbor
// block, and a directory tree, stored as UnixFS with CIDv1 dag-pb nodes,
// raw leaves and 256 KiB chunks. Archives are always written to a path on
// the local filesystem because the CAR writer patches the header in place.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/ipfs/boxo/blockservice"
	chunker "github.com/ipfs/boxo/chunker"
	offline "github.com/ipfs/boxo/exchange/offline"
	"github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/boxo/ipld/unixfs/importer/balanced"
	ihelper "github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	carv2 "github.com/ipld/go-car/v2"
	carbs "github.com/ipld/go-car/v2/blockstore"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
	"github.com/tidwall/jsonc"
)

var (
	documentPrefix = cid.Prefix{
		Version:  1,
		Codec:    cid.DagCBOR,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
	treeBuilder = cid.V1Builder{Codec: cid.DagProtobuf, MhType: multihash.SHA2_256}
)

// plainJSON reads documents as ordinary JSON: a {"/": ...} map stays a map
// instead of becoming a link or bytes.
var plainJSON = dagjson.DecodeOptions{ParseLinks: false, ParseBytes: false}

// EncodeDocument parses data as JSON and returns it as one dag-cbor block.
// Comments and trailing commas are tolerated.
func EncodeDocument(data []byte) (blocks.Block, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := plainJSON.Decode(nb, bytes.NewReader(jsonc.ToJSON(data))); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(nb.Build(), &buf); err != nil {
		return nil, fmt.Errorf("encode dag-cbor: %w", err)
	}
	c, err := documentPrefix.Sum(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(buf.Bytes(), c)
}

// WriteDocument encodes data with EncodeDocument and writes a CAR holding
// that single block to out. out must not exist yet.
func WriteDocument(ctx context.Context, data []byte, out string) (cid.Cid, error) {
	blk, err := EncodeDocument(data)
	if err != nil {
		return cid.Undef, err
	}
	rw, err := carbs.OpenReadWrite(out, []cid.Cid{blk.Cid()}, carv2.WriteAsCarV1(true))
	if err != nil {
		return cid.Undef, fmt.Errorf("open car: %w", err)
	}
	if err := rw.Put(ctx, blk); err != nil {
		rw.Discard()
		return cid.Undef, fmt.Errorf("write block: %w", err)
	}
	if err := rw.Finalize(); err != nil {
		return cid.Undef, fmt.Errorf("finalize car: %w", err)
	}
	return blk.Cid(), nil
}

// WriteTree walks dir on fsys and writes it as a UnixFS DAG to a CAR at out.
// With wrap set, the tree is linked under one extra directory node named
// after dir's base name, and that node becomes the root.
func WriteTree(ctx context.Context, fsys billy.Filesystem, dir, out string, wrap bool) (cid.Cid, error) {
	info, err := fsys.Lstat(dir)
	if err != nil {
		return cid.Undef, err
	}
	if !info.IsDir() {
		return cid.Undef, fmt.Errorf("%s: not a directory", dir)
	}
	// The real root is only known once the tree is built, so the header
	// starts with a same-length placeholder and is rewritten afterwards.
	placeholder, err := treeBuilder.Sum([]byte("kbtpub placeholder root"))
	if err != nil {
		return cid.Undef, err
	}
	rw, err := carbs.OpenReadWrite(out, []cid.Cid{placeholder}, carv2.WriteAsCarV1(true))
	if err != nil {
		return cid.Undef, fmt.Errorf("open car: %w", err)
	}
	walker := &tree{
		fsys: fsys,
		dag:  merkledag.NewDAGService(blockservice.New(rw, offline.Exchange(rw))),
	}
	root, err := walker.addDir(ctx, dir)
	if err == nil && wrap {
		root, err = walker.link(ctx, map[string]ipld.Node{filepath.Base(dir): root})
	}
	if err != nil {
		rw.Discard()
		return cid.Undef, err
	}
	if err := rw.Finalize(); err != nil {
		return cid.Undef, fmt.Errorf("finalize car: %w", err)
	}
	if err := carv2.ReplaceRootsInFile(out, []cid.Cid{root.Cid()}); err != nil {
		return cid.Undef, fmt.Errorf("set car root: %w", err)
	}
	return root.Cid(), nil
}

// ReadRoots returns the header roots of the CAR stream r.
func ReadRoots(r io.Reader) ([]cid.Cid, error) {
	br, err := carv2.NewBlockReader(r)
	if err != nil {
		return nil, err
	}
	return br.Roots, nil
}

type tree struct {
	fsys billy.Filesystem
	dag  ipld.DAGService
}

func (t *tree) add(ctx context.Context, p string) (ipld.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := t.fsys.Lstat(p)
	if err != nil {
		return nil, err
	}
	switch {
	case info.IsDir():
		return t.addDir(ctx, p)
	case info.Mode()&os.ModeSymlink != 0:
		return t.addSymlink(ctx, p)
	case info.Mode().IsRegular():
		return t.addFile(ctx, p)
	default:
		return nil, fmt.Errorf("%s: unsupported file type %s", p, info.Mode().Type())
	}
}

func (t *tree) addDir(ctx context.Context, p string) (ipld.Node, error) {
	entries, err := t.fsys.ReadDir(p)
	if err != nil {
		return nil, err
	}
	children := make(map[string]ipld.Node, len(entries))
	for _, entry := range entries {
		child, err := t.add(ctx, t.fsys.Join(p, entry.Name()))
		if err != nil {
			return nil, err
		}
		children[entry.Name()] = child
	}
	return t.link(ctx, children)
}

// link stores a directory node holding children, linked in name order.
func (t *tree) link(ctx context.Context, children map[string]ipld.Node) (ipld.Node, error) {
	dir := ft.EmptyDirNode()
	if err := dir.SetCidBuilder(treeBuilder); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := dir.AddNodeLink(name, children[name]); err != nil {
			return nil, err
		}
	}
	if err := t.dag.Add(ctx, dir); err != nil {
		return nil, err
	}
	return dir, nil
}

func (t *tree) addFile(ctx context.Context, p string) (ipld.Node, error) {
	f, err := t.fsys.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	params := ihelper.DagBuilderParams{
		Maxlinks:   ihelper.DefaultLinksPerBlock,
		RawLeaves:  true,
		CidBuilder: treeBuilder,
		Dagserv:    t.dag,
	}
	db, err := params.New(chunker.NewSizeSplitter(f, chunker.DefaultBlockSize))
	if err != nil {
		return nil, err
	}
	nd, err := balanced.Layout(db)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return nd, nil
}

func (t *tree) addSymlink(ctx context.Context, p string) (ipld.Node, error) {
	target, err := t.fsys.Readlink(p)
	if err != nil {
		return nil, err
	}
	data, err := ft.SymlinkData(target)
	if err != nil {
		return nil, err
	}
	nd := merkledag.NodeWithData(data)
	if err := nd.SetCidBuilder(treeBuilder); err != nil {
		return nil, err
	}
	if err := t.dag.Add(ctx, nd); err != nil {
		return nil, err
	}
	return nd, nil
}
