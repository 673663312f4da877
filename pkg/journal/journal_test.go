package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jacktea/kbtpub/pkg/mode"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db"), NoSync: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	inputs := []Record{
		{Batch: "a", Path: "docs/one.json", Human: "one.json", Address: "k51one", Mode: mode.Dag, CID: "bafyone"},
		{Batch: "a", Path: "img/two.jpg", Human: "two.jpg", Address: "k51two", Mode: mode.File, Error: "upload failed"},
		{Batch: "b", Path: "site", Human: "site", Address: "k51three", Mode: mode.Wrap, Root: "bafyroot"},
	}
	for _, rec := range inputs {
		stored, err := j.Append(ctx, rec)
		if err != nil {
			t.Fatalf("append %s: %v", rec.Path, err)
		}
		if stored.ID.Version() != 7 {
			t.Fatalf("expected uuid v7, got %d", stored.ID.Version())
		}
		if stored.Time.IsZero() {
			t.Fatalf("append did not stamp time")
		}
	}

	all, err := j.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i, rec := range all {
		if rec.Path != inputs[i].Path || rec.Mode != inputs[i].Mode {
			t.Fatalf("record %d out of order or corrupted: %+v", i, rec)
		}
	}
	if all[1].OK() {
		t.Fatalf("failed record reported ok")
	}

	onlyA, err := j.List(ctx, "a")
	if err != nil {
		t.Fatalf("list a: %v", err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("expected 2 records in batch a, got %d", len(onlyA))
	}
}

func TestLatestTracksSuccessfulUploads(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	if _, err := j.Append(ctx, Record{Path: "x.json", Address: "k51x", CID: "bafy1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(ctx, Record{Path: "x.json", Address: "k51x", CID: "bafy2"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(ctx, Record{Path: "x.json", Address: "k51x", Error: "boom"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec, err := j.Latest(ctx, "k51x")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.CID != "bafy2" {
		t.Fatalf("expected latest successful cid bafy2, got %q", rec.CID)
	}

	_, err = j.Latest(ctx, "k51missing")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := j.Append(ctx, Record{Batch: "r", Path: "a.json", Address: "k51a", CID: "bafya"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	recs, err := j.List(ctx, "r")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].CID != "bafya" {
		t.Fatalf("unexpected records after reopen: %+v", recs)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
