// Package journal keeps an append-only local log of publish outcomes in
// BoltDB. It is never consulted to skip work; every run republishes.
package journal

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/kbtpub/pkg/mode"
	"github.com/jacktea/kbtpub/pkg/xerrors"
)

var (
	bucketRecords   = []byte("records")
	bucketAddresses = []byte("addresses")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TextMarshaler = cbor.TextMarshalerTextString
	if encMode, err = opts.EncMode(); err != nil {
		panic("journal: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("journal: cbor decoder: " + err.Error())
	}
}

// Config configures the journal database.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// Record is one settled item.
type Record struct {
	ID      uuid.UUID `cbor:"id" json:"id"`
	Batch   string    `cbor:"batch" json:"batch"`
	Time    time.Time `cbor:"time" json:"time"`
	Path    string    `cbor:"path" json:"path"`
	Human   string    `cbor:"human,omitempty" json:"human,omitempty"`
	Address string    `cbor:"address,omitempty" json:"address,omitempty"`
	Mode    mode.Mode `cbor:"as" json:"as"`
	Root    string    `cbor:"root,omitempty" json:"root,omitempty"`
	CID     string    `cbor:"cid,omitempty" json:"cid,omitempty"`
	Digest  string    `cbor:"digest,omitempty" json:"digest,omitempty"`
	Error   string    `cbor:"error,omitempty" json:"error,omitempty"`
}

// OK reports whether the record describes an acknowledged upload.
func (r Record) OK() bool { return r.Error == "" }

// Journal persists records in BoltDB.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal at cfg.Path.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "journal.Open", "", fmt.Errorf("path is required"))
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindResource, "journal.Open", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketAddresses} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.KindResource, "journal.Open", cfg.Path, err)
	}
	return &Journal{db: db}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores rec, assigning an ID and time when they are unset. The
// stored record is returned.
func (j *Journal) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if rec.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, xerrors.Wrap(xerrors.KindInternal, "journal.Append", rec.Path, err)
		}
		rec.ID = id
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.KindInternal, "journal.Append", rec.Path, err)
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		key := rec.ID[:]
		if err := tx.Bucket(bucketRecords).Put(key, data); err != nil {
			return err
		}
		if rec.Address == "" || !rec.OK() {
			return nil
		}
		return tx.Bucket(bucketAddresses).Put([]byte(rec.Address), key)
	})
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.KindResource, "journal.Append", rec.Path, err)
	}
	return rec, nil
}

// List returns every record, oldest first. A non-empty batch filters to
// that batch.
func (j *Journal) List(ctx context.Context, batch string) ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := decMode.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			if batch == "" || rec.Batch == batch {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindResource, "journal.List", batch, err)
	}
	return out, nil
}

// Latest returns the newest successful record for address.
func (j *Journal) Latest(ctx context.Context, address string) (Record, error) {
	var rec Record
	err := j.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketAddresses).Get([]byte(address))
		if key == nil {
			return xerrors.E(xerrors.KindNotFound, "journal.Latest", address)
		}
		data := tx.Bucket(bucketRecords).Get(key)
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "journal.Latest", address)
		}
		return decMode.Unmarshal(data, &rec)
	})
	if err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			return Record{}, err
		}
		return Record{}, xerrors.Wrap(xerrors.KindResource, "journal.Latest", address, err)
	}
	return rec, nil
}
