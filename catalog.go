package cbt

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Record describes one completed export run.
type Record struct {
	ID       ulid.ULID     `cbor:"1,keyasint" json:"id"`
	Export   string        `cbor:"2,keyasint" json:"export"`
	Address  string        `cbor:"3,keyasint" json:"address"`
	Size     int64         `cbor:"4,keyasint" json:"size"`
	Blocks   int           `cbor:"5,keyasint" json:"blocks"`
	Bytes    int64         `cbor:"6,keyasint" json:"bytes"`
	Object   string        `cbor:"7,keyasint" json:"object"`
	Bitmap   string        `cbor:"8,keyasint" json:"bitmap"`
	Manifest string        `cbor:"9,keyasint" json:"manifest"`
	Format   string        `cbor:"10,keyasint" json:"format"`
	Parent   ulid.ULID     `cbor:"11,keyasint" json:"parent"`
	Created  time.Time     `cbor:"12,keyasint" json:"created_at"`
	Duration time.Duration `cbor:"13,keyasint" json:"duration"`
	Entropy  float64       `cbor:"14,keyasint" json:"entropy"`
}

// HasParent reports whether the run builds on an earlier one.
func (r *Record) HasParent() bool {
	return r.Parent != (ulid.ULID{})
}

var recordsBucket = []byte("records")

const recordCacheSize = 256

var recordEncoding = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

// Catalog indexes export runs by ID. Records are stored CBOR encoded in a
// bbolt database and cached once decoded.
type Catalog struct {
	log   hclog.Logger
	db    *bbolt.DB
	cache *lru.Cache[ulid.ULID, *Record]
}

func OpenCatalog(log hclog.Logger, path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cache, err := lru.New[ulid.ULID, *Record](recordCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{
		log:   log.Named("catalog"),
		db:    db,
		cache: cache,
	}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Put(rec *Record) error {
	if rec.ID == (ulid.ULID{}) {
		return errors.New("record has no id")
	}

	data, err := recordEncoding.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding record %s", rec.ID)
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(rec.ID[:], data)
	})
	if err != nil {
		return errors.Wrapf(err, "storing record %s", rec.ID)
	}

	dup := *rec
	c.cache.Add(rec.ID, &dup)

	c.log.Debug("stored record", "id", rec.ID, "export", rec.Export, "blocks", rec.Blocks)

	return nil
}

// decode must be called with a transaction open; v is only valid inside it.
func (c *Catalog) decode(id ulid.ULID, v []byte) (*Record, error) {
	if rec, ok := c.cache.Get(id); ok {
		return rec, nil
	}

	var rec Record
	if err := cbor.Unmarshal(v, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding record %s", id)
	}

	c.cache.Add(id, &rec)

	return &rec, nil
}

func (c *Catalog) Get(id ulid.ULID) (*Record, error) {
	var out *Record

	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(id[:])
		if v == nil {
			return errors.Wrapf(ErrNotFound, "record %s", id)
		}

		rec, err := c.decode(id, v)
		if err != nil {
			return err
		}

		dup := *rec
		out = &dup

		return nil
	})

	return out, err
}

// List returns every record, oldest first.
func (c *Catalog) List() ([]*Record, error) {
	var out []*Record

	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			rec, err := c.decode(ulid.ULID(k), v)
			if err != nil {
				return err
			}

			dup := *rec
			out = append(out, &dup)

			return nil
		})
	})

	return out, err
}

// Latest returns the newest record for export.
func (c *Catalog) Latest(export string) (*Record, error) {
	var out *Record

	err := c.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(recordsBucket).Cursor()

		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			rec, err := c.decode(ulid.ULID(k), v)
			if err != nil {
				return err
			}

			if rec.Export == export {
				dup := *rec
				out = &dup
				return nil
			}
		}

		return errors.Wrapf(ErrNotFound, "no records for export %s", export)
	})

	return out, err
}

func (c *Catalog) Delete(id ulid.ULID) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		buk := tx.Bucket(recordsBucket)
		if buk.Get(id[:]) == nil {
			return errors.Wrapf(ErrNotFound, "record %s", id)
		}

		return buk.Delete(id[:])
	})
	if err != nil {
		return err
	}

	c.cache.Remove(id)

	return nil
}
