package cbt

import (
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrInvalidManifest = errors.New("invalid manifest")

type ManifestBlock struct {
	Index int
	Sum   string
}

// Manifest is the JSON document stored next to the blocks of a run. It
// lists every exported block with its checksum so an image can be verified
// without the catalog.
type Manifest struct {
	ID        ulid.ULID
	Parent    ulid.ULID
	Export    string
	Size      int64
	BlockSize int
	Format    string
	Blocks    []ManifestBlock
}

// NewManifest builds the manifest of rec from the changed blocks and the
// sums reported by the export, which are in the same order.
func NewManifest(rec *Record, changed []int, sums []string) (*Manifest, error) {
	if len(changed) != len(sums) {
		return nil, errors.Wrapf(ErrInvalidManifest, "%d blocks but %d sums", len(changed), len(sums))
	}

	m := &Manifest{
		ID:        rec.ID,
		Parent:    rec.Parent,
		Export:    rec.Export,
		Size:      rec.Size,
		BlockSize: BlockSize,
		Format:    rec.Format,
	}

	for i, idx := range changed {
		m.Blocks = append(m.Blocks, ManifestBlock{Index: idx, Sum: sums[i]})
	}

	return m, nil
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	var (
		doc = []byte(`{}`)
		err error
	)

	set := func(d []byte, path string, v any) []byte {
		if err != nil {
			return d
		}

		d, err = sjson.SetBytes(d, path, v)
		return d
	}

	doc = set(doc, "id", m.ID.String())
	if m.Parent != (ulid.ULID{}) {
		doc = set(doc, "parent", m.Parent.String())
	}
	doc = set(doc, "export", m.Export)
	doc = set(doc, "size", m.Size)
	doc = set(doc, "block_size", m.BlockSize)
	doc = set(doc, "format", m.Format)

	if err != nil {
		return nil, errors.Wrap(err, "encoding manifest")
	}

	// Entries are encoded one at a time into a single array.
	arr := make([]byte, 0, 2+len(m.Blocks)*64)
	arr = append(arr, '[')

	for i, b := range m.Blocks {
		entry := set([]byte(`{}`), "index", b.Index)
		entry = set(entry, "sum", b.Sum)

		if err != nil {
			return nil, errors.Wrapf(err, "encoding block %d", b.Index)
		}

		if i > 0 {
			arr = append(arr, ',')
		}
		arr = append(arr, entry...)
	}

	arr = append(arr, ']')

	doc, err = sjson.SetRawBytes(doc, "blocks", arr)
	if err != nil {
		return nil, errors.Wrap(err, "encoding manifest blocks")
	}

	return doc, nil
}

func ParseManifest(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.Wrap(ErrInvalidManifest, "malformed json")
	}

	doc := gjson.ParseBytes(data)

	id, err := ulid.ParseStrict(doc.Get("id").String())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidManifest, "id: %s", err)
	}

	m := &Manifest{
		ID:        id,
		Export:    doc.Get("export").String(),
		Size:      doc.Get("size").Int(),
		BlockSize: int(doc.Get("block_size").Int()),
		Format:    doc.Get("format").String(),
	}

	if p := doc.Get("parent"); p.Exists() {
		if m.Parent, err = ulid.ParseStrict(p.String()); err != nil {
			return nil, errors.Wrapf(ErrInvalidManifest, "parent: %s", err)
		}
	}

	if m.BlockSize != BlockSize {
		return nil, errors.Wrapf(ErrInvalidManifest, "block size %d", m.BlockSize)
	}

	prev := -1

	for _, b := range doc.Get("blocks").Array() {
		idx := b.Get("index")
		if !idx.Exists() || idx.Int() <= int64(prev) {
			return nil, errors.Wrapf(ErrInvalidManifest, "block index %s out of order", idx.Raw)
		}

		prev = int(idx.Int())

		m.Blocks = append(m.Blocks, ManifestBlock{Index: prev, Sum: b.Get("sum").String()})
	}

	return m, nil
}

// Bitmap rebuilds the changed block bitmap covering the manifest's size.
func (m *Manifest) Bitmap() *Bitmap {
	bm := NewBitmap(BlocksFor(m.Size))
	for _, b := range m.Blocks {
		bm.Set(b.Index)
	}

	return bm
}
