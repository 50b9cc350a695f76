package cbt

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

var (
	monoMu sync.Mutex
	mono   = ulid.Monotonic(rand.Reader, 2)
)

// NewRunID returns a new run identifier. IDs generated by one process sort
// in creation order.
func NewRunID() ulid.ULID {
	monoMu.Lock()
	defer monoMu.Unlock()

	return ulid.MustNew(ulid.Now(), mono)
}

func ParseRunID(s string) (ulid.ULID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return ulid.ULID{}, errors.Wrapf(err, "parsing run id %q", s)
	}

	return id, nil
}

// RunPrefix is the storage prefix holding every object of a run.
func RunPrefix(id ulid.ULID) string {
	return "runs/" + id.String() + "/"
}
