package cbt

import (
	"bytes"
	"crypto/sha256"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/mr-tron/base58"
)

// EmptySum is the sum of a block containing only zeros.
const EmptySum = "0"

// BlockSum returns the base58 sha256 of b, or EmptySum when b is all zeros.
func BlockSum(b []byte) string {
	if isZero(b) {
		return EmptySum
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}

func isZero(b []byte) bool {
	for len(b) > BlockSize {
		if !bytes.Equal(b[:BlockSize], emptyBlock) {
			return false
		}

		b = b[BlockSize:]
	}

	return bytes.Equal(b, emptyBlock[:len(b)])
}

// traceBlock logs the block sum, only in debug builds.
func traceBlock(log hclog.Logger, msg string, idx int, data []byte) {
	if mode.Debug() {
		log.Trace(msg, "block", idx, "offset", Offset(idx), "sum", BlockSum(data))
	}
}
