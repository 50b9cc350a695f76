// Package entropy estimates the Shannon entropy of byte streams, in bits per
// byte: H = -Σ P(x) * log2 P(x). Values range from 0 (a single repeated
// byte) to 8 (uniformly random data).
package entropy

import (
	"math"
)

// Incompressible is the entropy above which lz4 is unlikely to shrink a
// block enough to be worth the work.
const Incompressible = 7.5

type Estimator struct {
	frequencies [256]int
	total       int
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) Reset() {
	clear(e.frequencies[:])
	e.total = 0
}

func (e *Estimator) Write(data []byte) (int, error) {
	for _, b := range data {
		e.frequencies[b]++
	}

	e.total += len(data)

	return len(data), nil
}

// Value returns the entropy of everything written since the last Reset.
func (e *Estimator) Value() float64 {
	if e.total == 0 {
		return 0
	}

	var h float64

	for _, count := range e.frequencies {
		if count > 0 {
			p := float64(count) / float64(e.total)
			h += p * math.Log2(p)
		}
	}

	return -h
}

// Of returns the entropy of b.
func Of(b []byte) float64 {
	var e Estimator
	e.Write(b)
	return e.Value()
}
