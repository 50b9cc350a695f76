package cbt

import "sync"

// blockPool hands out BlockSize buffers shared by export, restore and merge.
type blockPool struct {
	pool sync.Pool
}

func (p *blockPool) Get() []byte {
	if v := p.pool.Get(); v != nil {
		return *(v.(*[]byte))
	}

	return make([]byte, BlockSize)
}

func (p *blockPool) Return(buf []byte) {
	buf = buf[:cap(buf)]

	if len(buf) == BlockSize {
		p.pool.Put(&buf)
	}
}

var buffers blockPool

var emptyBlock = make([]byte, BlockSize)
