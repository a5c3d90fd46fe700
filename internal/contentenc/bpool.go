package contentenc

import (
	"sync"
)

// chunkPool recycles the transfer buffers of pump(). Every buffer is
// chunkSize long. Pointers are pooled so Put does not allocate.
type chunkPool struct {
	pool sync.Pool
}

func newChunkPool(chunkSize int) *chunkPool {
	return &chunkPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, chunkSize)
				return &buf
			},
		},
	}
}

func (p *chunkPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *chunkPool) Put(buf *[]byte) {
	p.pool.Put(buf)
}
