package relay

import (
	"sync"
)

// Buffer pools for reducing allocations in hot paths.
var (
	// bytesReaderPool for frame body decoding
	bytesReaderPool = sync.Pool{
		New: func() any {
			return &bytesReader{}
		},
	}

	// bytesBufferPool for frame encoding
	bytesBufferPool = sync.Pool{
		New: func() any {
			return &bytesBuffer{}
		},
	}

	// datagramPool holds receive buffers for datagram sockets
	datagramPool = sync.Pool{
		New: func() any {
			buf := make([]byte, maxDatagramSize)
			return &buf
		},
	}
)

// maxDatagramSize is the largest payload a UDP datagram can carry.
const maxDatagramSize = 65507

func getBytesReader(data []byte) *bytesReader {
	r := bytesReaderPool.Get().(*bytesReader)
	r.data = data
	r.pos = 0
	return r
}

func putBytesReader(r *bytesReader) {
	if r == nil {
		return
	}
	r.data = nil
	r.pos = 0
	bytesReaderPool.Put(r)
}

func getBytesBuffer() *bytesBuffer {
	b := bytesBufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

func putBytesBuffer(b *bytesBuffer) {
	if b == nil {
		return
	}
	// Only pool if capacity is reasonable (64KB)
	if cap(b.data) <= 65536 {
		b.data = b.data[:0]
		bytesBufferPool.Put(b)
	}
}

func getDatagramBuffer() *[]byte {
	return datagramPool.Get().(*[]byte)
}

func putDatagramBuffer(b *[]byte) {
	if b == nil {
		return
	}
	datagramPool.Put(b)
}
