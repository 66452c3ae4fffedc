package server

import (
	"bytes"
	"sync"
)

// Scratch buffers for the connection task. Unrelated to package pool,
// which manages backing-store connections.

// Buffers that grew beyond this are dropped instead of recycled
const maxPoolBufferSize = 16384 // 16KB

var (
	// single reads from a connection
	chunkBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 4096)
			return &buf
		},
	}

	// accumulated header block, length 0
	requestBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 8192)
			return &buf
		},
	}

	// serialized responses
	responseBufferPool = sync.Pool{
		New: func() interface{} {
			return new(bytes.Buffer)
		},
	}
)

func getChunk() *[]byte { return chunkBufferPool.Get().(*[]byte) }

func putChunk(b *[]byte) { chunkBufferPool.Put(b) }

func getRequestBuffer() *[]byte {
	b := requestBufferPool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// putRequestBuffer recycles buf through holder unless it grew too large
func putRequestBuffer(holder *[]byte, buf []byte) {
	if cap(buf) > maxPoolBufferSize {
		return
	}
	*holder = buf[:0]
	requestBufferPool.Put(holder)
}

func getResponseBuffer() *bytes.Buffer {
	buf := responseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPoolBufferSize {
		responseBufferPool.Put(buf)
	}
}
