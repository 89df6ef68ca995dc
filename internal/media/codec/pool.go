package codec

import (
	"bytes"
	"sync"
)

// bufferPool pools bytes.Buffer instances for JPEG encoding, grounded on
// LanternOps-breeze's desktop.bufferPool.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 512*1024 {
		return
	}
	bufferPool.Put(buf)
}
