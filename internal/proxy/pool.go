package proxy

import "sync"

// relayBuffers recycles the fixed-size copy buffers used by the relay, one
// pool per listener so the buffer size follows that listener's config.
type relayBuffers struct {
	size int
	pool sync.Pool
}

func newRelayBuffers(size int) *relayBuffers {
	return &relayBuffers{size: size}
}

func (p *relayBuffers) get() []byte {
	if b, ok := p.pool.Get().(*[]byte); ok {
		return *b
	}
	return make([]byte, p.size)
}

func (p *relayBuffers) put(b []byte) {
	p.pool.Put(&b)
}
