package callsig

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/backend"
)

// Opener starts a new backend session on the binary being analyzed.
type Opener func() (backend.Backend, error)

// pool hands out backend sessions, opening new ones only when every open
// session is in use.
type pool struct {
	open Opener
	idle chan backend.Backend

	mu  sync.Mutex
	all []backend.Backend
}

func newPool(open Opener, size int) *pool {
	return &pool{open: open, idle: make(chan backend.Backend, size)}
}

func (p *pool) get() (backend.Backend, error) {
	select {
	case b := <-p.idle:
		return b, nil
	default:
	}
	b, err := p.open()
	if err != nil {
		return nil, errors.Wrap(err, "open backend")
	}
	p.mu.Lock()
	p.all = append(p.all, b)
	p.mu.Unlock()
	return b, nil
}

func (p *pool) put(b backend.Backend) {
	select {
	case p.idle <- b:
	default:
		// More sessions than slots; the extra one stays open until close.
	}
}

func (p *pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, b := range p.all {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.all = nil
	return first
}
