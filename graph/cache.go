package graph

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/maxgio92/callsig/backend"
)

// DefaultAttempts is how often a transiently failing decode is tried.
const DefaultAttempts = 3

// decodeCache memoizes decoded instructions for one extraction. Nested
// visitors share it; it is not safe for concurrent use.
type decodeCache struct {
	backend  backend.Backend
	attempts int
	entries  map[Position]backend.Instruction
}

func newDecodeCache(b backend.Backend, attempts int) *decodeCache {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	return &decodeCache{
		backend:  b,
		attempts: attempts,
		entries:  make(map[Position]backend.Instruction),
	}
}

// get decodes the instruction at pos, retrying transient failures. trace
// describes the call chain for error messages.
func (c *decodeCache) get(pos Position, trace func() string) (backend.Instruction, error) {
	if insn, ok := c.entries[pos]; ok {
		return insn, nil
	}
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		var insn backend.Instruction
		insn, err = c.backend.Disassemble(pos.Address, pos.Arch)
		if err == nil {
			c.entries[pos] = insn
			return insn, nil
		}
		if !backend.IsTransient(err) {
			break
		}
		log.WithError(err).Debugf("decode at %s failed, attempt %d/%d", pos, attempt, c.attempts)
	}
	return backend.Instruction{}, errors.Wrapf(err, "disassemble %s (call trace %s)", pos, trace())
}
