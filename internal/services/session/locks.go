package session

import (
	"sync"

	"github.com/spaolacci/murmur3"

	"cipherfan/internal/domain"
)

const lockStripes = 256

// lockTable serialises operations per session key. Keys are hashed onto a
// fixed set of mutexes, so two sessions may occasionally share a stripe but
// one session never runs two operations at once.
type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

func (t *lockTable) stripe(addr domain.DeviceAddress) *sync.Mutex {
	h := murmur3.Sum32([]byte(addr.String()))
	return &t.stripes[h%lockStripes]
}

// lock acquires the stripe for addr and returns its unlock func.
func (t *lockTable) lock(addr domain.DeviceAddress) func() {
	m := t.stripe(addr)
	m.Lock()
	return m.Unlock
}
