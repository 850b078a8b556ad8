package locks

import "sync"

// Keyed hands out one mutex per key. The engine uses it to serialize all
// LocalStore mutations for a conversation: outbound ack commits, inbound
// merges and the localID/canonicalID mapping all take the same lock, while
// different conversations proceed in parallel.
type Keyed struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// NewKeyed creates an empty lock registry.
func NewKeyed() *Keyed {
	return &Keyed{m: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for key, creating it on first use. Mutexes are never
// removed; the key space is bounded by the number of conversations.
func (k *Keyed) Get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	return l
}

// Lock locks the mutex for key.
func (k *Keyed) Lock(key string) { k.Get(key).Lock() }

// Unlock unlocks the mutex for key.
func (k *Keyed) Unlock(key string) { k.Get(key).Unlock() }
