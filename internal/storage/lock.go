package storage

import "sync"

// keyLocks hands out one RWMutex per file path. Entries are reference
// counted and dropped when the last holder releases them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	rw   sync.RWMutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) acquire(path string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[path]
	if !ok {
		l = &keyLock{}
		k.locks[path] = l
	}
	l.refs++
	return l
}

func (k *keyLocks) release(path string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, path)
	}
}

// lock takes the exclusive lock for path and returns its release func.
func (k *keyLocks) lock(path string) func() {
	l := k.acquire(path)
	l.rw.Lock()
	return func() {
		l.rw.Unlock()
		k.release(path, l)
	}
}

// rlock takes a shared lock for path and returns its release func.
func (k *keyLocks) rlock(path string) func() {
	l := k.acquire(path)
	l.rw.RLock()
	return func() {
		l.rw.RUnlock()
		k.release(path, l)
	}
}

func (k *keyLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
