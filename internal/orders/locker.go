package orders

import "sync"

// Locker hands out one mutex per key. Entries are reference counted and
// dropped when the last holder unlocks, so the map only holds keys that
// are locked or waited on.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the function that releases it.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()

			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// CustomerKey and OrderKey namespace lock keys. A unit of work that needs
// both always takes the customer key first.
func CustomerKey(phone string) string { return "customer:" + phone }

func OrderKey(id string) string { return "order:" + id }
