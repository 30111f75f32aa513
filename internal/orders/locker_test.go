package orders

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocker_SerializesSameKey(t *testing.T) {
	l := NewLocker()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(OrderKey("ord-1"))
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Len())
}

func TestLocker_IndependentKeys(t *testing.T) {
	l := NewLocker()

	unlockA := l.Lock(CustomerKey("+911"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock(CustomerKey("+912"))
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewLocker()

	unlock := l.Lock("k")
	assert.Equal(t, 1, l.Len())
	unlock()
	unlock()
	assert.Equal(t, 0, l.Len())

	// The key is usable again after a double unlock.
	unlock = l.Lock("k")
	unlock()
	assert.Equal(t, 0, l.Len())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "customer:+919800000001", CustomerKey("+919800000001"))
	assert.Equal(t, "order:ord-1", OrderKey("ord-1"))
}
