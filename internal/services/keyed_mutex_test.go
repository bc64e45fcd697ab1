package services

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  int32
		overlap int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(7)
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.Zero(t, km.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock(2)
		unlockB()
		close(done)
	}()
	<-done

	assert.Equal(t, 1, km.Len())
	unlockA()
	assert.Equal(t, 0, km.Len())
}
