package utils

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIDSetNoDuplicates(t *testing.T) {
	s := NewIDSet()

	assert.True(t, s.Add("L1"), "first Add should return true")
	assert.False(t, s.Add("L1"), "second Add of same id should return false")
	assert.Equal(t, 1, s.Size())

	assert.True(t, s.Remove("L1"))
	assert.False(t, s.Contains("L1"))
}

func TestIDSetConcurrency(t *testing.T) {
	s := NewIDSet()
	var added int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("L-same") {
				atomic.AddInt64(&added, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), added, "expected exactly 1 successful add")
}

func TestWorkerPoolTrySubmitSkipsWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})

	assert.True(t, pool.TrySubmit(func() { <-release }))
	assert.False(t, pool.TrySubmit(func() {}), "pool is full, job must be skipped")
	assert.Equal(t, 1, pool.Busy())

	close(release)
	pool.Wait()
	assert.True(t, pool.TrySubmit(func() {}))
	pool.Wait()
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("L1")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, 0, km.Len(), "idle keys are dropped")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("B")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B blocked behind A")
	}
}
