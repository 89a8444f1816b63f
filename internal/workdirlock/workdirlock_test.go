package workdirlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SerializesSameWorkDir(t *testing.T) {
	r := NewRegistry()
	var counter int64
	var wg sync.WaitGroup
	var maxObserved int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Lock("/shared")
			defer r.Unlock("/shared")
			n := atomic.AddInt64(&counter, 1)
			if n > atomic.LoadInt64(&maxObserved) {
				atomic.StoreInt64(&maxObserved, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&counter, -1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxObserved)
}

func TestRegistry_IndependentWorkDirsDoNotContend(t *testing.T) {
	r := NewRegistry()
	r.Lock("/a")
	done := make(chan struct{})
	go func() {
		r.Lock("/b")
		r.Unlock("/b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on /b blocked by unrelated lock on /a")
	}
	r.Unlock("/a")
}
