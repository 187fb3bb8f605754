package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMutexMapSerializesSameKey(t *testing.T) {
	m := NewMutexMap()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("edition-1")
			defer m.Unlock("edition-1")
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len())
}

func TestMutexMapIndependentKeys(t *testing.T) {
	m := NewMutexMap()
	m.Lock("a")
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	<-done
	assert.Equal(t, 1, m.Len())
	m.Unlock("a")
	assert.Equal(t, 0, m.Len())
}

func TestMutexMapDropsReleasedKeys(t *testing.T) {
	m := NewMutexMap()
	for i := 0; i < 100; i++ {
		key := "task:" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		m.Lock(key)
		m.Unlock(key)
	}
	assert.Equal(t, 0, m.Len())
}

func TestMutexMapKeepsKeyWhileWaiterQueued(t *testing.T) {
	m := NewMutexMap()
	m.Lock("edition-1")
	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		m.Lock("edition-1")
		close(acquired)
		<-release
		m.Unlock("edition-1")
	}()

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.mutexes["edition-1"]
		return ok && e.refs == 2
	}, time.Second, time.Millisecond)

	m.Unlock("edition-1")
	<-acquired
	assert.Equal(t, 1, m.Len())
	close(release)
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
}
