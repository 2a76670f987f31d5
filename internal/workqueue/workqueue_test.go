package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesKeys(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 8)

	pool := New("test", 2, func(_ context.Context, key string) {
		mu.Lock()
		seen[key]++
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	defer pool.Close()

	pool.Enqueue("a")
	pool.Enqueue("b")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler never ran")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["a"])
	assert.Equal(t, 1, seen["b"])
}

func TestEnqueueDedupsQueuedKey(t *testing.T) {
	started := make(chan struct{}, 4)
	block := make(chan struct{})
	var mu sync.Mutex
	runs := 0

	pool := New("test", 1, func(_ context.Context, key string) {
		started <- struct{}{}
		<-block
		mu.Lock()
		runs++
		mu.Unlock()
	}, nil)
	defer pool.Close()

	// Wait for the first key to occupy the single worker, then the duplicates
	// of the second key collapse into one queue entry.
	pool.Enqueue("busy")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first key")
	}
	pool.Enqueue("dup")
	pool.Enqueue("dup")
	pool.Enqueue("dup")
	assert.Equal(t, 1, pool.Len())

	close(block)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueDuringRunSchedulesFollowUp(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{}, 4)
	var mu sync.Mutex
	runs := 0

	pool := New("test", 1, func(_ context.Context, key string) {
		started <- struct{}{}
		<-release
		mu.Lock()
		runs++
		mu.Unlock()
	}, nil)
	defer pool.Close()

	pool.Enqueue("k")
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}

	// A trigger landing while the handler runs must schedule one more pass.
	pool.Enqueue("k")
	release <- struct{}{}
	release <- struct{}{}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueAfterCompletionRunsAgain(t *testing.T) {
	done := make(chan string, 4)
	pool := New("test", 1, func(_ context.Context, key string) {
		done <- key
	}, nil)
	defer pool.Close()

	pool.Enqueue("k")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never happened")
	}

	pool.Enqueue("k")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second run never happened")
	}
}

func TestCloseStopsAcceptingKeys(t *testing.T) {
	ran := make(chan struct{}, 1)
	pool := New("test", 1, func(_ context.Context, key string) {
		ran <- struct{}{}
	}, nil)

	pool.Close()
	pool.Enqueue("late")

	select {
	case <-ran:
		t.Fatal("handler ran after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolBoundsParallelism(t *testing.T) {
	var mu sync.Mutex
	var active, maxActive int

	done := make(chan struct{}, 8)
	pool := New("test", 2, func(_ context.Context, key string) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	defer pool.Close()

	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		pool.Enqueue(k)
	}
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handlers stalled")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxActive, 2)
}
