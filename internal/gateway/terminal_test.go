package gateway

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu     sync.Mutex
	chunks []string
}

func (s *sinkRecorder) record(text string) {
	s.mu.Lock()
	s.chunks = append(s.chunks, text)
	s.mu.Unlock()
}

func (s *sinkRecorder) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func TestHasControlChar(t *testing.T) {
	assert.True(t, hasControlChar("ls\r"))
	assert.True(t, hasControlChar("\x03"))
	assert.True(t, hasControlChar("\x1b[A"))
	assert.True(t, hasControlChar("a\tb"))
	assert.False(t, hasControlChar("plain text"))
}

func TestCoalescerFlushesOnControlChar(t *testing.T) {
	rec := &sinkRecorder{}
	ic := newInputCoalescer(rec.record)

	ic.add("ls -la")
	assert.Equal(t, 0, rec.count())

	ic.add("\r")
	assert.Equal(t, "ls -la\r", rec.joined())
}

func TestCoalescerFlushesOnIdle(t *testing.T) {
	rec := &sinkRecorder{}
	ic := newInputCoalescer(rec.record)

	ic.add("abc")
	require.Eventually(t, func() bool {
		return rec.joined() == "abc"
	}, time.Second, 5*time.Millisecond)
}

func TestCoalescerFlushesOnBurst(t *testing.T) {
	rec := &sinkRecorder{}
	ic := newInputCoalescer(rec.record)

	ic.add(strings.Repeat("x", inputFlushBurst))
	assert.Equal(t, strings.Repeat("x", inputFlushBurst), rec.joined())
}

func TestCoalescerChunksLargeFlushes(t *testing.T) {
	rec := &sinkRecorder{}
	ic := newInputCoalescer(rec.record)

	big := strings.Repeat("z", inputMaxChunk*2+100) + "\n"
	ic.add(big)

	assert.Equal(t, big, rec.joined())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.GreaterOrEqual(t, len(rec.chunks), 3)
	for _, chunk := range rec.chunks {
		assert.LessOrEqual(t, len(chunk), inputMaxChunk)
	}
}

func TestCoalescerCapsPendingInput(t *testing.T) {
	rec := &sinkRecorder{}
	ic := newInputCoalescer(rec.record)

	// Fill to the cap without arming the idle timer, then try to exceed it.
	ic.mu.Lock()
	ic.buf = append(ic.buf, strings.Repeat("b", inputMaxPending)...)
	ic.mu.Unlock()

	ic.add("overflow\r")
	ic.stop()

	assert.NotContains(t, rec.joined(), "overflow")
	assert.Len(t, rec.joined(), inputMaxPending)
}

func TestCoalescerAddDoesNotWaitOnSlowSink(t *testing.T) {
	rec := &sinkRecorder{}
	sinkBusy := make(chan struct{}, 4)
	release := make(chan struct{})
	ic := newInputCoalescer(func(chunk string) {
		rec.record(chunk)
		sinkBusy <- struct{}{}
		<-release
	})

	go ic.add("first\r")
	select {
	case <-sinkBusy:
	case <-time.After(time.Second):
		t.Fatal("first flush never reached the sink")
	}

	// With the sink stalled mid-write, appending more input must not block.
	done := make(chan struct{})
	go func() {
		ic.add("second")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("add blocked behind a slow sink write")
	}

	close(release)
	ic.stop()
	assert.Equal(t, "first\rsecond", rec.joined())
}

func TestCoalescerStopFlushesAndRejects(t *testing.T) {
	rec := &sinkRecorder{}
	ic := newInputCoalescer(rec.record)

	ic.add("pending")
	ic.stop()
	assert.Equal(t, "pending", rec.joined())

	ic.add("late\r")
	assert.Equal(t, "pending", rec.joined())
}
