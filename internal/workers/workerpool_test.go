package workers

import (
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPoolRunsAllSubmittedJobs(t *testing.T) {
	p := NewPool(2, 8)
	defer p.Stop()

	var done int32
	for i := 0; i < 20; i++ {
		p.Submit(func() { atomic.AddInt32(&done, 1) })
	}
	p.Wait()
	assert.Equal(t, atomic.LoadInt32(&done), int32(20))
}

func TestTrySubmitRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	// The single worker is blocked; one job fits the queue, the next does not.
	var ran int32
	assert.Equal(t, p.TrySubmit(func() { atomic.AddInt32(&ran, 1) }), true)
	assert.Equal(t, p.TrySubmit(func() {}), false)

	close(release)
	p.Wait()
	assert.Equal(t, atomic.LoadInt32(&ran), int32(1))
	p.Stop()
}
