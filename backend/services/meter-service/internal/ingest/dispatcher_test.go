package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcessor struct {
	mu      sync.Mutex
	seen    []Message
	block   chan struct{}
	started chan struct{}
}

func (p *recordingProcessor) Process(_ context.Context, msg Message) Outcome {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.seen = append(p.seen, msg)
	p.mu.Unlock()
	return Outcome{}
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func TestDispatcherDeliversAndDrainsOnStop(t *testing.T) {
	proc := &recordingProcessor{}
	d := NewDispatcher(proc, 3, 64, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	payload := []byte(`{"pulse_count":1}`)
	for i := 0; i < 20; i++ {
		d.OnMessage("water_meter/pulse/ctrl-cold", payload)
	}
	payload[0] = 'X'

	require.Eventually(t, func() bool { return proc.count() == 20 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for _, msg := range proc.seen {
		assert.Equal(t, byte('{'), msg.Payload[0], "payload must be copied on enqueue")
		assert.False(t, msg.Received.IsZero())
	}

	// Deliveries after stop are dropped without panicking on the closed queue.
	d.OnMessage("water_meter/pulse/ctrl-cold", payload)
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{}), started: make(chan struct{}, 8)}
	d := NewDispatcher(proc, 1, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.OnMessage("t", []byte("1"))
	<-proc.started // the single worker now holds message 1

	d.OnMessage("t", []byte("2"))
	d.OnMessage("t", []byte("3"))
	d.OnMessage("t", []byte("4")) // queue holds 2 and 3, so this one is dropped

	cancel()
	close(proc.block)
	require.NoError(t, <-done)

	assert.Equal(t, 3, proc.count())
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, "1", string(proc.seen[0].Payload))
	for _, msg := range proc.seen {
		assert.NotEqual(t, "4", string(msg.Payload))
	}
}

func TestNewDispatcherClampsSizes(t *testing.T) {
	d := NewDispatcher(&recordingProcessor{}, 0, 0, nil)
	assert.Equal(t, 1, d.workers)
	assert.Equal(t, 1, cap(d.queue))
}
