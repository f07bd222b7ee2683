package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ovs-container-lab/ovs-tunnel-agent/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFunc func(ctx context.Context, cmd Command) error

func (f executorFunc) Execute(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(SyncTunnels("aaaaaaaa"))
	q.Push(SetMacLocation("tapaaaaaaaa-01"))
	q.Push(SyncTunnels("aaaaaaaa"))
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []Command{SyncTunnels("aaaaaaaa"), SetMacLocation("tapaaaaaaaa-01"), SyncTunnels("aaaaaaaa")} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, q.Len())
}

func TestQueuePopWaits(t *testing.T) {
	q := NewQueue()
	done := make(chan Command)
	go func() {
		cmd, err := q.Pop(context.Background())
		if err == nil {
			done <- cmd
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(DelTunnelBridge("aaaaaaaa"))

	select {
	case cmd := <-done:
		assert.Equal(t, DelTunnelBridge("aaaaaaaa"), cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueConcurrentPush(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(SyncTunnels("aaaaaaaa"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	q := NewQueue()
	m := metrics.New()

	var mu sync.Mutex
	var executed []Command
	exec := executorFunc(func(_ context.Context, cmd Command) error {
		mu.Lock()
		executed = append(executed, cmd)
		mu.Unlock()
		switch cmd.Kind {
		case KindSyncTunnels:
			return errors.New("ovs-vsctl: timed out")
		case KindSetMacLocation:
			panic("nil map")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		NewDispatcher(q, exec, m).Run(ctx)
		close(stopped)
	}()

	q.Push(SyncTunnels("aaaaaaaa"))
	q.Push(SetMacLocation("tapaaaaaaaa-01"))
	q.Push(AddTunnelBridge("bbbbbbbb"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executed) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Equal(t, []Command{SyncTunnels("aaaaaaaa"), SetMacLocation("tapaaaaaaaa-01"), AddTunnelBridge("bbbbbbbb")}, executed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("SyncTunnels", metrics.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("SetMacLocation", metrics.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("AddTunnelBridge", metrics.ResultSuccess)))
}

func TestDispatcherWithoutMetrics(t *testing.T) {
	q := NewQueue()
	ran := make(chan Command, 1)
	exec := executorFunc(func(_ context.Context, cmd Command) error {
		ran <- cmd
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewDispatcher(q, exec, nil).Run(ctx)

	q.Push(DelMacLocation("gw-aaaaaaaa-01"))
	select {
	case cmd := <-ran:
		assert.Equal(t, DelMacLocation("gw-aaaaaaaa-01"), cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("command not executed")
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "SyncTunnels(1a2b3c4d)", SyncTunnels("1a2b3c4d").String())
	assert.Equal(t, "DelMacLocation(tap1a2b3c4d-01)", DelMacLocation("tap1a2b3c4d-01").String())
	assert.Equal(t, "Kind(0)", Kind(0).String())
}
