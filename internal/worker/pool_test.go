package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/pluginsdk"
)

type recvInfoFunc func(ctx *pluginsdk.Context, item *data.Item) ([]*data.Item, error)

type fakePlugin struct {
	pluginsdk.BasePlugin
	fn recvInfoFunc
}

func (f *fakePlugin) RecvInfo(ctx *pluginsdk.Context, item *data.Item) ([]*data.Item, error) {
	return f.fn(ctx, item)
}

func newItem(t *testing.T) *data.Item {
	t.Helper()
	return data.New(data.KindResource, "ipv4", map[string]any{"address": "127.0.0.1"})
}

func TestPoolInlineWhenMaxProcessNonPositive(t *testing.T) {
	p := NewPool(0, 0)
	defer p.GracefulStop(time.Second)

	called := false
	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, item *data.Item) ([]*data.Item, error) {
		called = true
		return nil, nil
	}}

	res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
	assert.True(t, called)
	assert.Nil(t, res.Err)
}

func TestPoolRunsCallOnWorkerGoroutine(t *testing.T) {
	p := NewPool(2, 0)
	defer p.GracefulStop(time.Second)

	item := newItem(t)
	child := newItem(t)
	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		return []*data.Item{child}, nil
	}}

	res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: item})
	require.Nil(t, res.Err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, child, res.Items[0])
}

func TestPoolCapturesPluginError(t *testing.T) {
	p := NewPool(1, 0)
	defer p.GracefulStop(time.Second)

	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		return nil, errors.New("boom")
	}}

	res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
	require.NotNil(t, res.Err)
	assert.Equal(t, "error", res.Err.Kind)
	assert.Contains(t, res.Err.Message, "boom")
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool(1, 0)
	defer p.GracefulStop(time.Second)

	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		panic("plugin exploded")
	}}

	res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "plugin exploded")
	assert.NotEmpty(t, res.Err.Traceback)
}

func TestPoolCapturesWarningsOnSuccess(t *testing.T) {
	p := NewPool(1, 0)
	defer p.GracefulStop(time.Second)

	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		ctx.Warn("first warning")
		ctx.Warn("second warning")
		return nil, nil
	}}

	res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
	require.Nil(t, res.Err)
	assert.Equal(t, []string{"first warning", "second warning"}, res.Warnings)
}

func TestPoolCapturesWarningsRecordedBeforeAPanic(t *testing.T) {
	p := NewPool(1, 0)
	defer p.GracefulStop(time.Second)

	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		ctx.Warn("warned before exploding")
		panic("plugin exploded")
	}}

	res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
	require.NotNil(t, res.Err)
	assert.Equal(t, []string{"warned before exploding"}, res.Warnings)
}

func TestPoolRespectsContextCancellationWhileQueued(t *testing.T) {
	// A pool with zero buffer capacity on a blocked worker cannot be built
	// directly (queue size is fixed internally), so instead verify that an
	// already-cancelled context is honored rather than blocking forever.
	p := NewPool(1, 0)
	defer p.GracefulStop(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		return nil, nil
	}}

	// Saturate the single worker first so the next submission has to wait
	// on the queue/respond select and observes the cancellation.
	block := make(chan struct{})
	blocker := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		<-block
		return nil, nil
	}}
	go func() {
		p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: blocker, Item: newItem(t)})
	}()
	time.Sleep(20 * time.Millisecond)

	res := p.Submit(ctx, Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
	close(block)
	require.NotNil(t, res.Err)
	assert.Equal(t, "context", res.Err.Kind)
}

func TestPoolRecyclesAfterRefreshThreshold(t *testing.T) {
	p := NewPool(1, 2)
	defer p.GracefulStop(time.Second)

	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		return nil, nil
	}}
	for i := 0; i < 5; i++ {
		res := p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})
		require.Nil(t, res.Err)
	}
}

func TestPoolGracefulStopDrainsQueue(t *testing.T) {
	p := NewPool(1, 0)

	done := make(chan struct{})
	plugin := &fakePlugin{fn: func(ctx *pluginsdk.Context, it *data.Item) ([]*data.Item, error) {
		close(done)
		return nil, nil
	}}
	go p.Submit(context.Background(), Call{Context: &pluginsdk.Context{}, Plugin: plugin, Item: newItem(t)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("call never ran")
	}
	p.GracefulStop(time.Second)
}

func TestPoolHardStopReturnsWithoutHanging(t *testing.T) {
	p := NewPool(2, 0)
	p.HardStop(time.Second)
}
