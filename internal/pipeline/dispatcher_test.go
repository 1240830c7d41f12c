package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xushengqwer/consume_engine/internal/models"
)

// commitRecorder 记录被提交的消息偏移量。
type commitRecorder struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *commitRecorder) commit(msg *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, msg.Offset)
}

func (c *commitRecorder) committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.offsets))
	copy(out, c.offsets)
	return out
}

func newTestDispatcher(t *testing.T, registry *HandlerRegistry, dlq DeadLetterSink, commit CommitFunc, maxConcurrency int) *Dispatcher {
	t.Helper()
	return newTestDispatcherFlush(t, registry, dlq, commit, nil, maxConcurrency)
}

func newTestDispatcherFlush(t *testing.T, registry *HandlerRegistry, dlq DeadLetterSink, commit CommitFunc, commitFlush func(), maxConcurrency int) *Dispatcher {
	t.Helper()
	ctrl := NewBackpressureController(maxConcurrency, 80, false, 0, nil, nil, nil, nil)
	router := NewFailureRouter(2, time.Millisecond, 10*time.Millisecond, nil, dlq, nil, nil)
	return NewDispatcher(maxConcurrency, registry, router, ctrl, commit, commitFlush, nil, nil)
}

func singleGroupBatch(key string, msgs ...*models.Message) *Batch {
	return &Batch{
		Groups:       map[string]*KeyGroup{key: {Key: key, Messages: msgs}},
		Order:        []string{key},
		OpenedAt:     time.Now(),
		MessageCount: len(msgs),
	}
}

func multiGroupBatch(groups map[string][]*models.Message, order []string) *Batch {
	b := &Batch{Groups: make(map[string]*KeyGroup), Order: order, OpenedAt: time.Now()}
	for key, msgs := range groups {
		b.Groups[key] = &KeyGroup{Key: key, Messages: msgs}
		b.MessageCount += len(msgs)
	}
	return b
}

func TestDispatcher_PerKeyOrdering(t *testing.T) {
	var mu sync.Mutex
	var processed []int64

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(_ context.Context, msg *models.Message) error {
		mu.Lock()
		processed = append(processed, msg.Offset)
		mu.Unlock()
		return nil
	}))

	d := newTestDispatcher(t, registry, nil, nil, 8)
	msgs := make([]*models.Message, 5)
	for i := range msgs {
		msgs[i] = testMessage("orders", int64(i), "key-a")
	}

	require.NoError(t, d.DispatchBatch(context.Background(), singleGroupBatch("key-a", msgs...)))
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, processed, "同键组内消息严格按到达顺序处理")
}

func TestDispatcher_CrossKeyParallelism(t *testing.T) {
	// 两个键组的处理函数互相等待对方: 只有并行执行才能都完成
	barrier := make(chan struct{}, 2)
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(ctx context.Context, _ *models.Message) error {
		barrier <- struct{}{}
		select {
		case <-time.After(2 * time.Second):
			return errors.New("等待兄弟键组超时")
		case <-waitForBoth(barrier):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	d := newTestDispatcher(t, registry, nil, nil, 4)
	b := multiGroupBatch(map[string][]*models.Message{
		"key-a": {testMessage("orders", 1, "key-a")},
		"key-b": {testMessage("orders", 2, "key-b")},
	}, []string{"key-a", "key-b"})

	done := make(chan error, 1)
	go func() { done <- d.DispatchBatch(context.Background(), b) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "不同键组应并行处理")
	case <-time.After(3 * time.Second):
		t.Fatal("批次处理超时, 键组可能被串行化了")
	}
}

// waitForBoth 返回在 barrier 收到两个信号后关闭的通道; 超时则永不关闭。
func waitForBoth(barrier chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		deadline := time.After(2 * time.Second)
		for len(barrier) < 2 {
			select {
			case <-deadline:
				return
			case <-time.After(time.Millisecond):
			}
		}
		close(out)
	}()
	return out
}

func TestDispatcher_CommitOnlyAfterAllGroupsTerminal(t *testing.T) {
	attempts := atomic.Int32{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(_ context.Context, msg *models.Message) error {
		if msg.Offset == 2 && attempts.Add(1) == 1 {
			return Transient(errors.New("首次失败"))
		}
		return nil
	}))

	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, nil, rec.commit, 4)
	b := multiGroupBatch(map[string][]*models.Message{
		"key-a": {testMessage("orders", 1, "key-a")},
		"key-b": {testMessage("orders", 2, "key-b")},
	}, []string{"key-a", "key-b"})

	require.NoError(t, d.DispatchBatch(context.Background(), b))
	assert.ElementsMatch(t, []int64{1, 2}, rec.committed(), "重试成功后整批提交")
}

func TestDispatcher_FailedMessageRoutedToDLQThenCommitted(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(_ context.Context, msg *models.Message) error {
		if msg.Offset == 2 {
			return Validation(errors.New("负载非法"))
		}
		return nil
	}))

	sink := &captureSink{}
	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, sink, rec.commit, 4)

	b := singleGroupBatch("key-a",
		testMessage("orders", 1, "key-a"),
		testMessage("orders", 2, "key-a"),
		testMessage("orders", 3, "key-a"),
	)
	require.NoError(t, d.DispatchBatch(context.Background(), b))

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].msg.Offset)
	assert.ElementsMatch(t, []int64{1, 2, 3}, rec.committed(), "进入DLQ同样是终态, 偏移量照常提交")
}

func TestDispatcher_UnregisteredTopicGoesToDLQ(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(context.Context, *models.Message) error { return nil }))

	sink := &captureSink{}
	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, sink, rec.commit, 4)

	b := singleGroupBatch("key-a", testMessage("unknown_topic", 1, "key-a"))
	require.NoError(t, d.DispatchBatch(context.Background(), b))

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "validation", entries[0].class, "未注册主题按校验类失败处理")
	assert.Equal(t, []int64{1}, rec.committed())
}

func TestDispatcher_CancelledBatchNeverCommits(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(ctx context.Context, _ *models.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, nil, rec.commit, 4)

	ctx, cancel := context.WithCancel(context.Background())
	b := singleGroupBatch("key-a",
		testMessage("orders", 1, "key-a"),
		testMessage("orders", 2, "key-a"),
	)

	done := make(chan error, 1)
	go func() { done <- d.DispatchBatch(ctx, b) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err, "被取消的批次必须报告未到终态")
	case <-time.After(time.Second):
		t.Fatal("取消后 DispatchBatch 应返回")
	}
	assert.Empty(t, rec.committed(), "被取消的批次不提交任何偏移量")
	assert.Positive(t, d.Unresolved())
}

// 三消息场景: 同键消息 A1 首次失败后重试成功, A2 必须等 A1 到达终态;
// 另一键的 B1 不受影响。
func TestDispatcher_RetryDoesNotOvertakeSameKey(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	a1Failed := atomic.Bool{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(_ context.Context, msg *models.Message) error {
		label := fmt.Sprintf("%s@%d", string(msg.Key), msg.Offset)
		if msg.Offset == 1 && a1Failed.CompareAndSwap(false, true) {
			record(label + ":fail")
			return Transient(errors.New("瞬时失败"))
		}
		record(label + ":ok")
		return nil
	}))

	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, nil, rec.commit, 4)
	b := multiGroupBatch(map[string][]*models.Message{
		"key-a": {testMessage("orders", 1, "key-a"), testMessage("orders", 2, "key-a")},
		"key-b": {testMessage("orders", 3, "key-b")},
	}, []string{"key-a", "key-b"})

	require.NoError(t, d.DispatchBatch(context.Background(), b))

	mu.Lock()
	defer mu.Unlock()
	idxFail, idxRetryOK, idxA2 := -1, -1, -1
	for i, ev := range events {
		switch ev {
		case "key-a@1:fail":
			idxFail = i
		case "key-a@1:ok":
			idxRetryOK = i
		case "key-a@2:ok":
			idxA2 = i
		}
	}
	require.NotEqual(t, -1, idxFail)
	require.NotEqual(t, -1, idxRetryOK)
	require.NotEqual(t, -1, idxA2)
	assert.Greater(t, idxRetryOK, idxFail, "重试发生在首次失败之后")
	assert.Greater(t, idxA2, idxRetryOK, "A2 必须等 A1 重试成功后才开始")
	assert.ElementsMatch(t, []int64{1, 2, 3}, rec.committed())
}

func TestDispatcher_FlushFiresOncePerCompletedBatch(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(context.Context, *models.Message) error { return nil }))

	rec := &commitRecorder{}
	flushes := atomic.Int32{}
	d := newTestDispatcherFlush(t, registry, nil, rec.commit, func() { flushes.Add(1) }, 4)

	b := multiGroupBatch(map[string][]*models.Message{
		"key-a": {testMessage("orders", 1, "key-a")},
		"key-b": {testMessage("orders", 2, "key-b")},
	}, []string{"key-a", "key-b"})

	require.NoError(t, d.DispatchBatch(context.Background(), b))
	assert.Equal(t, int32(1), flushes.Load(), "整批标记完成后提交一次")
	assert.Len(t, rec.committed(), 2)
}

func TestDispatcher_CancelledBatchNeverFlushes(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(ctx context.Context, _ *models.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	flushes := atomic.Int32{}
	d := newTestDispatcherFlush(t, registry, nil, nil, func() { flushes.Add(1) }, 4)

	ctx, cancel := context.WithCancel(context.Background())
	b := singleGroupBatch("key-a", testMessage("orders", 1, "key-a"))

	done := make(chan error, 1)
	go func() { done <- d.DispatchBatch(ctx, b) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("取消后 DispatchBatch 应返回")
	}
	assert.Equal(t, int32(0), flushes.Load(), "未到终态的批次不提交偏移量")
}

func TestDispatcher_AckedDuplicatesCommittedWithBatch(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("orders", func(context.Context, *models.Message) error { return nil }))

	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, nil, rec.commit, 4)

	b := singleGroupBatch("key-a", testMessage("orders", 1, "key-a"))
	b.Acked = []*models.Message{testMessage("orders", 5, "key-a")}

	require.NoError(t, d.DispatchBatch(context.Background(), b))
	assert.ElementsMatch(t, []int64{1, 5}, rec.committed(), "已确认的重复消息随批次一起提交")
}

func TestDispatcher_BatchHandlerRetriesWholeGroup(t *testing.T) {
	calls := atomic.Int32{}
	registry := NewHandlerRegistry()
	require.NoError(t, registry.RegisterBatch("orders", func(_ context.Context, msgs []*models.Message) error {
		if calls.Add(1) == 1 {
			return Transient(errors.New("组级瞬时失败"))
		}
		return nil
	}))

	rec := &commitRecorder{}
	d := newTestDispatcher(t, registry, nil, rec.commit, 4)
	b := singleGroupBatch("key-a",
		testMessage("orders", 1, "key-a"),
		testMessage("orders", 2, "key-a"),
	)

	require.NoError(t, d.DispatchBatch(context.Background(), b))
	assert.Equal(t, int32(2), calls.Load(), "整组作为重试单元重新执行")
	assert.ElementsMatch(t, []int64{1, 2}, rec.committed())
}
