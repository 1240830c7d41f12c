package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackpressureController_PauseResumeHysteresis(t *testing.T) {
	var pauses, resumes atomic.Int32
	c := NewBackpressureController(10, 80, false, 0,
		func() { pauses.Add(1) },
		func() { resumes.Add(1) },
		nil, nil,
	)

	// 爬升到 7/10 = 70%: 低于 80% 阈值, 不暂停
	for i := 0; i < 7; i++ {
		c.GroupStarted()
	}
	assert.False(t, c.Paused())
	assert.Equal(t, int32(0), pauses.Load())

	// 8/10 = 80%: 达到阈值, 暂停一次
	c.GroupStarted()
	assert.True(t, c.Paused())
	assert.Equal(t, int32(1), pauses.Load())

	// 继续爬升不重复触发暂停回调
	c.GroupStarted()
	assert.Equal(t, int32(1), pauses.Load())

	// 回落到 5/10 = 50%: 仍高于恢复阈值 80%×0.6 = 48%, 保持暂停
	for i := 0; i < 4; i++ {
		c.GroupFinished()
	}
	assert.True(t, c.Paused(), "滞回: 比率在暂停与恢复阈值之间时保持暂停")
	assert.Equal(t, int32(0), resumes.Load())

	// 4/10 = 40% ≤ 48%: 恢复
	c.GroupFinished()
	assert.False(t, c.Paused())
	assert.Equal(t, int32(1), resumes.Load())
	assert.Equal(t, int32(1), pauses.Load(), "整个过程只发生一次暂停")
}

func TestBackpressureController_SnapshotReflectsState(t *testing.T) {
	c := NewBackpressureController(4, 75, false, 0, nil, nil, nil, nil)

	c.GroupStarted()
	s := c.Snapshot()
	assert.Equal(t, 1, s.ActiveUnits)
	assert.Equal(t, 4, s.Capacity)
	assert.InDelta(t, 0.75, s.PauseThreshold, 1e-9)
	assert.False(t, s.Paused)
}

func TestBackpressureController_ForcePauseBlocksDispatch(t *testing.T) {
	c := NewBackpressureController(10, 80, false, 0, nil, nil, nil, nil)

	require.NoError(t, c.BeforeDispatch(context.Background()), "未暂停时调度不被阻塞")

	c.ForcePause(true)
	assert.True(t, c.Paused(), "强制暂停立即生效, 与比率无关")

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- c.BeforeDispatch(context.Background())
	}()

	select {
	case <-unblocked:
		t.Fatal("强制暂停期间调度不应放行")
	case <-time.After(50 * time.Millisecond):
	}

	c.ForcePause(false)
	select {
	case err := <-unblocked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("解除强制暂停后调度应被放行")
	}
}

func TestBackpressureController_ForcePauseCancelledContext(t *testing.T) {
	c := NewBackpressureController(10, 80, false, 0, nil, nil, nil, nil)
	c.ForcePause(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.BeforeDispatch(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("上下文取消后 BeforeDispatch 应返回")
	}
}

func TestBackpressureController_AdaptiveTightensUnderHighLatency(t *testing.T) {
	c := NewBackpressureController(10, 80, true, 100*time.Millisecond, nil, nil, nil, nil)

	// 持续高于目标时延 1.5 倍: 阈值逐步收紧并停在下限
	for i := 0; i < 20; i++ {
		c.AfterDispatch(time.Second)
	}
	s := c.Snapshot()
	assert.InDelta(t, 0.50, s.PauseThreshold, 1e-9, "阈值收紧不应越过下限")
}

func TestBackpressureController_AdaptiveRelaxesUnderLowLatency(t *testing.T) {
	c := NewBackpressureController(10, 80, true, 100*time.Millisecond, nil, nil, nil, nil)

	// 持续低于目标时延一半: 阈值逐步放宽并停在上限
	for i := 0; i < 20; i++ {
		c.AfterDispatch(time.Millisecond)
	}
	s := c.Snapshot()
	assert.InDelta(t, 0.90, s.PauseThreshold, 1e-9, "阈值放宽不应越过上限")
}

func TestBackpressureController_NonAdaptiveThresholdStable(t *testing.T) {
	c := NewBackpressureController(10, 80, false, 100*time.Millisecond, nil, nil, nil, nil)

	for i := 0; i < 10; i++ {
		c.AfterDispatch(time.Second)
	}
	assert.InDelta(t, 0.80, c.Snapshot().PauseThreshold, 1e-9, "非自适应模式阈值保持不变")
}
