package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/constants"
)

// BackpressureState 是背压控制器对外可见的状态快照 (仅用于指标与日志)。
type BackpressureState struct {
	ActiveUnits    int     `json:"active_units"`
	Capacity       int     `json:"capacity"`
	PauseThreshold float64 `json:"pause_threshold"`
	Paused         bool    `json:"paused"`
}

// BackpressureController 观测在途键组数量与批次处理时延，决定是否暂停接入。
//
// 状态机只有 ACTIVE / PAUSED 两态:
//   - 暂停: activeUnits/capacity ≥ pauseThreshold
//   - 恢复: 比率回落到 pauseThreshold × 0.6 以下 (滞回, 防止在单个决策周期内抖动)
//
// 暂停/恢复的唯一外部副作用是回调接入层 (Kafka层将其映射为 PauseAll/ResumeAll)。
// 所有状态由同一把锁保护: 暂停与恢复的决策永远不会由两个执行流同时做出。
//
// 自适应模式 (可选): 维护批次处理时长的指数加权移动平均，
// 显著高于目标时延时收紧暂停阈值，显著低于时放宽，始终限制在 [50%, 90%]。
type BackpressureController struct {
	mu sync.Mutex

	capacity    int
	active      int
	paused      bool
	forcePaused bool // 内存临界水位触发的强制暂停，不受比率控制
	pausedSince time.Time

	pauseThreshold float64

	adaptive      bool
	targetLatency time.Duration
	ewmaNs        float64 // 批次处理时长的EWMA (纳秒)

	onPause  func()
	onResume func()

	// forceGate 在强制暂停期间关闭，BeforeDispatch 阻塞在其上
	forceGate chan struct{}

	metrics MetricsSink
	logger  *core.ZapLogger
}

// NewBackpressureController 创建背压控制器。
// thresholdPercent 取 0-100，零值回落到默认 80；
// onPause/onResume 由接入层提供，可以为 nil。
func NewBackpressureController(
	capacity int,
	thresholdPercent int,
	adaptive bool,
	targetLatency time.Duration,
	onPause, onResume func(),
	metrics MetricsSink,
	logger *core.ZapLogger,
) *BackpressureController {
	if capacity <= 0 {
		capacity = constants.DefaultMaxConcurrency
	}
	if thresholdPercent <= 0 || thresholdPercent > 100 {
		thresholdPercent = constants.DefaultBackPressureThreshold
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	gate := make(chan struct{})
	close(gate)
	return &BackpressureController{
		capacity:       capacity,
		pauseThreshold: float64(thresholdPercent) / 100.0,
		adaptive:       adaptive,
		targetLatency:  targetLatency,
		onPause:        onPause,
		onResume:       onResume,
		forceGate:      gate,
		metrics:        metrics,
		logger:         logger,
	}
}

// BeforeDispatch 在批次进入调度前调用。
// 正常背压只作用于接入侧 (暂停拉取)，不阻塞调度——调度的消耗正是解除背压的途径；
// 只有内存临界水位触发的强制暂停才会把调度也拦在这里。
func (c *BackpressureController) BeforeDispatch(ctx context.Context) error {
	for {
		c.mu.Lock()
		gate := c.forceGate
		forced := c.forcePaused
		c.mu.Unlock()

		if !forced {
			return nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AfterDispatch 在一个批次的全部键组到达终态后调用，d 为批次处理时长。
// 自适应模式在这里根据EWMA调整暂停阈值。
func (c *BackpressureController) AfterDispatch(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ewmaNs == 0 {
		c.ewmaNs = float64(d.Nanoseconds())
	} else {
		alpha := constants.BackPressureEWMAAlpha
		c.ewmaNs = (1-alpha)*c.ewmaNs + alpha*float64(d.Nanoseconds())
	}

	if !c.adaptive || c.targetLatency <= 0 {
		return
	}

	target := float64(c.targetLatency.Nanoseconds())
	old := c.pauseThreshold
	switch {
	case c.ewmaNs > 1.5*target:
		c.pauseThreshold -= constants.BackPressureAdaptStep
		if c.pauseThreshold < constants.BackPressureThresholdFloor {
			c.pauseThreshold = constants.BackPressureThresholdFloor
		}
	case c.ewmaNs < 0.5*target:
		c.pauseThreshold += constants.BackPressureAdaptStep
		if c.pauseThreshold > constants.BackPressureThresholdCeil {
			c.pauseThreshold = constants.BackPressureThresholdCeil
		}
	}
	if c.pauseThreshold != old && c.logger != nil {
		c.logger.Info("自适应背压已调整暂停阈值",
			zap.Float64("原阈值(old_threshold)", old),
			zap.Float64("新阈值(new_threshold)", c.pauseThreshold),
			zap.Duration("批次时延EWMA(ewma)", time.Duration(c.ewmaNs)),
			zap.Duration("目标时延(target)", c.targetLatency),
		)
	}
	c.recomputeLocked()
}

// GroupStarted 由调度器在一个键组开始处理时调用。
func (c *BackpressureController) GroupStarted() {
	c.mu.Lock()
	c.active++
	c.metrics.SetInFlight(c.active)
	c.recomputeLocked()
	c.mu.Unlock()
}

// GroupFinished 由调度器在一个键组到达终态后调用。
func (c *BackpressureController) GroupFinished() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.metrics.SetInFlight(c.active)
	c.recomputeLocked()
	c.mu.Unlock()
}

// ForcePause 由内存监控调用: 超过临界水位时无条件暂停，压力解除后撤销。
func (c *BackpressureController) ForcePause(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forcePaused == on {
		return
	}
	c.forcePaused = on
	if on {
		c.forceGate = make(chan struct{})
	} else {
		close(c.forceGate)
	}
	c.recomputeLocked()
}

// recomputeLocked 重新判定 ACTIVE/PAUSED。调用方必须持有锁。
func (c *BackpressureController) recomputeLocked() {
	ratio := float64(c.active) / float64(c.capacity)
	resumeThreshold := c.pauseThreshold * constants.BackPressureResumeFactor

	switch {
	case !c.paused && (c.forcePaused || ratio >= c.pauseThreshold):
		c.paused = true
		c.pausedSince = time.Now()
		c.metrics.SetPaused(true)
		if c.logger != nil {
			c.logger.Warn("背压触发: 暂停消息接入",
				zap.Int("在途键组(active_units)", c.active),
				zap.Int("容量(capacity)", c.capacity),
				zap.Float64("暂停阈值(pause_threshold)", c.pauseThreshold),
				zap.Bool("强制暂停(force_paused)", c.forcePaused),
			)
		}
		if c.onPause != nil {
			c.onPause()
		}
	case c.paused && !c.forcePaused && ratio <= resumeThreshold:
		c.paused = false
		pausedFor := time.Since(c.pausedSince)
		c.metrics.SetPaused(false)
		c.metrics.AddPausedDuration(pausedFor)
		if c.logger != nil {
			c.logger.Info("背压解除: 恢复消息接入",
				zap.Int("在途键组(active_units)", c.active),
				zap.Float64("恢复阈值(resume_threshold)", resumeThreshold),
				zap.Duration("暂停时长(paused_for)", pausedFor),
			)
		}
		if c.onResume != nil {
			c.onResume()
		}
	}
}

// Paused 返回当前是否处于暂停状态。
func (c *BackpressureController) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Snapshot 返回状态快照，仅供指标与日志使用，不得用于暂停决策。
func (c *BackpressureController) Snapshot() BackpressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BackpressureState{
		ActiveUnits:    c.active,
		Capacity:       c.capacity,
		PauseThreshold: c.pauseThreshold,
		Paused:         c.paused,
	}
}
