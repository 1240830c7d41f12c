package pipeline

import (
	"runtime"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/constants"
)

// MemoryMonitor 周期性采样进程堆内存，按两级水位干预管道:
//   - 告警水位: 把聚合器的批次大小乘以收缩系数 (压力解除后恢复)
//   - 临界水位: 强制暂停接入，不论背压比率
//
// 两个水位都配置为 0 时监控完全不启动。
type MemoryMonitor struct {
	warnBytes     uint64
	criticalBytes uint64
	interval      time.Duration

	aggregator *BatchAggregator
	controller *BackpressureController

	shrunk bool
	forced bool

	stopCh chan struct{}
	logger *core.ZapLogger
}

// NewMemoryMonitor 创建内存压力监控。
func NewMemoryMonitor(warnBytes, criticalBytes uint64, agg *BatchAggregator, ctrl *BackpressureController, logger *core.ZapLogger) *MemoryMonitor {
	return &MemoryMonitor{
		warnBytes:     warnBytes,
		criticalBytes: criticalBytes,
		interval:      constants.MemoryMonitorInterval,
		aggregator:    agg,
		controller:    ctrl,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// Start 启动采样循环。水位均未配置时为空操作。
func (m *MemoryMonitor) Start() {
	if m.warnBytes == 0 && m.criticalBytes == 0 {
		return
	}
	go m.loop()
}

func (m *MemoryMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryMonitor) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	alloc := stats.HeapAlloc

	// 临界水位: 强制暂停
	if m.criticalBytes > 0 {
		if alloc >= m.criticalBytes && !m.forced {
			m.forced = true
			m.controller.ForcePause(true)
			if m.logger != nil {
				m.logger.Error("内存超过临界水位，强制暂停消息接入",
					zap.Uint64("堆内存(heap_alloc)", alloc),
					zap.Uint64("临界水位(critical_bytes)", m.criticalBytes),
				)
			}
		} else if alloc < m.criticalBytes && m.forced {
			m.forced = false
			m.controller.ForcePause(false)
			if m.logger != nil {
				m.logger.Info("内存回落到临界水位之下，撤销强制暂停",
					zap.Uint64("堆内存(heap_alloc)", alloc),
				)
			}
		}
	}

	// 告警水位: 收缩批次大小
	if m.warnBytes > 0 {
		base := m.aggregator.BatchSize()
		if alloc >= m.warnBytes && !m.shrunk {
			m.shrunk = true
			shrunken := int(float64(base) * constants.MemoryShrinkFactor)
			m.aggregator.SetBatchSize(shrunken)
			if m.logger != nil {
				m.logger.Warn("内存超过告警水位，收缩批次大小",
					zap.Uint64("堆内存(heap_alloc)", alloc),
					zap.Uint64("告警水位(warn_bytes)", m.warnBytes),
					zap.Int("收缩后批次大小(shrunken_size)", shrunken),
				)
			}
		} else if alloc < m.warnBytes && m.shrunk {
			m.shrunk = false
			m.aggregator.SetBatchSize(base)
			if m.logger != nil {
				m.logger.Info("内存回落到告警水位之下，恢复批次大小",
					zap.Int("恢复后批次大小(restored_size)", base),
				)
			}
		}
	}
}

// Stop 停止采样循环。
func (m *MemoryMonitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}
