package constants

import "time"

// 消费管道的默认参数。
// 配置文件中未显式给出的项，统一回落到这里的值。
const (
	DefaultBatchSize    = 100                    // 一个批次最多容纳的消息数
	DefaultBatchTimeout = 1 * time.Second        // 批次从打开到强制关闭的最长等待时间
	DefaultMaxConcurrency = 8                    // 同时处理的键组 (KeyGroup) 上限

	DefaultBackPressureThreshold = 80   // 背压暂停阈值 (百分比, 0-100)
	BackPressureResumeFactor     = 0.6  // 恢复阈值 = 暂停阈值 × 该系数 (滞回, 防抖动)
	BackPressureThresholdFloor   = 0.50 // 自适应调整时暂停阈值的下限
	BackPressureThresholdCeil    = 0.90 // 自适应调整时暂停阈值的上限
	BackPressureEWMAAlpha        = 0.2  // 批次处理时长指数加权移动平均的平滑系数
	BackPressureAdaptStep        = 0.05 // 自适应模式下每次调整暂停阈值的步长

	DefaultIdempotencyTTL        = 10 * time.Minute // 幂等键的默认存活时间
	DefaultIdempotencyMaxEntries = 100_000          // 幂等表的容量上限 (约束内存)
	IdempotencySweepInterval     = 1 * time.Minute  // 后台清理过期幂等键的周期

	DefaultMaxRetries       = 3                      // 单条消息业务处理的最大重试次数
	DefaultRetryBackoffBase = 200 * time.Millisecond // 重试退避基数: base × 2^attempt
	DefaultRetryBackoffMax  = 30 * time.Second       // 重试退避的封顶值

	DefaultGracefulShutdownTimeout = 30 * time.Second // 优雅关闭时等待在途键组排空的时限

	MemoryMonitorInterval = 5 * time.Second // 内存压力采样周期
	MemoryShrinkFactor    = 0.5             // 内存告警水位之上批次大小的收缩系数

	// 幂等键默认从该消息头提取；头不存在时退回到消息Key。
	IdempotencyHeaderKey = "x-idempotency-key"
)
