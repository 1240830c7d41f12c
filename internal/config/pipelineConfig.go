package config

import "time"

// PipelineConfig 包含了消费管道的全部可调参数。
// 未设置 (零值) 的项在引擎构造时回落到 internal/constants 中的默认值。
type PipelineConfig struct {
	// --- 批次聚合 ---
	BatchSize      int           `mapstructure:"batch_size"`       // 批次内消息数上限，达到即关闭批次
	BatchTimeoutMs time.Duration `mapstructure:"batch_timeout_ms"` // 批次打开后的最长等待时间 (毫秒)
	GroupByKey     bool          `mapstructure:"group_by_key"`     // 是否按消息Key分组以保证同键顺序

	// --- 并发与背压 ---
	MaxConcurrency        int           `mapstructure:"max_concurrency"`         // 同时处理的键组上限
	BackPressureThreshold int           `mapstructure:"back_pressure_threshold"` // 背压暂停阈值 (百分比, 0-100)
	AdaptiveBackPressure  bool          `mapstructure:"adaptive_back_pressure"`  // 是否根据批次处理时延自适应调整阈值
	TargetLatencyMs       time.Duration `mapstructure:"target_latency_ms"`       // 自适应模式的目标批次处理时延 (毫秒)

	// --- 幂等过滤 ---
	IdempotencyTTLMs      time.Duration `mapstructure:"idempotency_ttl_ms"`      // 幂等键存活时间 (毫秒)
	IdempotencyMaxEntries int           `mapstructure:"idempotency_max_entries"` // 幂等表容量上限

	// --- 失败路由 (重试/DLQ) ---
	MaxRetries           int           `mapstructure:"max_retries"`             // 单条消息的最大重试次数
	RetryBackoffBaseMs   time.Duration `mapstructure:"retry_backoff_base_ms"`   // 重试退避基数 (毫秒)
	RetryBackoffMaxMs    time.Duration `mapstructure:"retry_backoff_max_ms"`    // 重试退避封顶 (毫秒)

	// --- 关闭与资源 ---
	GracefulShutdownTimeoutMs time.Duration `mapstructure:"graceful_shutdown_timeout_ms"` // 优雅关闭排空时限 (毫秒)
	MemoryWarnBytes           uint64        `mapstructure:"memory_warn_bytes"`            // 内存告警水位: 超过则收缩批次大小
	MemoryCriticalBytes       uint64        `mapstructure:"memory_critical_bytes"`        // 内存临界水位: 超过则强制暂停接入

	// --- 接入限速 (可选) ---
	IntakeRatePerSecond float64 `mapstructure:"intake_rate_per_second"` // 每秒放行的消息数, 0 表示不限速
	IntakeBurst         int     `mapstructure:"intake_burst"`           // 限速的突发容量
}
