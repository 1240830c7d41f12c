package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/config"
	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/models"
)

// Options 注入引擎对外部协作者的依赖。
// 除 Registry 外均可为空: 空的依赖退化为空操作或默认实现。
type Options struct {
	Registry     *HandlerRegistry // 主题 → 处理函数 (必填)
	DLQ          DeadLetterSink   // 死信目的地
	Metrics      MetricsSink      // 指标出口
	Commit       CommitFunc       // 终态消息的偏移量标记回调
	CommitFlush  func()           // 批次全部标记完成后把偏移量提交到外部存储
	OnPause      func()           // 背压暂停时通知接入层停止拉取
	OnResume     func()           // 背压解除时通知接入层恢复拉取
	KeyExtractor KeyExtractor     // 幂等键提取 (默认: 头部字段, 退回消息Key)
	GroupKeyFn   GroupKeyFunc     // 批次分组键提取 (默认: 消息Key)
	ShouldRetry  RetryPredicate   // 重试判定 (默认: 校验类不重试)
}

// Engine 是消费管道的组合根:
//
//	接入 → 幂等过滤 → 按键批次聚合 → 背压门控 → 有界并发调度 → 失败路由
//
// 接入层对每条消息调用 Offer；引擎在后台把关闭的批次推给调度器。
// 关闭流程: 调用方先停止接入，再调用 Close 排空在途工作。
type Engine struct {
	cfg      config.PipelineConfig
	logger   *core.ZapLogger
	registry *HandlerRegistry
	metrics  MetricsSink

	filter     *IdempotencyFilter
	aggregator *BatchAggregator
	controller *BackpressureController
	memory     *MemoryMonitor
	dispatcher *Dispatcher

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// NewEngine 按配置组装消费引擎。注册表必须已包含全部主题的处理函数；
// 引擎构造时冻结注册表 (处理函数在启动时一次性解析成固定表)。
func NewEngine(cfg config.PipelineConfig, logger *core.ZapLogger, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("创建消费引擎失败: 必须提供处理函数注册表")
	}
	if len(opts.Registry.Topics()) == 0 {
		return nil, fmt.Errorf("创建消费引擎失败: 注册表中没有任何处理函数")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	opts.Registry.Freeze()

	filter := NewIdempotencyFilter(
		cfg.IdempotencyTTLMs*time.Millisecond,
		cfg.IdempotencyMaxEntries,
		opts.KeyExtractor,
		logger,
	)
	aggregator := NewBatchAggregator(
		cfg.BatchSize,
		cfg.BatchTimeoutMs*time.Millisecond,
		cfg.GroupByKey,
		opts.GroupKeyFn,
		logger,
	)
	controller := NewBackpressureController(
		cfg.MaxConcurrency,
		cfg.BackPressureThreshold,
		cfg.AdaptiveBackPressure,
		cfg.TargetLatencyMs*time.Millisecond,
		opts.OnPause,
		opts.OnResume,
		metrics,
		logger,
	)
	router := NewFailureRouter(
		cfg.MaxRetries,
		cfg.RetryBackoffBaseMs*time.Millisecond,
		cfg.RetryBackoffMaxMs*time.Millisecond,
		opts.ShouldRetry,
		opts.DLQ,
		metrics,
		logger,
	)
	dispatcher := NewDispatcher(
		cfg.MaxConcurrency,
		opts.Registry,
		router,
		controller,
		opts.Commit,
		opts.CommitFlush,
		metrics,
		logger,
	)
	memory := NewMemoryMonitor(cfg.MemoryWarnBytes, cfg.MemoryCriticalBytes, aggregator, controller, logger)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:            cfg,
		logger:         logger,
		registry:       opts.Registry,
		metrics:        metrics,
		filter:         filter,
		aggregator:     aggregator,
		controller:     controller,
		memory:         memory,
		dispatcher:     dispatcher,
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
		closed:         make(chan struct{}),
	}, nil
}

// Start 启动批次调度循环与内存监控。幂等，多次调用只生效一次。
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.memory.Start()
		e.wg.Add(1)
		go e.runLoop()
		if e.logger != nil {
			e.logger.Info("消费引擎已启动",
				zap.Int("批次大小(batch_size)", e.aggregator.BatchSize()),
				zap.Int("最大并发键组(max_concurrency)", e.controller.Snapshot().Capacity),
				zap.Float64("背压暂停阈值(pause_threshold)", e.controller.Snapshot().PauseThreshold),
			)
		}
	})
}

// runLoop 消费聚合器产出的批次，依次经过背压门控与调度。
// 聚合器通道关闭 (Stop) 后退出。
func (e *Engine) runLoop() {
	defer e.wg.Done()
	for batch := range e.aggregator.Batches() {
		if err := e.controller.BeforeDispatch(e.dispatchCtx); err != nil {
			e.dispatcher.unresolved.Add(int64(batch.MessageCount))
			continue
		}
		if err := e.dispatcher.DispatchBatch(e.dispatchCtx, batch); err != nil {
			if e.logger != nil {
				e.logger.Warn("批次被中断，偏移量未提交", zap.Error(err))
			}
		}
	}
}

// Offer 把一条消息送入管道。
// TTL 窗口内的重复消息在这里被拦截: 不进入用户处理，挂到当前批次上随批次确认。
// 重复消息的偏移量不能立即提交——它可能大于同分区仍在处理中的前序消息，
// 提前推进提交位点会在崩溃后丢掉那些前序消息。
func (e *Engine) Offer(msg *models.Message) error {
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}

	if !e.filter.ShouldProcess(msg) {
		e.metrics.IncDuplicate(msg.Topic)
		if e.logger != nil {
			e.logger.Debug("拦截到重复消息，随当前批次确认",
				zap.String("主题(topic)", msg.Topic),
				zap.Int32("分区(partition)", msg.Partition),
				zap.Int64("偏移量(offset)", msg.Offset),
			)
		}
		return e.aggregator.OfferAcked(msg)
	}
	return e.aggregator.Offer(msg)
}

// Paused 返回背压控制器当前是否处于暂停状态 (供接入层查询)。
func (e *Engine) Paused() bool {
	return e.controller.Paused()
}

// BackpressureState 返回背压状态快照，仅用于指标与日志。
func (e *Engine) BackpressureState() BackpressureState {
	return e.controller.Snapshot()
}

// Close 优雅关闭引擎。调用方必须已停止接入 (不再调用 Offer)。
// 当前批次被立即排空，在途键组在宽限时限内排空；超时后强制取消剩余工作，
// 并以 ErrShutdownTimeout 报告未到达终态的消息数——这些消息未被提交，
// 重启后会被重新投递，由幂等过滤器吸收重复。
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)

		grace := e.cfg.GracefulShutdownTimeoutMs * time.Millisecond
		if grace <= 0 {
			grace = constants.DefaultGracefulShutdownTimeout
		}
		if e.logger != nil {
			e.logger.Info("消费引擎开始优雅关闭", zap.Duration("宽限时限(grace_timeout)", grace))
		}

		e.memory.Stop()
		e.filter.Stop()
		e.aggregator.Stop()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			if e.logger != nil {
				e.logger.Info("消费引擎已排空全部在途工作并关闭")
			}
		case <-time.After(grace):
			e.dispatchCancel()
			<-done
			unresolved := e.dispatcher.Unresolved()
			if e.logger != nil {
				e.logger.Error("优雅关闭超时，强制终止剩余工作",
					zap.Int64("未到终态的消息数(unresolved)", unresolved),
				)
			}
			err = fmt.Errorf("%w: %d 条消息将由Kafka重新投递", ErrShutdownTimeout, unresolved)
		}
		e.dispatchCancel()
	})
	return err
}
