package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/models"
)

// Dispatcher 把已关闭的批次交给用户处理函数执行:
//   - 不同键组之间并行，上限 maxConcurrency (信号量约束)
//   - 同一键组之内严格串行，消息 n 到达终态之前不会开始消息 n+1
//   - 键组内首个失败交给失败路由器同步解决，路由器返回终态后才继续后续消息
//   - 一个键组的失败不影响同批次的兄弟键组
//
// 批次内所有键组到达终态后才触发偏移量提交；被取消而未到终态的批次不提交。
type Dispatcher struct {
	sem         *semaphore.Weighted
	registry    *HandlerRegistry
	router      *FailureRouter
	ctrl        *BackpressureController
	commit      CommitFunc
	commitFlush func()
	metrics     MetricsSink
	logger      *core.ZapLogger

	// unresolved 统计被取消而未到达终态的消息数，供引擎在关闭时上报
	unresolved atomic.Int64
}

// NewDispatcher 创建批次调度器。
// commitFlush 在一个批次的全部偏移量标记完成后调用一次，
// 由接入层实现为把已标记的偏移量真正提交到 Broker。
func NewDispatcher(
	maxConcurrency int,
	registry *HandlerRegistry,
	router *FailureRouter,
	ctrl *BackpressureController,
	commit CommitFunc,
	commitFlush func(),
	metrics MetricsSink,
	logger *core.ZapLogger,
) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = constants.DefaultMaxConcurrency
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Dispatcher{
		sem:         semaphore.NewWeighted(int64(maxConcurrency)),
		registry:    registry,
		router:      router,
		ctrl:        ctrl,
		commit:      commit,
		commitFlush: commitFlush,
		metrics:     metrics,
		logger:      logger,
	}
}

// DispatchBatch 处理一个批次直到其中每个键组到达终态。
// 返回错误仅发生在上下文取消导致部分消息未到终态时；此时整个批次不提交。
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch *Batch) error {
	start := time.Now()

	var wg sync.WaitGroup
	var failedGroups atomic.Int64

	for _, key := range batch.Order {
		group := batch.Groups[key]
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// 取消: 尚未启动的键组整体计为未到终态
			d.unresolved.Add(int64(len(group.Messages)))
			failedGroups.Add(1)
			continue
		}
		d.ctrl.GroupStarted()
		wg.Add(1)
		go func(g *KeyGroup) {
			defer func() {
				d.ctrl.GroupFinished()
				d.sem.Release(1)
				wg.Done()
			}()
			if err := d.processGroup(ctx, g); err != nil {
				failedGroups.Add(1)
			}
		}(group)
	}
	wg.Wait()

	elapsed := time.Since(start)
	d.ctrl.AfterDispatch(elapsed)
	d.metrics.ObserveBatchDuration(elapsed)

	if n := failedGroups.Load(); n > 0 {
		// 存在未到终态的键组: 不提交任何偏移量，等待重新投递
		return fmt.Errorf("批次未完整到达终态: %d 个键组被中断: %w", n, ctx.Err())
	}

	// 全部终态: 标记批次覆盖的全部偏移量 (含已确认的重复消息)，再整体提交
	if d.commit != nil {
		for _, key := range batch.Order {
			for _, m := range batch.Groups[key].Messages {
				d.commit(m)
			}
		}
		for _, m := range batch.Acked {
			d.commit(m)
		}
	}
	if d.commitFlush != nil {
		d.commitFlush()
	}

	if d.logger != nil {
		d.logger.Debug("批次处理完成，偏移量已提交",
			zap.Int("消息数(message_count)", batch.MessageCount),
			zap.Int("已确认重复数(acked_count)", len(batch.Acked)),
			zap.Int("键组数(key_groups)", len(batch.Groups)),
			zap.Duration("处理时长(elapsed)", elapsed),
		)
	}
	return nil
}

// processGroup 串行处理一个键组。
// 返回错误表示该组被取消中断，组内剩余消息未到达终态。
func (d *Dispatcher) processGroup(ctx context.Context, group *KeyGroup) error {
	handler, resolveErr := d.registry.Resolve(group.Messages[0].Topic)
	if resolveErr != nil {
		// 未注册主题: 校验类失败，整组直接进入死信路由
		return d.failGroup(ctx, group.Messages, resolveErr)
	}

	if handler.Batch != nil {
		return d.processGroupAsBatch(ctx, group, handler.Batch)
	}

	for i, msg := range group.Messages {
		if ctx.Err() != nil {
			d.unresolved.Add(int64(len(group.Messages) - i))
			return ctx.Err()
		}

		err := handler.Single(ctx, msg)
		if err == nil {
			d.metrics.IncProcessed(msg.Topic)
			continue
		}

		d.metrics.IncErrored(msg.Topic)
		retry := func(rctx context.Context) error { return handler.Single(rctx, msg) }
		if rerr := d.router.Resolve(ctx, msg, retry, err); rerr != nil {
			// 该消息及组内剩余消息均未到终态
			d.unresolved.Add(int64(len(group.Messages) - i))
			return rerr
		}
	}
	return nil
}

// processGroupAsBatch 用组级处理函数处理整个键组，失败时整组作为重试单元。
func (d *Dispatcher) processGroupAsBatch(ctx context.Context, group *KeyGroup, fn BatchHandlerFunc) error {
	err := fn(ctx, group.Messages)
	if err == nil {
		for _, m := range group.Messages {
			d.metrics.IncProcessed(m.Topic)
		}
		return nil
	}

	for _, m := range group.Messages {
		d.metrics.IncErrored(m.Topic)
	}
	retry := func(rctx context.Context) error { return fn(rctx, group.Messages) }
	if rerr := d.router.ResolveGroup(ctx, group.Messages, retry, err); rerr != nil {
		d.unresolved.Add(int64(len(group.Messages)))
		return rerr
	}
	return nil
}

// failGroup 把整组消息按给定错误送入失败路由 (重试判定会因校验类直接DLQ)。
func (d *Dispatcher) failGroup(ctx context.Context, msgs []*models.Message, cause error) error {
	for _, m := range msgs {
		d.metrics.IncErrored(m.Topic)
	}
	retry := func(context.Context) error { return cause }
	if rerr := d.router.ResolveGroup(ctx, msgs, retry, cause); rerr != nil {
		d.unresolved.Add(int64(len(msgs)))
		return rerr
	}
	return nil
}

// Unresolved 返回因取消而未到达终态的消息总数。
func (d *Dispatcher) Unresolved() int64 {
	return d.unresolved.Load()
}
