package pipeline

import (
	"context"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/models"
)

// FailureRouter 对处理失败的消息执行 重试 → 死信 状态机:
//
//	FIRST_FAILURE → RETRYING → (SUCCESS | DLQ)
//
// 分类判定由调用方提供的 RetryPredicate 完成；退避按 base × 2^attempt
// 指数增长并封顶。Resolve 在失败键组自己的执行流内同步推进状态机，
// 因此重试天然不会越过同键的后续消息——这是按键保序在失败路径上的延续。
type FailureRouter struct {
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	shouldRetry RetryPredicate
	dlq         DeadLetterSink
	metrics     MetricsSink
	logger      *core.ZapLogger
}

// NewFailureRouter 创建失败路由器。
// shouldRetry 为 nil 时使用 DefaultShouldRetry；零值参数回落到默认值。
func NewFailureRouter(
	maxRetries int,
	backoffBase, backoffMax time.Duration,
	shouldRetry RetryPredicate,
	dlq DeadLetterSink,
	metrics MetricsSink,
	logger *core.ZapLogger,
) *FailureRouter {
	if maxRetries < 0 {
		maxRetries = constants.DefaultMaxRetries
	}
	if backoffBase <= 0 {
		backoffBase = constants.DefaultRetryBackoffBase
	}
	if backoffMax <= 0 {
		backoffMax = constants.DefaultRetryBackoffMax
	}
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &FailureRouter{
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		shouldRetry: shouldRetry,
		dlq:         dlq,
		metrics:     metrics,
		logger:      logger,
	}
}

// Backoff 返回第 retryIdx 次重试 (从0计) 前的退避时长: base × 2^retryIdx, 封顶。
func (r *FailureRouter) Backoff(retryIdx int) time.Duration {
	d := r.backoffBase
	for i := 0; i < retryIdx; i++ {
		d *= 2
		if d >= r.backoffMax {
			return r.backoffMax
		}
	}
	if d > r.backoffMax {
		return r.backoffMax
	}
	return d
}

// Resolve 同步地把一条失败消息推进到终态 (成功或DLQ)。
// firstErr 是首次处理的失败原因，retry 重新执行用户处理。
// 仅当上下文在到达终态之前被取消时返回非 nil 错误——
// 此时消息未被提交，重启后依赖幂等过滤吸收重复投递。
func (r *FailureRouter) Resolve(ctx context.Context, msg *models.Message, retry func(ctx context.Context) error, firstErr error) error {
	return r.resolve(ctx, []*models.Message{msg}, retry, firstErr)
}

// ResolveGroup 以键组为重试单元推进到终态。
// 组级处理函数失败时无法归因到单条消息，因此整组一起重试，
// 重试耗尽后组内每条消息都进入死信队列。
func (r *FailureRouter) ResolveGroup(ctx context.Context, msgs []*models.Message, retry func(ctx context.Context) error, firstErr error) error {
	return r.resolve(ctx, msgs, retry, firstErr)
}

func (r *FailureRouter) resolve(ctx context.Context, msgs []*models.Message, retry func(ctx context.Context) error, firstErr error) error {
	err := firstErr
	attempt := 1 // 已执行的处理次数 (首次失败即 1)

	for {
		class := ClassOf(err)
		retries := attempt - 1

		if !r.shouldRetry(err, attempt) || retries >= r.maxRetries {
			return r.deadLetter(ctx, msgs, err, class, attempt)
		}

		delay := r.Backoff(retries)
		if r.logger != nil {
			r.logger.Warn("消息处理失败，调度重试",
				zap.String("主题(topic)", msgs[0].Topic),
				zap.Int64("偏移量(offset)", msgs[0].Offset),
				zap.String("错误分类(class)", class.String()),
				zap.Int("已尝试次数(attempt)", attempt),
				zap.Duration("退避(backoff)", delay),
				zap.Error(err),
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		for _, m := range msgs {
			r.metrics.IncRetried(m.Topic)
		}
		attempt++
		if err = retry(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// deadLetter 把消息送入死信队列并作为终态返回。
// DLQ 发送失败只记录日志，消息仍按"已处理"对待——
// 管道不能因为毒消息或DLQ不可用而永久停滞，偏移量照常提交。
func (r *FailureRouter) deadLetter(ctx context.Context, msgs []*models.Message, cause error, class ErrorClass, attempt int) error {
	for _, m := range msgs {
		if r.dlq != nil {
			if dlqErr := r.dlq.Publish(ctx, m, cause.Error(), class.String(), attempt); dlqErr != nil {
				if r.logger != nil {
					r.logger.Error("发送消息到死信队列失败，消息仍按终态处理",
						zap.String("主题(topic)", m.Topic),
						zap.Int32("分区(partition)", m.Partition),
						zap.Int64("偏移量(offset)", m.Offset),
						zap.Error(dlqErr),
					)
				}
			}
		}
		r.metrics.IncDeadLettered(m.Topic)
		if r.logger != nil {
			r.logger.Error("消息已路由到死信队列",
				zap.String("主题(topic)", m.Topic),
				zap.Int32("分区(partition)", m.Partition),
				zap.Int64("偏移量(offset)", m.Offset),
				zap.String("错误分类(class)", class.String()),
				zap.Int("总尝试次数(attempt_count)", attempt),
				zap.Error(cause),
			)
		}
	}
	return nil
}
