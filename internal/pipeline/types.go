package pipeline

import (
	"context"
	"time"

	"github.com/Xushengqwer/consume_engine/internal/models"
)

// HandlerFunc 是单条消息的用户处理函数。
// 返回 nil 表示处理成功；返回错误时按 ErrorClass 分类进入重试或死信队列。
type HandlerFunc func(ctx context.Context, msg *models.Message) error

// BatchHandlerFunc 是按键组整体处理的用户处理函数。
// 同一键组内的消息按到达顺序一次性交给处理函数；失败时整组作为重试单元。
type BatchHandlerFunc func(ctx context.Context, msgs []*models.Message) error

// KeyExtractor 从消息中提取幂等去重键。返回空字符串表示该消息不参与去重。
type KeyExtractor func(msg *models.Message) string

// GroupKeyFunc 从消息中提取批次分组键。
type GroupKeyFunc func(msg *models.Message) string

// CommitFunc 在消息到达终态 (成功或已进入DLQ) 后由管道回调，
// 用于在外部偏移量存储中标记该消息。实现必须幂等且只能单调前进；
// 标记真正落盘由批次级的提交回调 (Options.CommitFlush) 触发。
type CommitFunc func(msg *models.Message)

// DeadLetterSink 是死信目的地的抽象。
// attemptCount 为用户处理函数被调用的总次数 (含首次)。
type DeadLetterSink interface {
	Publish(ctx context.Context, msg *models.Message, failureReason string, failureClass string, attemptCount int) error
}

// MetricsSink 是指标出口的抽象。
// 管道只通过该接口上报，不直接依赖具体的指标实现。
type MetricsSink interface {
	IncProcessed(topic string)
	IncDuplicate(topic string)
	IncErrored(topic string)
	IncRetried(topic string)
	IncDeadLettered(topic string)
	ObserveBatchDuration(d time.Duration)
	SetInFlight(n int)
	SetPaused(paused bool)
	AddPausedDuration(d time.Duration)
	Healthy() bool
}

// NoopMetrics 是 MetricsSink 的空实现，用于测试或关闭指标采集的场景。
type NoopMetrics struct{}

func (NoopMetrics) IncProcessed(string)                {}
func (NoopMetrics) IncDuplicate(string)                {}
func (NoopMetrics) IncErrored(string)                  {}
func (NoopMetrics) IncRetried(string)                  {}
func (NoopMetrics) IncDeadLettered(string)             {}
func (NoopMetrics) ObserveBatchDuration(time.Duration) {}
func (NoopMetrics) SetInFlight(int)                    {}
func (NoopMetrics) SetPaused(bool)                     {}
func (NoopMetrics) AddPausedDuration(time.Duration)    {}
func (NoopMetrics) Healthy() bool                      { return true }
