package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Xushengqwer/consume_engine/internal/config"
	"github.com/Xushengqwer/consume_engine/internal/models"
	"github.com/Xushengqwer/consume_engine/internal/pipeline"
)

// Intake 是消费引擎的 Kafka 接入层。
// 它实现 sarama.ConsumerGroupHandler，把消费到的消息转换为内部 Message
// 后交给引擎的 Offer；背压控制器的暂停/恢复回调映射为消费者组的
// PauseAll/ResumeAll；引擎的终态回调映射为会话上的偏移量标记。
type Intake struct {
	logger *core.ZapLogger
	group  sarama.ConsumerGroup
	topics []string

	engine  *pipeline.Engine
	limiter *rate.Limiter // 可选的接入限速器, nil 表示不限速

	// 当前会话; 重平衡时会被替换, 提交回调只认最新会话
	session atomic.Pointer[sessionHolder]

	ready     chan bool
	readyOnce sync.Once
}

type sessionHolder struct {
	session sarama.ConsumerGroupSession
}

// NewIntake 创建 Kafka 接入层 (消费者组客户端在这里建立连接)。
func NewIntake(cfg config.KafkaConfig, pipelineCfg config.PipelineConfig, saramaCfg *sarama.Config, logger *core.ZapLogger) (*Intake, error) {
	if len(cfg.Topics.Sources) == 0 {
		return nil, fmt.Errorf("kafka.topics.sources 未配置任何源主题")
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroupID, saramaCfg)
	if err != nil {
		logger.Error("创建 Kafka 消费者组客户端失败",
			zap.Strings("brokers", cfg.Brokers),
			zap.String("组ID(group_id)", cfg.ConsumerGroupID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("创建消费者组客户端失败: %w", err)
	}
	logger.Info("Kafka 消费者组客户端创建成功",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("组ID(group_id)", cfg.ConsumerGroupID),
	)

	var limiter *rate.Limiter
	if pipelineCfg.IntakeRatePerSecond > 0 {
		burst := pipelineCfg.IntakeBurst
		if burst <= 0 {
			burst = int(pipelineCfg.IntakeRatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(pipelineCfg.IntakeRatePerSecond), burst)
		logger.Info("接入限速已启用",
			zap.Float64("速率(rate_per_second)", pipelineCfg.IntakeRatePerSecond),
			zap.Int("突发容量(burst)", burst),
		)
	}

	return &Intake{
		logger:  logger,
		group:   group,
		topics:  cfg.Topics.Sources,
		limiter: limiter,
		ready:   make(chan bool),
	}, nil
}

// Commit 实现引擎的偏移量标记回调: 在当前会话上标记消息已处理。
// MarkOffset 只把偏移量暂存在 Sarama 的偏移量管理器里; 自动提交已禁用,
// 真正落到 Broker 由 Flush 完成 (引擎在每个批次全部终态后调用)。
// 会话可能因重平衡被替换; 旧会话上的标记会被 Sarama 拒绝, 直接跳过即可,
// 未提交的消息会在新会话中重新投递并被幂等过滤器吸收。
func (in *Intake) Commit(msg *models.Message) {
	holder := in.session.Load()
	if holder == nil {
		return
	}
	holder.session.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
}

// Flush 实现引擎的批次提交回调: 把已标记的偏移量同步提交到 Broker。
func (in *Intake) Flush() {
	holder := in.session.Load()
	if holder == nil {
		return
	}
	holder.session.Commit()
}

// Pause 实现背压暂停回调: 停止从所有分区拉取消息 (broker级暂停)。
func (in *Intake) Pause() {
	in.group.PauseAll()
	in.logger.Warn("接入层已暂停拉取消息 (背压)")
}

// Resume 实现背压恢复回调: 恢复所有分区的拉取。
func (in *Intake) Resume() {
	in.group.ResumeAll()
	in.logger.Info("接入层已恢复拉取消息")
}

// Run 绑定引擎并驱动消费循环，直到上下文取消或发生不可恢复错误。
// 消费循环因重平衡返回时自动重新加入; 其他错误退避后重试。
func (in *Intake) Run(ctx context.Context, engine *pipeline.Engine) error {
	in.engine = engine

	in.logger.Info("启动 Kafka 消费者组消费...",
		zap.Strings("订阅主题(topics)", in.topics),
	)

	for {
		if err := in.group.Consume(ctx, in.topics, in); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				in.logger.Info("Kafka 消费循环优雅退出 (ErrClosedConsumerGroup)")
				return nil
			}
			in.logger.Error("Kafka 消费过程中发生错误",
				zap.Error(err),
				zap.Strings("订阅主题(topics)", in.topics),
			)
			if ctx.Err() != nil {
				return nil
			}
			in.logger.Info("等待后重试消费...", zap.Duration("重试间隔(retry_after)", 5*time.Second))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Ready 返回一个在首次会话建立后关闭的通道。
func (in *Intake) Ready() <-chan bool {
	return in.ready
}

// Close 关闭消费者组客户端。
func (in *Intake) Close() error {
	in.logger.Info("正在关闭 Kafka 消费者组客户端...")
	if err := in.group.Close(); err != nil {
		in.logger.Error("关闭 Kafka 消费者组客户端失败", zap.Error(err))
		return err
	}
	in.logger.Info("Kafka 消费者组客户端已成功关闭。")
	return nil
}

// Setup 在消费者会话开始时被调用。
func (in *Intake) Setup(session sarama.ConsumerGroupSession) error {
	in.logger.Info("Kafka 消费者组: 会话 Setup 已启动",
		zap.Any("声明的分区(claims)", session.Claims()),
		zap.String("成员ID(member_id)", session.MemberID()),
	)
	in.session.Store(&sessionHolder{session: session})
	in.readyOnce.Do(func() { close(in.ready) })
	return nil
}

// Cleanup 在消费者会话结束时被调用。
// 重平衡前把本会话已标记但尚未提交的偏移量落盘，减少分区易主后的重复投递。
func (in *Intake) Cleanup(session sarama.ConsumerGroupSession) error {
	session.Commit()
	in.logger.Info("Kafka 消费者组: 会话 Cleanup 已启动",
		zap.String("成员ID(member_id)", session.MemberID()),
	)
	return nil
}

// ConsumeClaim 是单个分区的消息接入循环。
// 每条消息经过可选的限速器后进入引擎; 批次聚合、幂等过滤、背压与
// 失败路由都在引擎内完成, 这里只负责投递与会话生命周期。
func (in *Intake) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	in.logger.Info("Kafka 消费者组: ConsumeClaim 已启动",
		zap.String("主题(topic)", claim.Topic()),
		zap.Int32("分区(partition)", claim.Partition()),
		zap.Int64("初始偏移量(initial_offset)", claim.InitialOffset()),
	)

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				in.logger.Info("Kafka 消费者组: 消息通道已关闭，退出 ConsumeClaim",
					zap.String("主题(topic)", claim.Topic()),
					zap.Int32("分区(partition)", claim.Partition()),
				)
				return nil
			}

			if in.limiter != nil {
				if err := in.limiter.Wait(session.Context()); err != nil {
					return nil
				}
			}

			msg := convertMessage(message)
			if err := in.engine.Offer(msg); err != nil {
				if errors.Is(err, pipeline.ErrEngineClosed) {
					in.logger.Info("引擎已关闭，停止接入",
						zap.String("主题(topic)", claim.Topic()),
						zap.Int32("分区(partition)", claim.Partition()),
					)
					return nil
				}
				in.logger.Error("消息进入引擎失败", zap.Error(err),
					zap.String("主题(topic)", message.Topic),
					zap.Int64("偏移量(offset)", message.Offset),
				)
			}

		case <-session.Context().Done():
			in.logger.Info("Kafka 消费者组: 会话上下文已完成，退出 ConsumeClaim",
				zap.String("主题(topic)", claim.Topic()),
				zap.Int32("分区(partition)", claim.Partition()),
			)
			return nil
		}
	}
}

// convertMessage 把 Sarama 消息转换为管道内部的不可变消息记录。
func convertMessage(m *sarama.ConsumerMessage) *models.Message {
	headers := make(models.Headers, len(m.Headers))
	for _, h := range m.Headers {
		if h != nil {
			headers[string(h.Key)] = h.Value
		}
	}
	return &models.Message{
		Topic:      m.Topic,
		Partition:  m.Partition,
		Offset:     m.Offset,
		Key:        m.Key,
		Value:      m.Value,
		Headers:    headers,
		ReceivedAt: time.Now(),
	}
}
