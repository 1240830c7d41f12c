package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/Xushengqwer/go-common/core"
	"github.com/google/uuid" // 用于为DLQ事件生成唯一ID
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/config"
	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/models"
	"github.com/Xushengqwer/consume_engine/internal/resilience"
)

// DLQProducer 实现管道的 DeadLetterSink 接口:
// 把处理失败的消息包装成 DeadLetterEvent 后发送到死信主题。
// 出站路径经过前压保护 (熔断器 + 传输层超时/退避重试)，
// Broker 或死信主题不可用时快速失败，不拖垮消费侧。
type DLQProducer struct {
	producer sarama.SyncProducer
	topic    string
	guard    *resilience.GuardedSender
	logger   *core.ZapLogger
}

// NewDLQProducer 创建死信生产者。
// saramaCfg 必须满足同步生产者要求 (Return.Successes 与 Return.Errors 均为 true)。
func NewDLQProducer(brokers []string, saramaCfg *sarama.Config, topics config.KafkaTopics, logger *core.ZapLogger) (*DLQProducer, error) {
	if topics.DeadLetterQueue == "" {
		logger.Error("'dead_letter_queue' (死信队列) 主题未在配置中定义")
		return nil, fmt.Errorf("'dead_letter_queue' (死信队列) 主题未配置")
	}
	if !saramaCfg.Producer.Return.Successes || !saramaCfg.Producer.Return.Errors {
		logger.Error("Kafka生产者配置错误: 对于同步生产者, Return.Successes 和 Return.Errors 必须都为 true")
		return nil, fmt.Errorf("kafka生产者配置错误: 同步生产者需要 Return.Successes=true 和 Return.Errors=true")
	}

	producer, err := sarama.NewSyncProducer(brokers, saramaCfg)
	if err != nil {
		logger.Error("创建 Kafka 同步生产者失败",
			zap.Strings("brokers", brokers),
			zap.Error(err),
		)
		return nil, fmt.Errorf("创建 Kafka 同步生产者失败: %w", err)
	}
	logger.Info("Kafka 同步生产者创建成功", zap.Strings("brokers", brokers))

	guard := resilience.NewGuardedSender(
		"dlq:"+topics.DeadLetterQueue,
		constants.BreakerFailureThreshold,
		constants.BreakerResetTimeout,
		constants.KafkaProducerSendTimeout,
		constants.KafkaProducerMaxSendRetries,
		constants.KafkaProducerSendRetryDelay,
		logger,
	)

	return &DLQProducer{
		producer: producer,
		topic:    topics.DeadLetterQueue,
		guard:    guard,
		logger:   logger,
	}, nil
}

// Publish 实现 pipeline.DeadLetterSink 接口。
// attemptCount 为用户处理函数被调用的总次数 (含首次)。
func (p *DLQProducer) Publish(ctx context.Context, msg *models.Message, failureReason string, failureClass string, attemptCount int) error {
	if msg == nil {
		p.logger.Warn("Publish: 尝试发送空的原始消息到DLQ")
		return fmt.Errorf("发送到DLQ的原始消息不能为空")
	}

	dlqEventID := uuid.NewString() // 为DLQ事件生成一个新的唯一ID

	dlqEvent := models.DeadLetterEvent{
		DLQEventID:           dlqEventID,
		OriginalTopic:        msg.Topic,
		OriginalPartition:    msg.Partition,
		OriginalOffset:       msg.Offset,
		OriginalMessageKey:   string(msg.Key),
		OriginalMessageValue: string(msg.Value),
		FailureReason:        failureReason,
		FailureClass:         failureClass,
		AttemptCount:         attemptCount,
		RetryCount:           attemptCount - 1,
		FailedAt:             time.Now().UnixMilli(),
		ProcessingService:    constants.ServiceName,
	}

	eventJSON, err := json.Marshal(dlqEvent)
	if err != nil {
		p.logger.Error("Publish: 序列化 DeadLetterEvent 失败",
			zap.String("DLQ事件ID(dlq_event_id)", dlqEventID),
			zap.String("原始主题(original_topic)", msg.Topic),
			zap.Int64("原始偏移量(original_offset)", msg.Offset),
			zap.Error(err),
		)
		return fmt.Errorf("序列化 DeadLetterEvent 失败: %w", err)
	}

	producerMessage := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(dlqEventID),
		Value: sarama.ByteEncoder(eventJSON),
		Headers: []sarama.RecordHeader{
			{Key: []byte("failure_reason"), Value: []byte(failureReason)},
			{Key: []byte("failure_class"), Value: []byte(failureClass)},
			{Key: []byte("attempt_count"), Value: []byte(fmt.Sprintf("%d", attemptCount))},
		},
	}

	sendErr := p.guard.Send(ctx, func(context.Context) error {
		_, _, err := p.producer.SendMessage(producerMessage)
		return err
	})
	if sendErr != nil {
		p.logger.Error("Publish: 发送消息到 Kafka DLQ 主题失败",
			zap.String("DLQ事件ID(dlq_event_id)", dlqEventID),
			zap.String("原始主题(original_topic)", msg.Topic),
			zap.String("熔断器状态(breaker_state)", p.guard.State().String()),
			zap.Error(sendErr),
		)
		return fmt.Errorf("发送消息到 Kafka DLQ 主题失败: %w", sendErr)
	}

	p.logger.Info("成功发送消息到死信队列 (DLQ)",
		zap.String("主题(topic)", p.topic),
		zap.String("DLQ事件ID(dlq_event_id)", dlqEventID),
		zap.String("原始主题(original_topic)", msg.Topic),
		zap.Int64("原始偏移量(original_offset)", msg.Offset),
		zap.String("错误分类(failure_class)", failureClass),
		zap.Int("总尝试次数(attempt_count)", attemptCount),
	)
	return nil
}

// Close 关闭同步生产者。
func (p *DLQProducer) Close() error {
	if p.producer != nil {
		p.logger.Info("正在关闭 Kafka 同步生产者...")
		if err := p.producer.Close(); err != nil {
			p.logger.Error("关闭 Kafka 同步生产者失败", zap.Error(err))
			return err
		}
		p.logger.Info("Kafka 同步生产者已成功关闭。")
	}
	return nil
}
