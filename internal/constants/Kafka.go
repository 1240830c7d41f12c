package constants

import "time"

const (
	KafkaProducerMaxSendRetries = 3                      // 发送消息到Kafka的最大传输层重试次数
	KafkaProducerSendRetryDelay = 500 * time.Millisecond // 传输层重试的基础退避时间
	KafkaProducerSendTimeout    = 10 * time.Second       // 单次发送的硬超时

	BreakerFailureThreshold = 5                // 熔断器连续失败多少次后打开
	BreakerResetTimeout     = 30 * time.Second // 熔断器打开后多久进入半开状态
)
