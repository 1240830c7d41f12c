package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xushengqwer/consume_engine/internal/config"
	"github.com/Xushengqwer/consume_engine/internal/constants"
)

func baseKafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		Version:         "2.8.1",
		ConsumerGroupID: "test_group",
		Producer: config.ProducerConfig{
			RequiredAcks:    "wait_for_all",
			TimeoutMs:       10_000,
			ReturnSuccesses: true,
			ReturnErrors:    true,
		},
		Consumer: config.ConsumerConfig{
			SessionTimeoutMs:    30_000,
			HeartbeatIntervalMs: 10_000,
			Offsets: config.OffsetsConfig{
				AutoCommitEnable: false,
				Initial:          "earliest",
			},
		},
	}
}

func TestGetSaramaConfig_RejectsMissingVersion(t *testing.T) {
	cfg := baseKafkaConfig()
	cfg.Version = ""
	_, err := GetSaramaConfig(cfg, "client", nil)
	assert.Error(t, err)

	cfg.Version = "not-a-version"
	_, err = GetSaramaConfig(cfg, "client", nil)
	assert.Error(t, err)
}

func TestGetSaramaConfig_ProducerAcksMapping(t *testing.T) {
	cases := map[string]sarama.RequiredAcks{
		"no_response":    sarama.NoResponse,
		"wait_for_local": sarama.WaitForLocal,
		"wait_for_all":   sarama.WaitForAll,
		"":               sarama.WaitForAll, // 未配置回落到最安全的选项
	}
	for acks, want := range cases {
		cfg := baseKafkaConfig()
		cfg.Producer.RequiredAcks = acks
		got, err := GetSaramaConfig(cfg, "client", nil)
		require.NoError(t, err)
		assert.Equal(t, want, got.Producer.RequiredAcks, "acks=%q", acks)
	}
}

func TestGetSaramaConfig_IdempotentProducerWithWaitForAll(t *testing.T) {
	cfg := baseKafkaConfig()
	saramaCfg, err := GetSaramaConfig(cfg, "client", nil)
	require.NoError(t, err)

	assert.True(t, saramaCfg.Producer.Idempotent, "acks=all 且版本足够时启用幂等生产者")
	assert.Equal(t, 1, saramaCfg.Net.MaxOpenRequests, "幂等生产者要求单连接飞行请求数为1")
}

func TestGetSaramaConfig_NoIdempotenceWithLocalAcks(t *testing.T) {
	cfg := baseKafkaConfig()
	cfg.Producer.RequiredAcks = "wait_for_local"
	saramaCfg, err := GetSaramaConfig(cfg, "client", nil)
	require.NoError(t, err)

	assert.False(t, saramaCfg.Producer.Idempotent)
}

func TestGetSaramaConfig_InitialOffsetMapping(t *testing.T) {
	cases := map[string]int64{
		"earliest": sarama.OffsetOldest,
		"latest":   sarama.OffsetNewest,
		"":         sarama.OffsetOldest, // 默认 earliest, 新消费者组不跳过存量消息
		"bogus":    sarama.OffsetOldest,
	}
	for initial, want := range cases {
		cfg := baseKafkaConfig()
		cfg.Consumer.Offsets.Initial = initial
		got, err := GetSaramaConfig(cfg, "client", nil)
		require.NoError(t, err)
		assert.Equal(t, want, got.Consumer.Offsets.Initial, "initial=%q", initial)
	}
}

func TestGetSaramaConfig_ConsumerGroupTimings(t *testing.T) {
	cfg := baseKafkaConfig()
	saramaCfg, err := GetSaramaConfig(cfg, "client", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(30_000), saramaCfg.Consumer.Group.Session.Timeout.Milliseconds())
	assert.Equal(t, int64(10_000), saramaCfg.Consumer.Group.Heartbeat.Interval.Milliseconds())
	assert.False(t, saramaCfg.Consumer.Offsets.AutoCommit.Enable, "偏移量由管道按终态手动标记")
	require.Len(t, saramaCfg.Consumer.Group.Rebalance.GroupStrategies, 1)
	assert.Equal(t, sarama.StickyBalanceStrategyName, saramaCfg.Consumer.Group.Rebalance.GroupStrategies[0].Name())
}

func TestGetSaramaConfig_ClientIDFallback(t *testing.T) {
	saramaCfg, err := GetSaramaConfig(baseKafkaConfig(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, constants.ServiceName, saramaCfg.ClientID)

	saramaCfg, err = GetSaramaConfig(baseKafkaConfig(), "custom_client", nil)
	require.NoError(t, err)
	assert.Equal(t, "custom_client", saramaCfg.ClientID)
}

func TestGetSaramaConfig_SASLMechanismMapping(t *testing.T) {
	cfg := baseKafkaConfig()
	cfg.EnableSASL = true
	cfg.SASLUser = "user"
	cfg.SASLPassword = "secret"
	cfg.SASLMechanism = "SCRAM-SHA-512"

	saramaCfg, err := GetSaramaConfig(cfg, "client", nil)
	require.NoError(t, err)
	assert.True(t, saramaCfg.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLTypeSCRAMSHA512, string(saramaCfg.Net.SASL.Mechanism))

	cfg.SASLMechanism = "KERBEROS-ISH"
	_, err = GetSaramaConfig(cfg, "client", nil)
	assert.Error(t, err, "不支持的 SASL 机制被拒绝")
}

func TestConvertMessage(t *testing.T) {
	src := &sarama.ConsumerMessage{
		Topic:     "orders",
		Partition: 3,
		Offset:    42,
		Key:       []byte("key-a"),
		Value:     []byte(`{"order_id":"key-a"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(constants.IdempotencyHeaderKey), Value: []byte("idem-1")},
		},
	}

	msg := convertMessage(src)
	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, int32(3), msg.Partition)
	assert.Equal(t, int64(42), msg.Offset)
	assert.Equal(t, []byte("key-a"), msg.Key)
	assert.Equal(t, "idem-1", msg.Headers.Get(constants.IdempotencyHeaderKey))
	assert.False(t, msg.ReceivedAt.IsZero())
}
