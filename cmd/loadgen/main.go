package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/IBM/sarama"
	"github.com/Xushengqwer/go-common/core"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/config"
	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/kafka"
)

// loadgen 向源主题注入测试流量:
//   - 按键分组的正常消息 (少量键, 多条消息, 用于观察按键顺序与批次聚合)
//   - 带幂等键的重复消息 (同一条消息发送两次, 应只被处理一次)
//   - 毒消息 (处理函数无法解析的负载, 用于观察死信路由)
type payload struct {
	OrderID   string `json:"order_id"`
	Sequence  int    `json:"sequence"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

func main() {
	var configFile string
	var numMessages int
	var keyCount int
	var duplicateEvery int
	var poisonEvery int
	var interval time.Duration

	flag.StringVar(&configFile, "config", "internal/config/config.development.yaml", "指定配置文件的路径")
	flag.IntVar(&numMessages, "n", 100, "要发送的测试消息数量")
	flag.IntVar(&keyCount, "keys", 8, "消息键的数量 (消息轮流落在这些键上)")
	flag.IntVar(&duplicateEvery, "dup-every", 5, "每隔多少条注入一次重复消息 (0 表示不注入)")
	flag.IntVar(&poisonEvery, "poison-every", 13, "每隔多少条注入一条毒消息 (0 表示不注入)")
	flag.DurationVar(&interval, "interval", 100*time.Millisecond, "消息发送间隔")
	flag.Parse()

	var appCfg config.AppConfig
	if err := core.LoadConfig(configFile, &appCfg); err != nil {
		log.Fatalf("致命错误: 加载配置文件 '%s' 失败: %v", configFile, err)
	}

	logger, loggerErr := core.NewZapLogger(appCfg.ZapConfig)
	if loggerErr != nil {
		log.Fatalf("致命错误: 初始化 ZapLogger 失败: %v", loggerErr)
	}
	defer func() {
		_ = logger.Logger().Sync()
	}()

	logger.Info("负载生成器启动，配置文件加载成功。")

	saramaCfg, err := kafka.GetSaramaConfig(appCfg.Kafka, constants.ServiceName+"_loadgen", logger)
	if err != nil {
		logger.Fatal("创建 Kafka Sarama 配置失败", zap.Error(err))
	}
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true

	syncProducer, err := sarama.NewSyncProducer(appCfg.Kafka.Brokers, saramaCfg)
	if err != nil {
		logger.Fatal("创建 Kafka 同步生产者失败",
			zap.Strings("brokers", appCfg.Kafka.Brokers),
			zap.Error(err),
		)
	}
	defer func() {
		logger.Info("正在关闭 Kafka 同步生产者...")
		if err := syncProducer.Close(); err != nil {
			logger.Error("关闭 Kafka 同步生产者失败", zap.Error(err))
		} else {
			logger.Info("Kafka 同步生产者已成功关闭。")
		}
	}()
	logger.Info("Kafka 同步生产者创建成功。")

	if len(appCfg.Kafka.Topics.Sources) == 0 {
		logger.Fatal("配置错误: kafka.topics.sources 未定义任何源主题")
	}
	targetTopic := appCfg.Kafka.Topics.Sources[0]
	logger.Info("将向主题发送消息", zap.String("topic", targetTopic))

	sent, duplicated, poisoned := 0, 0, 0
	for i := 1; i <= numMessages; i++ {
		key := fmt.Sprintf("order_%d", (i%keyCount)+1)
		idempotencyKey := uuid.NewString()

		var value []byte
		poison := poisonEvery > 0 && i%poisonEvery == 0
		if poison {
			// 故意发送非 JSON 负载, 处理函数按校验类失败把它送进死信队列
			value = []byte(fmt.Sprintf("!!poison-%d-%d", i, rand.Int63()))
			poisoned++
		} else {
			p := payload{
				OrderID:   key,
				Sequence:  i,
				Body:      fmt.Sprintf("测试消息 %d - %s", i, time.Now().Format("15:04:05")),
				CreatedAt: time.Now().Unix(),
			}
			value, err = json.Marshal(p)
			if err != nil {
				logger.Error("序列化测试负载失败", zap.Int("sequence", i), zap.Error(err))
				continue
			}
		}

		producerMessage := &sarama.ProducerMessage{
			Topic: targetTopic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte(constants.IdempotencyHeaderKey), Value: []byte(idempotencyKey)},
			},
		}

		repeats := 1
		if duplicateEvery > 0 && i%duplicateEvery == 0 {
			// 相同幂等键发送两次, 消费侧应只处理一次
			repeats = 2
			duplicated++
		}

		for r := 0; r < repeats; r++ {
			partition, offset, err := syncProducer.SendMessage(producerMessage)
			if err != nil {
				logger.Error("发送消息到 Kafka 失败",
					zap.String("topic", targetTopic),
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			sent++
			logger.Info("成功发送消息到 Kafka",
				zap.String("topic", targetTopic),
				zap.String("key", key),
				zap.String("幂等键(idempotency_key)", idempotencyKey),
				zap.Bool("毒消息(poison)", poison),
				zap.Bool("重复注入(duplicate)", r > 0),
				zap.Int32("partition", partition),
				zap.Int64("offset", offset),
			)
		}

		time.Sleep(interval)
	}

	logger.Info("所有测试消息已发送完毕。",
		zap.Int("已发送(sent)", sent),
		zap.Int("重复注入(duplicates)", duplicated),
		zap.Int("毒消息(poison)", poisoned),
	)
}
