// File: main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/config"
	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/kafka"
	"github.com/Xushengqwer/consume_engine/internal/metrics"
	"github.com/Xushengqwer/consume_engine/internal/models"
	"github.com/Xushengqwer/consume_engine/internal/pipeline"
)

// newDemoHandler 构造演示处理函数: 负载必须是 JSON 对象。
// 解析失败返回校验类错误 (不重试, 直接进入死信队列)。
func newDemoHandler(logger *core.ZapLogger) pipeline.HandlerFunc {
	return func(ctx context.Context, msg *models.Message) error {
		var payload map[string]interface{}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			return pipeline.Validation(fmt.Errorf("负载不是合法的JSON对象: %w", err))
		}
		if logger != nil {
			logger.Info("处理消息",
				zap.String("主题(topic)", msg.Topic),
				zap.Int32("分区(partition)", msg.Partition),
				zap.Int64("偏移量(offset)", msg.Offset),
				zap.Int("负载字段数(payload_fields)", len(payload)),
			)
		}
		return nil
	}
}

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "internal/config/config.development.yaml", "指定配置文件的路径")
	flag.Parse()

	var cfg config.AppConfig
	if err := core.LoadConfig(configFile, &cfg); err != nil {
		log.Fatalf("致命错误: 加载配置文件 '%s' 失败: %v", configFile, err)
	}

	logger, loggerErr := core.NewZapLogger(cfg.ZapConfig)
	if loggerErr != nil {
		log.Fatalf("致命错误: 初始化 ZapLogger 失败: %v", loggerErr)
	}
	defer func() {
		logger.Info("正在同步所有日志条目...")
		if err := logger.Logger().Sync(); err != nil {
			log.Printf("警告: ZapLogger Sync 操作失败: %v\n", err)
		}
	}()
	logger.Info("Logger 初始化成功。")

	// --- 指标出口 ---
	sink := metrics.NewPrometheusSink("consume_engine", nil)
	logger.Info("Prometheus 指标出口初始化成功。")

	// --- Kafka 相关初始化 ---
	saramaCfg, err := kafka.GetSaramaConfig(cfg.Kafka, constants.ServiceName, logger)
	if err != nil {
		logger.Fatal("创建 Kafka Sarama 配置失败", zap.Error(err))
	}
	logger.Info("Kafka Sarama 配置创建成功。")

	dlqProducer, err := kafka.NewDLQProducer(cfg.Kafka.Brokers, saramaCfg, cfg.Kafka.Topics, logger)
	if err != nil {
		logger.Fatal("初始化死信生产者失败", zap.Error(err))
	}
	defer func() {
		if err := dlqProducer.Close(); err != nil {
			logger.Error("关闭死信生产者失败", zap.Error(err))
		}
	}()
	logger.Info("死信生产者初始化成功。")

	intake, err := kafka.NewIntake(cfg.Kafka, cfg.Pipeline, saramaCfg, logger)
	if err != nil {
		logger.Fatal("初始化 Kafka 接入层失败", zap.Error(err))
	}
	defer func() {
		if err := intake.Close(); err != nil {
			logger.Error("关闭 Kafka 接入层失败", zap.Error(err))
		}
	}()

	// --- 处理函数注册 ---
	// 每个源主题注册一个处理函数。这里是演示处理器: 校验负载并记录内容,
	// 无法解析的负载按校验类失败进入死信路由。实际部署时在此替换为业务处理逻辑。
	registry := pipeline.NewHandlerRegistry()
	for _, topic := range cfg.Kafka.Topics.Sources {
		t := topic
		if err := registry.Register(t, newDemoHandler(logger)); err != nil {
			logger.Fatal("注册处理函数失败", zap.String("主题(topic)", t), zap.Error(err))
		}
	}
	logger.Info("处理函数注册完成。", zap.Strings("主题(topics)", cfg.Kafka.Topics.Sources))

	// --- 消费引擎组装 ---
	engine, err := pipeline.NewEngine(cfg.Pipeline, logger, pipeline.Options{
		Registry:    registry,
		DLQ:         dlqProducer,
		Metrics:     sink,
		Commit:      intake.Commit,
		CommitFlush: intake.Flush,
		OnPause:     intake.Pause,
		OnResume:    intake.Resume,
	})
	if err != nil {
		logger.Fatal("组装消费引擎失败", zap.Error(err))
	}
	engine.Start()
	logger.Info("消费引擎启动成功。")

	// --- 启动 Kafka 消费 ---
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := intake.Run(runCtx, engine); err != nil {
			logger.Error("Kafka 消费循环运行出错或已停止", zap.Error(err))
			sink.SetHealthy(false)
		}
	}()
	logger.Info("Kafka 消费已在后台goroutine启动。")

	receivedSignal := <-sigChan
	logger.Info("收到关闭信号，开始优雅关闭服务...", zap.String("信号", receivedSignal.String()))

	// 关闭顺序: 先停止接入 (不再有新消息进入引擎)，再排空引擎在途工作。
	// 生产者与客户端的关闭由 defer 处理。
	runCancel()
	if err := intake.Close(); err != nil {
		logger.Error("停止接入层时出错", zap.Error(err))
	}
	if err := engine.Close(); err != nil {
		logger.Error("消费引擎关闭时仍有未完成的工作", zap.Error(err))
	}

	logger.Info("服务已成功关闭。")
}
