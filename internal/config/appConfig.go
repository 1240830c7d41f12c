package config

import "github.com/Xushengqwer/go-common/config"

// AppConfig 是整个应用的配置结构体
type AppConfig struct {
	ZapConfig config.ZapConfig `mapstructure:"zapConfig" json:"zapConfig" yaml:"zapConfig"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"` // 消费管道 (批次/背压/幂等/重试) 配置
}
