package constants

// ServiceName 是本服务的名称，用于 Kafka ClientID、DLQ 事件溯源与日志标识。
const ServiceName = "consume-engine-service"
