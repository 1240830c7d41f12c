package models

import "time"

// Headers 保存消息的头部字段。
// Kafka 的消息头允许同名多值，但本服务内部只关心"最后一个值"，
// 因此简化为 map 形式，键为头部名称，值为原始字节。
type Headers map[string][]byte

// Get 返回指定头部的字符串值；不存在时返回空字符串。
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return string(h[key])
}

// Message 是消费管道内部流转的不可变消息记录。
// 由 Kafka 接入层在收到消息时创建一次，之后任何组件都不得修改它。
type Message struct {
	Topic      string    // 消息所属的主题
	Partition  int32     // 消息所在的分区
	Offset     int64     // 消息在分区内的偏移量
	Key        []byte    // 消息的Key (用于按键分组与保序)
	Value      []byte    // 消息体
	Headers    Headers   // 消息头
	ReceivedAt time.Time // 接入层收到消息的本地时间
}

// GroupKey 返回用于按键分组的字符串键。
// 消息没有 Key 时返回空字符串，由聚合器决定退化行为。
func (m *Message) GroupKey() string {
	return string(m.Key)
}
