package pipeline

import (
	"fmt"
	"sync"
)

// Handler 是一个主题的处理能力描述。
// Single 与 Batch 二选一注册；同时存在时优先使用 Batch。
type Handler struct {
	Single HandlerFunc
	Batch  BatchHandlerFunc
}

// HandlerRegistry 维护 主题 → 处理函数 的映射。
// 所有注册必须在启动阶段完成；引擎启动时调用 Freeze()，
// 之后 Resolve 走无锁读路径 (表在启动时一次性固化)。
type HandlerRegistry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	frozen   bool
}

// NewHandlerRegistry 创建一个空的处理函数注册表。
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register 为指定主题注册单条消息处理函数。
func (r *HandlerRegistry) Register(topic string, fn HandlerFunc) error {
	return r.put(topic, Handler{Single: fn})
}

// RegisterBatch 为指定主题注册键组整体处理函数。
func (r *HandlerRegistry) RegisterBatch(topic string, fn BatchHandlerFunc) error {
	return r.put(topic, Handler{Batch: fn})
}

func (r *HandlerRegistry) put(topic string, h Handler) error {
	if topic == "" {
		return fmt.Errorf("注册处理函数失败: 主题不能为空")
	}
	if h.Single == nil && h.Batch == nil {
		return fmt.Errorf("注册处理函数失败: 主题 '%s' 的处理函数不能为空", topic)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("注册处理函数失败: 注册表已冻结 (必须在引擎启动前注册)")
	}
	if _, ok := r.handlers[topic]; ok {
		return fmt.Errorf("注册处理函数失败: 主题 '%s' 已注册", topic)
	}
	r.handlers[topic] = h
	return nil
}

// Freeze 固化注册表。之后的 Register 调用会失败，Resolve 不再加锁。
func (r *HandlerRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve 返回主题的处理能力。
// 未注册的主题视为校验类失败 (消息会被直接路由到死信队列)。
func (r *HandlerRegistry) Resolve(topic string) (Handler, error) {
	if !r.frozen {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	h, ok := r.handlers[topic]
	if !ok {
		return Handler{}, Validation(fmt.Errorf("主题 '%s' 没有注册处理函数", topic))
	}
	return h, nil
}

// Topics 返回已注册的主题列表 (顺序不保证)。
func (r *HandlerRegistry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
