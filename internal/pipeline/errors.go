package pipeline

import (
	"errors"
	"fmt"
)

// ErrorClass 是处理失败的分类。
// 分类决定失败路由器的行为: Transient 重试, Validation 直接进入死信队列,
// Unknown 按 Transient 处理但同样受最大重试次数约束。
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota // 未分类错误: 重试至上限后进入DLQ
	ClassTransient                 // 瞬时错误 (网络/超时): 重试
	ClassValidation                // 校验错误 (消息格式非法): 不重试, 直接DLQ
)

// String 返回分类的小写名称，用于DLQ事件与日志字段。
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ClassifiedError 携带分类信息的处理错误。
// 用户处理函数通过 Transient()/Validation() 包装返回值来声明分类，
// 未包装的错误一律按 ClassUnknown 处理。
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient 将错误标记为瞬时类 (可重试)。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Validation 将错误标记为校验类 (不可重试, 直接DLQ)。
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassValidation, Err: err}
}

// ClassOf 返回错误的分类；无法识别时返回 ClassUnknown。
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// RetryPredicate 由调用方提供，决定某次失败是否应该重试。
// attempt 为已经执行过的处理次数 (首次失败时为 1)。
type RetryPredicate func(err error, attempt int) bool

// DefaultShouldRetry 是默认的重试判定:
// 校验类错误永不重试，瞬时类与未分类错误均可重试 (次数上限由路由器控制)。
func DefaultShouldRetry(err error, attempt int) bool {
	return ClassOf(err) != ClassValidation
}

// ErrEngineClosed 表示引擎已经关闭，不再接受新消息。
var ErrEngineClosed = errors.New("消费引擎已关闭")

// ErrShutdownTimeout 表示优雅关闭超时，部分消息未达到终态。
// 这些消息未被提交偏移量，重启后会被 Kafka 重新投递，由幂等过滤器吸收重复。
var ErrShutdownTimeout = errors.New("优雅关闭超时: 存在未到达终态的消息")
