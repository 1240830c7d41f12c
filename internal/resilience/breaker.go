package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"github.com/eapache/go-resiliency/retrier"
	"go.uber.org/zap"
)

// State 是熔断器的状态。
type State int32

const (
	StateClosed   State = iota // 关闭: 正常放行
	StateOpen                  // 打开: 快速失败, 不发起网络调用
	StateHalfOpen              // 半开: 只放行一次试探
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen 表示熔断器处于打开状态，发送被快速拒绝。
// 该错误与消息处理错误是两类事情: 它属于出站传输路径，调用方据此降级或延后。
var ErrCircuitOpen = errors.New("熔断器处于打开状态，发送被拒绝")

// CircuitBreaker 是出站目的地 (Broker / DLQ) 的前压保护。
//
//	CLOSED → OPEN:      连续失败达到 failureThreshold
//	OPEN → HALF_OPEN:   打开满 resetTimeout 之后
//	HALF_OPEN → CLOSED: 唯一一次试探成功
//	HALF_OPEN → OPEN:   试探失败, 重新计时
//
// 状态只在一把锁下变更，并发调用者不会各自做出开合决策。
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	resetTimeout     time.Duration

	state        State
	failureCount int // 连续失败计数 (CLOSED 态)
	openedAt     time.Time
	probing      bool // HALF_OPEN 态是否已放行试探

	logger *core.ZapLogger
}

// NewCircuitBreaker 创建熔断器。name 仅用于日志标识。
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, logger *core.ZapLogger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
	}
}

// Allow 判定一次发送是否放行。
// OPEN 态在 resetTimeout 到期前一律返回 ErrCircuitOpen；到期后转入 HALF_OPEN
// 并放行唯一一次试探，其余并发调用继续快速失败。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		if cb.logger != nil {
			cb.logger.Info("熔断器进入半开状态，放行一次试探",
				zap.String("目的地(destination)", cb.name),
			)
		}
		return nil
	default: // StateHalfOpen
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
}

// OnSuccess 记录一次成功。半开态的试探成功会关闭熔断器。
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failureCount = 0
		cb.probing = false
		if cb.logger != nil {
			cb.logger.Info("试探发送成功，熔断器已关闭",
				zap.String("目的地(destination)", cb.name),
			)
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// OnFailure 记录一次失败。
// 关闭态连续失败达到阈值时打开；半开态的试探失败立即重新打开并重新计时。
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.openLocked()
		}
	case StateHalfOpen:
		cb.openLocked()
	}
}

// openLocked 打开熔断器并重置计时。调用方必须持有锁。
func (cb *CircuitBreaker) openLocked() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.probing = false
	if cb.logger != nil {
		cb.logger.Warn("熔断器已打开，后续发送将快速失败",
			zap.String("目的地(destination)", cb.name),
			zap.Int("连续失败次数(failure_count)", cb.failureCount),
			zap.Duration("重置超时(reset_timeout)", cb.resetTimeout),
		)
	}
}

// Do 在熔断器保护下执行一次发送并记录结果。
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.OnFailure()
		return err
	}
	cb.OnSuccess()
	return nil
}

// State 返回当前状态 (仅用于指标与日志)。
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GuardedSender 组合熔断器与传输层重试，保护一条出站发送路径。
// 每次发送带硬超时；传输层的有界指数退避重试 (go-resiliency retrier)
// 整体算作熔断器的一次尝试。这里的重试与失败路由器的消息级重试相互独立:
// 前者管一次网络发送，后者管一条消息的业务处理。
type GuardedSender struct {
	breaker *CircuitBreaker
	retrier *retrier.Retrier
	timeout time.Duration
	logger  *core.ZapLogger
}

// NewGuardedSender 创建受保护的发送器。
// maxRetries 为传输层重试次数，retryDelay 为其指数退避基数。
func NewGuardedSender(
	name string,
	failureThreshold int,
	resetTimeout time.Duration,
	sendTimeout time.Duration,
	maxRetries int,
	retryDelay time.Duration,
	logger *core.ZapLogger,
) *GuardedSender {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &GuardedSender{
		breaker: NewCircuitBreaker(name, failureThreshold, resetTimeout, logger),
		retrier: retrier.New(retrier.ExponentialBackoff(maxRetries, retryDelay), nil),
		timeout: sendTimeout,
		logger:  logger,
	}
}

// Send 执行一次受保护的发送。
// 熔断器打开时立即返回 ErrCircuitOpen，不消耗任何网络资源。
func (g *GuardedSender) Send(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.breaker.Do(func() error {
		return g.retrier.RunCtx(ctx, func(rctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(rctx, g.timeout)
			defer cancel()
			return fn(attemptCtx)
		})
	})
}

// State 返回底层熔断器的状态。
func (g *GuardedSender) State() State {
	return g.breaker.State()
}
