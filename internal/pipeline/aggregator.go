package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/models"
)

// KeyGroup 是一个批次内共享同一分组键的消息序列。
// 组内消息严格保持到达顺序，这是全管道按键保序的基础。
type KeyGroup struct {
	Key      string
	Messages []*models.Message
}

// Batch 是一个已按键分组的消息批次。
// 关闭后不可变，所有权移交给调度器，直到其中每个键组都到达终态。
type Batch struct {
	Groups       map[string]*KeyGroup
	Order        []string // 键组首条消息的到达顺序，保证遍历确定性
	OpenedAt     time.Time
	MessageCount int

	// Acked 是被幂等过滤器拦截的重复消息。它们不经过用户处理，
	// 但偏移量必须与本批次一起提交: 重复消息的偏移量可能大于
	// 同分区仍未到终态的前序消息，提前提交会在崩溃时丢掉前序消息。
	Acked []*models.Message
}

// Messages 按键组到达顺序展开批次内的全部消息。
func (b *Batch) Messages() []*models.Message {
	out := make([]*models.Message, 0, b.MessageCount)
	for _, key := range b.Order {
		out = append(out, b.Groups[key].Messages...)
	}
	return out
}

// BatchAggregator 将消息聚合为按键分组的批次。
// 只维护一个打开的批次；达到大小上限或超时即关闭并推入下游通道，
// 关闭与重开在同一把锁下完成，消息不会在间隙中丢失。
type BatchAggregator struct {
	mu            sync.Mutex
	batchSize     int // 配置的批次大小
	effectiveSize int // 当前生效的批次大小 (可被内存监控收缩)
	batchTimeout  time.Duration
	groupByKey    bool
	keyFn         GroupKeyFunc

	open  *Batch
	timer *time.Timer
	out   chan *Batch

	stopped bool
	logger  *core.ZapLogger
}

// NewBatchAggregator 创建批次聚合器。
// keyFn 为 nil 时使用消息Key分组；groupByKey 为 false 时每条消息独立成组
// (不再有同键顺序约束，并行度只受调度器的并发上限限制)。
func NewBatchAggregator(batchSize int, batchTimeout time.Duration, groupByKey bool, keyFn GroupKeyFunc, logger *core.ZapLogger) *BatchAggregator {
	if batchSize <= 0 {
		batchSize = constants.DefaultBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = constants.DefaultBatchTimeout
	}
	if keyFn == nil {
		keyFn = func(msg *models.Message) string { return msg.GroupKey() }
	}
	return &BatchAggregator{
		batchSize:     batchSize,
		effectiveSize: batchSize,
		batchTimeout:  batchTimeout,
		groupByKey:    groupByKey,
		keyFn:         keyFn,
		out:           make(chan *Batch, 4),
		logger:        logger,
	}
}

// Offer 将一条消息放入当前打开的批次。
// 批次因此达到大小上限时同步关闭并推入下游。
func (a *BatchAggregator) Offer(msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrEngineClosed
	}

	if a.open == nil {
		a.openLocked()
	}

	key := a.groupKeyFor(msg)
	group, ok := a.open.Groups[key]
	if !ok {
		group = &KeyGroup{Key: key}
		a.open.Groups[key] = group
		a.open.Order = append(a.open.Order, key)
	}
	group.Messages = append(group.Messages, msg)
	a.open.MessageCount++

	if a.open.MessageCount+len(a.open.Acked) >= a.effectiveSize {
		a.closeLocked("size")
	}
	return nil
}

// OfferAcked 将一条已确认的重复消息挂到当前打开的批次上。
// 它不参与分组与处理，只等待批次到达终态后随批次提交偏移量。
func (a *BatchAggregator) OfferAcked(msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrEngineClosed
	}
	if a.open == nil {
		a.openLocked()
	}
	a.open.Acked = append(a.open.Acked, msg)

	if a.open.MessageCount+len(a.open.Acked) >= a.effectiveSize {
		a.closeLocked("size")
	}
	return nil
}

// groupKeyFor 计算消息的分组键。
// 关闭按键分组时，用 分区-偏移量 构造每条消息独有的键；
// 消息没有Key时同样退化为独立分组，避免所有无Key消息串行在一个组里。
func (a *BatchAggregator) groupKeyFor(msg *models.Message) string {
	if a.groupByKey {
		if k := a.keyFn(msg); k != "" {
			return k
		}
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

// openLocked 打开一个新批次并启动超时定时器。调用方必须持有锁。
func (a *BatchAggregator) openLocked() {
	a.open = &Batch{
		Groups:   make(map[string]*KeyGroup),
		OpenedAt: time.Now(),
	}
	a.timer = time.AfterFunc(a.batchTimeout, a.onTimeout)
}

// onTimeout 批次超时回调。
// 批次只在第一条消息进入时打开，因此打开的批次必然非空，到时即关闭。
func (a *BatchAggregator) onTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		a.closeLocked("timeout")
	}
}

// closeLocked 关闭当前批次并推入下游通道。调用方必须持有锁。
// 在锁内发送保证批次按关闭顺序进入下游；通道有界，下游积压时
// Offer 会在这里阻塞，这本身就是对上游的自然背压。
func (a *BatchAggregator) closeLocked(reason string) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	closed := a.open
	a.open = nil

	if a.logger != nil {
		a.logger.Debug("批次已关闭",
			zap.String("关闭原因(reason)", reason),
			zap.Int("消息数(message_count)", closed.MessageCount),
			zap.Int("键组数(key_groups)", len(closed.Groups)),
			zap.Int("已确认重复数(acked_count)", len(closed.Acked)),
			zap.Duration("批次时长(open_duration)", time.Since(closed.OpenedAt)),
		)
	}
	a.out <- closed
}

// Batches 返回已关闭批次的下游通道。Stop 后通道关闭。
func (a *BatchAggregator) Batches() <-chan *Batch {
	return a.out
}

// SetBatchSize 调整当前生效的批次大小 (内存监控在告警水位收缩/恢复时调用)。
func (a *BatchAggregator) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n == a.effectiveSize {
		return
	}
	if a.logger != nil {
		a.logger.Info("批次大小已调整",
			zap.Int("原大小(old_size)", a.effectiveSize),
			zap.Int("新大小(new_size)", n),
		)
	}
	a.effectiveSize = n
	// 仅对后续打开的批次以及当前批次的关闭判定生效
	if a.open != nil && a.open.MessageCount+len(a.open.Acked) >= a.effectiveSize {
		a.closeLocked("size")
	}
}

// BatchSize 返回配置的批次大小 (非当前生效值)。
func (a *BatchAggregator) BatchSize() int {
	return a.batchSize
}

// Flush 立即关闭当前打开的批次 (优雅关闭时排空用)。
func (a *BatchAggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		a.closeLocked("flush")
	}
}

// Stop 停止聚合器: 排空当前批次后关闭下游通道。之后的 Offer 返回 ErrEngineClosed。
func (a *BatchAggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if a.open != nil {
		a.closeLocked("stop")
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.stopped = true
	close(a.out)
}
