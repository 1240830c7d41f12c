package pipeline

import (
	"sync"
	"time"

	"github.com/Xushengqwer/go-common/core"
	"go.uber.org/zap"

	"github.com/Xushengqwer/consume_engine/internal/constants"
	"github.com/Xushengqwer/consume_engine/internal/models"
)

// DefaultKeyExtractor 是默认的幂等键提取器:
// 优先取 "x-idempotency-key" 消息头，其次退回到消息Key；
// 两者都为空时返回空字符串，该消息不参与去重。
func DefaultKeyExtractor(msg *models.Message) string {
	if v := msg.Headers.Get(constants.IdempotencyHeaderKey); v != "" {
		return v
	}
	return string(msg.Key)
}

// IdempotencyFilter 在 TTL 窗口内按幂等键去重消息。
// 表是纯内存的有界结构: 查询时惰性判断过期，后台周期性清扫，
// 容量达到上限时淘汰最早过期的条目。跨重启的精确去重不是它的目标，
// 需要时可在同一接口后面接外部存储。
type IdempotencyFilter struct {
	mu        sync.Mutex
	entries   map[string]time.Time // 幂等键 → 过期时间
	ttl       time.Duration
	maxSize   int
	extractor KeyExtractor
	logger    *core.ZapLogger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewIdempotencyFilter 创建幂等过滤器并启动后台清扫。
// ttl/maxSize 传入零值时使用 internal/constants 中的默认值；
// extractor 为 nil 时使用 DefaultKeyExtractor。
func NewIdempotencyFilter(ttl time.Duration, maxSize int, extractor KeyExtractor, logger *core.ZapLogger) *IdempotencyFilter {
	if ttl <= 0 {
		ttl = constants.DefaultIdempotencyTTL
	}
	if maxSize <= 0 {
		maxSize = constants.DefaultIdempotencyMaxEntries
	}
	if extractor == nil {
		extractor = DefaultKeyExtractor
	}

	f := &IdempotencyFilter{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		maxSize:   maxSize,
		extractor: extractor,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	go f.sweepLoop()
	return f
}

// ShouldProcess 判断消息是否应该进入处理流程。
// 返回 false 表示该消息是 TTL 窗口内的重复投递，调用方应直接确认并跳过。
// 返回 true 时，幂等键已被登记，窗口内的后续重复都会被拦截。
func (f *IdempotencyFilter) ShouldProcess(msg *models.Message) bool {
	key := f.extractor(msg)
	if key == "" {
		return true
	}

	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if expiresAt, ok := f.entries[key]; ok && now.Before(expiresAt) {
		return false
	}

	if len(f.entries) >= f.maxSize {
		f.evictOldestLocked()
	}
	f.entries[key] = now.Add(f.ttl)
	return true
}

// evictOldestLocked 淘汰最早过期的条目，为新条目腾出空间。
// 只在容量触顶时走到这里；线性扫描换取零额外索引结构。
func (f *IdempotencyFilter) evictOldestLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	for k, exp := range f.entries {
		if oldestKey == "" || exp.Before(oldestExpiry) {
			oldestKey = k
			oldestExpiry = exp
		}
	}
	if oldestKey != "" {
		delete(f.entries, oldestKey)
		if f.logger != nil {
			f.logger.Warn("幂等表已满，淘汰最早过期的条目",
				zap.Int("容量上限(max_entries)", f.maxSize),
			)
		}
	}
}

// sweepLoop 周期性移除过期条目，约束幂等表的内存占用。
func (f *IdempotencyFilter) sweepLoop() {
	ticker := time.NewTicker(constants.IdempotencySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.stopCh:
			return
		}
	}
}

func (f *IdempotencyFilter) sweep() {
	now := time.Now()
	removed := 0

	f.mu.Lock()
	for k, exp := range f.entries {
		if !now.Before(exp) {
			delete(f.entries, k)
			removed++
		}
	}
	remaining := len(f.entries)
	f.mu.Unlock()

	if removed > 0 && f.logger != nil {
		f.logger.Debug("幂等表清扫完成",
			zap.Int("移除条目数(removed)", removed),
			zap.Int("剩余条目数(remaining)", remaining),
		)
	}
}

// Size 返回当前幂等表中的条目数 (含尚未清扫的过期条目)。
func (f *IdempotencyFilter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Stop 停止后台清扫。过滤器本身仍可继续使用。
func (f *IdempotencyFilter) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}
