package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xushengqwer/consume_engine/internal/models"
)

// fakeSession 记录偏移量标记与提交调用, 用于验证接入层的提交链路。
type fakeSession struct {
	mu      sync.Mutex
	marks   map[string]int64 // "topic/partition" → 已标记的偏移量
	commits int
}

func newFakeSession() *fakeSession {
	return &fakeSession{marks: make(map[string]int64)}
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "fake-member" }
func (s *fakeSession) GenerationID() int32        { return 1 }

func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d", topic, partition)
	if offset > s.marks[key] {
		s.marks[key] = offset
	}
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) ResetOffset(string, int32, int64, string)    {}
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *fakeSession) Context() context.Context                    { return context.Background() }

func (s *fakeSession) markedOffset(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[key]
}

func (s *fakeSession) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func TestIntake_CommitMarksNextOffset(t *testing.T) {
	in := &Intake{}
	session := newFakeSession()
	in.session.Store(&sessionHolder{session: session})

	in.Commit(&models.Message{Topic: "orders", Partition: 0, Offset: 41})
	assert.Equal(t, int64(42), session.markedOffset("orders/0"), "标记的是下一条要消费的偏移量")
	assert.Equal(t, 0, session.commitCount(), "MarkOffset 只暂存, 不触发提交")
}

func TestIntake_FlushCommitsMarkedOffsets(t *testing.T) {
	in := &Intake{}
	session := newFakeSession()
	in.session.Store(&sessionHolder{session: session})

	in.Commit(&models.Message{Topic: "orders", Partition: 0, Offset: 1})
	in.Commit(&models.Message{Topic: "orders", Partition: 0, Offset: 2})
	require.Equal(t, 0, session.commitCount())

	in.Flush()
	assert.Equal(t, 1, session.commitCount(), "Flush 把已标记的偏移量提交到 Broker")
	assert.Equal(t, int64(3), session.markedOffset("orders/0"))
}

func TestIntake_CommitAndFlushWithoutSessionAreNoops(t *testing.T) {
	in := &Intake{}
	assert.NotPanics(t, func() {
		in.Commit(&models.Message{Topic: "orders", Partition: 0, Offset: 1})
		in.Flush()
	}, "会话建立前的提交调用直接跳过")
}
